package httpapi

import v1 "taskchat/contracts/realtime/v1"

type sendRequest struct {
	RecipientID string  `json:"recipient_id"`
	Content     string  `json:"content"`
	TaskID      *string `json:"task_id"`
}

type readAllRequest struct {
	TaskID        *string `json:"task_id"`
	CounterpartID *string `json:"counterpart_id"`
	FromSender    *string `json:"from_sender"`
}

type assignmentEventRequest struct {
	Type       string  `json:"type"`
	Assignment string  `json:"assignment"`
	Writer     *string `json:"writer"`
	Status     *string `json:"status"`
}

type listResponse struct {
	Messages []v1.ConversationEntry `json:"messages"`
}

type readAllResponse struct {
	Marked int `json:"marked"`
}

type unreadResponse struct {
	Unread int `json:"unread"`
}
