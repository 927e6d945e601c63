package messaging

import "strings"

// Scope selects one conversation: all messages of a task, or all messages
// between the caller and one counterpart. Exactly one field is set.
type Scope struct {
	TaskID        string
	CounterpartID string
}

func TaskScope(taskID string) Scope { return Scope{TaskID: strings.TrimSpace(taskID)} }

func CounterpartScope(userID string) Scope {
	return Scope{CounterpartID: strings.TrimSpace(userID)}
}

// IsTask reports whether s is a task scope.
func (s Scope) IsTask() bool { return s.TaskID != "" }

func (s Scope) validate() error {
	if (s.TaskID == "") == (s.CounterpartID == "") {
		return errScope
	}
	return nil
}

func (s Scope) String() string {
	if s.IsTask() {
		return "task:" + s.TaskID
	}
	return "counterpart:" + s.CounterpartID
}

var errScope = &Error{Op: "messaging.scope", Kind: ErrValidation, Msg: "exactly one of task or counterpart is required"}
