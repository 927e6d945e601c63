// Package notify invokes the out-of-band notification dispatcher that sends
// email on assignment status changes and assignment-taken events.
package notify

import (
	"errors"
	"strings"
)

// Kind is the payload discriminator carried as "type" on the wire.
type Kind string

const (
	KindStatusChanged   Kind = "status_changed"
	KindAssignmentTaken Kind = "assignment_taken"
)

var ErrInvalidPayload = errors.New("invalid notification payload")

// Payload is one of StatusChanged or AssignmentTaken.
type Payload interface {
	Kind() Kind
	wire() (wirePayload, error)
}

// StatusChanged reports that an assignment moved to a new status.
type StatusChanged struct {
	Assignment string
	Status     string
	Writer     string // optional
}

// AssignmentTaken reports that a writer took an assignment.
type AssignmentTaken struct {
	Assignment string
	Writer     string
}

func (StatusChanged) Kind() Kind   { return KindStatusChanged }
func (AssignmentTaken) Kind() Kind { return KindAssignmentTaken }

type wirePayload struct {
	Type       Kind   `json:"type"`
	Assignment string `json:"assignment"`
	Writer     string `json:"writer,omitempty"`
	Status     string `json:"status,omitempty"`
}

func (p StatusChanged) wire() (wirePayload, error) {
	w := wirePayload{
		Type:       KindStatusChanged,
		Assignment: strings.TrimSpace(p.Assignment),
		Status:     strings.TrimSpace(p.Status),
		Writer:     strings.TrimSpace(p.Writer),
	}
	if w.Assignment == "" || w.Status == "" {
		return wirePayload{}, ErrInvalidPayload
	}
	return w, nil
}

func (p AssignmentTaken) wire() (wirePayload, error) {
	w := wirePayload{
		Type:       KindAssignmentTaken,
		Assignment: strings.TrimSpace(p.Assignment),
		Writer:     strings.TrimSpace(p.Writer),
	}
	if w.Assignment == "" || w.Writer == "" {
		return wirePayload{}, ErrInvalidPayload
	}
	return w, nil
}

// ParsePayload builds a Payload from its wire fields.
func ParsePayload(kind, assignment, writer, status string) (Payload, error) {
	var p Payload
	switch Kind(strings.TrimSpace(kind)) {
	case KindStatusChanged:
		p = StatusChanged{Assignment: assignment, Status: status, Writer: writer}
	case KindAssignmentTaken:
		p = AssignmentTaken{Assignment: assignment, Writer: writer}
	default:
		return nil, ErrInvalidPayload
	}
	if _, err := p.wire(); err != nil {
		return nil, err
	}
	return p, nil
}
