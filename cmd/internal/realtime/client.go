package realtime

import (
	"sync"

	v1 "taskchat/contracts/realtime/v1"
)

// Client is the outbound side of one WebSocket session.
//
// Send is never closed: view-model listeners and presence observers push
// into it from their own goroutines, and done tells them to stop.
type Client struct {
	SessionID string
	UserID    string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = wsMinSendQueueSize
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done is closed when the session is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close marks the client done (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// TryEnqueue queues env without blocking. It reports false when the client
// is closed or its queue is full.
func (c *Client) TryEnqueue(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
