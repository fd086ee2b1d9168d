// Package autoreply hands inbound traffic from the receive path to a
// dedicated worker that composes and sends a reply.
package autoreply

import (
	"context"
	"time"

	"smsd/pkg/logx"
)

// Payload is one inbound message handed off for a possible auto-reply.
type Payload struct {
	ProviderID string // may be empty
	From       string
	To         string
	Body       string
}

// Queue is the in-memory, non-durable hand-off between the receive path and
// the worker. It is best-effort: contents are lost on restart, and when the
// buffer is full new payloads are dropped with a warning rather than
// blocking the receive path.
type Queue struct {
	ch  chan Payload
	log logx.Logger
}

func NewQueue(size int, log logx.Logger) *Queue {
	if size <= 0 {
		size = 1024
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{ch: make(chan Payload, size), log: log}
}

// Enqueue is called by the inbound receive path after persisting the record,
// only when auto-reply is enabled.
func (q *Queue) Enqueue(p Payload) {
	select {
	case q.ch <- p:
	default:
		q.log.Warn("auto-reply queue full; dropping payload",
			logx.String("from", p.From), logx.Int("queue_cap", cap(q.ch)))
	}
}

// Dequeue waits up to timeout for the next payload. The bounded wait lets
// the worker observe shutdown without blocking indefinitely.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Payload, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return Payload{}, false
	case <-t.C:
		return Payload{}, false
	case p := <-q.ch:
		return p, true
	}
}

func (q *Queue) Len() int { return len(q.ch) }
