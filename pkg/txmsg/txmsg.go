// Package txmsg defines the transactional message contract: a half message is
// prepared, a local executor runs, and the outcome decides whether the message
// is delivered. Outcomes left unknown are resolved later by a reconciler.
package txmsg

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Outcome is the verdict on a half message.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeCommit
	OutcomeRollback
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommit:
		return "commit"
	case OutcomeRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Envelope is the routable part of a message.
type Envelope struct {
	Topic string
	Tag   string
	Key   string
	Body  []byte
}

// Message is a half message handed to a reconciler.
type Message struct {
	ID         uuid.UUID
	Envelope   Envelope
	CheckCount int
	CreatedAt  time.Time
}

// Executor runs the local transaction once the half message is durable.
type Executor func(ctx context.Context) Outcome

// Reconciler answers a check-back for a message whose outcome is still unknown.
// It must be side-effect free and may be called any number of times.
type Reconciler func(ctx context.Context, msg Message) Outcome

// SendResult reports what happened to a transactional send.
type SendResult struct {
	MessageID uuid.UUID
	Outcome   Outcome
}

// Committed reports whether the message will be delivered.
func (r SendResult) Committed() bool {
	return r.Outcome == OutcomeCommit
}

// Broker sends transactional messages.
type Broker interface {
	SendTransactional(ctx context.Context, env Envelope, exec Executor, reconcile Reconciler) (SendResult, error)
}

// Sender delivers a message immediately, with no transactional guarantees.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, env Envelope) error

func (f SenderFunc) Send(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}
