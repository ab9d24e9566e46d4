package queue

import (
	"context"
	"time"

	"github.com/vdavid/vmail/engine/internal/db"
)

// TaskOptions are the scheduling properties a task declares.
type TaskOptions struct {
	// GroupKey serializes tasks: at most one task per key runs at a time,
	// in enqueue order.
	GroupKey string
	// Priority orders eligible tasks across groups; higher runs first.
	Priority int
	// Persistent tasks are written to the store and resume after a restart.
	Persistent bool
	// RequiresNetwork tasks wait for the connectivity monitor before running.
	RequiresNetwork bool
	// RetryLimit caps transient retries. Zero means the queue default and
	// NoRetries fails the task on its first transient error.
	RetryLimit int
}

// NoRetries is the RetryLimit of a task that must not be retried.
const NoRetries = -1

// Task is one unit of mutation work.
//
// Apply is the optimistic local phase. It runs once, inside a store
// transaction, when the task becomes the head of its group. Execute is the
// remote phase and may run several times.
type Task interface {
	Kind() string
	Options() TaskOptions
	Apply(ctx context.Context, tx db.Querier) error
	Execute(ctx context.Context) error
}

// Reversible tasks can undo their local phase after a terminal failure.
type Reversible interface {
	Compensate(ctx context.Context, tx db.Querier) error
}

// Finalizer tasks get a hook on every terminal outcome, in the same
// transaction that removes the task record.
type Finalizer interface {
	Finalize(ctx context.Context, tx db.Querier, succeeded bool) error
}

// Targeted tasks report the message IDs they mutate, local or
// server-assigned. Targets is read again after the local phase.
type Targeted interface {
	Targets() []string
}

// Decoder rebuilds a task from its persisted kind and parameters.
type Decoder interface {
	Decode(kind string, params []byte) (Task, error)
}

// Status is a terminal task outcome.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusNoNetwork Status = "no_network"
)

// Failure reasons set by the queue itself. Remote rejections carry the
// remote error code instead.
const (
	ReasonCancelled       = "cancelled"
	ReasonRetriesExceeded = "retries_exceeded"
	ReasonApplyFailed     = "apply_failed"
	ReasonUndecodable     = "undecodable"
)

// Event reports the terminal outcome of one task. Every accepted task
// produces exactly one Event, unless the queue shuts down first.
type Event struct {
	TaskID   string    `json:"task_id"`
	Kind     string    `json:"kind"`
	Status   Status    `json:"status"`
	Reason   string    `json:"reason,omitempty"`
	Messages []string  `json:"message_ids,omitempty"`
	Err      error     `json:"-"`
	At       time.Time `json:"at"`
}

type taskIDKey struct{}

// WithTaskID returns ctx carrying the ID of the task being processed.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}

// TaskID returns the ID of the task whose hook is running, or "".
func TaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}
