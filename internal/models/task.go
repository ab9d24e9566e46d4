package models

import "time"

// TaskState is the persisted lifecycle state of a queued task.
// Terminal states are never persisted: terminal tasks are removed.
type TaskState string

const (
	// TaskCreated means the task was accepted but its local phase has not run.
	TaskCreated TaskState = "created"
	// TaskAdded means the optimistic local phase committed.
	TaskAdded TaskState = "added"
)

// TaskRecord is the persisted form of a task.
type TaskRecord struct {
	ID            string
	Kind          string
	Params        []byte
	GroupKey      string
	Priority      int
	RetryCount    int
	RetryLimit    int
	Persistent    bool
	RequiresNet   bool
	State         TaskState
	NextAttemptAt time.Time
	Seq           int64
	CreatedAt     time.Time
}
