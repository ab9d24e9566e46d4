// Package queue runs mutation tasks: the optimistic local phase when a task
// reaches the head of its group, then the remote phase on a bounded worker
// pool with retries, connectivity gating and exactly-once terminal outcomes.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/vdavid/vmail/engine/internal/connectivity"
	"github.com/vdavid/vmail/engine/internal/db"
	"github.com/vdavid/vmail/engine/internal/models"
)

var (
	// ErrNotStarted is returned by Enqueue before Start.
	ErrNotStarted = errors.New("queue not started")
	// ErrTaskNotFound is returned by Cancel for unknown or finished tasks.
	ErrTaskNotFound = errors.New("task not found")
)

// Store persists task records. db.TaskStore is the production implementation.
type Store interface {
	Insert(ctx context.Context, rec *models.TaskRecord) error
	Admit(ctx context.Context, rec *models.TaskRecord, apply func(ctx context.Context, tx db.Querier) ([]byte, error)) error
	Reschedule(ctx context.Context, rec *models.TaskRecord) error
	Finish(ctx context.Context, rec *models.TaskRecord, fn func(ctx context.Context, tx db.Querier) error) error
	Pending(ctx context.Context) ([]*models.TaskRecord, error)
}

var _ Store = (*db.TaskStore)(nil)

// Options configures a Queue.
type Options struct {
	Workers     int
	RetryLimit  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	RunTimeout  time.Duration
	// EventTimeout is how long an event waits for room in a full
	// subscriber buffer before it is dropped.
	EventTimeout time.Duration
	// NetworkPoll is how often tasks blocked on connectivity are rechecked
	// when nobody calls Wake.
	NetworkPoll time.Duration
	Now         func() time.Time
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = 30 * time.Second
	}
	if o.EventTimeout <= 0 {
		o.EventTimeout = 5 * time.Second
	}
	if o.NetworkPoll <= 0 {
		o.NetworkPoll = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type entry struct {
	rec     *models.TaskRecord
	task    Task
	order   int64
	targets []string

	admitting       bool
	added           bool
	running         bool
	finishing       bool
	cancelRequested bool
	runCtx          context.Context
	cancelRun       context.CancelFunc
}

// Queue schedules tasks. All state transitions happen under mu.
type Queue struct {
	store   Store
	decoder Decoder
	monitor connectivity.Monitor
	opts    Options

	mu      sync.Mutex
	ctx     context.Context
	started bool
	order   int64
	entries map[string]*entry
	groups  map[string][]*entry
	subs    map[int]*subscriber
	nextSub int

	wake chan struct{}
	wg   sync.WaitGroup
}

// New returns a queue. Call Start before Enqueue.
func New(store Store, decoder Decoder, monitor connectivity.Monitor, opts Options) *Queue {
	opts.setDefaults()
	return &Queue{
		store:   store,
		decoder: decoder,
		monitor: monitor,
		opts:    opts,
		entries: make(map[string]*entry),
		groups:  make(map[string][]*entry),
		subs:    make(map[int]*subscriber),
		wake:    make(chan struct{}, 1),
	}
}

// Start restores persisted tasks and launches the workers. Workers stop
// when ctx is cancelled; pending tasks stay persisted for the next Start.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue already started")
	}
	q.ctx = ctx
	q.mu.Unlock()

	heads, err := q.restore(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.started = true
	q.mu.Unlock()

	for _, e := range heads {
		q.admitChain(e)
	}

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	log.Printf("Queue: started with %d workers", q.opts.Workers)
	return nil
}

// Wait blocks until every worker has returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Wake makes idle workers re-evaluate eligibility, for example after
// connectivity came back.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) restore(ctx context.Context) ([]*entry, error) {
	records, err := q.store.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending tasks: %w", err)
	}

	var heads []*entry
	for _, rec := range records {
		task, err := q.decoder.Decode(rec.Kind, rec.Params)
		if err != nil {
			log.Errorf("Queue: dropping undecodable task %s (%s): %v", rec.ID, rec.Kind, err)
			if err := q.store.Finish(ctx, rec, nil); err != nil {
				log.Errorf("Queue: failed to delete task %s: %v", rec.ID, err)
			}
			q.emit(Event{TaskID: rec.ID, Kind: rec.Kind, Status: StatusFailed, Reason: ReasonUndecodable, Err: err})
			continue
		}

		e := q.newEntry(rec, task)
		e.added = rec.State == models.TaskAdded

		q.mu.Lock()
		q.entries[rec.ID] = e
		q.groups[rec.GroupKey] = append(q.groups[rec.GroupKey], e)
		if len(q.groups[rec.GroupKey]) == 1 && !e.added {
			e.admitting = true
			heads = append(heads, e)
		}
		q.mu.Unlock()
	}

	if len(records) > 0 {
		log.Printf("Queue: restored %d pending tasks", len(records))
	}
	return heads, nil
}

func (q *Queue) newEntry(rec *models.TaskRecord, task Task) *entry {
	e := &entry{rec: rec, task: task}
	if t, ok := task.(Targeted); ok {
		e.targets = t.Targets()
	}
	q.mu.Lock()
	q.order++
	e.order = q.order
	q.mu.Unlock()
	return e
}

// Enqueue accepts a task and returns its ID. Persistent tasks are stored
// before Enqueue returns. When the task is the head of its group, its local
// phase runs before Enqueue returns too, and a local phase failure is
// returned alongside the ID (the failure event is still emitted).
func (q *Queue) Enqueue(ctx context.Context, task Task) (string, error) {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if !started {
		return "", ErrNotStarted
	}

	opts := task.Options()
	if opts.GroupKey == "" {
		return "", fmt.Errorf("task %s has no group key", task.Kind())
	}
	retryLimit := opts.RetryLimit
	switch {
	case retryLimit == NoRetries:
		retryLimit = 0
	case retryLimit <= 0:
		retryLimit = q.opts.RetryLimit
	}

	rec := &models.TaskRecord{
		ID:            uuid.NewString(),
		Kind:          task.Kind(),
		GroupKey:      opts.GroupKey,
		Priority:      opts.Priority,
		RetryLimit:    retryLimit,
		Persistent:    opts.Persistent,
		RequiresNet:   opts.RequiresNetwork,
		State:         models.TaskCreated,
		NextAttemptAt: q.opts.Now(),
	}

	if rec.Persistent {
		params, err := json.Marshal(task)
		if err != nil {
			return "", fmt.Errorf("failed to encode task: %w", err)
		}
		rec.Params = params
		if err := q.store.Insert(ctx, rec); err != nil {
			return "", err
		}
	}

	e := q.newEntry(rec, task)

	q.mu.Lock()
	q.entries[rec.ID] = e
	q.groups[rec.GroupKey] = append(q.groups[rec.GroupKey], e)
	head := len(q.groups[rec.GroupKey]) == 1
	if head {
		e.admitting = true
	}
	q.mu.Unlock()

	if !head {
		return rec.ID, nil
	}

	if err := q.admitChain(e); err != nil {
		return rec.ID, err
	}
	return rec.ID, nil
}

// admitChain runs the local phase of e, which must be a group head marked
// admitting. If e fails or is cancelled during admission, the next head is
// admitted in turn. It returns the local phase error of e itself.
func (q *Queue) admitChain(e *entry) error {
	var first error
	for cur := e; cur != nil; {
		next, err := q.admit(cur)
		if cur == e {
			first = err
		}
		cur = next
	}
	return first
}

// admit runs Apply for e and returns a follow-up head to admit, if any.
func (q *Queue) admit(e *entry) (*entry, error) {
	ctx := WithTaskID(context.WithoutCancel(q.ctx), e.rec.ID)

	err := q.store.Admit(ctx, e.rec, func(ctx context.Context, tx db.Querier) ([]byte, error) {
		if err := e.task.Apply(ctx, tx); err != nil {
			return nil, err
		}
		if !e.rec.Persistent {
			return nil, nil
		}
		return json.Marshal(e.task)
	})

	if err != nil {
		log.Warnf("Queue: local phase of %s %s failed: %v", e.rec.Kind, e.rec.ID, err)
		return q.finish(e, Event{Status: StatusFailed, Reason: ReasonApplyFailed, Err: err}, false), err
	}

	q.mu.Lock()
	e.admitting = false
	e.added = true
	e.rec.State = models.TaskAdded
	if t, ok := e.task.(Targeted); ok {
		e.targets = t.Targets()
	}
	cancelled := e.cancelRequested
	if cancelled {
		e.finishing = true
	}
	q.mu.Unlock()

	if cancelled {
		return q.finish(e, Event{Status: StatusFailed, Reason: ReasonCancelled}, true), nil
	}

	q.Wake()
	return nil, nil
}

// Cancel stops a task. A task whose local phase has not run is dropped; an
// added task is compensated; a running task has its remote call cancelled
// and is compensated unless the call still succeeds.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || e.finishing || e.cancelRequested {
		q.mu.Unlock()
		return ErrTaskNotFound
	}

	switch {
	case e.running:
		e.cancelRequested = true
		e.cancelRun()
		q.mu.Unlock()
		return nil
	case e.admitting:
		e.cancelRequested = true
		q.mu.Unlock()
		return nil
	case !e.added:
		e.finishing = true
		q.mu.Unlock()
		// Not a group head, so no successor needs admitting.
		q.finish(e, Event{Status: StatusFailed, Reason: ReasonCancelled}, false)
		return nil
	default:
		e.finishing = true
		q.mu.Unlock()
		if next := q.finish(e, Event{Status: StatusFailed, Reason: ReasonCancelled}, true); next != nil {
			q.admitChain(next)
		}
		return nil
	}
}

// subscriber is one Subscribe channel. mu guards the close of ch against
// a send in flight; done wakes such a send up.
type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	done   chan struct{}
	closed bool
}

// send delivers ev, waiting up to timeout while the buffer is full.
func (s *subscriber) send(ev Event, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}

	select {
	case s.ch <- ev:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return true
	case <-timer.C:
		return false
	}
}

func (s *subscriber) close() {
	close(s.done)
	s.mu.Lock()
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
}

// Subscribe returns a channel of terminal events and a function that
// unsubscribes. When the buffer is full an event waits up to
// Options.EventTimeout for room and is then dropped with a warning.
func (q *Queue) Subscribe(buffer int) (<-chan Event, func()) {
	sub := &subscriber{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}

	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = sub
	q.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.subs, id)
			q.mu.Unlock()
			sub.close()
		})
	}
}

// emit sends outside q.mu so a slow subscriber holds up only the worker
// finishing the task, not the whole queue.
func (q *Queue) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = q.opts.Now()
	}

	q.mu.Lock()
	subs := make([]*subscriber, 0, len(q.subs))
	for _, sub := range q.subs {
		subs = append(subs, sub)
	}
	q.mu.Unlock()

	for _, sub := range subs {
		if !sub.send(ev, q.opts.EventTimeout) {
			log.Warnf("Queue: subscriber stalled for %s, dropped event for task %s", q.opts.EventTimeout, ev.TaskID)
		}
	}
}

// Busy returns the message IDs, local or server-assigned, referenced by
// unfinished tasks.
func (q *Queue) Busy() map[string]struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	busy := make(map[string]struct{})
	for _, e := range q.entries {
		for _, id := range e.targets {
			busy[id] = struct{}{}
		}
	}
	return busy
}

// Len returns the number of unfinished tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
