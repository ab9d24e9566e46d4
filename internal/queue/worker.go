package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/vdavid/vmail/engine/internal/db"
	"github.com/vdavid/vmail/engine/internal/remote"
)

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		e, wait := q.next()
		if e != nil {
			// Another task may be eligible too.
			q.Wake()
			q.run(e)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-q.ctx.Done():
			timer.Stop()
			return
		case <-q.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// next claims the best eligible task, or returns how long to sleep.
// Only group heads are candidates, so group exclusion holds by construction.
func (q *Queue) next() (*entry, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx.Err() != nil {
		return nil, 0
	}

	now := q.opts.Now()
	wait := time.Hour
	connected := q.monitor == nil || q.monitor.IsConnected()

	var best *entry
	for _, group := range q.groups {
		e := group[0]
		if !e.added || e.running || e.finishing {
			continue
		}
		if e.rec.RequiresNet && !connected {
			wait = min(wait, q.opts.NetworkPoll)
			continue
		}
		if until := e.rec.NextAttemptAt.Sub(now); until > 0 {
			wait = min(wait, until)
			continue
		}
		if best == nil || e.rec.Priority > best.rec.Priority ||
			(e.rec.Priority == best.rec.Priority && e.order < best.order) {
			best = e
		}
	}

	if best == nil {
		return nil, wait
	}

	best.runCtx, best.cancelRun = context.WithTimeout(q.ctx, q.opts.RunTimeout)
	best.running = true
	return best, 0
}

func (q *Queue) run(e *entry) {
	err := e.task.Execute(WithTaskID(e.runCtx, e.rec.ID))
	timedOut := err != nil && errors.Is(e.runCtx.Err(), context.DeadlineExceeded)
	e.cancelRun()

	q.mu.Lock()
	e.running = false

	if err != nil && q.ctx.Err() != nil {
		q.mu.Unlock()
		log.Printf("Queue: task %s interrupted by shutdown, will resume on restart", e.rec.ID)
		return
	}

	ev, retry := q.outcome(e, err, timedOut)
	if retry {
		e.rec.RetryCount++
		e.rec.NextAttemptAt = q.opts.Now().Add(Delay(q.opts.BackoffBase, q.opts.BackoffMax, e.rec.RetryCount))
		rec := *e.rec
		q.mu.Unlock()

		if err := q.store.Reschedule(context.WithoutCancel(q.ctx), &rec); err != nil {
			log.Errorf("Queue: failed to persist retry state of %s: %v", rec.ID, err)
		}
		log.Printf("Queue: %s %s retry %d/%d at %s: %v", rec.Kind, rec.ID, rec.RetryCount, rec.RetryLimit, rec.NextAttemptAt.Format(time.RFC3339), err)
		q.Wake()
		return
	}

	e.finishing = true
	q.mu.Unlock()

	q.admitChain(q.finish(e, ev, ev.Status != StatusSucceeded))
}

// outcome classifies the result of a remote phase. Callers hold mu.
func (q *Queue) outcome(e *entry, err error, timedOut bool) (Event, bool) {
	switch {
	case err == nil:
		return Event{Status: StatusSucceeded}, false
	case e.cancelRequested:
		return Event{Status: StatusFailed, Reason: ReasonCancelled, Err: err}, false
	case !timedOut && !remote.IsTransient(err):
		log.Warnf("Queue: %s %s failed permanently: %v", e.rec.Kind, e.rec.ID, err)
		return Event{Status: StatusFailed, Reason: remote.Reason(err), Err: err}, false
	case e.rec.RetryCount >= e.rec.RetryLimit:
		log.Warnf("Queue: %s %s gave up after %d retries: %v", e.rec.Kind, e.rec.ID, e.rec.RetryCount, err)
		if timedOut || remote.IsNetwork(err) {
			return Event{Status: StatusNoNetwork, Reason: ReasonRetriesExceeded, Err: err}, false
		}
		return Event{Status: StatusFailed, Reason: ReasonRetriesExceeded, Err: err}, false
	default:
		return Event{}, true
	}
}

// finish runs the terminal hooks of e with its record deletion, removes it
// from the queue and emits ev. It returns the new head of the group when
// that head still needs its local phase, already marked admitting.
func (q *Queue) finish(e *entry, ev Event, compensate bool) *entry {
	ctx := WithTaskID(context.WithoutCancel(q.ctx), e.rec.ID)
	succeeded := ev.Status == StatusSucceeded

	hooks := func(ctx context.Context, tx db.Querier) error {
		if compensate {
			if r, ok := e.task.(Reversible); ok {
				if err := r.Compensate(ctx, tx); err != nil {
					return err
				}
			}
		}
		if f, ok := e.task.(Finalizer); ok {
			return f.Finalize(ctx, tx, succeeded)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		return q.store.Finish(ctx, e.rec, hooks)
	}, policy)
	if err != nil {
		log.Errorf("Queue: terminal hooks of %s %s failed, dropping the record: %v", e.rec.Kind, e.rec.ID, err)
		if err := q.store.Finish(ctx, e.rec, nil); err != nil {
			log.Errorf("Queue: failed to delete task %s: %v", e.rec.ID, err)
		}
	}

	q.mu.Lock()
	delete(q.entries, e.rec.ID)
	var next *entry
	group := q.groups[e.rec.GroupKey]
	for i, g := range group {
		if g != e {
			continue
		}
		group = append(group[:i:i], group[i+1:]...)
		if i == 0 && len(group) > 0 && !group[0].added && !group[0].admitting {
			next = group[0]
			next.admitting = true
		}
		break
	}
	if len(group) == 0 {
		delete(q.groups, e.rec.GroupKey)
	} else {
		q.groups[e.rec.GroupKey] = group
	}
	q.mu.Unlock()

	ev.TaskID = e.rec.ID
	ev.Kind = e.rec.Kind
	ev.Messages = e.targets
	q.emit(ev)

	return next
}
