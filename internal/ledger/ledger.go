// Package ledger owns the unread counters. Every counter change goes
// through Adjust, which clamps at zero and reports the clamp.
package ledger

import (
	"context"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/vdavid/vmail/engine/internal/db"
	"github.com/vdavid/vmail/engine/internal/models"
)

// Delta is a signed change to one counter.
type Delta struct {
	Key   models.CounterKey `json:"key"`
	Delta int64             `json:"delta"`
}

// Clamp describes an adjustment that would have driven a counter below zero.
type Clamp struct {
	Key       models.CounterKey
	Delta     int64
	Unclamped int64
}

// Drift is a counter whose stored value disagreed with the recount.
type Drift struct {
	Key    models.CounterKey `json:"key"`
	Stored int64             `json:"stored"`
	Actual int64             `json:"actual"`
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClampHook registers fn to be called after every clamped adjustment.
func WithClampHook(fn func(Clamp)) Option {
	return func(l *Ledger) {
		l.onClamp = fn
	}
}

// Ledger reads and adjusts unread counters in the local mirror.
type Ledger struct {
	q       db.Querier
	onClamp func(Clamp)
}

// New returns a ledger reading from q.
func New(q db.Querier, opts ...Option) *Ledger {
	l := &Ledger{q: q}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Adjust applies delta to the counter inside tx and returns the stored value.
func (l *Ledger) Adjust(ctx context.Context, tx db.Querier, key models.CounterKey, delta int64) (int64, error) {
	if delta == 0 {
		return db.GetCounter(ctx, tx, key)
	}

	stored, unclamped, err := db.AdjustCounter(ctx, tx, key, delta)
	if err != nil {
		return 0, err
	}

	if unclamped < 0 {
		log.Warnf("Ledger: counter %s clamped at zero (delta %d, would be %d)", key, delta, unclamped)
		if l.onClamp != nil {
			l.onClamp(Clamp{Key: key, Delta: delta, Unclamped: unclamped})
		}
	}

	return stored, nil
}

// AdjustAll applies every delta inside tx in key order.
func (l *Ledger) AdjustAll(ctx context.Context, tx db.Querier, deltas []Delta) error {
	merged := Merge(deltas)
	for _, d := range merged {
		if _, err := l.Adjust(ctx, tx, d.Key, d.Delta); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the stored value of a counter.
func (l *Ledger) Get(ctx context.Context, key models.CounterKey) (int64, error) {
	return db.GetCounter(ctx, l.q, key)
}

// All returns every stored counter.
func (l *Ledger) All(ctx context.Context) ([]models.UnreadCounter, error) {
	return db.ListCounters(ctx, l.q)
}

// Recount recomputes every counter from the messages and overwrites the
// stored values in one transaction. It returns the counters that drifted.
//
// The table lock waits for in-flight local phases and blocks new ones until
// the recount commits. Local phases write messages, then labels, then
// counters, in the same order the lock is taken.
func (l *Ledger) Recount(ctx context.Context) ([]Drift, error) {
	var drift []Drift

	err := db.WithTx(ctx, l.q, func(tx db.Querier) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE messages, message_labels, unread_counters IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("failed to lock counters: %w", err)
		}

		stored, err := db.ListCounters(ctx, tx)
		if err != nil {
			return err
		}
		actual, err := db.CountUnread(ctx, tx)
		if err != nil {
			return err
		}

		drift = compare(stored, actual)

		return db.ReplaceCounters(ctx, tx, actual)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to recount: %w", err)
	}

	for _, d := range drift {
		log.Warnf("Ledger: counter %s drifted (stored %d, actual %d)", d.Key, d.Stored, d.Actual)
	}

	return drift, nil
}

func compare(stored []models.UnreadCounter, actual map[models.CounterKey]int64) []Drift {
	seen := make(map[models.CounterKey]bool, len(stored))
	var drift []Drift

	for _, c := range stored {
		seen[c.Key] = true
		if want := actual[c.Key]; want != c.Unread {
			drift = append(drift, Drift{Key: c.Key, Stored: c.Unread, Actual: want})
		}
	}
	for key, want := range actual {
		if !seen[key] && want != 0 {
			drift = append(drift, Drift{Key: key, Stored: 0, Actual: want})
		}
	}

	sort.Slice(drift, func(i, j int) bool {
		return drift[i].Key.String() < drift[j].Key.String()
	})
	return drift
}

// Merge sums deltas per key, drops zero sums and sorts the result by key so
// that concurrent transactions take counter row locks in the same order.
func Merge(deltas []Delta) []Delta {
	sums := make(map[models.CounterKey]int64, len(deltas))
	for _, d := range deltas {
		sums[d.Key] += d.Delta
	}

	merged := make([]Delta, 0, len(sums))
	for key, sum := range sums {
		if sum != 0 {
			merged = append(merged, Delta{Key: key, Delta: sum})
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Key.String() < merged[j].Key.String()
	})
	return merged
}

// Negate returns deltas with every sign flipped.
func Negate(deltas []Delta) []Delta {
	out := make([]Delta, len(deltas))
	for i, d := range deltas {
		out[i] = Delta{Key: d.Key, Delta: -d.Delta}
	}
	return out
}
