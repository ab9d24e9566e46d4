package tasks

import (
	"context"
	"sort"

	"github.com/vdavid/vmail/engine/internal/db"
	"github.com/vdavid/vmail/engine/internal/ledger"
	"github.com/vdavid/vmail/engine/internal/models"
)

// Effect is what a local phase did to one message, captured so that
// compensation can restore it exactly.
type Effect struct {
	MessageID     string          `json:"message_id"`
	FromLocation  models.Location `json:"from_location"`
	ToLocation    models.Location `json:"to_location"`
	AddedLabels   []string        `json:"added_labels,omitempty"`
	RemovedLabels []string        `json:"removed_labels,omitempty"`
	PrevRead      bool            `json:"prev_read"`
	NewRead       bool            `json:"new_read"`
	PrevStarred   bool            `json:"prev_starred"`
	NewStarred    bool            `json:"new_starred"`
	Deltas        []ledger.Delta  `json:"deltas,omitempty"`
}

func newEffect(m *models.Message) *Effect {
	return &Effect{
		MessageID:    m.LocalID,
		FromLocation: m.Location,
		ToLocation:   m.Location,
		PrevRead:     m.IsRead,
		NewRead:      m.IsRead,
		PrevStarred:  m.IsStarred,
		NewStarred:   m.IsStarred,
	}
}

func (e *Effect) addLabel(m *models.Message, labelID string) {
	if m.HasLabel(labelID) || contains(e.AddedLabels, labelID) {
		return
	}
	e.AddedLabels = append(e.AddedLabels, labelID)
}

func (e *Effect) removeLabel(m *models.Message, labelID string) bool {
	if !m.HasLabel(labelID) || contains(e.RemovedLabels, labelID) {
		return false
	}
	e.RemovedLabels = append(e.RemovedLabels, labelID)
	return true
}

func (e *Effect) adjust(key models.CounterKey, delta int64) {
	e.Deltas = append(e.Deltas, ledger.Delta{Key: key, Delta: delta})
}

func (e *Effect) empty() bool {
	return e.FromLocation == e.ToLocation &&
		e.PrevRead == e.NewRead &&
		e.PrevStarred == e.NewStarred &&
		len(e.AddedLabels) == 0 &&
		len(e.RemovedLabels) == 0 &&
		len(e.Deltas) == 0
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// applyEffects writes effects as message updates, then label changes, then
// counter adjustments. The recount takes its table locks in the same order.
func applyEffects(ctx context.Context, tx db.Querier, l *ledger.Ledger, effects []Effect) error {
	for _, e := range effects {
		if e.ToLocation != e.FromLocation {
			if err := db.SetMessageLocation(ctx, tx, e.MessageID, e.ToLocation); err != nil {
				return err
			}
		}
		if e.NewRead != e.PrevRead {
			if err := db.SetMessageRead(ctx, tx, e.MessageID, e.NewRead); err != nil {
				return err
			}
		}
		if e.NewStarred != e.PrevStarred {
			if err := db.SetMessageStarred(ctx, tx, e.MessageID, e.NewStarred); err != nil {
				return err
			}
		}
	}

	var deltas []ledger.Delta
	for _, e := range effects {
		for _, id := range e.RemovedLabels {
			if err := db.RemoveMessageLabel(ctx, tx, e.MessageID, id); err != nil {
				return err
			}
		}
		for _, id := range e.AddedLabels {
			if err := db.AddMessageLabel(ctx, tx, e.MessageID, id); err != nil {
				return err
			}
		}
		deltas = append(deltas, e.Deltas...)
	}

	return l.AdjustAll(ctx, tx, deltas)
}

// revertEffects restores the fields the local phase changed and reverses
// every delta. A field the phase left alone keeps whatever a later task
// wrote to it.
func revertEffects(ctx context.Context, tx db.Querier, l *ledger.Ledger, effects []Effect) error {
	ids := make([]string, 0, len(effects))
	for _, e := range effects {
		ids = append(ids, e.MessageID)
	}
	present, err := db.LockMessages(ctx, tx, ids)
	if err != nil {
		return err
	}

	var deltas []ledger.Delta
	for _, e := range effects {
		if _, ok := present[e.MessageID]; !ok {
			// Removed by sync or an empty-folder task in the meantime.
			continue
		}
		if e.ToLocation != e.FromLocation {
			if err := db.SetMessageLocation(ctx, tx, e.MessageID, e.FromLocation); err != nil {
				return err
			}
		}
		if e.NewRead != e.PrevRead {
			if err := db.SetMessageRead(ctx, tx, e.MessageID, e.PrevRead); err != nil {
				return err
			}
		}
		if e.NewStarred != e.PrevStarred {
			if err := db.SetMessageStarred(ctx, tx, e.MessageID, e.PrevStarred); err != nil {
				return err
			}
		}
	}

	for _, e := range effects {
		if _, ok := present[e.MessageID]; !ok {
			continue
		}
		for _, id := range e.AddedLabels {
			if err := db.RemoveMessageLabel(ctx, tx, e.MessageID, id); err != nil {
				return err
			}
		}
		for _, id := range e.RemovedLabels {
			if err := db.AddMessageLabel(ctx, tx, e.MessageID, id); err != nil {
				return err
			}
		}
		deltas = append(deltas, ledger.Negate(e.Deltas)...)
	}

	return l.AdjustAll(ctx, tx, deltas)
}

// messageTask is the shared state of tasks that mutate a set of messages.
type messageTask struct {
	MessageIDs []string `json:"message_ids"`
	Effects    []Effect `json:"effects,omitempty"`

	deps *Deps
}

func (t *messageTask) bind(deps *Deps) {
	t.deps = deps
}

func (t *messageTask) Targets() []string {
	return t.MessageIDs
}

// Compensate undoes the local phase.
func (t *messageTask) Compensate(ctx context.Context, tx db.Querier) error {
	return revertEffects(ctx, tx, t.deps.Ledger, t.Effects)
}

// apply locks the target messages, builds one effect per message with
// build, and writes the non-empty ones.
func (t *messageTask) apply(ctx context.Context, tx db.Querier, build func(m *models.Message) *Effect) error {
	messages, err := db.LockMessages(ctx, tx, t.MessageIDs)
	if err != nil {
		return err
	}

	var effects []Effect
	for _, id := range t.MessageIDs {
		m, ok := messages[id]
		if !ok {
			continue
		}
		if e := build(m); e != nil && !e.empty() {
			effects = append(effects, *e)
		}
	}

	if err := applyEffects(ctx, tx, t.deps.Ledger, effects); err != nil {
		return err
	}
	t.Effects = effects
	return nil
}

func (t *messageTask) serverIDs(ctx context.Context) ([]string, error) {
	return serverIDs(ctx, t.deps.DB, t.MessageIDs)
}

// removedLabel is a user label the local phase took off some messages,
// with the server IDs of those messages.
type removedLabel struct {
	LabelID   string
	ServerIDs []string
}

// removedLabels groups the user labels recorded in the effects by label,
// skipping messages the server does not know. Labels come back sorted.
func (t *messageTask) removedLabels(ctx context.Context) ([]removedLabel, error) {
	messages, err := db.GetMessages(ctx, t.deps.DB, t.MessageIDs)
	if err != nil {
		return nil, err
	}

	byLabel := make(map[string][]string)
	for _, e := range t.Effects {
		m, ok := messages[e.MessageID]
		if !ok || m.ServerID == nil {
			continue
		}
		for _, id := range e.RemovedLabels {
			if !models.IsReservedLabel(id) {
				byLabel[id] = append(byLabel[id], *m.ServerID)
			}
		}
	}

	out := make([]removedLabel, 0, len(byLabel))
	for id, ids := range byLabel {
		out = append(out, removedLabel{LabelID: id, ServerIDs: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LabelID < out[j].LabelID })
	return out, nil
}

func newMessageTask(deps *Deps, ids []string) (messageTask, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return messageTask{}, ErrNoMessages
	}
	return messageTask{MessageIDs: ids, deps: deps}, nil
}
