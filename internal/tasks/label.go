package tasks

import (
	"context"
	"fmt"

	"github.com/vdavid/vmail/engine/internal/db"
	"github.com/vdavid/vmail/engine/internal/models"
	"github.com/vdavid/vmail/engine/internal/queue"
)

// Label applies a user label or user folder to messages.
type Label struct {
	messageTask
	LabelID string `json:"label_id"`
}

// Label returns a task applying labelID to messageIDs.
func (f *Factory) Label(messageIDs []string, labelID string) (*Label, error) {
	base, err := newMessageTask(f.deps, messageIDs)
	if err != nil {
		return nil, err
	}
	if models.IsReservedLabel(labelID) {
		return nil, fmt.Errorf("%w: %s", ErrReservedLabel, labelID)
	}
	return &Label{messageTask: base, LabelID: labelID}, nil
}

func (t *Label) Kind() string { return KindLabel }

func (t *Label) Options() queue.TaskOptions {
	return queue.TaskOptions{
		GroupKey:        labelGroup(t.LabelID),
		Priority:        priorityMailbox,
		Persistent:      true,
		RequiresNetwork: true,
	}
}

// Apply adds the label and counts unread messages into it. A folder label
// also evicts the message from its other folders.
func (t *Label) Apply(ctx context.Context, tx db.Querier) error {
	label, err := db.GetLabel(ctx, tx, t.LabelID)
	if err != nil {
		return err
	}

	var folders map[string]bool
	if label.Exclusive {
		if folders, err = db.ExclusiveLabelIDs(ctx, tx); err != nil {
			return err
		}
	}

	return t.apply(ctx, tx, func(m *models.Message) *Effect {
		if m.HasLabel(t.LabelID) {
			return nil
		}

		e := newEffect(m)
		e.addLabel(m, t.LabelID)
		if !m.IsRead {
			e.adjust(models.LabelKey(t.LabelID), 1)
		}

		for _, id := range m.LabelIDs {
			if id == t.LabelID || !folders[id] {
				continue
			}
			if e.removeLabel(m, id) && !m.IsRead {
				e.adjust(models.LabelKey(id), -1)
			}
		}
		return e
	})
}

// Execute takes the evicted folders off the server copies first so the
// next sync does not bring them back.
func (t *Label) Execute(ctx context.Context) error {
	ids, err := t.serverIDs(ctx)
	if err != nil || len(ids) == 0 {
		return err
	}
	evicted, err := t.removedLabels(ctx)
	if err != nil {
		return err
	}
	for _, r := range evicted {
		if err := t.deps.Remote.UnlabelMessages(ctx, r.ServerIDs, r.LabelID); err != nil {
			return err
		}
	}
	return t.deps.Remote.LabelMessages(ctx, ids, t.LabelID)
}

// Unlabel removes a user label or user folder from messages.
type Unlabel struct {
	messageTask
	LabelID string `json:"label_id"`
}

// Unlabel returns a task removing labelID from messageIDs.
func (f *Factory) Unlabel(messageIDs []string, labelID string) (*Unlabel, error) {
	base, err := newMessageTask(f.deps, messageIDs)
	if err != nil {
		return nil, err
	}
	if models.IsReservedLabel(labelID) {
		return nil, fmt.Errorf("%w: %s", ErrReservedLabel, labelID)
	}
	return &Unlabel{messageTask: base, LabelID: labelID}, nil
}

func (t *Unlabel) Kind() string { return KindUnlabel }

func (t *Unlabel) Options() queue.TaskOptions {
	return queue.TaskOptions{
		GroupKey:        labelGroup(t.LabelID),
		Priority:        priorityMailbox,
		Persistent:      true,
		RequiresNetwork: true,
	}
}

func (t *Unlabel) Apply(ctx context.Context, tx db.Querier) error {
	return t.apply(ctx, tx, func(m *models.Message) *Effect {
		e := newEffect(m)
		if e.removeLabel(m, t.LabelID) && !m.IsRead {
			e.adjust(models.LabelKey(t.LabelID), -1)
		}
		return e
	})
}

func (t *Unlabel) Execute(ctx context.Context) error {
	ids, err := t.serverIDs(ctx)
	if err != nil || len(ids) == 0 {
		return err
	}
	return t.deps.Remote.UnlabelMessages(ctx, ids, t.LabelID)
}
