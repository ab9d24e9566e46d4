package tasks

import (
	"context"
	"fmt"

	"github.com/vdavid/vmail/engine/internal/db"
	"github.com/vdavid/vmail/engine/internal/models"
	"github.com/vdavid/vmail/engine/internal/queue"
)

// Move relocates messages to inbox, draft, sent, trash, spam or archive.
type Move struct {
	messageTask
	To models.Location `json:"to"`
	// SourceLabelID is the user folder the messages are being moved out of.
	SourceLabelID string `json:"source_label_id,omitempty"`
}

// Move returns a task moving messageIDs to location to. sourceLabelID may
// name the user folder the user is moving the messages out of.
func (f *Factory) Move(messageIDs []string, to models.Location, sourceLabelID string) (*Move, error) {
	base, err := newMessageTask(f.deps, messageIDs)
	if err != nil {
		return nil, err
	}
	if !to.Movable() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLocation, to)
	}
	if sourceLabelID != "" && models.IsReservedLabel(sourceLabelID) {
		return nil, fmt.Errorf("%w: %s", ErrReservedLabel, sourceLabelID)
	}
	return &Move{messageTask: base, To: to, SourceLabelID: sourceLabelID}, nil
}

// Trash moves messages to trash.
func (f *Factory) Trash(messageIDs []string) (*Move, error) {
	return f.Move(messageIDs, models.LocationTrash, "")
}

// Spam moves messages to spam.
func (f *Factory) Spam(messageIDs []string) (*Move, error) {
	return f.Move(messageIDs, models.LocationSpam, "")
}

// Archive moves messages to archive.
func (f *Factory) Archive(messageIDs []string) (*Move, error) {
	return f.Move(messageIDs, models.LocationArchive, "")
}

// Inbox moves messages back to the inbox.
func (f *Factory) Inbox(messageIDs []string) (*Move, error) {
	return f.Move(messageIDs, models.LocationInbox, "")
}

func (t *Move) Kind() string { return KindMove }

func (t *Move) Options() queue.TaskOptions {
	return queue.TaskOptions{
		GroupKey:        groupMove,
		Priority:        priorityMailbox,
		Persistent:      true,
		RequiresNetwork: true,
	}
}

func (t *Move) Apply(ctx context.Context, tx db.Querier) error {
	var folders map[string]bool
	if t.SourceLabelID != "" {
		var err error
		if folders, err = db.ExclusiveLabelIDs(ctx, tx); err != nil {
			return err
		}
	}

	return t.apply(ctx, tx, func(m *models.Message) *Effect {
		return moveEffect(m, t.To, t.SourceLabelID, folders)
	})
}

// moveEffect swaps location labels, keeps the aggregate sent and drafts
// labels of messages leaving those locations, and carries the unread
// contribution from the old location to the new one.
func moveEffect(m *models.Message, to models.Location, sourceLabelID string, folders map[string]bool) *Effect {
	e := newEffect(m)
	from := m.Location

	if from != to {
		e.ToLocation = to
		if old := models.LocationLabel(from); old != "" {
			e.removeLabel(m, old)
		}
		e.addLabel(m, models.LocationLabel(to))

		switch from {
		case models.LocationSent:
			e.addLabel(m, models.LabelAllSent)
		case models.LocationDraft:
			e.addLabel(m, models.LabelAllDrafts)
		}

		if !m.IsRead {
			e.adjust(models.LocationKey(from), -1)
			e.adjust(models.LocationKey(to), 1)
		}
	}
	e.addLabel(m, models.LabelAllMail)

	if sourceLabelID != "" && folders[sourceLabelID] {
		if e.removeLabel(m, sourceLabelID) && !m.IsRead {
			e.adjust(models.LabelKey(sourceLabelID), -1)
		}
	}

	return e
}

func (t *Move) Execute(ctx context.Context) error {
	ids, err := t.serverIDs(ctx)
	if err != nil || len(ids) == 0 {
		return err
	}
	// Only a folder source was removed locally; a plain label stays put.
	removed, err := t.removedLabels(ctx)
	if err != nil {
		return err
	}
	for _, r := range removed {
		if r.LabelID != t.SourceLabelID {
			continue
		}
		if err := t.deps.Remote.UnlabelMessages(ctx, r.ServerIDs, r.LabelID); err != nil {
			return err
		}
	}
	return t.deps.Remote.LabelMessages(ctx, ids, models.LocationLabel(t.To))
}
