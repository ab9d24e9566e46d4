package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/vdavid/vmail/engine/internal/db"
	"github.com/vdavid/vmail/engine/internal/ledger"
	"github.com/vdavid/vmail/engine/internal/models"
	"github.com/vdavid/vmail/engine/internal/queue"
)

// ErrNoEmptyTarget is returned when an empty-folder task names neither a
// location nor a label, or names both.
var ErrNoEmptyTarget = errors.New("exactly one of location or label must be given")

// EmptyFolder deletes every message at a location or under a label.
//
// It has no Compensate method: the remote empty cannot be undone, so the
// local deletion is not undone either.
type EmptyFolder struct {
	Location models.Location `json:"location,omitempty"`
	LabelID  string          `json:"label_id,omitempty"`

	// Filled by Apply.
	DeletedIDs []string `json:"deleted_ids,omitempty"`
	ServerIDs  []string `json:"server_ids,omitempty"`

	deps *Deps
}

// EmptyFolder returns a task emptying location, or labelID when location is "".
func (f *Factory) EmptyFolder(location models.Location, labelID string) (*EmptyFolder, error) {
	switch {
	case location == "" && labelID == "", location != "" && labelID != "":
		return nil, ErrNoEmptyTarget
	case location != "" && !location.Movable():
		return nil, fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	return &EmptyFolder{Location: location, LabelID: labelID, deps: f.deps}, nil
}

func (t *EmptyFolder) bind(deps *Deps) {
	t.deps = deps
}

func (t *EmptyFolder) Kind() string { return KindEmptyFolder }

func (t *EmptyFolder) Options() queue.TaskOptions {
	return queue.TaskOptions{
		GroupKey:        groupMove,
		Priority:        priorityMailbox,
		Persistent:      true,
		RequiresNetwork: true,
	}
}

// Targets includes server IDs so that sync does not bring the deleted
// messages back before the server has emptied the folder.
func (t *EmptyFolder) Targets() []string {
	out := make([]string, 0, len(t.DeletedIDs)+len(t.ServerIDs))
	out = append(out, t.DeletedIDs...)
	return append(out, t.ServerIDs...)
}

func (t *EmptyFolder) Apply(ctx context.Context, tx db.Querier) error {
	var (
		messages []*models.Message
		err      error
	)
	if t.Location != "" {
		messages, err = db.ListMessagesAtLocation(ctx, tx, t.Location)
	} else {
		messages, err = db.ListMessagesWithLabel(ctx, tx, t.LabelID)
	}
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.LocalID)
	}
	// Lock before deleting so concurrent local phases see a stable set.
	locked, err := db.LockMessages(ctx, tx, ids)
	if err != nil {
		return err
	}

	var deltas []ledger.Delta
	t.DeletedIDs = t.DeletedIDs[:0]
	t.ServerIDs = t.ServerIDs[:0]
	for _, id := range ids {
		m, ok := locked[id]
		if !ok {
			continue
		}
		t.DeletedIDs = append(t.DeletedIDs, m.LocalID)
		if m.ServerID != nil {
			t.ServerIDs = append(t.ServerIDs, *m.ServerID)
		}
		if !m.IsRead {
			for _, key := range unreadKeys(m) {
				deltas = append(deltas, ledger.Delta{Key: key, Delta: -1})
			}
		}
	}

	if err := db.DeleteMessages(ctx, tx, t.DeletedIDs); err != nil {
		return err
	}
	return t.deps.Ledger.AdjustAll(ctx, tx, deltas)
}

func (t *EmptyFolder) Execute(ctx context.Context) error {
	labelID := t.LabelID
	if t.Location != "" {
		labelID = models.LocationLabel(t.Location)
	}
	return t.deps.Remote.EmptyLocation(ctx, labelID)
}
