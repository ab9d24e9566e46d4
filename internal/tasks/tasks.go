// Package tasks holds the mutation task variants run by the queue. Each
// variant supplies its local phase, its remote phase and, when one exists,
// its compensation.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vdavid/vmail/engine/internal/crypto"
	"github.com/vdavid/vmail/engine/internal/db"
	"github.com/vdavid/vmail/engine/internal/ledger"
	"github.com/vdavid/vmail/engine/internal/models"
	"github.com/vdavid/vmail/engine/internal/queue"
	"github.com/vdavid/vmail/engine/internal/remote"
)

// Task kinds, as persisted in the task table.
const (
	KindLabel          = "label"
	KindUnlabel        = "unlabel"
	KindMove           = "move"
	KindStar           = "star"
	KindUnstar         = "unstar"
	KindMarkRead       = "mark_read"
	KindMarkUnread     = "mark_unread"
	KindEmptyFolder    = "empty_folder"
	KindChangePassword = "change_password"
	KindSaveDraft      = "save_draft"
	KindSendMessage    = "send_message"
)

// Group keys and priorities.
const (
	groupMove     = "mailbox:move"
	groupRead     = "mailbox:read"
	groupStar     = "mailbox:star"
	groupPassword = "account:password"

	priorityFlags    = 3
	priorityMailbox  = 5
	priorityMessage  = 8
	priorityPassword = 10
)

func labelGroup(labelID string) string {
	return "label:" + labelID
}

func messageGroup(localID string) string {
	return "message:" + localID
}

var (
	// ErrNoMessages is returned when a message task is built without targets.
	ErrNoMessages = errors.New("no message ids given")
	// ErrReservedLabel is returned when a label task targets a reserved label.
	ErrReservedLabel = errors.New("reserved labels cannot be applied directly")
	// ErrInvalidLocation is returned for locations a message cannot be moved to.
	ErrInvalidLocation = errors.New("invalid location")
)

// Deps are the collaborators tasks reach at run time.
type Deps struct {
	DB        db.Querier
	Ledger    *ledger.Ledger
	Remote    remote.Client
	Crypto    crypto.Engine
	Encryptor *crypto.Encryptor
}

// Factory builds tasks bound to deps and decodes persisted ones.
type Factory struct {
	deps *Deps
}

var _ queue.Decoder = (*Factory)(nil)

// NewFactory returns a factory for deps.
func NewFactory(deps *Deps) *Factory {
	return &Factory{deps: deps}
}

// Decode rebuilds a persisted task.
func (f *Factory) Decode(kind string, params []byte) (queue.Task, error) {
	var task queue.Task
	switch kind {
	case KindLabel:
		task = &Label{}
	case KindUnlabel:
		task = &Unlabel{}
	case KindMove:
		task = &Move{}
	case KindStar:
		task = &Star{}
	case KindUnstar:
		task = &Unstar{}
	case KindMarkRead:
		task = &MarkRead{}
	case KindMarkUnread:
		task = &MarkUnread{}
	case KindEmptyFolder:
		task = &EmptyFolder{}
	case KindSaveDraft:
		task = &SaveDraft{}
	case KindSendMessage:
		task = &SendMessage{}
	default:
		// Password changes are never persisted, so they never reach here.
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}

	if err := json.Unmarshal(params, task); err != nil {
		return nil, fmt.Errorf("failed to decode %s task: %w", kind, err)
	}

	task.(interface{ bind(*Deps) }).bind(f.deps)
	return task, nil
}

// serverIDs maps local message IDs to server IDs, skipping messages the
// server does not know yet.
func serverIDs(ctx context.Context, q db.Querier, localIDs []string) ([]string, error) {
	messages, err := db.GetMessages(ctx, q, localIDs)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(localIDs))
	for _, id := range localIDs {
		if msg, ok := messages[id]; ok && msg.ServerID != nil {
			ids = append(ids, *msg.ServerID)
		}
	}
	return ids, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// unreadKeys lists every counter an unread message contributes to.
func unreadKeys(m *models.Message) []models.CounterKey {
	keys := []models.CounterKey{
		models.LocationKey(m.Location),
		models.LocationKey(models.LocationAllMail),
	}
	if m.IsStarred {
		keys = append(keys, models.LocationKey(models.LocationStarred))
	}
	for _, id := range m.LabelIDs {
		if !models.IsReservedLabel(id) {
			keys = append(keys, models.LabelKey(id))
		}
	}
	return keys
}
