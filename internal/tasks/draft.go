package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/vdavid/vmail/engine/internal/db"
	"github.com/vdavid/vmail/engine/internal/ledger"
	"github.com/vdavid/vmail/engine/internal/models"
	"github.com/vdavid/vmail/engine/internal/queue"
)

var (
	// ErrNotDraft is returned when a draft operation targets a message that
	// is not in the draft location.
	ErrNotDraft = errors.New("message is not a draft")
	// ErrNoRecipients is returned when sending a draft without recipients.
	ErrNoRecipients = errors.New("draft has no recipients")
)

// inFlightError reports that another task owns the remote draft of a
// message. It is temporary: the queue retries until the owner finishes.
type inFlightError struct {
	messageID string
	owner     string
}

func (e *inFlightError) Error() string {
	return fmt.Sprintf("message %s has an in-flight action owned by task %s", e.messageID, e.owner)
}

func (e *inFlightError) Temporary() bool { return true }

// claim takes the pending action on messageID for the running task. A stale
// action, whose task record is gone, is taken over.
func claim(ctx context.Context, q db.Querier, messageID, kind string) error {
	taskID := queue.TaskID(ctx)
	owner, err := db.ClaimPendingAction(ctx, q, &models.PendingAction{
		MessageID: messageID,
		TaskID:    taskID,
		Kind:      kind,
	})
	if err != nil {
		return err
	}
	if owner == taskID {
		return nil
	}

	ok, err := db.ReclaimPendingAction(ctx, q, messageID, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return &inFlightError{messageID: messageID, owner: owner}
	}
	log.Printf("Tasks: took over stale pending action on %s from task %s", messageID, owner)
	return nil
}

// ensureServerDraft creates the remote draft of m unless it already has one
// and returns its server ID.
func ensureServerDraft(ctx context.Context, deps *Deps, m *models.Message) (string, error) {
	if m.ServerID != nil {
		return *m.ServerID, nil
	}

	serverID, err := deps.Remote.CreateDraft(ctx, draftOf(m))
	if err != nil {
		return "", err
	}
	// Persist right away so a retry never creates a second remote draft.
	if err := db.SetMessageServerID(context.WithoutCancel(ctx), deps.DB, m.LocalID, serverID); err != nil {
		return "", err
	}
	return serverID, nil
}

func draftOf(m *models.Message) models.Draft {
	return models.Draft{
		LocalID:     m.LocalID,
		FromAddress: m.FromAddress,
		ToAddresses: m.ToAddresses,
		Subject:     m.Subject,
		BodyText:    m.BodyText,
	}
}

// SaveDraft stores a draft locally and creates it on the server once.
// It has no Compensate method: the local draft is the user's content and
// stays even if the upload fails.
type SaveDraft struct {
	Draft models.Draft `json:"draft"`

	deps *Deps
}

// SaveDraft returns a task saving draft. A draft without a local ID gets a
// fresh one.
func (f *Factory) SaveDraft(draft models.Draft) (*SaveDraft, error) {
	if draft.LocalID == "" {
		draft.LocalID = uuid.New().String()
	}
	draft.FromAddress = strings.TrimSpace(draft.FromAddress)
	if draft.FromAddress == "" {
		return nil, fmt.Errorf("draft %s has no sender", draft.LocalID)
	}
	return &SaveDraft{Draft: draft, deps: f.deps}, nil
}

func (t *SaveDraft) bind(deps *Deps) {
	t.deps = deps
}

func (t *SaveDraft) Kind() string { return KindSaveDraft }

func (t *SaveDraft) Options() queue.TaskOptions {
	return queue.TaskOptions{
		GroupKey:        messageGroup(t.Draft.LocalID),
		Priority:        priorityMessage,
		Persistent:      true,
		RequiresNetwork: true,
	}
}

func (t *SaveDraft) Targets() []string {
	return []string{t.Draft.LocalID}
}

// Apply upserts the draft as a read message in the draft location. An
// existing draft keeps its server ID and user labels.
func (t *SaveDraft) Apply(ctx context.Context, tx db.Querier) error {
	existing, err := db.LockMessages(ctx, tx, []string{t.Draft.LocalID})
	if err != nil {
		return err
	}

	m := &models.Message{LocalID: t.Draft.LocalID}
	if prev, ok := existing[t.Draft.LocalID]; ok {
		if prev.Location != models.LocationDraft {
			return fmt.Errorf("%w: %s is in %s", ErrNotDraft, prev.LocalID, prev.Location)
		}
		m = prev
		if !prev.IsRead {
			var deltas []ledger.Delta
			for _, key := range unreadKeys(prev) {
				deltas = append(deltas, ledger.Delta{Key: key, Delta: -1})
			}
			if err := t.deps.Ledger.AdjustAll(ctx, tx, deltas); err != nil {
				return err
			}
		}
	}

	m.Location = models.LocationDraft
	m.IsRead = true
	m.FromAddress = t.Draft.FromAddress
	m.ToAddresses = t.Draft.ToAddresses
	m.Subject = t.Draft.Subject
	m.BodyText = t.Draft.BodyText
	for _, id := range []string{models.LabelDrafts, models.LabelAllDrafts, models.LabelAllMail} {
		if !m.HasLabel(id) {
			m.LabelIDs = append(m.LabelIDs, id)
		}
	}

	return db.SaveMessage(ctx, tx, m)
}

func (t *SaveDraft) Execute(ctx context.Context) error {
	if err := claim(ctx, t.deps.DB, t.Draft.LocalID, KindSaveDraft); err != nil {
		return err
	}

	m, err := db.GetMessage(ctx, t.deps.DB, t.Draft.LocalID)
	if errors.Is(err, db.ErrMessageNotFound) {
		// Deleted locally in the meantime, nothing left to upload.
		return nil
	}
	if err != nil {
		return err
	}

	_, err = ensureServerDraft(ctx, t.deps, m)
	return err
}

// Finalize releases the pending action whatever the outcome.
func (t *SaveDraft) Finalize(ctx context.Context, tx db.Querier, _ bool) error {
	return db.ReleasePendingAction(ctx, tx, t.Draft.LocalID, queue.TaskID(ctx))
}

// SendMessage moves a draft to sent and submits it.
type SendMessage struct {
	messageTask
}

// SendMessage returns a task sending the draft localID.
func (f *Factory) SendMessage(localID string) (*SendMessage, error) {
	base, err := newMessageTask(f.deps, []string{localID})
	if err != nil {
		return nil, err
	}
	return &SendMessage{messageTask: base}, nil
}

func (t *SendMessage) localID() string {
	return t.MessageIDs[0]
}

func (t *SendMessage) Kind() string { return KindSendMessage }

func (t *SendMessage) Options() queue.TaskOptions {
	return queue.TaskOptions{
		GroupKey:        messageGroup(t.localID()),
		Priority:        priorityMessage,
		Persistent:      true,
		RequiresNetwork: true,
	}
}

func (t *SendMessage) Apply(ctx context.Context, tx db.Querier) error {
	m, err := db.GetMessage(ctx, tx, t.localID())
	if err != nil {
		return err
	}
	if m.Location != models.LocationDraft {
		return fmt.Errorf("%w: %s is in %s", ErrNotDraft, m.LocalID, m.Location)
	}
	if len(m.ToAddresses) == 0 {
		return fmt.Errorf("%w: %s", ErrNoRecipients, m.LocalID)
	}

	return t.apply(ctx, tx, sendEffect)
}

// sendEffect moves a draft to sent, dropping both draft labels for both
// sent labels.
func sendEffect(m *models.Message) *Effect {
	e := newEffect(m)
	e.ToLocation = models.LocationSent
	e.removeLabel(m, models.LabelDrafts)
	e.removeLabel(m, models.LabelAllDrafts)
	e.addLabel(m, models.LabelSent)
	e.addLabel(m, models.LabelAllSent)
	e.addLabel(m, models.LabelAllMail)
	if !m.IsRead && m.Location != models.LocationSent {
		e.adjust(models.LocationKey(m.Location), -1)
		e.adjust(models.LocationKey(models.LocationSent), 1)
	}
	return e
}

func (t *SendMessage) Execute(ctx context.Context) error {
	if err := claim(ctx, t.deps.DB, t.localID(), KindSendMessage); err != nil {
		return err
	}

	m, err := db.GetMessage(ctx, t.deps.DB, t.localID())
	if err != nil {
		return err
	}

	serverID, err := ensureServerDraft(ctx, t.deps, m)
	if err != nil {
		return err
	}
	return t.deps.Remote.SendMessage(ctx, serverID, draftOf(m))
}

// Finalize releases the pending action whatever the outcome.
func (t *SendMessage) Finalize(ctx context.Context, tx db.Querier, _ bool) error {
	return db.ReleasePendingAction(ctx, tx, t.localID(), queue.TaskID(ctx))
}
