package tasks

import (
	"context"

	"github.com/vdavid/vmail/engine/internal/db"
	"github.com/vdavid/vmail/engine/internal/models"
	"github.com/vdavid/vmail/engine/internal/queue"
)

var starredKey = models.LocationKey(models.LocationStarred)

// Star flags messages as starred.
type Star struct {
	messageTask
}

// Star returns a task starring messageIDs.
func (f *Factory) Star(messageIDs []string) (*Star, error) {
	base, err := newMessageTask(f.deps, messageIDs)
	if err != nil {
		return nil, err
	}
	return &Star{messageTask: base}, nil
}

func (t *Star) Kind() string { return KindStar }

func (t *Star) Options() queue.TaskOptions {
	return queue.TaskOptions{GroupKey: groupStar, Priority: priorityFlags, Persistent: true, RequiresNetwork: true}
}

func (t *Star) Apply(ctx context.Context, tx db.Querier) error {
	return t.apply(ctx, tx, func(m *models.Message) *Effect {
		return starEffect(m, true)
	})
}

func (t *Star) Execute(ctx context.Context) error {
	ids, err := t.serverIDs(ctx)
	if err != nil || len(ids) == 0 {
		return err
	}
	return t.deps.Remote.LabelMessages(ctx, ids, models.LabelStarred)
}

// Unstar clears the starred flag.
type Unstar struct {
	messageTask
}

// Unstar returns a task unstarring messageIDs.
func (f *Factory) Unstar(messageIDs []string) (*Unstar, error) {
	base, err := newMessageTask(f.deps, messageIDs)
	if err != nil {
		return nil, err
	}
	return &Unstar{messageTask: base}, nil
}

func (t *Unstar) Kind() string { return KindUnstar }

func (t *Unstar) Options() queue.TaskOptions {
	return queue.TaskOptions{GroupKey: groupStar, Priority: priorityFlags, Persistent: true, RequiresNetwork: true}
}

func (t *Unstar) Apply(ctx context.Context, tx db.Querier) error {
	return t.apply(ctx, tx, func(m *models.Message) *Effect {
		return starEffect(m, false)
	})
}

func (t *Unstar) Execute(ctx context.Context) error {
	ids, err := t.serverIDs(ctx)
	if err != nil || len(ids) == 0 {
		return err
	}
	return t.deps.Remote.UnlabelMessages(ctx, ids, models.LabelStarred)
}

// starEffect only touches the starred counter, by the unread state seen now.
func starEffect(m *models.Message, starred bool) *Effect {
	if m.IsStarred == starred {
		return nil
	}

	e := newEffect(m)
	e.NewStarred = starred
	delta := int64(-1)
	if starred {
		e.addLabel(m, models.LabelStarred)
		delta = 1
	} else {
		e.removeLabel(m, models.LabelStarred)
	}
	if !m.IsRead {
		e.adjust(starredKey, delta)
	}
	return e
}

// MarkRead marks messages as read.
type MarkRead struct {
	messageTask
}

// MarkRead returns a task marking messageIDs read.
func (f *Factory) MarkRead(messageIDs []string) (*MarkRead, error) {
	base, err := newMessageTask(f.deps, messageIDs)
	if err != nil {
		return nil, err
	}
	return &MarkRead{messageTask: base}, nil
}

func (t *MarkRead) Kind() string { return KindMarkRead }

func (t *MarkRead) Options() queue.TaskOptions {
	return queue.TaskOptions{GroupKey: groupRead, Priority: priorityFlags, Persistent: true, RequiresNetwork: true}
}

func (t *MarkRead) Apply(ctx context.Context, tx db.Querier) error {
	return t.apply(ctx, tx, func(m *models.Message) *Effect {
		return readEffect(m, true)
	})
}

func (t *MarkRead) Execute(ctx context.Context) error {
	ids, err := t.serverIDs(ctx)
	if err != nil || len(ids) == 0 {
		return err
	}
	return t.deps.Remote.MarkRead(ctx, ids)
}

// MarkUnread marks messages as unread.
type MarkUnread struct {
	messageTask
}

// MarkUnread returns a task marking messageIDs unread.
func (f *Factory) MarkUnread(messageIDs []string) (*MarkUnread, error) {
	base, err := newMessageTask(f.deps, messageIDs)
	if err != nil {
		return nil, err
	}
	return &MarkUnread{messageTask: base}, nil
}

func (t *MarkUnread) Kind() string { return KindMarkUnread }

func (t *MarkUnread) Options() queue.TaskOptions {
	return queue.TaskOptions{GroupKey: groupRead, Priority: priorityFlags, Persistent: true, RequiresNetwork: true}
}

func (t *MarkUnread) Apply(ctx context.Context, tx db.Querier) error {
	return t.apply(ctx, tx, func(m *models.Message) *Effect {
		return readEffect(m, false)
	})
}

func (t *MarkUnread) Execute(ctx context.Context) error {
	ids, err := t.serverIDs(ctx)
	if err != nil || len(ids) == 0 {
		return err
	}
	return t.deps.Remote.MarkUnread(ctx, ids)
}

// readEffect moves the message in or out of every counter it contributes to.
func readEffect(m *models.Message, read bool) *Effect {
	if m.IsRead == read {
		return nil
	}

	e := newEffect(m)
	e.NewRead = read
	delta := int64(1)
	if read {
		delta = -1
	}
	for _, key := range unreadKeys(m) {
		e.adjust(key, delta)
	}
	return e
}
