package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/engine/internal/connectivity"
	"github.com/vdavid/vmail/engine/internal/db"
	"github.com/vdavid/vmail/engine/internal/models"
	"github.com/vdavid/vmail/engine/internal/remote"
)

// memStore is an in-memory Store. Hooks receive a nil transaction.
type memStore struct {
	mu          sync.Mutex
	recs        map[string]*models.TaskRecord
	seq         int64
	reschedules []models.TaskRecord
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*models.TaskRecord)}
}

func (s *memStore) Insert(_ context.Context, rec *models.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	rec.Seq = s.seq
	cp := *rec
	s.recs[rec.ID] = &cp
	return nil
}

func (s *memStore) Admit(ctx context.Context, rec *models.TaskRecord, apply func(ctx context.Context, tx db.Querier) ([]byte, error)) error {
	params, err := apply(ctx, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.recs[rec.ID]; ok {
		stored.State = models.TaskAdded
		stored.Params = params
	}
	return nil
}

func (s *memStore) Reschedule(_ context.Context, rec *models.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reschedules = append(s.reschedules, *rec)
	if stored, ok := s.recs[rec.ID]; ok {
		stored.RetryCount = rec.RetryCount
		stored.NextAttemptAt = rec.NextAttemptAt
	}
	return nil
}

func (s *memStore) Finish(ctx context.Context, rec *models.TaskRecord, fn func(ctx context.Context, tx db.Querier) error) error {
	if fn != nil {
		if err := fn(ctx, nil); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, rec.ID)
	return nil
}

func (s *memStore) Pending(context.Context) ([]*models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.TaskRecord
	for _, rec := range s.recs {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *memStore) get(id string) (*models.TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// harness records hook calls and decides what Execute returns.
type harness struct {
	mu       sync.Mutex
	calls    map[string]int
	executed []string
	exec     map[string]func(ctx context.Context, attempt int) error
	applyErr map[string]error
}

func newHarness() *harness {
	return &harness{
		calls:    make(map[string]int),
		exec:     make(map[string]func(ctx context.Context, attempt int) error),
		applyErr: make(map[string]error),
	}
}

func (h *harness) count(hook, name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[hook+":"+name]
}

func (h *harness) order() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.executed...)
}

func (h *harness) Decode(kind string, params []byte) (Task, error) {
	if kind != "fake" {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	var task fakeTask
	if err := json.Unmarshal(params, &task); err != nil {
		return nil, err
	}
	task.h = h
	return &task, nil
}

type fakeTask struct {
	Name     string   `json:"name"`
	Group    string   `json:"group"`
	Prio     int      `json:"prio"`
	Persist  bool     `json:"persist"`
	Net      bool     `json:"net"`
	Limit    int      `json:"limit"`
	Messages []string `json:"messages"`
	Applied  bool     `json:"applied"`

	h *harness
}

func (h *harness) task(name, group string) *fakeTask {
	return &fakeTask{Name: name, Group: group, Persist: true, Net: true, h: h}
}

func (t *fakeTask) Kind() string { return "fake" }

func (t *fakeTask) Options() TaskOptions {
	return TaskOptions{GroupKey: t.Group, Priority: t.Prio, Persistent: t.Persist, RequiresNetwork: t.Net, RetryLimit: t.Limit}
}

func (t *fakeTask) Apply(ctx context.Context, _ db.Querier) error {
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	t.h.calls["apply:"+t.Name]++
	if err := t.h.applyErr[t.Name]; err != nil {
		return err
	}
	t.Applied = true
	return nil
}

func (t *fakeTask) Execute(ctx context.Context) error {
	t.h.mu.Lock()
	t.h.calls["execute:"+t.Name]++
	attempt := t.h.calls["execute:"+t.Name]
	t.h.executed = append(t.h.executed, t.Name)
	fn := t.h.exec[t.Name]
	t.h.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(ctx, attempt)
}

func (t *fakeTask) Compensate(context.Context, db.Querier) error {
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	t.h.calls["compensate:"+t.Name]++
	return nil
}

func (t *fakeTask) Targets() []string { return t.Messages }

type fixture struct {
	q       *Queue
	store   *memStore
	h       *harness
	monitor *connectivity.Static
	events  <-chan Event
	cancel  context.CancelFunc
}

func newFixture(t *testing.T, opts Options, connected bool) *fixture {
	t.Helper()
	return newFixtureWithStore(t, opts, connected, newMemStore(), newHarness())
}

func newFixtureWithStore(t *testing.T, opts Options, connected bool, store *memStore, h *harness) *fixture {
	t.Helper()

	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Millisecond
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 5 * time.Millisecond
	}
	if opts.NetworkPoll == 0 {
		opts.NetworkPoll = 5 * time.Millisecond
	}
	if opts.RetryLimit == 0 {
		opts.RetryLimit = 3
	}

	monitor := connectivity.NewStatic(connected)
	q := New(store, h, monitor, opts)
	events, unsubscribe := q.Subscribe(64)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Start(ctx))

	t.Cleanup(func() {
		cancel()
		q.Wait()
		unsubscribe()
	})

	return &fixture{q: q, store: store, h: h, monitor: monitor, events: events, cancel: cancel}
}

func (f *fixture) enqueue(t *testing.T, task Task) string {
	t.Helper()
	id, err := f.q.Enqueue(context.Background(), task)
	require.NoError(t, err)
	return id
}

func (f *fixture) waitEvent(t *testing.T, id string) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.TaskID == id {
				return ev
			}
		case <-timeout:
			t.Fatalf("no terminal event for task %s", id)
		}
	}
}

func (f *fixture) assertNoEvent(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-f.events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(wait):
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	h := newHarness()
	q := New(newMemStore(), h, connectivity.NewStatic(true), Options{})

	_, err := q.Enqueue(context.Background(), h.task("a", "g"))
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestTaskSucceeds(t *testing.T) {
	f := newFixture(t, Options{}, true)

	task := f.h.task("a", "g")
	task.Messages = []string{"m-1"}
	id := f.enqueue(t, task)

	assert.Equal(t, 1, f.h.count("apply", "a"), "local phase runs before Enqueue returns")

	ev := f.waitEvent(t, id)
	assert.Equal(t, StatusSucceeded, ev.Status)
	assert.Equal(t, []string{"m-1"}, ev.Messages)
	assert.Equal(t, 1, f.h.count("execute", "a"))
	assert.Equal(t, 0, f.h.count("compensate", "a"))

	_, stored := f.store.get(id)
	assert.False(t, stored, "terminal tasks are removed from the store")
	assert.Equal(t, 0, f.q.Len())
}

func TestPersistedParamsIncludeLocalPhaseState(t *testing.T) {
	f := newFixture(t, Options{}, false)

	id := f.enqueue(t, f.h.task("a", "g"))

	rec, ok := f.store.get(id)
	require.True(t, ok)
	assert.Equal(t, models.TaskAdded, rec.State)
	assert.JSONEq(t, `{"name":"a","group":"g","prio":0,"persist":true,"net":true,"limit":0,"messages":null,"applied":true}`, string(rec.Params))
	assert.Equal(t, 3, rec.RetryLimit)
}

func TestGroupSerialization(t *testing.T) {
	f := newFixture(t, Options{Workers: 4}, true)

	release := make(chan struct{})
	var mu sync.Mutex
	running := 0
	overlap := false
	track := func(ctx context.Context, _ int) error {
		mu.Lock()
		running++
		if running > 1 {
			overlap = true
		}
		mu.Unlock()

		<-release

		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}
	f.h.exec["first"] = track
	f.h.exec["second"] = track

	first := f.enqueue(t, f.h.task("first", "label:L"))
	second := f.enqueue(t, f.h.task("second", "label:L"))

	assert.Eventually(t, func() bool { return f.h.count("execute", "first") == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, f.h.count("apply", "second"), "second local phase waits for the first task to finish")

	close(release)

	assert.Equal(t, StatusSucceeded, f.waitEvent(t, first).Status)
	assert.Equal(t, StatusSucceeded, f.waitEvent(t, second).Status)
	assert.Equal(t, 1, f.h.count("apply", "second"))
	assert.False(t, overlap)
	assert.Equal(t, []string{"first", "second"}, f.h.order())
}

func TestPriorityAcrossGroups(t *testing.T) {
	f := newFixture(t, Options{Workers: 1}, false)

	low := f.h.task("low", "g1")
	low.Prio = 1
	high := f.h.task("high", "g2")
	high.Prio = 9
	mid := f.h.task("mid", "g3")
	mid.Prio = 5

	ids := []string{f.enqueue(t, low), f.enqueue(t, high), f.enqueue(t, mid)}

	f.monitor.Set(true)
	f.q.Wake()

	for _, id := range ids {
		f.waitEvent(t, id)
	}
	assert.Equal(t, []string{"high", "mid", "low"}, f.h.order())
}

func TestNetworkGate(t *testing.T) {
	f := newFixture(t, Options{}, false)

	offline := f.h.task("offline", "g1")
	offline.Net = false
	online := f.h.task("online", "g2")

	offlineID := f.enqueue(t, offline)
	onlineID := f.enqueue(t, online)

	assert.Equal(t, 1, f.h.count("apply", "online"), "local phase never waits on the network")
	assert.Equal(t, StatusSucceeded, f.waitEvent(t, offlineID).Status)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, f.h.count("execute", "online"))
	rec, ok := f.store.get(onlineID)
	require.True(t, ok)
	assert.Equal(t, 0, rec.RetryCount, "waiting for the network does not consume retries")

	f.monitor.Set(true)
	assert.Equal(t, StatusSucceeded, f.waitEvent(t, onlineID).Status)
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	f := newFixture(t, Options{BackoffBase: 2 * time.Millisecond, BackoffMax: time.Second}, true)

	f.h.exec["flaky"] = func(ctx context.Context, attempt int) error {
		if attempt < 3 {
			return &remote.Error{Code: remote.CodeUnavailable}
		}
		return nil
	}

	start := time.Now()
	id := f.enqueue(t, f.h.task("flaky", "g"))

	assert.Equal(t, StatusSucceeded, f.waitEvent(t, id).Status)
	assert.Equal(t, 3, f.h.count("execute", "flaky"))
	assert.Equal(t, 0, f.h.count("compensate", "flaky"))
	assert.GreaterOrEqual(t, time.Since(start), 6*time.Millisecond)

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	require.Len(t, f.store.reschedules, 2)
	assert.Equal(t, 1, f.store.reschedules[0].RetryCount)
	assert.Equal(t, 2, f.store.reschedules[1].RetryCount)
	assert.True(t, f.store.reschedules[1].NextAttemptAt.After(f.store.reschedules[0].NextAttemptAt))
}

func TestRetryExhaustionCompensatesOnce(t *testing.T) {
	f := newFixture(t, Options{RetryLimit: 2}, true)

	f.h.exec["down"] = func(ctx context.Context, _ int) error {
		return &remote.Error{Code: remote.CodeUnavailable, Message: "503"}
	}

	id := f.enqueue(t, f.h.task("down", "g"))

	ev := f.waitEvent(t, id)
	assert.Equal(t, StatusNoNetwork, ev.Status)
	assert.Equal(t, ReasonRetriesExceeded, ev.Reason)
	assert.Equal(t, 3, f.h.count("execute", "down"))
	assert.Equal(t, 1, f.h.count("compensate", "down"))
	f.assertNoEvent(t, 20*time.Millisecond)
}

func TestTaskRetryLimit(t *testing.T) {
	tests := []struct {
		name         string
		limit        int
		wantExecutes int
	}{
		{name: "queue default", limit: 0, wantExecutes: 3},
		{name: "own limit", limit: 1, wantExecutes: 2},
		{name: "no retries", limit: NoRetries, wantExecutes: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{RetryLimit: 2}, true)
			f.h.exec["down"] = func(ctx context.Context, _ int) error {
				return &remote.Error{Code: remote.CodeUnavailable}
			}

			task := f.h.task("down", "g")
			task.Limit = tt.limit
			id := f.enqueue(t, task)

			ev := f.waitEvent(t, id)
			assert.Equal(t, ReasonRetriesExceeded, ev.Reason)
			if got := f.h.count("execute", "down"); got != tt.wantExecutes {
				t.Fatalf("expected %d remote attempts, got %d", tt.wantExecutes, got)
			}
			assert.Equal(t, 1, f.h.count("compensate", "down"))
		})
	}
}

func TestPermanentFailure(t *testing.T) {
	f := newFixture(t, Options{}, true)

	f.h.exec["rejected"] = func(ctx context.Context, _ int) error {
		return remote.Errorf(remote.CodeNotFound, "no such label")
	}

	id := f.enqueue(t, f.h.task("rejected", "g"))

	ev := f.waitEvent(t, id)
	assert.Equal(t, StatusFailed, ev.Status)
	assert.Equal(t, "not_found", ev.Reason)
	assert.Equal(t, 1, f.h.count("execute", "rejected"))
	assert.Equal(t, 1, f.h.count("compensate", "rejected"))
}

func TestTimeoutIsTransient(t *testing.T) {
	f := newFixture(t, Options{RunTimeout: 10 * time.Millisecond, RetryLimit: 1}, true)

	f.h.exec["slow"] = func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	}

	id := f.enqueue(t, f.h.task("slow", "g"))

	ev := f.waitEvent(t, id)
	assert.Equal(t, StatusNoNetwork, ev.Status)
	assert.Equal(t, 2, f.h.count("execute", "slow"))
	assert.Equal(t, 1, f.h.count("compensate", "slow"))
}

func TestApplyFailureAdvancesGroup(t *testing.T) {
	f := newFixture(t, Options{}, false)

	block := make(chan struct{})
	f.h.exec["head"] = func(ctx context.Context, _ int) error {
		<-block
		return nil
	}
	f.h.applyErr["broken"] = fmt.Errorf("constraint violation")

	head := f.enqueue(t, f.h.task("head", "g"))
	broken := f.enqueue(t, f.h.task("broken", "g"))
	after := f.enqueue(t, f.h.task("after", "g"))

	f.monitor.Set(true)
	close(block)

	assert.Equal(t, StatusSucceeded, f.waitEvent(t, head).Status)
	ev := f.waitEvent(t, broken)
	assert.Equal(t, StatusFailed, ev.Status)
	assert.Equal(t, ReasonApplyFailed, ev.Reason)
	assert.Equal(t, StatusSucceeded, f.waitEvent(t, after).Status)
	assert.Equal(t, 0, f.h.count("compensate", "broken"))
	assert.Equal(t, 0, f.h.count("execute", "broken"))

	t.Run("head of an empty group returns the error", func(t *testing.T) {
		f.h.mu.Lock()
		f.h.applyErr["solo"] = fmt.Errorf("bad input")
		f.h.mu.Unlock()

		id, err := f.q.Enqueue(context.Background(), f.h.task("solo", "other"))
		assert.Error(t, err)
		assert.Equal(t, StatusFailed, f.waitEvent(t, id).Status)
	})
}

func TestCancel(t *testing.T) {
	t.Run("added but not running is compensated", func(t *testing.T) {
		f := newFixture(t, Options{}, false)

		id := f.enqueue(t, f.h.task("a", "g"))
		require.NoError(t, f.q.Cancel(context.Background(), id))

		ev := f.waitEvent(t, id)
		assert.Equal(t, StatusFailed, ev.Status)
		assert.Equal(t, ReasonCancelled, ev.Reason)
		assert.Equal(t, 1, f.h.count("compensate", "a"))
		assert.Equal(t, 0, f.h.count("execute", "a"))

		assert.ErrorIs(t, f.q.Cancel(context.Background(), id), ErrTaskNotFound)
	})

	t.Run("not yet added is dropped without compensation", func(t *testing.T) {
		f := newFixture(t, Options{}, false)

		head := f.enqueue(t, f.h.task("head", "g"))
		waiting := f.enqueue(t, f.h.task("waiting", "g"))

		require.NoError(t, f.q.Cancel(context.Background(), waiting))
		assert.Equal(t, ReasonCancelled, f.waitEvent(t, waiting).Reason)
		assert.Equal(t, 0, f.h.count("apply", "waiting"))
		assert.Equal(t, 0, f.h.count("compensate", "waiting"))

		f.monitor.Set(true)
		assert.Equal(t, StatusSucceeded, f.waitEvent(t, head).Status)
	})

	t.Run("running task is interrupted and compensated", func(t *testing.T) {
		f := newFixture(t, Options{}, true)

		started := make(chan struct{})
		f.h.exec["long"] = func(ctx context.Context, _ int) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}

		id := f.enqueue(t, f.h.task("long", "g"))
		<-started
		require.NoError(t, f.q.Cancel(context.Background(), id))

		ev := f.waitEvent(t, id)
		assert.Equal(t, ReasonCancelled, ev.Reason)
		assert.Equal(t, 1, f.h.count("compensate", "long"))
	})

	t.Run("unknown task", func(t *testing.T) {
		f := newFixture(t, Options{}, true)
		assert.ErrorIs(t, f.q.Cancel(context.Background(), "nope"), ErrTaskNotFound)
	})
}

func TestRestore(t *testing.T) {
	store := newMemStore()
	h := newHarness()

	added, _ := json.Marshal(&fakeTask{Name: "resumed", Group: "g", Persist: true, Net: true, Applied: true})
	created, _ := json.Marshal(&fakeTask{Name: "fresh", Group: "g", Persist: true, Net: true})
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, &models.TaskRecord{
		ID: "t-1", Kind: "fake", Params: added, GroupKey: "g", RetryCount: 2, RetryLimit: 5,
		Persistent: true, RequiresNet: true, State: models.TaskAdded, NextAttemptAt: time.Now(),
	}))
	require.NoError(t, store.Insert(ctx, &models.TaskRecord{
		ID: "t-2", Kind: "fake", Params: created, GroupKey: "g", RetryLimit: 5,
		Persistent: true, RequiresNet: true, State: models.TaskCreated, NextAttemptAt: time.Now(),
	}))
	require.NoError(t, store.Insert(ctx, &models.TaskRecord{
		ID: "t-3", Kind: "bogus", Params: []byte(`{}`), GroupKey: "x", Persistent: true, State: models.TaskCreated,
	}))

	f := newFixtureWithStore(t, Options{}, true, store, h)

	ev := f.waitEvent(t, "t-3")
	assert.Equal(t, ReasonUndecodable, ev.Reason)

	assert.Equal(t, StatusSucceeded, f.waitEvent(t, "t-1").Status)
	assert.Equal(t, StatusSucceeded, f.waitEvent(t, "t-2").Status)

	assert.Equal(t, 0, h.count("apply", "resumed"), "added tasks are not re-applied")
	assert.Equal(t, 1, h.count("apply", "fresh"))
	assert.Equal(t, []string{"resumed", "fresh"}, h.order())

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestShutdownLeavesTasksPersisted(t *testing.T) {
	f := newFixture(t, Options{}, true)

	started := make(chan struct{})
	f.h.exec["a"] = func(ctx context.Context, _ int) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	id := f.enqueue(t, f.h.task("a", "g"))
	<-started

	f.cancel()
	f.q.Wait()

	f.assertNoEvent(t, 20*time.Millisecond)
	rec, ok := f.store.get(id)
	require.True(t, ok)
	assert.Equal(t, models.TaskAdded, rec.State)
	assert.Equal(t, 0, f.h.count("compensate", "a"))
}

func TestBusy(t *testing.T) {
	f := newFixture(t, Options{}, false)

	task := f.h.task("a", "g")
	task.Messages = []string{"m-1", "m-2"}
	id := f.enqueue(t, task)

	assert.Equal(t, map[string]struct{}{"m-1": {}, "m-2": {}}, f.q.Busy())

	require.NoError(t, f.q.Cancel(context.Background(), id))
	f.waitEvent(t, id)
	assert.Empty(t, f.q.Busy())
}

func TestNonPersistentTaskIsNotStored(t *testing.T) {
	f := newFixture(t, Options{}, false)

	task := f.h.task("secret", "account:password")
	task.Persist = false
	id := f.enqueue(t, task)

	_, ok := f.store.get(id)
	assert.False(t, ok)
	assert.Equal(t, 1, f.h.count("apply", "secret"))

	f.monitor.Set(true)
	assert.Equal(t, StatusSucceeded, f.waitEvent(t, id).Status)
}

func TestSlowSubscriber(t *testing.T) {
	t.Run("waits for room in a full buffer", func(t *testing.T) {
		f := newFixture(t, Options{EventTimeout: 2 * time.Second}, true)
		slow, unsubscribe := f.q.Subscribe(0)
		defer unsubscribe()

		id := f.enqueue(t, f.h.task("a", "g"))
		time.Sleep(50 * time.Millisecond)

		select {
		case ev := <-slow:
			assert.Equal(t, id, ev.TaskID)
			assert.Equal(t, StatusSucceeded, ev.Status)
		case <-time.After(time.Second):
			t.Fatal("event was not delivered to the slow subscriber")
		}
	})

	t.Run("drops the event after the timeout", func(t *testing.T) {
		f := newFixture(t, Options{EventTimeout: 10 * time.Millisecond}, true)
		slow, unsubscribe := f.q.Subscribe(0)
		defer unsubscribe()

		id := f.enqueue(t, f.h.task("a", "g"))
		f.waitEvent(t, id)
		time.Sleep(50 * time.Millisecond)

		select {
		case ev := <-slow:
			t.Fatalf("unexpected event %+v", ev)
		default:
		}
	})

	t.Run("unsubscribe releases a blocked send", func(t *testing.T) {
		f := newFixture(t, Options{EventTimeout: time.Minute}, true)
		slow, unsubscribe := f.q.Subscribe(0)

		id := f.enqueue(t, f.h.task("a", "g"))
		time.Sleep(50 * time.Millisecond)

		done := make(chan struct{})
		go func() {
			unsubscribe()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("unsubscribe blocked behind a pending send")
		}

		_, ok := <-slow
		assert.False(t, ok)
		f.waitEvent(t, id)
	})
}
