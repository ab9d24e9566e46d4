package imap

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/vdavid/vmail/engine/internal/config"
	"github.com/vdavid/vmail/engine/internal/db"
	"github.com/vdavid/vmail/engine/internal/ledger"
	"github.com/vdavid/vmail/engine/internal/models"
)

// SyncResult summarizes one inbound sync pass.
type SyncResult struct {
	Added   int
	Updated int
	Removed int
	// Skipped counts messages left alone because a task references them.
	Skipped int
	Drift   []ledger.Drift
}

// Syncer mirrors the server folders into the local store.
//
// Messages referenced by unfinished tasks are skipped, since their local
// state is ahead of the server. After every pass the ledger recounts, so
// counters follow whatever the sync changed.
type Syncer struct {
	pool    *Pool
	folders *folderMap
	store   db.Querier
	ledger  *ledger.Ledger
	busy    func() map[string]struct{}
	trigger chan struct{}
}

// NewSyncer returns a syncer. busy reports the message IDs, local or
// server-assigned, of unfinished tasks; the queue's Busy method fits.
func NewSyncer(pool *Pool, folders config.Folders, store db.Querier, l *ledger.Ledger, busy func() map[string]struct{}) (*Syncer, error) {
	m, err := newFolderMap(folders)
	if err != nil {
		return nil, err
	}
	if busy == nil {
		busy = func() map[string]struct{} { return nil }
	}
	return &Syncer{
		pool:    pool,
		folders: m,
		store:   store,
		ledger:  l,
		busy:    busy,
		trigger: make(chan struct{}, 1),
	}, nil
}

// Trigger requests a sync pass from Run without waiting for it.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run syncs once, then again on every tick of interval and on every
// Trigger, until ctx is done.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := s.Sync(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("IMAP sync: failed: %v", err)
		} else if result.Added+result.Updated+result.Removed > 0 {
			log.Printf("IMAP sync: %d added, %d updated, %d removed, %d skipped", result.Added, result.Updated, result.Removed, result.Skipped)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.trigger:
		}
	}
}

// Sync runs one pass: fetch every mapped folder, reconcile the store, recount.
func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	known, err := userLabels(ctx, s.store)
	if err != nil {
		return nil, err
	}

	incoming, err := s.fetchAll(ctx, known)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{}
	err = db.WithTx(ctx, s.store, func(tx db.Querier) error {
		return s.reconcile(ctx, tx, incoming, result)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply sync: %w", err)
	}

	drift, err := s.ledger.Recount(ctx)
	if err != nil {
		return nil, err
	}
	result.Drift = drift

	return result, nil
}

// fetchAll returns the server state keyed by Message-ID.
func (s *Syncer) fetchAll(ctx context.Context, known map[string]bool) (map[string]*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ic, release, err := s.pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("failed to get IMAP connection: %w", err)
	}
	defer release()

	incoming := make(map[string]*models.Message)
	for _, folder := range s.folders.ordered {
		location := s.folders.byName[folder]

		raw, err := fetchFolder(ic, folder)
		if err != nil {
			return nil, err
		}

		for _, m := range raw {
			msg, err := ParseMessage(m, location, known)
			if err != nil {
				log.Warnf("IMAP sync: skipping message %d in %s: %v", m.Uid, folder, err)
				continue
			}
			if prev, dup := incoming[*msg.ServerID]; dup {
				log.Warnf("IMAP sync: %s found in both %s and %s, keeping %s", *msg.ServerID, prev.Location, location, prev.Location)
				continue
			}
			incoming[*msg.ServerID] = msg
		}
	}

	return incoming, nil
}

// reconcile writes the server state over the local mirror. Rows are locked
// before the busy set is read, so a task enqueued meanwhile applies its
// local phase on top of the synced state.
func (s *Syncer) reconcile(ctx context.Context, tx db.Querier, incoming map[string]*models.Message, result *SyncResult) error {
	synced, err := db.ListSyncedMessages(ctx, tx)
	if err != nil {
		return err
	}

	localIDs := make([]string, 0, len(synced))
	for _, m := range synced {
		localIDs = append(localIDs, m.LocalID)
	}
	locked, err := db.LockMessages(ctx, tx, localIDs)
	if err != nil {
		return err
	}

	busy := s.busy()
	isBusy := func(ids ...string) bool {
		for _, id := range ids {
			if _, ok := busy[id]; ok {
				return true
			}
		}
		return false
	}

	serverIDs := make([]string, 0, len(incoming))
	for id := range incoming {
		serverIDs = append(serverIDs, id)
	}
	sort.Strings(serverIDs)

	for _, serverID := range serverIDs {
		msg := incoming[serverID]

		prev, exists := synced[serverID]
		if !exists {
			if isBusy(serverID) {
				result.Skipped++
				continue
			}
			msg.LocalID = uuid.NewString()
			if err := db.SaveMessage(ctx, tx, msg); err != nil {
				return err
			}
			result.Added++
			continue
		}

		if isBusy(prev.LocalID, serverID) {
			result.Skipped++
			continue
		}

		current, ok := locked[prev.LocalID]
		if !ok {
			// Deleted by a local phase after the listing.
			continue
		}

		merged := merge(current, msg)
		if sameState(current, merged) {
			continue
		}
		if err := db.SaveMessage(ctx, tx, merged); err != nil {
			return err
		}
		result.Updated++
	}

	var gone []string
	for serverID, prev := range synced {
		if _, ok := incoming[serverID]; ok {
			continue
		}
		if isBusy(prev.LocalID, serverID) {
			result.Skipped++
			continue
		}
		gone = append(gone, prev.LocalID)
	}
	sort.Strings(gone)
	if err := db.DeleteMessages(ctx, tx, gone); err != nil {
		return err
	}
	result.Removed = len(gone)

	return nil
}

// merge takes the server's view of a message while keeping what only the
// local mirror knows: its ID, the aggregate sent and draft history and a
// body the server copy did not yield.
func merge(local, server *models.Message) *models.Message {
	merged := *server
	merged.LocalID = local.LocalID
	if merged.BodyText == "" {
		merged.BodyText = local.BodyText
	}

	labels := make(map[string]bool, len(server.LabelIDs)+2)
	for _, id := range server.LabelIDs {
		labels[id] = true
	}
	for _, id := range []string{models.LabelAllSent, models.LabelAllDrafts} {
		if local.HasLabel(id) {
			labels[id] = true
		}
	}
	merged.LabelIDs = sortedKeys(labels)

	return &merged
}

func sameState(a, b *models.Message) bool {
	if a.Location != b.Location || a.IsRead != b.IsRead || a.IsStarred != b.IsStarred ||
		a.Subject != b.Subject || a.FromAddress != b.FromAddress || a.BodyText != b.BodyText {
		return false
	}
	if !equalStrings(a.ToAddresses, b.ToAddresses) {
		return false
	}

	al := append([]string(nil), a.LabelIDs...)
	bl := append([]string(nil), b.LabelIDs...)
	sort.Strings(al)
	sort.Strings(bl)
	return equalStrings(al, bl)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// userLabels returns the IDs of the labels that may arrive as keywords.
func userLabels(ctx context.Context, q db.Querier) (map[string]bool, error) {
	labels, err := db.ListLabels(ctx, q)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(labels))
	for _, l := range labels {
		if !l.Reserved {
			known[l.ID] = true
		}
	}
	return known, nil
}
