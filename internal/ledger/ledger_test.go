package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/engine/internal/db"
	"github.com/vdavid/vmail/engine/internal/models"
	"github.com/vdavid/vmail/engine/internal/testutil"
)

var inbox = models.LocationKey(models.LocationInbox)

func TestAdjust(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()

	var clamps []Clamp
	l := New(pool, WithClampHook(func(c Clamp) {
		clamps = append(clamps, c)
	}))

	value, err := l.Adjust(ctx, pool, inbox, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), value)
	assert.Empty(t, clamps)

	value, err = l.Adjust(ctx, pool, inbox, -3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)
	require.Len(t, clamps, 1)
	assert.Equal(t, Clamp{Key: inbox, Delta: -3, Unclamped: -1}, clamps[0])

	value, err = l.Get(ctx, inbox)
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)

	t.Run("zero delta reads", func(t *testing.T) {
		value, err := l.Adjust(ctx, pool, inbox, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(0), value)
		assert.Len(t, clamps, 1)
	})

	t.Run("adjust inside a rolled back transaction is discarded", func(t *testing.T) {
		_ = db.WithTx(ctx, pool, func(tx db.Querier) error {
			if _, err := l.Adjust(ctx, tx, inbox, 5); err != nil {
				return err
			}
			return assert.AnError
		})

		value, err := l.Get(ctx, inbox)
		require.NoError(t, err)
		assert.Equal(t, int64(0), value)
	})
}

func TestRecount(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	l := New(pool)

	require.NoError(t, db.SaveLabel(ctx, pool, &models.Label{ID: "work", Name: "Work"}))
	require.NoError(t, db.SaveMessage(ctx, pool, &models.Message{
		LocalID:  "a",
		Location: models.LocationInbox,
		LabelIDs: []string{models.LabelInbox, models.LabelAllMail, "work"},
	}))
	require.NoError(t, db.SaveMessage(ctx, pool, &models.Message{
		LocalID:  "b",
		Location: models.LocationInbox,
		IsRead:   true,
		LabelIDs: []string{models.LabelInbox, models.LabelAllMail},
	}))

	// Stale values: inbox too high, work missing, spam left over.
	require.NoError(t, l.AdjustAll(ctx, pool, []Delta{
		{Key: inbox, Delta: 4},
		{Key: models.LocationKey(models.LocationAllMail), Delta: 1},
		{Key: models.LocationKey(models.LocationSpam), Delta: 2},
	}))

	drift, err := l.Recount(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Drift{
		{Key: models.LabelKey("work"), Stored: 0, Actual: 1},
		{Key: inbox, Stored: 4, Actual: 1},
		{Key: models.LocationKey(models.LocationSpam), Stored: 2, Actual: 0},
	}, drift)

	t.Run("second recount finds no drift", func(t *testing.T) {
		drift, err := l.Recount(ctx)
		require.NoError(t, err)
		assert.Empty(t, drift)
	})
}

func TestMerge(t *testing.T) {
	work := models.LabelKey("work")
	merged := Merge([]Delta{
		{Key: inbox, Delta: -1},
		{Key: work, Delta: 1},
		{Key: inbox, Delta: 1},
		{Key: work, Delta: 1},
	})
	assert.Equal(t, []Delta{{Key: work, Delta: 2}}, merged)

	assert.Equal(t, []Delta{{Key: work, Delta: -2}}, Negate(merged))
}
