package imap

import (
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/engine/internal/testutil"
)

func newTestPool(t *testing.T, server *testutil.TestIMAPServer, maxWorkers int) *Pool {
	t.Helper()
	pool := NewPool(Credentials{
		Server:   server.Address,
		Username: server.Username(),
		Password: server.Password(),
	}, maxWorkers)
	t.Cleanup(pool.Close)
	return pool
}

func TestPool_Acquire(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)

	t.Run("returns a logged-in client and reuses it after release", func(t *testing.T) {
		pool := newTestPool(t, server, 2)

		c1, release, err := pool.Acquire()
		require.NoError(t, err)
		assert.Equal(t, imap.AuthenticatedState, c1.State())
		release()

		c2, release, err := pool.Acquire()
		require.NoError(t, err)
		defer release()

		assert.Same(t, c1, c2)
		assert.Equal(t, 1, pool.workers.size())
	})

	t.Run("hands out distinct clients concurrently", func(t *testing.T) {
		pool := newTestPool(t, server, 2)

		c1, release1, err := pool.Acquire()
		require.NoError(t, err)
		c2, release2, err := pool.Acquire()
		require.NoError(t, err)

		assert.NotSame(t, c1, c2)

		release1()
		release2()
		assert.Equal(t, 2, pool.workers.size())
	})

	t.Run("blocks while all workers are busy", func(t *testing.T) {
		pool := newTestPool(t, server, 1)

		_, release, err := pool.Acquire()
		require.NoError(t, err)

		acquired := make(chan struct{})
		go func() {
			_, release2, err := pool.Acquire()
			if err == nil {
				release2()
			}
			close(acquired)
		}()

		select {
		case <-acquired:
			t.Fatal("Acquire should block while the only worker is in use")
		case <-time.After(100 * time.Millisecond):
		}

		release()

		select {
		case <-acquired:
		case <-time.After(5 * time.Second):
			t.Fatal("Acquire did not proceed after release")
		}
	})

	t.Run("replaces a dead connection", func(t *testing.T) {
		pool := newTestPool(t, server, 1)

		c1, release, err := pool.Acquire()
		require.NoError(t, err)
		require.NoError(t, c1.Logout())
		release()

		c2, release, err := pool.Acquire()
		require.NoError(t, err)
		defer release()

		assert.NotSame(t, c1, c2)
		assert.Equal(t, imap.AuthenticatedState, c2.State())
		assert.Equal(t, 1, pool.workers.size())
	})

	t.Run("fails on bad credentials and frees the slot", func(t *testing.T) {
		pool := NewPool(Credentials{
			Server:   server.Address,
			Username: server.Username(),
			Password: "wrong",
		}, 1)
		defer pool.Close()

		for i := 0; i < 2; i++ {
			_, _, err := pool.Acquire()
			if err == nil {
				t.Fatal("Expected login error")
			}
		}
		assert.Equal(t, 0, pool.workers.size())
	})
}

func TestPool_Close(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	pool := newTestPool(t, server, 2)

	c, release, err := pool.Acquire()
	require.NoError(t, err)
	release()

	pool.Close()
	pool.Close()

	assert.Equal(t, imap.LogoutState, c.State())

	_, _, err = pool.Acquire()
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}

	_, err = pool.listenerConnection()
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed from listener, got %v", err)
	}
}

func TestPool_CleanupIdleConnections(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	pool := newTestPool(t, server, 2)

	_, releaseHeld, err := pool.Acquire()
	require.NoError(t, err)
	_, releaseSecond, err := pool.Acquire()
	require.NoError(t, err)
	releaseSecond()
	require.Equal(t, 2, pool.workers.size())

	pool.cleanupIdleConnections(time.Now().Add(workerIdleTimeout + time.Minute))

	// The held client survives, the free one is gone.
	assert.Equal(t, 1, pool.workers.size())
	releaseHeld()

	pool.cleanupIdleConnections(time.Now())
	assert.Equal(t, 1, pool.workers.size())
}

func TestPool_ListenerConnection(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	pool := newTestPool(t, server, 1)

	listener, err := pool.listenerConnection()
	require.NoError(t, err)
	assert.Equal(t, roleListener, listener.role)
	listener.Unlock()

	worker, release, err := pool.Acquire()
	require.NoError(t, err)
	defer release()
	assert.NotSame(t, listener.client, worker)

	again, err := pool.listenerConnection()
	require.NoError(t, err)
	assert.Same(t, listener, again)

	require.NoError(t, again.logout())
	again.Unlock()

	fresh, err := pool.listenerConnection()
	require.NoError(t, err)
	defer fresh.Unlock()
	assert.NotSame(t, listener, fresh)
	assert.Equal(t, imap.AuthenticatedState, fresh.client.State())
}
