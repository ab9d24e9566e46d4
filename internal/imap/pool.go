package imap

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// workerIdleTimeout is the maximum time a worker connection can be idle before being closed.
	workerIdleTimeout = 10 * time.Minute
	// healthCheckThreshold is the idle time after which we perform a health check before reuse.
	healthCheckThreshold = 1 * time.Minute
	// cleanupInterval is how often idle worker connections are reaped.
	cleanupInterval = 1 * time.Minute
)

// ErrPoolClosed is returned by Pool methods after Close.
var ErrPoolClosed = errors.New("imap pool is closed")

// Pool manages the IMAP connections of the account.
// Supports two types of connections:
//   - Worker connections: up to maxWorkers, used by task remote phases and inbound sync
//   - Listener connection: 1 dedicated connection for the IDLE command
//
// Each connection is wrapped with a mutex. Different connections are used
// concurrently, access to the same connection is serialized.
type Pool struct {
	creds         Credentials
	workers       *workerClientSet
	listener      *conn
	mu            sync.Mutex
	closed        bool
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
}

// NewPool creates a connection pool for creds with at most maxWorkers
// worker connections.
func NewPool(creds Credentials, maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		creds:         creds,
		workers:       newWorkerClientSet(maxWorkers),
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
	}
	p.startCleanupGoroutine()
	return p
}

// Close closes all connections in the pool and stops the cleanup goroutine.
// It is safe to call more than once.
func (p *Pool) Close() {
	p.cleanupCancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	p.workers.close()

	if p.listener != nil {
		// A listener in IDLE holds its lock, logging out unblocks it.
		if p.listener.TryLock() {
			if err := p.listener.logout(); err != nil {
				log.Printf("IMAP pool: failed to logout listener connection: %v", err)
			}
			p.listener.Unlock()
		} else {
			_ = p.listener.logout()
		}
		p.listener = nil
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
