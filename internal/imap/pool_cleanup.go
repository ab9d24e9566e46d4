package imap

import (
	"time"
)

// startCleanupGoroutine periodically closes idle worker connections until
// the pool is closed.
func (p *Pool) startCleanupGoroutine() {
	ticker := time.NewTicker(cleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-p.cleanupCtx.Done():
				return
			case <-ticker.C:
				p.cleanupIdleConnections(time.Now())
			}
		}
	}()
}

// cleanupIdleConnections removes worker connections unused since before
// now minus workerIdleTimeout. Connections in use are left alone.
func (p *Pool) cleanupIdleConnections(now time.Time) {
	set := p.workers

	set.mu.Lock()
	var idle []*conn
	kept := set.clients[:0]
	for _, client := range set.clients {
		if client.TryLock() {
			if client.idleFor(now) > workerIdleTimeout {
				idle = append(idle, client)
				continue
			}
			client.Unlock()
		}
		kept = append(kept, client)
	}
	set.clients = kept
	set.mu.Unlock()

	for _, client := range idle {
		_ = client.logout()
		client.Unlock()
	}
}
