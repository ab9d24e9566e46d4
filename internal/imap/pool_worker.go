package imap

import (
	"time"

	"github.com/emersion/go-imap/client"
)

// Acquire returns a logged-in worker client and a release function that
// must be called when the caller is done with it. It blocks while all
// worker slots are busy.
func (p *Pool) Acquire() (*client.Client, func(), error) {
	c, release, err := p.getWorkerConnection()
	if err != nil {
		return nil, nil, err
	}
	return c.client, release, nil
}

// getWorkerConnection returns a locked, healthy worker connection, dialing
// a new one when no idle connection can be reused.
func (p *Pool) getWorkerConnection() (*conn, func(), error) {
	if p.isClosed() {
		return nil, nil, ErrPoolClosed
	}

	set := p.workers
	for {
		c, release := set.acquire()
		if c == nil {
			// We hold a slot but no client: dial one.
			return p.dialWorker(set, release)
		}

		now := time.Now()
		if c.usable(now) {
			c.touch(now)
			return c, release, nil
		}

		// Dead connection: drop it and try the next one.
		set.remove(c)
		release()
	}
}

// dialWorker creates a worker connection. The caller holds a semaphore
// slot, which slotRelease frees.
func (p *Pool) dialWorker(set *workerClientSet, slotRelease func()) (*conn, func(), error) {
	c, err := p.creds.dial(roleWorker)
	if err != nil {
		slotRelease()
		return nil, nil, err
	}

	c.Lock()
	set.addClient(c)

	return c, func() {
		c.Unlock()
		slotRelease()
	}, nil
}
