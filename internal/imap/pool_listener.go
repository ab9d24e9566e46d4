package imap

import (
	"time"
)

// listenerConnection returns the dedicated IDLE connection, locked.
// The caller must unlock it when done. A dead connection is replaced.
func (p *Pool) listenerConnection() (*conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	listener := p.listener
	p.mu.Unlock()

	if listener != nil {
		listener.Lock()
		if listener.loggedIn() {
			listener.touch(time.Now())
			return listener, nil
		}
		listener.Unlock()
		p.removeListenerConnection(listener)
	}

	fresh, err := p.creds.dial(roleListener)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = fresh.logout()
		return nil, ErrPoolClosed
	}
	if p.listener != nil && p.listener != listener {
		// Someone else replaced it meanwhile, keep theirs.
		existing := p.listener
		p.mu.Unlock()
		_ = fresh.logout()
		existing.Lock()
		return existing, nil
	}
	p.listener = fresh
	p.mu.Unlock()

	fresh.Lock()
	return fresh, nil
}

// removeListenerConnection drops the listener connection if it is still
// the current one.
func (p *Pool) removeListenerConnection(listener *conn) {
	p.mu.Lock()
	if p.listener != listener {
		p.mu.Unlock()
		return
	}
	p.listener = nil
	p.mu.Unlock()

	_ = listener.logout()
}
