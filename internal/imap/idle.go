package imap

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
	log "github.com/sirupsen/logrus"
)

const (
	// idlePollInterval is used when the server lacks IDLE.
	idlePollInterval = 30 * time.Second
	// idleStableSession resets the reconnect backoff.
	idleStableSession = time.Minute
)

// Listener keeps the pool's listener connection in IDLE on one folder and
// calls onChange whenever the server reports a mailbox change.
type Listener struct {
	pool     *Pool
	folder   string
	onChange func()
	// newBackOff builds the reconnect policy. Overridden in tests.
	newBackOff func() backoff.BackOff
}

// NewListener returns a listener on folder.
func NewListener(pool *Pool, folder string, onChange func()) *Listener {
	return &Listener{
		pool:     pool,
		folder:   folder,
		onChange: onChange,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 2 * time.Minute
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run blocks until ctx is done, reconnecting with backoff after failures.
func (l *Listener) Run(ctx context.Context) {
	b := l.newBackOff()

	for {
		started := time.Now()
		err := l.session(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(started) > idleStableSession {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		log.Printf("IMAP IDLE: session on %s ended: %v, reconnecting in %s", l.folder, err, wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one IDLE session on the listener connection.
func (l *Listener) session(ctx context.Context) error {
	listener, err := l.pool.listenerConnection()
	if err != nil {
		return err
	}
	defer listener.Unlock()

	c := listener.client
	if _, err := c.Select(l.folder, true); err != nil {
		l.pool.removeListenerConnection(listener)
		return fmt.Errorf("failed to select %s: %w", l.folder, err)
	}

	updates := make(chan imapclient.Update, 16)
	c.Updates = updates

	// Catch up on anything that happened while disconnected.
	l.onChange()

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idle.NewClient(c).IdleWithFallback(stop, idlePollInterval)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return ctx.Err()
		case err := <-done:
			l.pool.removeListenerConnection(listener)
			if err == nil {
				err = fmt.Errorf("idle stopped")
			}
			return err
		case update := <-updates:
			if isMailboxChange(update) {
				l.onChange()
			}
		}
	}
}

func isMailboxChange(update imapclient.Update) bool {
	switch u := update.(type) {
	case *imapclient.MailboxUpdate:
		return u.Mailbox != nil
	case *imapclient.MessageUpdate, *imapclient.ExpungeUpdate:
		return true
	default:
		return false
	}
}
