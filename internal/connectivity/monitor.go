// Package connectivity reports whether the remote mail service is reachable.
package connectivity

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Monitor reports reachability of the remote service.
type Monitor interface {
	IsConnected() bool
}

// Static is a Monitor with a value set by hand.
type Static struct {
	connected atomic.Bool
}

// NewStatic returns a Static monitor starting at connected.
func NewStatic(connected bool) *Static {
	s := &Static{}
	s.connected.Store(connected)
	return s
}

func (s *Static) IsConnected() bool {
	return s.connected.Load()
}

// Set changes the reported state.
func (s *Static) Set(connected bool) {
	s.connected.Store(connected)
}

// DialFunc opens a connection to addr.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Prober dials the server periodically and reports the last result.
type Prober struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc

	connected atomic.Bool

	mu        sync.Mutex
	listeners []func(bool)
}

// NewProber returns a prober for addr (host:port). The first probe runs when
// Run starts; until then the prober reports disconnected.
func NewProber(addr string, interval time.Duration) *Prober {
	var d net.Dialer
	return &Prober{
		addr:     addr,
		interval: interval,
		timeout:  5 * time.Second,
		dial:     d.DialContext,
	}
}

// WithDialer replaces the dial function, mainly for tests.
func (p *Prober) WithDialer(dial DialFunc) *Prober {
	p.dial = dial
	return p
}

func (p *Prober) IsConnected() bool {
	return p.connected.Load()
}

// OnChange registers fn to be called whenever reachability flips.
func (p *Prober) OnChange(fn func(connected bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Run probes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Probe(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Probe dials once and records the result.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.addr)
	up := err == nil
	if conn != nil {
		_ = conn.Close()
	}

	if p.connected.Swap(up) != up {
		if up {
			log.Printf("Connectivity: %s reachable", p.addr)
		} else {
			log.Warnf("Connectivity: %s unreachable: %v", p.addr, err)
		}

		p.mu.Lock()
		listeners := append([]func(bool){}, p.listeners...)
		p.mu.Unlock()
		for _, fn := range listeners {
			fn(up)
		}
	}

	return up
}
