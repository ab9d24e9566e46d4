package connectivity

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	m := NewStatic(false)
	assert.False(t, m.IsConnected())
	m.Set(true)
	assert.True(t, m.IsConnected())
}

func TestProberAgainstListener(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	p := NewProber(listener.Addr().String(), time.Hour)
	assert.False(t, p.IsConnected())
	assert.True(t, p.Probe(context.Background()))
	assert.True(t, p.IsConnected())

	require.NoError(t, listener.Close())
	assert.False(t, p.Probe(context.Background()))
	assert.False(t, p.IsConnected())
}

func TestProberNotifiesOnChange(t *testing.T) {
	var up atomic.Bool
	p := NewProber("mail.example.com:993", time.Hour).WithDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
		if up.Load() {
			client, server := net.Pipe()
			_ = server.Close()
			return client, nil
		}
		return nil, errors.New("network is unreachable")
	})

	var changes []bool
	p.OnChange(func(connected bool) {
		changes = append(changes, connected)
	})

	ctx := context.Background()
	p.Probe(ctx)
	up.Store(true)
	p.Probe(ctx)
	p.Probe(ctx)
	up.Store(false)
	p.Probe(ctx)

	assert.Equal(t, []bool{true, false}, changes)
}

func TestProberRunStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	p := NewProber("x:1", 10*time.Millisecond).WithDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
		calls.Add(1)
		return nil, errors.New("down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
