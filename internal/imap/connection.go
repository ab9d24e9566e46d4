package imap

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// dialTimeout bounds connection setup.
const dialTimeout = 5 * time.Second

// connectionRole indicates the purpose of a connection.
type connectionRole int

const (
	// roleWorker connections run the remote phase of tasks and inbound sync.
	roleWorker connectionRole = iota
	// roleListener is the single connection parked in IDLE.
	roleListener
)

func (r connectionRole) String() string {
	if r == roleListener {
		return "listener"
	}
	return "worker"
}

// Credentials identify the mailbox the pool connects to.
type Credentials struct {
	Server   string
	Username string
	Password string
	// UseTLS selects implicit TLS. Plain connections are for tests and
	// local relays.
	UseTLS bool
}

// conn is one logged-in session owned by the pool. The embedded mutex
// serializes commands on it; the pool hands connections out locked.
type conn struct {
	sync.Mutex
	client   *client.Client
	role     connectionRole
	lastUsed time.Time
}

// dial opens a session for role and logs in.
func (cr Credentials) dial(role connectionRole) (*conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}

	var (
		c   *client.Client
		err error
	)
	if cr.UseTLS {
		c, err = client.DialWithDialerTLS(dialer, cr.Server, nil)
	} else {
		c, err = client.DialWithDialer(dialer, cr.Server)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s connection to %s: %w", role, cr.Server, err)
	}

	if err := c.Login(cr.Username, cr.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to login %s connection: %w", role, err)
	}

	return &conn{client: c, role: role, lastUsed: time.Now()}, nil
}

// loggedIn reports whether the session still accepts commands.
func (c *conn) loggedIn() bool {
	state := c.client.State()
	return state == imap.AuthenticatedState || state == imap.SelectedState
}

// usable reports whether a locked worker can serve another command. A
// session idle for longer than healthCheckThreshold must answer NOOP.
func (c *conn) usable(now time.Time) bool {
	if !c.loggedIn() {
		return false
	}
	if c.idleFor(now) > healthCheckThreshold {
		return c.client.Noop() == nil
	}
	return true
}

func (c *conn) touch(now time.Time) {
	c.lastUsed = now
}

func (c *conn) idleFor(now time.Time) time.Duration {
	return now.Sub(c.lastUsed)
}

// logout ends the session. Called without the lock it makes a command
// running on the connection fail, which is how IDLE is interrupted.
func (c *conn) logout() error {
	return c.client.Logout()
}
