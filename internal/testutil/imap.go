package testutil

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// SeededMessageID is the Message-ID of the message the memory backend puts
// in INBOX on creation.
const SeededMessageID = "<0000000@localhost/>"

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	username string
	password string
}

// NewTestIMAPServer starts an IMAP server with an in-memory backend on a
// random local port. It is shut down when the test ends.
// The memory backend creates a default user with username "username" and
// password "password", whose INBOX holds one seen message.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("IMAP server stopped: %v", err)
		}
	}()

	t.Cleanup(func() {
		_ = s.Close()
	})

	return &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		username: "username",
		password: "password",
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Connect creates a new logged-in client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	return client, func() {
		_ = client.Logout()
	}
}

// EnsureFolders creates every folder in names that does not exist yet.
func (s *TestIMAPServer) EnsureFolders(t *testing.T, names ...string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	for _, name := range names {
		if _, err := client.Select(name, true); err == nil {
			continue
		}
		if err := client.Create(name); err != nil {
			t.Fatalf("Failed to create %s: %v", name, err)
		}
	}
}

// AddMessage appends a plain-text message to folderName and returns its UID.
// Without flags the message is stored as seen.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName, messageID, subject, from, to string, sentAt time.Time, flags ...string) uint32 {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	messageBody := fmt.Sprintf("Message-ID: %s\r\nDate: %s\r\nFrom: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nTest message body.\r\n",
		messageID, sentAt.Format(time.RFC1123Z), from, to, subject)

	if len(flags) == 0 {
		flags = []string{imap.SeenFlag}
	}
	if err := client.Append(folderName, flags, time.Now(), strings.NewReader(messageBody)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	uids := s.search(t, client, folderName, messageID)
	if len(uids) == 0 {
		t.Fatalf("Message %s not found after append", messageID)
	}
	return uids[0]
}

// Flags returns the flags of the message with messageID in folderName, or
// nil when the folder does not hold it.
func (s *TestIMAPServer) Flags(t *testing.T, folderName, messageID string) []string {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	uids := s.search(t, client, folderName, messageID)
	if len(uids) == 0 {
		return nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids[0])
	messages := make(chan *imap.Message, 1)
	if err := client.UidFetch(seqSet, []imap.FetchItem{imap.FetchFlags}, messages); err != nil {
		t.Fatalf("Failed to fetch flags: %v", err)
	}
	msg := <-messages
	if msg == nil {
		return nil
	}
	return msg.Flags
}

// Contains reports whether folderName holds a message with messageID.
func (s *TestIMAPServer) Contains(t *testing.T, folderName, messageID string) bool {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	return len(s.search(t, client, folderName, messageID)) > 0
}

// Count returns the number of messages in folderName.
func (s *TestIMAPServer) Count(t *testing.T, folderName string) uint32 {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	status, err := client.Select(folderName, true)
	if err != nil {
		t.Fatalf("Failed to select %s: %v", folderName, err)
	}
	return status.Messages
}

func (s *TestIMAPServer) search(t *testing.T, client *imapclient.Client, folderName, messageID string) []uint32 {
	t.Helper()

	if _, err := client.Select(folderName, false); err != nil {
		t.Fatalf("Failed to select %s: %v", folderName, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", messageID)
	uids, err := client.UidSearch(criteria)
	if err != nil {
		t.Fatalf("Failed to search for message: %v", err)
	}
	return uids
}
