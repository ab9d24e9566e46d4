// Command test-server runs the engine against throwaway backends: a Postgres
// container and in-memory IMAP and SMTP servers seeded with a few messages.
// It is meant for UI development and end-to-end tests.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	imapserver "github.com/emersion/go-imap/server"
	"github.com/emersion/go-smtp"
	log "github.com/sirupsen/logrus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/vdavid/vmail/engine/internal/app"
	"github.com/vdavid/vmail/engine/internal/config"
	"github.com/vdavid/vmail/engine/internal/testutil"
)

const (
	imapUsername = "username"
	imapPassword = "password"
	smtpUsername = "test-user"
	smtpPassword = "test-pass"
	apiToken     = "test-token"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	postgresContainer, err := startPostgres(ctx)
	if err != nil {
		log.Fatalf("Failed to start Postgres: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(context.Background()); err != nil {
			log.Printf("Failed to terminate Postgres container: %v", err)
		}
	}()

	imapAddr, closeIMAP, err := startIMAPServer()
	if err != nil {
		log.Fatalf("Failed to start IMAP server: %v", err)
	}
	defer closeIMAP()

	smtpAddr, closeSMTP, err := startSMTPServer()
	if err != nil {
		log.Fatalf("Failed to start SMTP server: %v", err)
	}
	defer closeSMTP()

	if err := seedTestData(imapAddr); err != nil {
		log.Fatalf("Failed to seed test data: %v", err)
	}

	if err := setupTestEnvironment(ctx, postgresContainer, imapAddr, smtpAddr); err != nil {
		log.Fatalf("Failed to setup test environment: %v", err)
	}

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	engine, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer engine.Close()

	log.Printf("Test IMAP server: %s (username: %s, password: %s)", imapAddr, imapUsername, imapPassword)
	log.Printf("Test SMTP server: %s (username: %s, password: %s)", smtpAddr, smtpUsername, smtpPassword)
	log.Printf("API token: %s", apiToken)
	log.Println("Server ready for E2E tests. Press Ctrl+C to stop.")

	if err := engine.Run(ctx, ":"+cfg.Port); err != nil {
		log.Errorf("Engine stopped: %v", err)
	}
}

// setupTestEnvironment points the engine configuration at the throwaway backends.
func setupTestEnvironment(ctx context.Context, container *postgres.PostgresContainer, imapAddr, smtpAddr string) error {
	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("failed to get Postgres host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("failed to get Postgres port: %w", err)
	}

	env := map[string]string{
		"VMAIL_ENV":                   "test",
		"VMAIL_ENCRYPTION_KEY_BASE64": "dGVzdC1rZXktMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM=",
		"VMAIL_API_TOKEN":             apiToken,
		"VMAIL_DB_HOST":               host,
		"VMAIL_DB_PORT":               port.Port(),
		"VMAIL_DB_USER":               "vmail",
		"VMAIL_DB_PASSWORD":           "vmail",
		"VMAIL_DB_NAME":               "vmail_test",
		"VMAIL_IMAP_SERVER":           imapAddr,
		"VMAIL_IMAP_USERNAME":         imapUsername,
		"VMAIL_IMAP_PASSWORD":         imapPassword,
		"VMAIL_IMAP_TLS":              "false",
		"VMAIL_SMTP_SERVER":           smtpAddr,
		"VMAIL_SMTP_USERNAME":         smtpUsername,
		"VMAIL_SMTP_PASSWORD":         smtpPassword,
		"VMAIL_SMTP_SECURITY":         "none",
		"VMAIL_SYNC_INTERVAL":         "30s",
	}
	for key, value := range env {
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// startPostgres starts a test Postgres database using testcontainers.
func startPostgres(ctx context.Context) (*postgres.PostgresContainer, error) {
	log.Println("Starting test Postgres database...")
	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("vmail_test"),
		postgres.WithUsername("vmail"),
		postgres.WithPassword("vmail"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start Postgres container: %w", err)
	}

	log.Println("Test Postgres database started")
	return postgresContainer, nil
}

// startIMAPServer serves the go-imap memory backend, whose only user is
// "username" with password "password".
func startIMAPServer() (string, func(), error) {
	s := imapserver.New(memory.New())
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	go func() {
		if err := s.Serve(listener); err != nil {
			log.Printf("IMAP server stopped: %v", err)
		}
	}()

	return listener.Addr().String(), func() { _ = s.Close() }, nil
}

// startSMTPServer serves an SMTP endpoint that keeps messages in memory.
func startSMTPServer() (string, func(), error) {
	s := smtp.NewServer(testutil.NewMemoryBackend(smtpUsername, smtpPassword))
	s.AllowInsecureAuth = true
	s.Domain = "localhost"
	s.ReadTimeout = 10 * time.Second
	s.WriteTimeout = 10 * time.Second

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	go func() {
		if err := s.Serve(listener); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			log.Printf("SMTP server error: %v", err)
		}
	}()

	return listener.Addr().String(), func() { _ = s.Close() }, nil
}

// seedTestData creates the mapped folders and a few messages, one of them unread.
func seedTestData(addr string) error {
	client, err := imapclient.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer func() {
		_ = client.Logout()
	}()

	if err := client.Login(imapUsername, imapPassword); err != nil {
		return fmt.Errorf("failed to login: %w", err)
	}

	for _, folder := range []string{"Archive", "Sent", "Drafts", "Trash", "Spam"} {
		if err := client.Create(folder); err != nil && !strings.Contains(err.Error(), "already exists") {
			log.Printf("Warning: Failed to create folder %s: %v", folder, err)
		}
	}

	messages := []struct {
		folder    string
		messageID string
		subject   string
		from      string
		body      string
		sentAt    time.Time
		flags     []string
	}{
		{
			folder:    "INBOX",
			messageID: "<msg1@test>",
			subject:   "Welcome to V-Mail",
			from:      "sender@example.com",
			body:      "This is a test message.",
			sentAt:    time.Now().Add(-2 * time.Hour),
			flags:     []string{goimap.SeenFlag},
		},
		{
			folder:    "INBOX",
			messageID: "<msg2@test>",
			subject:   "Meeting Tomorrow",
			from:      "colleague@example.com",
			body:      "Don't forget about the meeting tomorrow at 2 PM.",
			sentAt:    time.Now().Add(-1 * time.Hour),
		},
		{
			folder:    "Archive",
			messageID: "<msg3@test>",
			subject:   "Special Report Q3",
			from:      "reports@example.com",
			body:      "Here is the Q3 report you requested.",
			sentAt:    time.Now(),
			flags:     []string{goimap.SeenFlag, goimap.FlaggedFlag},
		},
	}

	for _, msg := range messages {
		raw := fmt.Sprintf("Message-ID: %s\r\nDate: %s\r\nFrom: %s\r\nTo: test@example.com\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
			msg.messageID, msg.sentAt.Format(time.RFC1123Z), msg.from, msg.subject, msg.body)
		if err := client.Append(msg.folder, msg.flags, time.Now(), strings.NewReader(raw)); err != nil {
			return fmt.Errorf("failed to add message %s: %w", msg.messageID, err)
		}
	}

	return nil
}
