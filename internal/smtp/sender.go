// Package smtp submits outgoing messages to the account's SMTP server.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/vdavid/vmail/engine/internal/remote"
)

// Security selects how the connection to the server is protected.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// defaultTimeout bounds a submission when the caller's context has no deadline.
const defaultTimeout = 30 * time.Second

// Config holds the submission endpoint and credentials.
type Config struct {
	Server   string
	Username string
	Password string
	Security Security
	// LocalName is sent with EHLO. Defaults to "localhost".
	LocalName string
	// TLSConfig overrides the default TLS settings, mostly for tests.
	TLSConfig *tls.Config
}

// Sender submits messages over SMTP. A new connection is opened per message.
type Sender struct {
	cfg Config
}

// NewSender returns a sender for cfg.
func NewSender(cfg Config) *Sender {
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	if cfg.Security == "" {
		cfg.Security = SecurityStartTLS
	}
	return &Sender{cfg: cfg}
}

// Send submits msg, a complete RFC 5322 message, from one sender to the
// given recipients. Failures are reported in the remote error taxonomy.
func (s *Sender) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if len(to) == 0 {
		return remote.Errorf(remote.CodeInvalidEmail, "no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	timeout := defaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
	}

	c, err := s.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer func() {
		_ = c.Close()
	}()
	c.CommandTimeout = timeout
	c.SubmissionTimeout = timeout

	// DialStartTLS has already greeted the server.
	if s.cfg.Security != SecurityStartTLS {
		if err := c.Hello(s.cfg.LocalName); err != nil {
			return classify("hello", err)
		}
	}

	if s.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return classify("auth", err)
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return classify("mail from", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return classify("rcpt to", err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return classify("data", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return classify("data", err)
	}
	if err := w.Close(); err != nil {
		return classify("data", err)
	}

	// The message is accepted once DATA closes, a failed QUIT changes nothing.
	_ = c.Quit()
	return nil
}

func (s *Sender) dial() (*smtp.Client, error) {
	switch s.cfg.Security {
	case SecurityTLS:
		return smtp.DialTLS(s.cfg.Server, s.cfg.TLSConfig)
	case SecurityNone:
		return smtp.Dial(s.cfg.Server)
	default:
		return smtp.DialStartTLS(s.cfg.Server, s.cfg.TLSConfig)
	}
}

// classify maps SMTP replies to remote codes. 4xx replies are temporary
// and become retryable; connection errors pass through unchanged.
func classify(stage string, err error) error {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return fmt.Errorf("smtp %s: %w", stage, err)
	}

	switch {
	case smtpErr.Code >= 400 && smtpErr.Code < 500:
		return remote.Errorf(remote.CodeUnavailable, "smtp %s: %d %s", stage, smtpErr.Code, smtpErr.Message)
	case smtpErr.Code == 550 || smtpErr.Code == 553 || (smtpErr.Code == 501 && stage == "rcpt to"):
		return remote.Errorf(remote.CodeInvalidEmail, "smtp %s: %d %s", stage, smtpErr.Code, smtpErr.Message)
	default:
		return remote.Errorf(remote.CodeUnknown, "smtp %s: %d %s", stage, smtpErr.Code, smtpErr.Message)
	}
}
