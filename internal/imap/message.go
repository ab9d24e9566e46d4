package imap

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/vdavid/vmail/engine/internal/models"
	"github.com/vdavid/vmail/engine/internal/remote"
)

// noSubject stands in for an empty subject on server copies.
const noSubject = "(no subject)"

// draftMessageID returns the Message-ID used for a local draft.
func draftMessageID(draft models.Draft) string {
	domain := "localhost"
	if addr, err := mail.ParseAddress(draft.FromAddress); err == nil {
		if at := strings.LastIndex(addr.Address, "@"); at >= 0 && at < len(addr.Address)-1 {
			domain = addr.Address[at+1:]
		}
	}
	return fmt.Sprintf("<%s@%s>", draft.LocalID, domain)
}

// buildMessage renders draft as an RFC 5322 message with enmime.
func buildMessage(draft models.Draft, messageID string, date time.Time) ([]byte, error) {
	from, err := mail.ParseAddress(draft.FromAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", draft.FromAddress, err)
	}

	subject := draft.Subject
	if subject == "" {
		subject = noSubject
	}

	builder := enmime.Builder().
		From(from.Name, from.Address).
		Subject(subject).
		Date(date).
		Header("Message-ID", messageID).
		Text([]byte(draft.BodyText))

	for _, raw := range draft.ToAddresses {
		to, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", raw, err)
		}
		builder = builder.To(to.Name, to.Address)
	}
	if len(draft.ToAddresses) == 0 {
		// Drafts may lack recipients. BCC only applies when enmime sends,
		// it never shows up in the built message.
		builder = builder.BCC(from.Name, from.Address)
	}

	part, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), nil
}

// envelopeAddresses returns the bare SMTP envelope sender and recipients.
func envelopeAddresses(draft models.Draft) (string, []string, error) {
	from, err := mail.ParseAddress(draft.FromAddress)
	if err != nil {
		return "", nil, remote.Errorf(remote.CodeInvalidEmail, "invalid sender %q", draft.FromAddress)
	}

	recipients := make([]string, 0, len(draft.ToAddresses))
	for _, raw := range draft.ToAddresses {
		to, err := mail.ParseAddress(raw)
		if err != nil {
			return "", nil, remote.Errorf(remote.CodeInvalidEmail, "invalid recipient %q", raw)
		}
		recipients = append(recipients, to.Address)
	}
	if len(recipients) == 0 {
		return "", nil, remote.Errorf(remote.CodeInvalidEmail, "no recipients")
	}
	return from.Address, recipients, nil
}
