package imap

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
	log "github.com/sirupsen/logrus"
	"github.com/vdavid/vmail/engine/internal/models"
)

// labelKeywordPrefix marks IMAP keywords that carry user labels.
const labelKeywordPrefix = "vlabel-"

// labelKeyword returns the IMAP keyword that stands for a user label.
func labelKeyword(labelID string) string {
	return labelKeywordPrefix + labelID
}

// labelFromKeyword extracts the label ID from a label keyword.
func labelFromKeyword(flag string) (string, bool) {
	if len(flag) <= len(labelKeywordPrefix) || !strings.EqualFold(flag[:len(labelKeywordPrefix)], labelKeywordPrefix) {
		return "", false
	}
	return flag[len(labelKeywordPrefix):], true
}

// ParseMessage converts an IMAP message found in the folder of location to
// our Message model. The result has no LocalID. Keyword labels not present
// in knownLabels are ignored.
func ParseMessage(imapMsg *imap.Message, location models.Location, knownLabels map[string]bool) (*models.Message, error) {
	if imapMsg == nil {
		return nil, fmt.Errorf("imap message is nil")
	}
	if imapMsg.Envelope == nil || imapMsg.Envelope.MessageId == "" {
		return nil, fmt.Errorf("message %d has no Message-ID", imapMsg.Uid)
	}

	serverID := imapMsg.Envelope.MessageId
	msg := &models.Message{
		ServerID: &serverID,
		Location: location,
		Subject:  imapMsg.Envelope.Subject,
	}

	labels := map[string]bool{
		models.LabelAllMail: true,
	}
	if label := models.LocationLabel(location); label != "" {
		labels[label] = true
	}
	switch location {
	case models.LocationSent:
		labels[models.LabelAllSent] = true
	case models.LocationDraft:
		labels[models.LabelAllDrafts] = true
	}

	for _, flag := range imapMsg.Flags {
		switch flag {
		case imap.SeenFlag:
			msg.IsRead = true
		case imap.FlaggedFlag:
			msg.IsStarred = true
			labels[models.LabelStarred] = true
		default:
			if id, ok := labelFromKeyword(flag); ok && knownLabels[id] {
				labels[id] = true
			}
		}
	}

	msg.LabelIDs = sortedKeys(labels)

	if len(imapMsg.Envelope.From) > 0 {
		msg.FromAddress = formatAddress(imapMsg.Envelope.From[0])
	}
	msg.ToAddresses = formatAddressList(imapMsg.Envelope.To)
	if !imapMsg.Envelope.Date.IsZero() {
		sentAt := imapMsg.Envelope.Date
		msg.SentAt = &sentAt
	}

	if body := imapMsg.GetBody(bodySection); body != nil {
		text, err := parseBody(body)
		if err != nil {
			// Headers are enough to mirror the message.
			log.Warnf("IMAP sync: failed to parse body of %s: %v", serverID, err)
		} else {
			msg.BodyText = text
		}
	}

	return msg, nil
}

// parseBody returns the plain-text body, parsed with enmime.
func parseBody(bodyReader io.Reader) (string, error) {
	envelope, err := enmime.ReadEnvelope(bodyReader)
	if err != nil {
		return "", fmt.Errorf("failed to parse email body: %w", err)
	}
	return envelope.Text, nil
}

// formatAddress formats an IMAP address to a string.
func formatAddress(address *imap.Address) string {
	if address == nil {
		return ""
	}

	if address.MailboxName == "" && address.HostName == "" {
		return ""
	}

	if address.PersonalName != "" {
		return fmt.Sprintf("%s <%s@%s>", address.PersonalName, address.MailboxName, address.HostName)
	}

	return fmt.Sprintf("%s@%s", address.MailboxName, address.HostName)
}

// formatAddressList formats a list of IMAP addresses.
func formatAddressList(addresses []*imap.Address) []string {
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		formatted := formatAddress(address)
		if formatted != "" {
			result = append(result, formatted)
		}
	}
	return result
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
