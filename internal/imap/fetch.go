package imap

import (
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// bodySection is the whole message, fetched without setting \Seen.
var bodySection = &imap.BodySectionName{Peek: true}

// fetchFolder selects folder read-only and fetches every message in it
// with envelope, flags, UID and body.
func fetchFolder(c *client.Client, folder string) ([]*imap.Message, error) {
	mbox, err := c.Select(folder, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", folder, err)
	}
	if mbox.Messages == 0 {
		return []*imap.Message{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, mbox.Messages)

	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
		bodySection.FetchItem(),
	}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)

	go func() {
		done <- c.Fetch(seqSet, items, messages)
	}()

	result := make([]*imap.Message, 0, mbox.Messages)
	for msg := range messages {
		result = append(result, msg)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages from %s: %w", folder, err)
	}

	return result, nil
}

// searchMessageIDs returns the UIDs in the selected folder whose
// Message-ID header is one of serverIDs.
func searchMessageIDs(c *client.Client, serverIDs []string) (map[string][]uint32, error) {
	found := make(map[string][]uint32)
	for _, id := range serverIDs {
		criteria := imap.NewSearchCriteria()
		criteria.Header.Add("Message-ID", id)
		uids, err := c.UidSearch(criteria)
		if err != nil {
			return nil, fmt.Errorf("failed to search for %s: %w", id, err)
		}
		if len(uids) > 0 {
			found[id] = uids
		}
	}
	return found, nil
}

// searchFlag returns the UIDs in the selected folder carrying flag.
func searchFlag(c *client.Client, flag string) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithFlags = []string{flag}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search for %s: %w", flag, err)
	}
	return uids, nil
}

func uidSet(uids []uint32) *imap.SeqSet {
	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}
	return seqSet
}
