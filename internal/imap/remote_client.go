package imap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	log "github.com/sirupsen/logrus"
	"github.com/vdavid/vmail/engine/internal/config"
	"github.com/vdavid/vmail/engine/internal/models"
	"github.com/vdavid/vmail/engine/internal/remote"
)

// Sender submits outgoing messages.
type Sender interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// Client is the remote sync client for a plain IMAP account.
//
// Server IDs are Message-ID headers. Locations are folders, stars and read
// state are the \Flagged and \Seen flags, user labels are keywords. IMAP
// has no account key management, so the password operations report
// remote.CodeUnsupported.
type Client struct {
	pool    *Pool
	folders *folderMap
	sender  Sender
	now     func() time.Time
}

var _ remote.Client = (*Client)(nil)

// NewClient returns a remote client using pool. sender may be nil, in
// which case sending reports remote.CodeUnsupported.
func NewClient(pool *Pool, folders config.Folders, sender Sender) (*Client, error) {
	m, err := newFolderMap(folders)
	if err != nil {
		return nil, err
	}
	return &Client{pool: pool, folders: m, sender: sender, now: time.Now}, nil
}

// Prepare creates the mapped folders missing on the server.
func (c *Client) Prepare(ctx context.Context) error {
	return c.do(ctx, "prepare folders", func(ic *client.Client) error {
		return ensureFolders(ic, c.folders)
	})
}

func (c *Client) LabelMessages(ctx context.Context, messageIDs []string, labelID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if location, ok := models.LocationForLabel(labelID); ok {
		return c.move(ctx, messageIDs, location)
	}
	switch labelID {
	case models.LabelStarred:
		return c.setFlag(ctx, messageIDs, imap.FlaggedFlag, imap.AddFlags)
	case models.LabelAllMail, models.LabelAllSent, models.LabelAllDrafts:
		// Aggregate views follow from the folder.
		return nil
	}
	return c.setFlag(ctx, messageIDs, labelKeyword(labelID), imap.AddFlags)
}

func (c *Client) UnlabelMessages(ctx context.Context, messageIDs []string, labelID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if _, ok := models.LocationForLabel(labelID); ok {
		return remote.Errorf(remote.CodeUnsupported, "a message cannot leave its folder without a destination")
	}
	switch labelID {
	case models.LabelStarred:
		return c.setFlag(ctx, messageIDs, imap.FlaggedFlag, imap.RemoveFlags)
	case models.LabelAllMail, models.LabelAllSent, models.LabelAllDrafts:
		return nil
	}
	return c.setFlag(ctx, messageIDs, labelKeyword(labelID), imap.RemoveFlags)
}

func (c *Client) MarkRead(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return c.setFlag(ctx, messageIDs, imap.SeenFlag, imap.AddFlags)
}

func (c *Client) MarkUnread(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return c.setFlag(ctx, messageIDs, imap.SeenFlag, imap.RemoveFlags)
}

// EmptyLocation permanently deletes every message in a folder, or every
// message carrying a user label.
func (c *Client) EmptyLocation(ctx context.Context, labelID string) error {
	if location, ok := models.LocationForLabel(labelID); ok {
		folder, _ := c.folders.folderFor(location)
		return c.do(ctx, "empty folder", func(ic *client.Client) error {
			mbox, err := ic.Select(folder, false)
			if err != nil {
				return fmt.Errorf("failed to select %s: %w", folder, err)
			}
			if mbox.Messages == 0 {
				return nil
			}
			seqSet := new(imap.SeqSet)
			seqSet.AddRange(1, mbox.Messages)
			return deleteAndExpunge(ic, seqSet, false)
		})
	}
	if models.IsReservedLabel(labelID) {
		return remote.Errorf(remote.CodeUnsupported, "label %s cannot be emptied", labelID)
	}

	keyword := labelKeyword(labelID)
	return c.do(ctx, "empty label", func(ic *client.Client) error {
		for _, folder := range c.folders.ordered {
			if _, err := ic.Select(folder, false); err != nil {
				return fmt.Errorf("failed to select %s: %w", folder, err)
			}
			uids, err := searchFlag(ic, keyword)
			if err != nil {
				return err
			}
			if len(uids) == 0 {
				continue
			}
			if err := deleteAndExpunge(ic, uidSet(uids), true); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Client) LoginInfo(context.Context, string) (*remote.Challenge, error) {
	return nil, remote.Errorf(remote.CodeUnsupported, "IMAP accounts have no login challenge")
}

func (c *Client) UpdatePrivateKeys(context.Context, remote.KeyBatch) error {
	return remote.Errorf(remote.CodeUnsupported, "IMAP accounts have no private keys")
}

func (c *Client) FetchAccount(context.Context) (*models.AccountSnapshot, error) {
	return nil, remote.Errorf(remote.CodeUnsupported, "IMAP accounts have no account metadata")
}

// CreateDraft uploads the draft to the drafts folder. The Message-ID is
// derived from the local ID, so a retried upload finds the earlier copy
// instead of adding another.
func (c *Client) CreateDraft(ctx context.Context, draft models.Draft) (string, error) {
	messageID := draftMessageID(draft)
	data, err := buildMessage(draft, messageID, c.now())
	if err != nil {
		return "", remote.Errorf(remote.CodeInvalidEmail, "%v", err)
	}

	folder, _ := c.folders.folderFor(models.LocationDraft)
	err = c.do(ctx, "create draft", func(ic *client.Client) error {
		if _, err := ic.Select(folder, false); err != nil {
			return fmt.Errorf("failed to select %s: %w", folder, err)
		}
		found, err := searchMessageIDs(ic, []string{messageID})
		if err != nil {
			return err
		}
		if len(found) > 0 {
			return nil
		}
		return ic.Append(folder, []string{imap.DraftFlag, imap.SeenFlag}, c.now(), bytes.NewReader(data))
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// SendMessage submits the draft over SMTP and files it in the sent folder.
// A message already present in the sent folder counts as sent.
func (c *Client) SendMessage(ctx context.Context, serverID string, draft models.Draft) error {
	if c.sender == nil {
		return remote.Errorf(remote.CodeUnsupported, "no SMTP server configured")
	}

	from, recipients, err := envelopeAddresses(draft)
	if err != nil {
		return err
	}
	data, err := buildMessage(draft, serverID, c.now())
	if err != nil {
		return remote.Errorf(remote.CodeInvalidEmail, "%v", err)
	}

	sent, _ := c.folders.folderFor(models.LocationSent)
	return c.do(ctx, "send", func(ic *client.Client) error {
		if _, err := ic.Select(sent, false); err != nil {
			return fmt.Errorf("failed to select %s: %w", sent, err)
		}
		found, err := searchMessageIDs(ic, []string{serverID})
		if err != nil {
			return err
		}
		if len(found) > 0 {
			return nil
		}

		if err := c.sender.Send(ctx, from, recipients, data); err != nil {
			return err
		}

		// From here on the message is out. Filing problems are left to sync.
		if err := c.fileSent(ic, serverID, data); err != nil {
			log.Warnf("IMAP: sent %s but could not file it: %v", serverID, err)
		}
		return nil
	})
}

// fileSent moves the uploaded draft into the sent folder, or appends data
// there when the draft is gone.
func (c *Client) fileSent(ic *client.Client, serverID string, data []byte) error {
	drafts, _ := c.folders.folderFor(models.LocationDraft)
	sent, _ := c.folders.folderFor(models.LocationSent)

	if _, err := ic.Select(drafts, false); err != nil {
		return fmt.Errorf("failed to select %s: %w", drafts, err)
	}
	found, err := searchMessageIDs(ic, []string{serverID})
	if err != nil {
		return err
	}
	uids := found[serverID]
	if len(uids) == 0 {
		return ic.Append(sent, []string{imap.SeenFlag}, c.now(), bytes.NewReader(data))
	}

	set := uidSet(uids)
	if err := ic.UidStore(set, imap.FormatFlagsOp(imap.RemoveFlags, true), []interface{}{imap.DraftFlag}, nil); err != nil {
		return fmt.Errorf("failed to clear draft flag: %w", err)
	}
	if err := ic.UidMove(set, sent); err != nil {
		return fmt.Errorf("failed to move to %s: %w", sent, err)
	}
	return nil
}

func (c *Client) move(ctx context.Context, messageIDs []string, location models.Location) error {
	dest, ok := c.folders.folderFor(location)
	if !ok {
		return remote.Errorf(remote.CodeUnsupported, "no folder for %s", location)
	}

	return c.do(ctx, "move", func(ic *client.Client) error {
		located, err := c.locate(ic, messageIDs)
		if err != nil {
			return err
		}
		return c.eachFolder(ic, located, func(folder string, set *imap.SeqSet) error {
			if folder == dest {
				return nil
			}
			if err := ic.UidMove(set, dest); err != nil {
				return fmt.Errorf("failed to move from %s to %s: %w", folder, dest, err)
			}
			return nil
		})
	})
}

func (c *Client) setFlag(ctx context.Context, messageIDs []string, flag string, op imap.FlagsOp) error {
	return c.do(ctx, "store "+flag, func(ic *client.Client) error {
		located, err := c.locate(ic, messageIDs)
		if err != nil {
			return err
		}
		return c.eachFolder(ic, located, func(folder string, set *imap.SeqSet) error {
			if err := ic.UidStore(set, imap.FormatFlagsOp(op, true), []interface{}{flag}, nil); err != nil {
				return fmt.Errorf("failed to store %s in %s: %w", flag, folder, err)
			}
			return nil
		})
	})
}

// locate finds serverIDs across the mapped folders and returns their UIDs
// per folder. It fails with remote.CodeNotFound when none is found.
func (c *Client) locate(ic *client.Client, serverIDs []string) (map[string][]uint32, error) {
	missing := make(map[string]bool, len(serverIDs))
	for _, id := range serverIDs {
		missing[id] = true
	}

	located := make(map[string][]uint32)
	for _, folder := range c.folders.ordered {
		if len(missing) == 0 {
			break
		}
		if _, err := ic.Select(folder, false); err != nil {
			return nil, fmt.Errorf("failed to select %s: %w", folder, err)
		}
		found, err := searchMessageIDs(ic, sortedKeys(missing))
		if err != nil {
			return nil, err
		}
		for id, uids := range found {
			located[folder] = append(located[folder], uids...)
			delete(missing, id)
		}
	}

	if len(located) == 0 {
		return nil, remote.Errorf(remote.CodeNotFound, "none of %d messages found on the server", len(serverIDs))
	}
	if len(missing) > 0 {
		log.Warnf("IMAP: %d of %d messages not found on the server: %v", len(missing), len(serverIDs), sortedKeys(missing))
	}
	return located, nil
}

// eachFolder selects every folder of located in a stable order and calls fn
// with the UIDs found there.
func (c *Client) eachFolder(ic *client.Client, located map[string][]uint32, fn func(folder string, set *imap.SeqSet) error) error {
	folders := make([]string, 0, len(located))
	for folder := range located {
		folders = append(folders, folder)
	}
	sort.Strings(folders)

	for _, folder := range folders {
		if _, err := ic.Select(folder, false); err != nil {
			return fmt.Errorf("failed to select %s: %w", folder, err)
		}
		if err := fn(folder, uidSet(located[folder])); err != nil {
			return err
		}
	}
	return nil
}

// do runs fn on a pooled worker connection and maps its error into the
// remote taxonomy.
func (c *Client) do(ctx context.Context, op string, fn func(ic *client.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ic, release, err := c.pool.Acquire()
	if err != nil {
		return translate(op, err, false)
	}
	defer release()

	ic.Timeout = 0
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return context.DeadlineExceeded
		}
		ic.Timeout = remaining
	}

	if err := fn(ic); err != nil {
		return translate(op, err, ic.State() == imap.LogoutState)
	}
	return nil
}

// translate keeps coded and network errors, treats a dropped connection
// as unavailable and everything else the server said as a permanent
// rejection.
func translate(op string, err error, disconnected bool) error {
	var re *remote.Error
	switch {
	case errors.As(err, &re):
		return err
	case remote.IsNetwork(err):
		return fmt.Errorf("imap %s: %w", op, err)
	case errors.Is(err, ErrPoolClosed), disconnected,
		errors.Is(err, client.ErrNotLoggedIn), errors.Is(err, client.ErrAlreadyLoggedOut):
		return remote.Errorf(remote.CodeUnavailable, "imap %s: %v", op, err)
	default:
		return remote.Errorf(remote.CodeUnknown, "imap %s: %v", op, err)
	}
}

func deleteAndExpunge(ic *client.Client, set *imap.SeqSet, uid bool) error {
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}

	var err error
	if uid {
		err = ic.UidStore(set, item, flags, nil)
	} else {
		err = ic.Store(set, item, flags, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to flag messages deleted: %w", err)
	}

	if err := ic.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge: %w", err)
	}
	return nil
}
