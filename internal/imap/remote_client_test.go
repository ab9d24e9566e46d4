package imap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/engine/internal/config"
	"github.com/vdavid/vmail/engine/internal/models"
	"github.com/vdavid/vmail/engine/internal/remote"
	"github.com/vdavid/vmail/engine/internal/smtp"
	"github.com/vdavid/vmail/engine/internal/testutil"
)

var testFolders = config.Folders{
	Inbox:   "INBOX",
	Archive: "Archive",
	Sent:    "Sent",
	Drafts:  "Drafts",
	Trash:   "Trash",
	Spam:    "Spam",
}

type remoteFixture struct {
	server *testutil.TestIMAPServer
	smtp   *testutil.TestSMTPServer
	client *Client
}

func newRemoteFixture(t *testing.T) *remoteFixture {
	t.Helper()

	server := testutil.NewTestIMAPServer(t)
	smtpServer := testutil.NewTestSMTPServer(t)
	sender := smtp.NewSender(smtp.Config{
		Server:   smtpServer.Address,
		Username: smtpServer.Username(),
		Password: smtpServer.Password(),
		Security: smtp.SecurityNone,
	})

	client, err := NewClient(newTestPool(t, server, 2), testFolders, sender)
	require.NoError(t, err)
	require.NoError(t, client.Prepare(context.Background()))

	return &remoteFixture{server: server, smtp: smtpServer, client: client}
}

func (f *remoteFixture) add(t *testing.T, folder, messageID string, flags ...string) {
	t.Helper()
	f.server.AddMessage(t, folder, messageID, "Subject "+messageID, "sender@example.com", "username@example.com", time.Now(), flags...)
}

func requireCode(t *testing.T, err error, code remote.Code) {
	t.Helper()
	var re *remote.Error
	if !errors.As(err, &re) {
		t.Fatalf("Expected remote error %s, got %v", code, err)
	}
	assert.Equal(t, code, re.Code)
}

func TestClient_Prepare(t *testing.T) {
	f := newRemoteFixture(t)

	ic, cleanup := f.server.Connect(t)
	defer cleanup()

	folders, err := ListFolders(ic)
	require.NoError(t, err)
	assert.Subset(t, folders, []string{"INBOX", "Archive", "Sent", "Drafts", "Trash", "Spam"})

	// Running again is a no-op.
	require.NoError(t, f.client.Prepare(context.Background()))
}

func TestClient_LabelMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("location label moves the message", func(t *testing.T) {
		f := newRemoteFixture(t)
		f.add(t, "INBOX", "<a@example.com>")
		f.add(t, "Spam", "<b@example.com>")

		err := f.client.LabelMessages(ctx, []string{"<a@example.com>", "<b@example.com>"}, models.LabelArchive)
		require.NoError(t, err)

		assert.True(t, f.server.Contains(t, "Archive", "<a@example.com>"))
		assert.True(t, f.server.Contains(t, "Archive", "<b@example.com>"))
		assert.False(t, f.server.Contains(t, "INBOX", "<a@example.com>"))
		assert.False(t, f.server.Contains(t, "Spam", "<b@example.com>"))
	})

	t.Run("moving into the current folder leaves the message", func(t *testing.T) {
		f := newRemoteFixture(t)
		f.add(t, "Archive", "<a@example.com>")

		require.NoError(t, f.client.LabelMessages(ctx, []string{"<a@example.com>"}, models.LabelArchive))
		assert.Equal(t, uint32(1), f.server.Count(t, "Archive"))
	})

	t.Run("starred sets the flagged flag", func(t *testing.T) {
		f := newRemoteFixture(t)
		f.add(t, "INBOX", "<a@example.com>")

		require.NoError(t, f.client.LabelMessages(ctx, []string{"<a@example.com>"}, models.LabelStarred))
		assert.Contains(t, f.server.Flags(t, "INBOX", "<a@example.com>"), imap.FlaggedFlag)

		require.NoError(t, f.client.UnlabelMessages(ctx, []string{"<a@example.com>"}, models.LabelStarred))
		assert.NotContains(t, f.server.Flags(t, "INBOX", "<a@example.com>"), imap.FlaggedFlag)
	})

	t.Run("user label becomes a keyword", func(t *testing.T) {
		f := newRemoteFixture(t)
		f.add(t, "INBOX", "<a@example.com>")

		require.NoError(t, f.client.LabelMessages(ctx, []string{"<a@example.com>"}, "work"))
		assert.Contains(t, f.server.Flags(t, "INBOX", "<a@example.com>"), labelKeyword("work"))

		require.NoError(t, f.client.UnlabelMessages(ctx, []string{"<a@example.com>"}, "work"))
		assert.NotContains(t, f.server.Flags(t, "INBOX", "<a@example.com>"), labelKeyword("work"))
	})

	t.Run("aggregate labels are accepted without changes", func(t *testing.T) {
		f := newRemoteFixture(t)

		for _, label := range []string{models.LabelAllMail, models.LabelAllSent, models.LabelAllDrafts} {
			assert.NoError(t, f.client.LabelMessages(ctx, []string{"<missing@example.com>"}, label))
			assert.NoError(t, f.client.UnlabelMessages(ctx, []string{"<missing@example.com>"}, label))
		}
	})

	t.Run("unknown messages are not found", func(t *testing.T) {
		f := newRemoteFixture(t)

		err := f.client.LabelMessages(ctx, []string{"<missing@example.com>"}, models.LabelStarred)
		requireCode(t, err, remote.CodeNotFound)
	})

	t.Run("partially known messages succeed", func(t *testing.T) {
		f := newRemoteFixture(t)
		f.add(t, "INBOX", "<a@example.com>")

		err := f.client.LabelMessages(ctx, []string{"<a@example.com>", "<missing@example.com>"}, models.LabelTrash)
		require.NoError(t, err)
		assert.True(t, f.server.Contains(t, "Trash", "<a@example.com>"))
	})

	t.Run("empty id list is a no-op", func(t *testing.T) {
		f := newRemoteFixture(t)
		assert.NoError(t, f.client.LabelMessages(ctx, nil, models.LabelTrash))
	})
}

func TestClient_UnlabelLocation(t *testing.T) {
	f := newRemoteFixture(t)

	err := f.client.UnlabelMessages(context.Background(), []string{testutil.SeededMessageID}, models.LabelInbox)
	requireCode(t, err, remote.CodeUnsupported)
}

func TestClient_MarkReadUnread(t *testing.T) {
	f := newRemoteFixture(t)
	ctx := context.Background()
	f.add(t, "INBOX", "<a@example.com>", imap.AnsweredFlag)

	assert.NotContains(t, f.server.Flags(t, "INBOX", "<a@example.com>"), imap.SeenFlag)

	require.NoError(t, f.client.MarkRead(ctx, []string{"<a@example.com>"}))
	assert.Contains(t, f.server.Flags(t, "INBOX", "<a@example.com>"), imap.SeenFlag)

	require.NoError(t, f.client.MarkUnread(ctx, []string{"<a@example.com>"}))
	assert.NotContains(t, f.server.Flags(t, "INBOX", "<a@example.com>"), imap.SeenFlag)
}

func TestClient_EmptyLocation(t *testing.T) {
	ctx := context.Background()

	t.Run("empties a folder", func(t *testing.T) {
		f := newRemoteFixture(t)
		f.add(t, "Trash", "<a@example.com>")
		f.add(t, "Trash", "<b@example.com>")
		f.add(t, "INBOX", "<c@example.com>")

		require.NoError(t, f.client.EmptyLocation(ctx, models.LabelTrash))

		assert.Equal(t, uint32(0), f.server.Count(t, "Trash"))
		assert.True(t, f.server.Contains(t, "INBOX", "<c@example.com>"))
	})

	t.Run("empty folder succeeds", func(t *testing.T) {
		f := newRemoteFixture(t)
		assert.NoError(t, f.client.EmptyLocation(ctx, models.LabelSpam))
	})

	t.Run("deletes every message with a user label", func(t *testing.T) {
		f := newRemoteFixture(t)
		f.add(t, "INBOX", "<a@example.com>", imap.SeenFlag, labelKeyword("work"))
		f.add(t, "Archive", "<b@example.com>", imap.SeenFlag, labelKeyword("work"))
		f.add(t, "Archive", "<c@example.com>")

		require.NoError(t, f.client.EmptyLocation(ctx, "work"))

		assert.False(t, f.server.Contains(t, "INBOX", "<a@example.com>"))
		assert.False(t, f.server.Contains(t, "Archive", "<b@example.com>"))
		assert.True(t, f.server.Contains(t, "Archive", "<c@example.com>"))
		assert.True(t, f.server.Contains(t, "INBOX", testutil.SeededMessageID))
	})

	t.Run("aggregate labels cannot be emptied", func(t *testing.T) {
		f := newRemoteFixture(t)
		requireCode(t, f.client.EmptyLocation(ctx, models.LabelStarred), remote.CodeUnsupported)
	})
}

func TestClient_AccountOperationsUnsupported(t *testing.T) {
	f := newRemoteFixture(t)
	ctx := context.Background()

	_, err := f.client.LoginInfo(ctx, "username")
	requireCode(t, err, remote.CodeUnsupported)

	requireCode(t, f.client.UpdatePrivateKeys(ctx, remote.KeyBatch{}), remote.CodeUnsupported)

	_, err = f.client.FetchAccount(ctx)
	requireCode(t, err, remote.CodeUnsupported)
}

func TestClient_CreateDraft(t *testing.T) {
	f := newRemoteFixture(t)
	ctx := context.Background()

	draft := models.Draft{
		LocalID:     "draft-1",
		FromAddress: "username@example.com",
		ToAddresses: []string{"bob@example.com"},
		Subject:     "Hello",
		BodyText:    "Hi Bob.",
	}

	id, err := f.client.CreateDraft(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, "<draft-1@example.com>", id)
	assert.Contains(t, f.server.Flags(t, "Drafts", id), imap.DraftFlag)

	again, err := f.client.CreateDraft(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, uint32(1), f.server.Count(t, "Drafts"))

	_, err = f.client.CreateDraft(ctx, models.Draft{LocalID: "draft-2", FromAddress: "nope"})
	requireCode(t, err, remote.CodeInvalidEmail)
}

func TestClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	draft := models.Draft{
		LocalID:     "draft-1",
		FromAddress: "username@example.com",
		ToAddresses: []string{"bob@example.com"},
		Subject:     "Hello",
		BodyText:    "Hi Bob.",
	}

	t.Run("sends and files the uploaded draft", func(t *testing.T) {
		f := newRemoteFixture(t)

		id, err := f.client.CreateDraft(ctx, draft)
		require.NoError(t, err)

		require.NoError(t, f.client.SendMessage(ctx, id, draft))

		messages := f.smtp.GetMessages()
		require.Len(t, messages, 1)
		assert.Equal(t, "username@example.com", messages[0].From)
		assert.Equal(t, []string{"bob@example.com"}, messages[0].To)

		assert.False(t, f.server.Contains(t, "Drafts", id))
		require.True(t, f.server.Contains(t, "Sent", id))
		assert.NotContains(t, f.server.Flags(t, "Sent", id), imap.DraftFlag)

		// A retry finds the message in Sent and does not send again.
		require.NoError(t, f.client.SendMessage(ctx, id, draft))
		assert.Len(t, f.smtp.GetMessages(), 1)
	})

	t.Run("appends to sent when the draft is gone", func(t *testing.T) {
		f := newRemoteFixture(t)

		id := draftMessageID(draft)
		require.NoError(t, f.client.SendMessage(ctx, id, draft))

		assert.Len(t, f.smtp.GetMessages(), 1)
		assert.True(t, f.server.Contains(t, "Sent", id))
	})

	t.Run("rejects drafts without recipients", func(t *testing.T) {
		f := newRemoteFixture(t)

		noRecipients := draft
		noRecipients.ToAddresses = nil
		err := f.client.SendMessage(ctx, draftMessageID(noRecipients), noRecipients)
		requireCode(t, err, remote.CodeInvalidEmail)
		assert.Empty(t, f.smtp.GetMessages())
	})

	t.Run("without sender it is unsupported", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		client, err := NewClient(newTestPool(t, server, 1), testFolders, nil)
		require.NoError(t, err)

		requireCode(t, client.SendMessage(ctx, "<x@example.com>", draft), remote.CodeUnsupported)
	})
}

func TestClient_Errors(t *testing.T) {
	t.Run("canceled context fails before touching the server", func(t *testing.T) {
		f := newRemoteFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := f.client.MarkRead(ctx, []string{testutil.SeededMessageID})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("closed pool is unavailable", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		pool := newTestPool(t, server, 1)
		client, err := NewClient(pool, testFolders, nil)
		require.NoError(t, err)
		pool.Close()

		err = client.MarkRead(context.Background(), []string{testutil.SeededMessageID})
		requireCode(t, err, remote.CodeUnavailable)
		assert.True(t, remote.IsTransient(err))
	})

	t.Run("server rejection is permanent", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		client, err := NewClient(newTestPool(t, server, 1), testFolders, nil)
		require.NoError(t, err)

		// The folders were never created, so selecting Archive fails.
		err = client.EmptyLocation(context.Background(), models.LabelArchive)
		requireCode(t, err, remote.CodeUnknown)
		assert.False(t, remote.IsTransient(err))
	})

	t.Run("invalid folder mapping is rejected", func(t *testing.T) {
		folders := testFolders
		folders.Spam = folders.Trash
		_, err := NewClient(nil, folders, nil)
		assert.Error(t, err)

		folders = testFolders
		folders.Archive = ""
		_, err = NewClient(nil, folders, nil)
		assert.Error(t, err)
	})
}
