// Package remote defines the contract between the engine and the remote
// mail service, and the error taxonomy every implementation reports with.
package remote

import (
	"context"

	"github.com/vdavid/vmail/engine/internal/models"
)

// Challenge is a fresh authentication challenge issued by the server.
type Challenge struct {
	Username string `json:"username"`
	Salt     []byte `json:"salt"`
	Nonce    []byte `json:"nonce"`
}

// Proof authenticates a sensitive request against a Challenge.
type Proof struct {
	Nonce []byte `json:"nonce"`
	Value []byte `json:"value"`
}

// KeyUpdate is one re-encrypted private key submitted to the server.
type KeyUpdate struct {
	KeyID string `json:"key_id"`
	Blob  []byte `json:"blob"`
}

// KeyBatch is the complete payload of a key rotation.
type KeyBatch struct {
	Proof   Proof       `json:"proof"`
	KeySalt []byte      `json:"key_salt"`
	Keys    []KeyUpdate `json:"keys"`
}

// Client is the remote phase of every mutation task.
type Client interface {
	LabelMessages(ctx context.Context, messageIDs []string, labelID string) error
	UnlabelMessages(ctx context.Context, messageIDs []string, labelID string) error
	MarkRead(ctx context.Context, messageIDs []string) error
	MarkUnread(ctx context.Context, messageIDs []string) error
	EmptyLocation(ctx context.Context, labelID string) error
	LoginInfo(ctx context.Context, username string) (*Challenge, error)
	UpdatePrivateKeys(ctx context.Context, batch KeyBatch) error
	FetchAccount(ctx context.Context) (*models.AccountSnapshot, error)
	CreateDraft(ctx context.Context, draft models.Draft) (string, error)
	SendMessage(ctx context.Context, serverID string, draft models.Draft) error
}
