package tasks

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/vdavid/vmail/engine/internal/crypto"
	"github.com/vdavid/vmail/engine/internal/db"
	"github.com/vdavid/vmail/engine/internal/models"
	"github.com/vdavid/vmail/engine/internal/queue"
	"github.com/vdavid/vmail/engine/internal/remote"
)

// ErrPrimaryKeyFailed is returned when the account's primary key cannot be
// re-encrypted. Rotating without it would lock the account out.
var ErrPrimaryKeyFailed = errors.New("failed to re-encrypt account primary key")

// ChangePassword rotates the key passphrase: every private key is
// re-encrypted under a secret derived from the new password, the batch is
// submitted to the server, and only then is the new secret stored locally.
//
// The task is never persisted, so the passwords never reach the task table.
type ChangePassword struct {
	oldPassword string
	newPassword string

	// Skipped holds the keys that kept their old encryption on the last run.
	Skipped []string

	deps *Deps
}

// ChangePassword returns a password rotation task.
func (f *Factory) ChangePassword(oldPassword, newPassword string) (*ChangePassword, error) {
	if newPassword == "" {
		return nil, remote.Errorf(remote.CodeNewPasswordInvalid, "new password is empty")
	}
	return &ChangePassword{oldPassword: oldPassword, newPassword: newPassword, deps: f.deps}, nil
}

func (t *ChangePassword) Kind() string { return KindChangePassword }

func (t *ChangePassword) Options() queue.TaskOptions {
	return queue.TaskOptions{
		GroupKey:        groupPassword,
		Priority:        priorityPassword,
		RequiresNetwork: true,
	}
}

// Apply does nothing: no local state may change before the server agrees.
func (t *ChangePassword) Apply(context.Context, db.Querier) error {
	return nil
}

func (t *ChangePassword) Execute(ctx context.Context) error {
	d := t.deps

	account, err := db.GetAccount(ctx, d.DB)
	if err != nil {
		return err
	}

	oldSecret, err := d.Encryptor.DecryptBytes(account.EncryptedSecret)
	if err != nil {
		return fmt.Errorf("failed to decrypt account secret: %w", err)
	}
	derived, err := d.Crypto.DeriveSecret(t.oldPassword, account.KeySalt)
	if err != nil {
		return fmt.Errorf("failed to derive old secret: %w", err)
	}
	if subtle.ConstantTimeCompare(derived, oldSecret) != 1 {
		return remote.Errorf(remote.CodeOldPasswordMismatch, "old password does not unlock the keys")
	}

	challenge, err := d.Remote.LoginInfo(ctx, account.Username)
	if err != nil {
		return err
	}
	proof, err := d.Crypto.ComputeAuthProof(account.Username, t.oldPassword, challenge)
	if err != nil {
		return fmt.Errorf("failed to compute auth proof: %w", err)
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	newSecret, err := d.Crypto.DeriveSecret(t.newPassword, salt)
	if err != nil {
		return remote.Errorf(remote.CodeNewPasswordInvalid, "%v", err)
	}

	keys, err := db.ListPrivateKeys(ctx, d.DB, account.ID)
	if err != nil {
		return err
	}

	updates, skipped, err := t.reencrypt(keys, oldSecret, newSecret)
	if err != nil {
		return err
	}

	if err := d.Remote.UpdatePrivateKeys(ctx, remote.KeyBatch{Proof: proof, KeySalt: salt, Keys: updates}); err != nil {
		return err
	}

	// The server has the new keys. From here on local state follows it.
	sealed, err := d.Encryptor.EncryptBytes(newSecret)
	if err != nil {
		return fmt.Errorf("failed to encrypt new secret: %w", err)
	}
	persistCtx := context.WithoutCancel(ctx)
	err = db.WithTx(persistCtx, d.DB, func(tx db.Querier) error {
		if err := db.UpdateAccountSecret(persistCtx, tx, account.ID, salt, sealed); err != nil {
			return err
		}
		for _, u := range updates {
			if err := db.UpdatePrivateKeyBlob(persistCtx, tx, u.KeyID, u.Blob); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store rotated keys: %w", err)
	}
	t.Skipped = skipped

	t.refreshAccount(ctx, account.ID)
	return nil
}

// reencrypt re-encrypts every key it can. Keys that fail are skipped and
// keep their old blob, except the account primary key, whose failure aborts.
func (t *ChangePassword) reencrypt(keys []models.PrivateKey, oldSecret, newSecret []byte) ([]remote.KeyUpdate, []string, error) {
	var (
		updates []remote.KeyUpdate
		skipped []string
		failed  *multierror.Error
	)

	for _, key := range keys {
		blob, err := t.deps.Crypto.ReencryptPrivateKey(key.Blob, oldSecret, newSecret)
		if err != nil {
			if key.OwnerKind == models.KeyOwnerAccount && key.Primary {
				return nil, nil, fmt.Errorf("%w %s: %v", ErrPrimaryKeyFailed, key.ID, err)
			}
			failed = multierror.Append(failed, fmt.Errorf("key %s (%s %s): %w", key.ID, key.OwnerKind, key.OwnerID, err))
			skipped = append(skipped, key.ID)
			continue
		}
		updates = append(updates, remote.KeyUpdate{KeyID: key.ID, Blob: blob})
	}

	if err := failed.ErrorOrNil(); err != nil {
		log.Warnf("Password change: skipping %d of %d keys: %v", len(skipped), len(keys), err)
	}
	return updates, skipped, nil
}

func (t *ChangePassword) refreshAccount(ctx context.Context, accountID string) {
	snapshot, err := t.deps.Remote.FetchAccount(ctx)
	if err != nil {
		log.Warnf("Password change: failed to refresh account metadata: %v", err)
		return
	}
	if err := db.ReplaceAddresses(context.WithoutCancel(ctx), t.deps.DB, accountID, snapshot.Addresses); err != nil {
		log.Warnf("Password change: failed to store refreshed addresses: %v", err)
	}
}
