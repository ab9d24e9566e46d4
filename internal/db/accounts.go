package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/vmail/engine/internal/models"
)

// ErrAccountNotFound is returned when no account is stored.
var ErrAccountNotFound = errors.New("account not found")

// SaveAccount inserts or updates the account row, secret included.
func SaveAccount(ctx context.Context, q Querier, account *models.Account) error {
	salt := account.KeySalt
	if salt == nil {
		salt = []byte{}
	}
	secret := account.EncryptedSecret
	if secret == nil {
		secret = []byte{}
	}

	err := q.QueryRow(ctx, `
		INSERT INTO accounts (id, username, key_salt, encrypted_secret)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			key_salt = EXCLUDED.key_salt,
			encrypted_secret = EXCLUDED.encrypted_secret,
			updated_at = now()
		RETURNING updated_at
	`, account.ID, account.Username, salt, secret).Scan(&account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// GetAccount returns the local account. The engine serves a single account.
func GetAccount(ctx context.Context, q Querier) (*models.Account, error) {
	var account models.Account
	err := q.QueryRow(ctx, `
		SELECT id, username, key_salt, encrypted_secret, updated_at
		FROM accounts
		ORDER BY id
		LIMIT 1
	`).Scan(&account.ID, &account.Username, &account.KeySalt, &account.EncryptedSecret, &account.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// UpdateAccountSecret replaces the key salt and encrypted secret of an account.
func UpdateAccountSecret(ctx context.Context, q Querier, accountID string, salt, encryptedSecret []byte) error {
	tag, err := q.Exec(ctx, `
		UPDATE accounts
		SET key_salt = $2, encrypted_secret = $3, updated_at = now()
		WHERE id = $1
	`, accountID, salt, encryptedSecret)
	if err != nil {
		return fmt.Errorf("failed to update account secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ListAddresses returns the addresses of an account.
func ListAddresses(ctx context.Context, q Querier, accountID string) ([]models.Address, error) {
	rows, err := q.Query(ctx, `
		SELECT id, account_id, email
		FROM addresses
		WHERE account_id = $1
		ORDER BY id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	defer rows.Close()

	var addresses []models.Address
	for rows.Next() {
		var a models.Address
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Email); err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		addresses = append(addresses, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating addresses: %w", err)
	}

	return addresses, nil
}

// ReplaceAddresses overwrites the address list of an account.
func ReplaceAddresses(ctx context.Context, q Querier, accountID string, addresses []models.Address) error {
	return WithTx(ctx, q, func(tx Querier) error {
		ids := make([]string, 0, len(addresses))
		for _, a := range addresses {
			ids = append(ids, a.ID)
			_, err := tx.Exec(ctx, `
				INSERT INTO addresses (id, account_id, email)
				VALUES ($1, $2, $3)
				ON CONFLICT (id) DO UPDATE SET account_id = EXCLUDED.account_id, email = EXCLUDED.email
			`, a.ID, accountID, a.Email)
			if err != nil {
				return fmt.Errorf("failed to save address %s: %w", a.ID, err)
			}
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM addresses WHERE account_id = $1 AND NOT (id = ANY($2))
		`, accountID, ids); err != nil {
			return fmt.Errorf("failed to prune addresses: %w", err)
		}
		return nil
	})
}

// SavePrivateKey inserts or updates a private key.
func SavePrivateKey(ctx context.Context, q Querier, key *models.PrivateKey) error {
	_, err := q.Exec(ctx, `
		INSERT INTO private_keys (id, owner_kind, owner_id, fingerprint, is_primary, blob)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			owner_kind = EXCLUDED.owner_kind,
			owner_id = EXCLUDED.owner_id,
			fingerprint = EXCLUDED.fingerprint,
			is_primary = EXCLUDED.is_primary,
			blob = EXCLUDED.blob
	`, key.ID, string(key.OwnerKind), key.OwnerID, key.Fingerprint, key.Primary, key.Blob)
	if err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}
	return nil
}

// ListPrivateKeys returns the account keys followed by the keys of every
// address of the account.
func ListPrivateKeys(ctx context.Context, q Querier, accountID string) ([]models.PrivateKey, error) {
	rows, err := q.Query(ctx, `
		SELECT id, owner_kind, owner_id, fingerprint, is_primary, blob
		FROM private_keys
		WHERE (owner_kind = 'account' AND owner_id = $1)
		   OR (owner_kind = 'address' AND owner_id IN (SELECT id FROM addresses WHERE account_id = $1))
		ORDER BY owner_kind, owner_id, is_primary DESC, id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list private keys: %w", err)
	}
	defer rows.Close()

	var keys []models.PrivateKey
	for rows.Next() {
		var k models.PrivateKey
		var owner string
		if err := rows.Scan(&k.ID, &owner, &k.OwnerID, &k.Fingerprint, &k.Primary, &k.Blob); err != nil {
			return nil, fmt.Errorf("failed to scan private key: %w", err)
		}
		k.OwnerKind = models.KeyOwner(owner)
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating private keys: %w", err)
	}

	return keys, nil
}

// UpdatePrivateKeyBlob replaces the encrypted blob of a key.
func UpdatePrivateKeyBlob(ctx context.Context, q Querier, keyID string, blob []byte) error {
	tag, err := q.Exec(ctx, `UPDATE private_keys SET blob = $2 WHERE id = $1`, keyID, blob)
	if err != nil {
		return fmt.Errorf("failed to update private key %s: %w", keyID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("private key %s not found", keyID)
	}
	return nil
}
