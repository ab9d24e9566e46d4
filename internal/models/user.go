package models

import "time"

// KeyOwner tells whether a private key belongs to the account or to one of its addresses.
type KeyOwner string

const (
	KeyOwnerAccount KeyOwner = "account"
	KeyOwnerAddress KeyOwner = "address"
)

// Account is the local mail account. EncryptedSecret is the key passphrase,
// encrypted at rest.
type Account struct {
	ID              string    `json:"id"`
	Username        string    `json:"username"`
	KeySalt         []byte    `json:"-"`
	EncryptedSecret []byte    `json:"-"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Address is one sending address owned by the account.
type Address struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
}

// PrivateKey is an encrypted private key blob.
type PrivateKey struct {
	ID          string   `json:"id"`
	OwnerKind   KeyOwner `json:"owner_kind"`
	OwnerID     string   `json:"owner_id"`
	Fingerprint string   `json:"fingerprint"`
	Primary     bool     `json:"primary"`
	Blob        []byte   `json:"-"`
}

// AccountSnapshot is the account metadata as reported by the remote service.
type AccountSnapshot struct {
	Account   Account      `json:"account"`
	Addresses []Address    `json:"addresses"`
	Keys      []PrivateKey `json:"keys"`
}
