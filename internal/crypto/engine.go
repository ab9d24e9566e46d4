package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/vdavid/vmail/engine/internal/remote"
	"golang.org/x/crypto/argon2"
)

// SaltSize is the length of key salts produced by NewSalt.
const SaltSize = 16

// Engine is the cryptographic capability the key rotation relies on.
type Engine interface {
	// DeriveSecret turns a password into the secret that unlocks private keys.
	DeriveSecret(password string, salt []byte) ([]byte, error)
	// ReencryptPrivateKey unlocks blob with oldSecret and locks it with newSecret.
	ReencryptPrivateKey(blob, oldSecret, newSecret []byte) ([]byte, error)
	// ComputeAuthProof answers a server challenge for username and password.
	ComputeAuthProof(username, password string, challenge *remote.Challenge) (remote.Proof, error)
}

// Argon2Params tunes the argon2id key derivation.
type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultArgon2Params are the RFC 9106 second recommended parameters.
var DefaultArgon2Params = Argon2Params{Time: 3, Memory: 64 * 1024, Threads: 4}

// KeyEngine derives secrets with argon2id, seals private keys with AES-GCM
// and proves challenges with HMAC-SHA256.
type KeyEngine struct {
	params Argon2Params
}

var _ Engine = (*KeyEngine)(nil)

// NewKeyEngine returns an engine using params.
func NewKeyEngine(params Argon2Params) *KeyEngine {
	return &KeyEngine{params: params}
}

// NewSalt returns a random salt of SaltSize bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

func (e *KeyEngine) DeriveSecret(password string, salt []byte) ([]byte, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("salt is required")
	}
	return argon2.IDKey([]byte(password), salt, e.params.Time, e.params.Memory, e.params.Threads, 32), nil
}

func (e *KeyEngine) ReencryptPrivateKey(blob, oldSecret, newSecret []byte) ([]byte, error) {
	plain, err := open(oldSecret, blob)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock private key: %w", err)
	}
	sealed, err := seal(newSecret, plain)
	if err != nil {
		return nil, fmt.Errorf("failed to lock private key: %w", err)
	}
	return sealed, nil
}

// LockPrivateKey seals a plaintext private key under secret.
func (e *KeyEngine) LockPrivateKey(plain, secret []byte) ([]byte, error) {
	return seal(secret, plain)
}

// UnlockPrivateKey opens a private key sealed under secret.
func (e *KeyEngine) UnlockPrivateKey(blob, secret []byte) ([]byte, error) {
	return open(secret, blob)
}

func (e *KeyEngine) ComputeAuthProof(username, password string, challenge *remote.Challenge) (remote.Proof, error) {
	if challenge == nil || len(challenge.Nonce) == 0 {
		return remote.Proof{}, fmt.Errorf("challenge has no nonce")
	}

	verifier, err := e.DeriveSecret(password, challenge.Salt)
	if err != nil {
		return remote.Proof{}, err
	}

	mac := hmac.New(sha256.New, verifier)
	mac.Write([]byte(username))
	mac.Write(challenge.Nonce)

	return remote.Proof{Nonce: challenge.Nonce, Value: mac.Sum(nil)}, nil
}
