package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Encryptor protects local secrets at rest with AES-GCM under the
// process-wide key from VMAIL_ENCRYPTION_KEY_BASE64.
type Encryptor struct {
	key []byte
}

// NewEncryptor creates a new Encryptor with the given key.
func NewEncryptor(base64Key string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	return &Encryptor{key: key}, nil
}

// Encrypt encrypts the given plaintext string.
func (e *Encryptor) Encrypt(plaintext string) ([]byte, error) {
	return seal(e.key, []byte(plaintext))
}

// Decrypt decrypts a ciphertext produced by Encrypt.
func (e *Encryptor) Decrypt(ciphertext []byte) (string, error) {
	plaintext, err := open(e.key, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptBytes encrypts raw bytes, such as a derived key secret.
func (e *Encryptor) EncryptBytes(plaintext []byte) ([]byte, error) {
	return seal(e.key, plaintext)
}

// DecryptBytes decrypts a ciphertext produced by EncryptBytes.
func (e *Encryptor) DecryptBytes(ciphertext []byte) ([]byte, error) {
	return open(e.key, ciphertext)
}

// seal returns [nonce][encrypted_data][auth_tag]. Each call uses a random
// nonce, so the same plaintext produces different ciphertexts.
func seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open fails when the ciphertext is truncated, corrupted or sealed under a
// different key.
func open(key, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
