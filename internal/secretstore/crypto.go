// crypto.go adapts the age-based at-rest encryption core of
// tools/si/internal/vault/crypto_age.go to single-value secret storage: the
// broker encrypts every secret value to its own identity's recipient before
// writing it to SQLite, and decrypts on read. The dotenv-file-preserving
// machinery from the teacher (comments/layout preservation across many
// key=value lines) is dropped — this store persists one secret value per
// row, not a parsed .env document, so only the encrypt/decrypt-one-value
// core is needed.
package secretstore

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"
)

const ciphertextPrefix = "encrypted:seks:v1:"

// Identity is the broker's private decryption key plus its own public
// recipient string (used to encrypt values it later decrypts for itself).
type Identity struct {
	key       *age.X25519Identity
	recipient string
}

// GenerateIdentity creates a fresh X25519 identity, mirroring
// vault.GenerateIdentity.
func GenerateIdentity() (*Identity, error) {
	key, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, err
	}
	return &Identity{key: key, recipient: key.Recipient().String()}, nil
}

// LoadIdentity parses an age identity string (as produced by age-keygen or
// Identity.String) into an Identity usable for encrypt/decrypt.
func LoadIdentity(identityStr string) (*Identity, error) {
	key, err := age.ParseX25519Identity(identityStr)
	if err != nil {
		return nil, fmt.Errorf("secretstore: invalid identity: %w", err)
	}
	return &Identity{key: key, recipient: key.Recipient().String()}, nil
}

// String returns the age identity string, suitable for persisting to the
// path the broker loads at startup.
func (id *Identity) String() string { return id.key.String() }

// Encrypt seals plaintext to id's own recipient and returns a
// prefixed, base64-encoded ciphertext suitable for storage.
func (id *Identity) Encrypt(plaintext string) (string, error) {
	recipient, err := age.ParseX25519Recipient(id.recipient)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		_ = w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return ciphertextPrefix + base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt reverses Encrypt.
func (id *Identity) Decrypt(ciphertext string) (string, error) {
	const prefix = ciphertextPrefix
	if len(ciphertext) < len(prefix) || ciphertext[:len(prefix)] != prefix {
		return "", fmt.Errorf("secretstore: unrecognised ciphertext format")
	}
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext[len(prefix):])
	if err != nil {
		return "", fmt.Errorf("secretstore: invalid ciphertext encoding: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), id.key)
	if err != nil {
		return "", err
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
