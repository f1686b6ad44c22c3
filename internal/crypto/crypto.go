// Package crypto wraps age encryption and BLAKE3 hashing for image streams.
package crypto

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/zeebo/blake3"
)

// ParseRecipient parses an age public key. An empty key means no
// encryption and yields nil.
func ParseRecipient(publicKey string) (age.Recipient, error) {
	if publicKey == "" {
		return nil, nil
	}
	r, err := age.ParseX25519Recipient(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return r, nil
}

// LoadIdentity reads an age private key from path.
func LoadIdentity(path string) (age.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	id, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return id, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Encrypt returns a writer that encrypts to recipient into w. With a nil
// recipient the data passes through unchanged. Close must be called to
// flush the last chunk.
func Encrypt(w io.Writer, recipient age.Recipient) (io.WriteCloser, error) {
	if recipient == nil {
		return nopCloser{w}, nil
	}
	return age.Encrypt(w, recipient)
}

// Decrypt returns a reader of the plaintext of r.
func Decrypt(r io.Reader, identity age.Identity) (io.Reader, error) {
	if identity == nil {
		return nil, fmt.Errorf("stream is encrypted but no private key was given")
	}
	return age.Decrypt(r, identity)
}

func NewHasher() *blake3.Hasher {
	return blake3.New()
}

func Sum(h *blake3.Hasher) string {
	return fmt.Sprintf("%x", h.Sum(nil))
}

// BLAKE3File computes the BLAKE3 hash of a file.
func BLAKE3File(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return Sum(hasher), nil
}

// Verify checks the BLAKE3 hash of filename.
func Verify(filename, expected string) error {
	actual, err := BLAKE3File(filename)
	if err != nil {
		return fmt.Errorf("failed to calculate BLAKE3: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("BLAKE3 mismatch for %s: expected %s, got %s", filename, expected, actual)
	}
	return nil
}

// RoundTrip encrypts data to recipient and decrypts it with identity,
// failing when the two keys do not belong together.
func RoundTrip(data []byte, recipient age.Recipient, identity age.Identity) error {
	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}

	r, err := age.Decrypt(&sealed, identity)
	if err != nil {
		return fmt.Errorf("decryption failed: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("decryption failed: %w", err)
	}
	if !bytes.Equal(plain, data) {
		return fmt.Errorf("content mismatch: decrypted content does not match original")
	}
	return nil
}
