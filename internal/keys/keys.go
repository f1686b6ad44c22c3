// Package keys generates and checks the age key pair used for images.
package keys

import (
	"fmt"
	"io"
	"os"
	"time"

	"filippo.io/age"

	"zjm/internal/crypto"
)

// Generate prints a new age key pair. When out is set the private key is
// written there with owner-only permissions instead of being printed.
func Generate(w io.Writer, out string) error {
	fmt.Fprintln(w, "Generating age public and private key pair...")

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}

	fmt.Fprintln(w, "\n=== Age Key Pair Generated ===")
	fmt.Fprintf(w, "Public key:  %s\n", identity.Recipient().String())
	if out != "" {
		if err := os.WriteFile(out, []byte(identity.String()+"\n"), 0o600); err != nil {
			return fmt.Errorf("failed to write private key: %w", err)
		}
		fmt.Fprintf(w, "Private key written to: %s\n", out)
	} else {
		fmt.Fprintf(w, "Private key: %s\n", identity.String())
	}
	fmt.Fprintln(w, "\nSet export.age_public_key to the public key to encrypt exported images.")
	fmt.Fprintln(w, "!! Keep your private key secure, imports need it !!")
	return nil
}

// Test checks that the private key at privateKeyPath decrypts what is
// encrypted to publicKey.
func Test(w io.Writer, publicKey, privateKeyPath string) error {
	fmt.Fprintln(w, "Testing age key pair compatibility...")

	if publicKey == "" {
		return fmt.Errorf("export.age_public_key is not set in config")
	}
	recipient, err := crypto.ParseRecipient(publicKey)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Public key from config: %s\n", publicKey)

	identity, err := crypto.LoadIdentity(privateKeyPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Private key loaded from: %s\n", privateKeyPath)

	content := []byte("zjm image key pair test - " + time.Now().Format(time.RFC3339))
	if err := crypto.RoundTrip(content, recipient, identity); err != nil {
		return fmt.Errorf("%w\nThis means the private key does not match the public key in config", err)
	}
	fmt.Fprintln(w, "Encryption, decryption and content verification successful")
	return nil
}
