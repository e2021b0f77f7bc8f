// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyfile stores the volume master key sealed with age.
//
// A key file is the armored age encryption of the 32-byte master key.
// It is sealed either to an X25519 recipient (an "age1..." public key,
// opened with the matching "AGE-SECRET-KEY-1..." identity) or to a
// scrypt passphrase. The master key only ever lives in secret.Buffer
// memory once opened.
package keyfile

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/clusterfs/lib/secret"
	"github.com/bureau-foundation/clusterfs/lib/transform"
)

const (
	recipientPrefix = "age1"
	identityPrefix  = "AGE-SECRET-KEY-1"
)

// Generate returns a fresh random master key.
func Generate() (*secret.Buffer, error) {
	key, err := secret.NewFromReader(rand.Reader, transform.KeySize)
	if err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	return key, nil
}

// Identity is an X25519 keypair for sealing key files without a
// passphrase. Close releases the private half.
type Identity struct {
	// Private is the AGE-SECRET-KEY-1... string.
	Private *secret.Buffer

	// Public is the age1... recipient.
	Public string
}

// Close zeroes the private key.
func (i *Identity) Close() error {
	if i.Private == nil {
		return nil
	}
	return i.Private.Close()
}

// GenerateIdentity returns a new X25519 keypair.
func GenerateIdentity() (*Identity, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	private, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting age identity: %w", err)
	}
	return &Identity{Private: private, Public: identity.Recipient().String()}, nil
}

// Options tunes sealing.
type Options struct {
	// ScryptWorkFactor is log2 of the scrypt cost for passphrase
	// sealing. Zero keeps the age default.
	ScryptWorkFactor int
}

// Seal writes key to w, sealed to recipient. A recipient beginning
// with "age1" is an X25519 public key; anything else is a passphrase.
func Seal(w io.Writer, key *secret.Buffer, recipient string) error {
	return SealWith(w, key, recipient, Options{})
}

// SealWith is Seal with explicit options.
func SealWith(w io.Writer, key *secret.Buffer, recipient string, options Options) error {
	if key.Len() != transform.KeySize {
		return fmt.Errorf("master key must be %d bytes, got %d", transform.KeySize, key.Len())
	}
	ageRecipient, err := parseRecipient(recipient, options)
	if err != nil {
		return err
	}

	armored := armor.NewWriter(w)
	writer, err := age.Encrypt(armored, ageRecipient)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(key.Bytes()); err != nil {
		return fmt.Errorf("writing key to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return fmt.Errorf("finalizing armor: %w", err)
	}
	return nil
}

func parseRecipient(recipient string, options Options) (age.Recipient, error) {
	if recipient == "" {
		return nil, fmt.Errorf("an age recipient or passphrase is required")
	}
	if strings.HasPrefix(recipient, recipientPrefix) {
		parsed, err := age.ParseX25519Recipient(recipient)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient: %w", err)
		}
		return parsed, nil
	}
	scrypt, err := age.NewScryptRecipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("creating passphrase recipient: %w", err)
	}
	if options.ScryptWorkFactor > 0 {
		scrypt.SetWorkFactor(options.ScryptWorkFactor)
	}
	return scrypt, nil
}

// Open reads a sealed key from r. identity is either an
// AGE-SECRET-KEY-1... string or the passphrase used to seal.
func Open(r io.Reader, identity string) (*secret.Buffer, error) {
	ageIdentity, err := parseIdentity(identity)
	if err != nil {
		return nil, err
	}

	reader, err := age.Decrypt(armor.NewReader(r), ageIdentity)
	if err != nil {
		return nil, fmt.Errorf("opening key file: %w", err)
	}
	key, err := secret.NewFromReader(reader, transform.KeySize)
	if err != nil {
		return nil, fmt.Errorf("reading master key: %w", err)
	}
	// A longer payload is not a key file this package wrote.
	var trailing [1]byte
	if n, _ := reader.Read(trailing[:]); n != 0 {
		key.Close()
		return nil, fmt.Errorf("key file holds more than %d bytes", transform.KeySize)
	}
	return key, nil
}

func parseIdentity(identity string) (age.Identity, error) {
	if identity == "" {
		return nil, fmt.Errorf("an age identity or passphrase is required")
	}
	if strings.HasPrefix(identity, identityPrefix) {
		parsed, err := age.ParseX25519Identity(identity)
		if err != nil {
			return nil, fmt.Errorf("parsing identity: %w", err)
		}
		return parsed, nil
	}
	scrypt, err := age.NewScryptIdentity(identity)
	if err != nil {
		return nil, fmt.Errorf("creating passphrase identity: %w", err)
	}
	return scrypt, nil
}

// WriteFile seals key to path with mode 0600, refusing to overwrite.
func WriteFile(path string, key *secret.Buffer, recipient string) error {
	return WriteFileWith(path, key, recipient, Options{})
}

// WriteFileWith is WriteFile with explicit options.
func WriteFileWith(path string, key *secret.Buffer, recipient string, options Options) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if err := SealWith(file, key, recipient, options); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	return file.Close()
}

// ReadFile opens the key file at path.
func ReadFile(path, identity string) (*secret.Buffer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Open(file, identity)
}
