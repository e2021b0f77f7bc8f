// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transform

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20"

	"github.com/bureau-foundation/clusterfs/lib/secret"
)

// CipherKind identifies a cipher backend. Values are persisted in file
// attributes.
type CipherKind uint8

const (
	// CipherNone stores clusters in the clear.
	CipherNone CipherKind = 0

	// CipherAES is AES-256 in CBC mode.
	CipherAES CipherKind = 1

	// CipherXChaCha20 is the XChaCha20 stream cipher. Streams are still
	// padded to CipherBlockSize so the on-disk layout matches the
	// block cipher.
	CipherXChaCha20 CipherKind = 2
)

// CipherBlockSize is the padding granularity of every cipher backend.
const CipherBlockSize = 16

func (k CipherKind) String() string {
	switch k {
	case CipherNone:
		return "none"
	case CipherAES:
		return "aes"
	case CipherXChaCha20:
		return "xchacha20"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseCipher parses the String form of a cipher backend.
func ParseCipher(name string) (CipherKind, error) {
	switch name {
	case "none", "":
		return CipherNone, nil
	case "aes":
		return CipherAES, nil
	case "xchacha20":
		return CipherXChaCha20, nil
	default:
		return 0, fmt.Errorf("unknown cipher: %q", name)
	}
}

// Cipher encrypts and decrypts padded cluster streams in place. The
// tweak is the logical cluster index; it selects the IV or nonce so
// identical plaintext in different clusters encrypts differently.
type Cipher interface {
	Kind() CipherKind

	// BlockSize is the padding granularity. Encrypt and Decrypt require
	// len(data) to be a multiple of it.
	BlockSize() int

	Encrypt(data []byte, tweak uint64) error
	Decrypt(data []byte, tweak uint64) error

	// Close releases key material.
	Close() error
}

var (
	hkdfInfoCipherKey = []byte("clusterfs.cipher.key.v1")
	hkdfInfoIVKey     = []byte("clusterfs.cipher.iv.v1")
)

// NewCipher returns the backend for kind keyed by a per-file key from
// KeySet.FileKey. fileKey is borrowed and not closed. CipherNone
// returns nil.
func NewCipher(kind CipherKind, fileKey *secret.Buffer) (Cipher, error) {
	if kind == CipherNone {
		return nil, nil
	}
	if fileKey == nil {
		return nil, fmt.Errorf("cipher %s requires a file key", kind)
	}

	cipherKey, err := deriveKey(fileKey.Bytes(), hkdfInfoCipherKey)
	if err != nil {
		return nil, err
	}
	ivKey, err := deriveKey(fileKey.Bytes(), hkdfInfoIVKey)
	if err != nil {
		cipherKey.Close()
		return nil, err
	}

	switch kind {
	case CipherAES:
		block, err := aes.NewCipher(cipherKey.Bytes())
		cipherKey.Close()
		if err != nil {
			ivKey.Close()
			return nil, fmt.Errorf("creating AES cipher: %w", err)
		}
		return &aesCipher{block: block, ivKey: ivKey}, nil

	case CipherXChaCha20:
		return &xchachaCipher{key: cipherKey, ivKey: ivKey}, nil

	default:
		cipherKey.Close()
		ivKey.Close()
		return nil, fmt.Errorf("unsupported cipher: %s", kind)
	}
}

// deriveIV fills out with the keyed BLAKE3 hash of the tweak.
func deriveIV(ivKey *secret.Buffer, tweak uint64, out []byte) {
	hasher, err := blake3.NewKeyed(ivKey.Bytes())
	if err != nil {
		panic("transform: BLAKE3 keyed hash initialization failed (key must be 32 bytes): " + err.Error())
	}
	var encoded [8]byte
	binary.LittleEndian.PutUint64(encoded[:], tweak)
	hasher.Write(encoded[:])
	copy(out, hasher.Sum(nil))
}

func checkBlockMultiple(data []byte) error {
	if len(data)%CipherBlockSize != 0 {
		return fmt.Errorf("cipher input of %d bytes is not a multiple of %d", len(data), CipherBlockSize)
	}
	return nil
}

type aesCipher struct {
	block gocipher.Block
	ivKey *secret.Buffer
}

func (c *aesCipher) Kind() CipherKind { return CipherAES }
func (c *aesCipher) BlockSize() int   { return CipherBlockSize }

func (c *aesCipher) Encrypt(data []byte, tweak uint64) error {
	if err := checkBlockMultiple(data); err != nil {
		return err
	}
	var iv [aes.BlockSize]byte
	deriveIV(c.ivKey, tweak, iv[:])
	gocipher.NewCBCEncrypter(c.block, iv[:]).CryptBlocks(data, data)
	return nil
}

func (c *aesCipher) Decrypt(data []byte, tweak uint64) error {
	if err := checkBlockMultiple(data); err != nil {
		return err
	}
	var iv [aes.BlockSize]byte
	deriveIV(c.ivKey, tweak, iv[:])
	gocipher.NewCBCDecrypter(c.block, iv[:]).CryptBlocks(data, data)
	return nil
}

func (c *aesCipher) Close() error { return c.ivKey.Close() }

type xchachaCipher struct {
	key   *secret.Buffer
	ivKey *secret.Buffer
}

func (c *xchachaCipher) Kind() CipherKind { return CipherXChaCha20 }
func (c *xchachaCipher) BlockSize() int   { return CipherBlockSize }

func (c *xchachaCipher) xor(data []byte, tweak uint64) error {
	if err := checkBlockMultiple(data); err != nil {
		return err
	}
	var nonce [chacha20.NonceSizeX]byte
	deriveIV(c.ivKey, tweak, nonce[:])
	stream, err := chacha20.NewUnauthenticatedCipher(c.key.Bytes(), nonce[:])
	if err != nil {
		return fmt.Errorf("creating XChaCha20 stream: %w", err)
	}
	stream.XORKeyStream(data, data)
	return nil
}

func (c *xchachaCipher) Encrypt(data []byte, tweak uint64) error { return c.xor(data, tweak) }
func (c *xchachaCipher) Decrypt(data []byte, tweak uint64) error { return c.xor(data, tweak) }

func (c *xchachaCipher) Close() error {
	err := c.key.Close()
	if ivErr := c.ivKey.Close(); err == nil {
		err = ivErr
	}
	return err
}
