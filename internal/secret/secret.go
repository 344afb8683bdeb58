// Package secret seals small secrets, such as the rewrite API key, with a
// per-user key file so they can be kept in the settings table.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// File permission constants
const (
	PermSecretFile os.FileMode = 0600
	PermSecretDir  os.FileMode = 0700
)

// KeySize is the size of the master key file in bytes.
const KeySize = 32

// sealedPrefix marks a value produced by Seal.
const sealedPrefix = "sealed:v1:"

var (
	ErrInsecurePermissions = errors.New("secret: insecure key file permissions")
	ErrInvalidKeySize      = errors.New("secret: invalid key size")
	ErrNotSealed           = errors.New("secret: value is not sealed")
	ErrDecrypt             = errors.New("secret: decryption failed")
)

// Box seals and opens values with a key derived from a master key.
type Box struct {
	master []byte
}

// New creates a Box from a master key of KeySize bytes.
func New(master []byte) (*Box, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeySize, len(master), KeySize)
	}
	k := make([]byte, KeySize)
	copy(k, master)
	return &Box{master: k}, nil
}

// LoadOrCreate reads the master key at path, generating a fresh one when the
// file does not exist. On unix the key file must not be readable by others.
func LoadOrCreate(path string) (*Box, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := checkPermissions(path); err != nil {
			return nil, err
		}
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode key file: %w", err)
		}
		return New(key)
	case errors.Is(err, os.ErrNotExist):
		key := make([]byte, KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		if err := writeSecretFile(path, []byte(hex.EncodeToString(key)+"\n")); err != nil {
			return nil, err
		}
		return New(key)
	default:
		return nil, fmt.Errorf("read key file: %w", err)
	}
}

// derive returns the AEAD key for label.
func (b *Box) derive(label string) ([]byte, error) {
	reader := hkdf.New(sha256.New, b.master, nil, []byte("voxpaste:"+label))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext for the given label. The label is bound as
// additional data, so a value sealed for one label cannot be opened as another.
func (b *Box) Seal(label, plaintext string) (string, error) {
	key, err := b.derive(label)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(label))
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal with the same label.
func (b *Box) Open(label, value string) (string, error) {
	if !IsSealed(value) {
		return "", ErrNotSealed
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	key, err := b.derive(label)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrDecrypt
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(label))
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// IsSealed reports whether value looks like the output of Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

func writeSecretFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, PermSecretDir); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(PermSecretFile); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
