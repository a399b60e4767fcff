package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/spec-kit/portal-client/internal/config"
)

// FileStore persists each namespace as a JSON file under a state directory.
// When a state key is configured, values are sealed with ChaCha20-Poly1305
// before hitting disk.
type FileStore struct {
	dir  string
	aead cipher.AEAD
}

// NewFileStore creates the state directory and, if configured, the AEAD used
// for at-rest encryption. The key must be 32 bytes, hex encoded.
func NewFileStore(cfg config.StoreConfig) (*FileStore, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	fs := &FileStore{dir: cfg.StateDir}
	if cfg.StateKeyHex != "" {
		key, err := hex.DecodeString(cfg.StateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("decode state key: %w", err)
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("state key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
		}
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}
		fs.aead = aead
	}
	return fs, nil
}

func (f *FileStore) path(namespace string) string {
	if f.aead != nil {
		return filepath.Join(f.dir, namespace+".json.enc")
	}
	return filepath.Join(f.dir, namespace+".json")
}

// Save writes the JSON encoding of v for the namespace.
func (f *FileStore) Save(_ context.Context, namespace string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s state: %w", namespace, err)
	}
	if f.aead != nil {
		data, err = f.seal(data)
		if err != nil {
			return err
		}
	}
	return os.WriteFile(f.path(namespace), data, 0o600)
}

// Load reads the namespace into v, returning ErrNotFound when nothing has
// been saved yet.
func (f *FileStore) Load(_ context.Context, namespace string, v any) error {
	data, err := os.ReadFile(f.path(namespace))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	if f.aead != nil {
		data, err = f.open(data)
		if err != nil {
			return fmt.Errorf("decrypt %s state: %w", namespace, err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s state: %w", namespace, err)
	}
	return nil
}

// Delete removes the persisted namespace; absent files are not an error.
func (f *FileStore) Delete(_ context.Context, namespace string) error {
	if err := os.Remove(f.path(namespace)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FileStore) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, f.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return f.aead.Seal(nonce, nonce, plain, nil), nil
}

func (f *FileStore) open(blob []byte) ([]byte, error) {
	if len(blob) < f.aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := blob[:f.aead.NonceSize()], blob[f.aead.NonceSize():]
	return f.aead.Open(nil, nonce, ciphertext, nil)
}
