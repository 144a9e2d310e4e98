package filestore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jrsteele09/go-listsync/session"
	"golang.org/x/crypto/chacha20poly1305"
)

const defaultFileName = "session.json"

var _ session.Persister = (*FileStore)(nil)

// FileStore persists the session as a single JSON file, replaced atomically on
// every save. With a key set the file is sealed with XChaCha20-Poly1305.
type FileStore struct {
	path string
	key  []byte
}

// New returns a store writing <dir>/session.json. key may be nil; otherwise it
// must be chacha20poly1305.KeySize bytes.
func New(dir string, key []byte) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("[filestore New] data directory is required")
	}
	if key != nil && len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("[filestore New] key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("[filestore New] failed to create data directory: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, defaultFileName), key: key}, nil
}

func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Load(_ context.Context) (*session.Session, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("[FileStore Load] failed to read session file: %w", err)
	}
	if f.key != nil {
		if data, err = f.open(data); err != nil {
			return nil, err
		}
	}
	var s session.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("[FileStore Load] failed to decode session file: %w", err)
	}
	return &s, nil
}

func (f *FileStore) Save(_ context.Context, s session.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("[FileStore Save] failed to encode session: %w", err)
	}
	if f.key != nil {
		if data, err = f.seal(data); err != nil {
			return err
		}
	}
	return writeAtomic(f.path, data)
}

func (f *FileStore) Clear(_ context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("[FileStore Clear] failed to remove session file: %w", err)
	}
	return nil
}

func (f *FileStore) seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(f.key)
	if err != nil {
		return nil, fmt.Errorf("[FileStore seal] %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("[FileStore seal] failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (f *FileStore) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(f.key)
	if err != nil {
		return nil, fmt.Errorf("[FileStore open] %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("[FileStore open] session file too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("[FileStore open] failed to decrypt session file: %w", err)
	}
	return plain, nil
}

// writeAtomic replaces path with data so readers never observe a partial file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "session-*.tmp")
	if err != nil {
		return fmt.Errorf("[filestore writeAtomic] %w", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("[filestore writeAtomic] %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("[filestore writeAtomic] %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("[filestore writeAtomic] %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		cleanup()
		return fmt.Errorf("[filestore writeAtomic] %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		cleanup()
		return fmt.Errorf("[filestore writeAtomic] %w", err)
	}
	return nil
}
