// Package agefile - хранилище секретов в файлах, зашифрованных age.
// Секрет с идентификатором "alertsync/github-app" лежит в <dir>/alertsync/github-app.age.
package agefile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"alertsync/internal/secrets"

	"filippo.io/age"
)

type Backend struct {
	dir        string
	identities []age.Identity
}

var _ secrets.Backend = (*Backend)(nil)

// New читает файл с age-идентичностями (AGE-SECRET-KEY-1...) и создает backend.
func New(dir, identityFile string) (*Backend, error) {
	data, err := os.ReadFile(identityFile)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse identities: %w", err)
	}
	return &Backend{dir: dir, identities: identities}, nil
}

// NewWithIdentities создает backend с готовыми идентичностями.
func NewWithIdentities(dir string, identities ...age.Identity) *Backend {
	return &Backend{dir: dir, identities: identities}
}

func (b *Backend) Fetch(_ context.Context, secretID string) ([]byte, error) {
	if secretID == "" || strings.Contains(secretID, "..") || filepath.IsAbs(secretID) {
		return nil, fmt.Errorf("invalid secret id %q", secretID)
	}
	path := filepath.Join(b.dir, filepath.FromSlash(secretID)+".age")
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", secretID, secrets.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r, err := age.Decrypt(f, b.identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", secretID, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read decrypted %s: %w", secretID, err)
	}
	return plaintext, nil
}

// Seal шифрует plaintext для получателей и записывает его под secretID.
// Используется в тестах и при подготовке каталога секретов.
func Seal(dir, secretID string, plaintext []byte, recipients ...age.Recipient) error {
	path := filepath.Join(dir, filepath.FromSlash(secretID)+".age")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create secret dir: %w", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return fmt.Errorf("create age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize encryption: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}
