package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ardentnet/nostr-ratchet/internal/securestore"
)

// File is an Adapter that serializes the whole key space to a single JSON
// file, optionally encrypted at rest, mirroring the teacher's
// FileSessionStore load-all/write-all pattern.
type File struct {
	mu     sync.Mutex
	path   string
	secret string
}

func NewFile(path string) *File {
	return &File{path: path}
}

func NewEncryptedFile(path, passphrase string) *File {
	return &File{path: path, secret: passphrase}
}

func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.loadAllLocked()
	if err != nil {
		return "", false, err
	}
	v, ok := all[key]
	return v, ok, nil
}

func (f *File) Put(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.loadAllLocked()
	if err != nil {
		return err
	}
	all[key] = value
	return f.writeAllLocked(all)
}

func (f *File) Del(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.loadAllLocked()
	if err != nil {
		return err
	}
	delete(all, key)
	return f.writeAllLocked(all)
}

func (f *File) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.loadAllLocked()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for k := range all {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *File) loadAllLocked() (map[string]string, error) {
	result := make(map[string]string)
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return result, nil
	}

	decoded := data
	if f.secret != "" {
		plain, err := securestore.Decrypt(f.secret, data)
		if err != nil {
			if errors.Is(err, securestore.ErrLegacyData) {
				decoded = data
			} else {
				return nil, err
			}
		} else {
			decoded = plain
		}
	}

	if err := json.Unmarshal(decoded, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (f *File) writeAllLocked(all map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(all)
	if err != nil {
		return err
	}
	if f.secret != "" {
		data, err = securestore.Encrypt(f.secret, data)
		if err != nil {
			return err
		}
	}
	return os.WriteFile(f.path, data, 0o600)
}
