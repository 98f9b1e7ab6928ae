package pinvault

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"

	"hotline/keycore/internal/securestore"
)

// FileStore keeps the record as a JSON file with private permissions.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: strings.TrimSpace(path)}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(_ context.Context) (*Record, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoRecord
		}
		return nil, err
	}
	return unmarshalRecord(raw)
}

func (s *FileStore) Save(_ context.Context, r *Record) error {
	raw, err := marshalRecord(r)
	if err != nil {
		return err
	}
	return securestore.WriteFileAtomic(s.path, raw)
}

func (s *FileStore) Delete(_ context.Context) error {
	return securestore.RemoveFile(s.path)
}
