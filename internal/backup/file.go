package backup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"hotline/keycore/internal/identity"
	"hotline/keycore/internal/securestore"
)

const (
	FormatTag   = "hotline-key-backup"
	FileVersion = 1
)

var ErrInvalidFormat = errors.New("invalid backup file")

// File is the portable backup. Encrypted is always present; Recovery only
// when a recovery key was supplied at creation.
type File struct {
	Version   int                   `json:"version"`
	Format    string                `json:"format"`
	PublicID  string                `json:"publicId"`
	CreatedAt time.Time             `json:"createdAt"`
	Encrypted securestore.Envelope  `json:"encrypted"`
	Recovery  *securestore.Envelope `json:"recoveryKey,omitempty"`
}

func (f *File) HasRecovery() bool {
	return f != nil && f.Recovery != nil
}

func (f *File) Marshal() ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(f, "", "  ")
}

// Read parses a backup file. version and format are checked before anything
// else is decoded, and no partially populated File is ever returned.
func Read(data []byte) (*File, error) {
	var header struct {
		Version *int    `json:"version"`
		Format  *string `json:"format"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if header.Version == nil || *header.Version != FileVersion {
		return nil, fmt.Errorf("%w: unsupported version", ErrInvalidFormat)
	}
	if header.Format == nil || *header.Format != FormatTag {
		return nil, fmt.Errorf("%w: unknown format tag", ErrInvalidFormat)
	}

	var f File
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	switch {
	case f.Version != FileVersion:
		return fmt.Errorf("%w: unsupported version", ErrInvalidFormat)
	case f.Format != FormatTag:
		return fmt.Errorf("%w: unknown format tag", ErrInvalidFormat)
	case !identity.ValidPublicID(f.PublicID):
		return fmt.Errorf("%w: bad publicId", ErrInvalidFormat)
	case f.CreatedAt.IsZero():
		return fmt.Errorf("%w: missing createdAt", ErrInvalidFormat)
	}
	if err := f.Encrypted.Validate(); err != nil {
		return fmt.Errorf("%w: encrypted: %v", ErrInvalidFormat, err)
	}
	if f.Recovery != nil {
		if err := f.Recovery.Validate(); err != nil {
			return fmt.Errorf("%w: recoveryKey: %v", ErrInvalidFormat, err)
		}
	}
	return nil
}

// WriteFile stores the backup with owner-only permissions.
func WriteFile(path string, f *File) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	return securestore.WriteFileAtomic(path, data)
}

func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Read(data)
}
