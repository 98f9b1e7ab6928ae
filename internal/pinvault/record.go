package pinvault

import (
	"encoding/json"
	"fmt"

	"hotline/keycore/internal/securestore"
)

const recordVersion = 1

// Record is the device-persisted, PIN-wrapped identity secret. PublicID is
// kept in the clear so the device can show which identity it holds.
type Record struct {
	Version  int    `json:"version"`
	PublicID string `json:"publicId"`
	securestore.Envelope
}

func (r *Record) validate() error {
	if r == nil || r.Version != recordVersion || r.PublicID == "" {
		return ErrCorruptRecord
	}
	if err := r.Envelope.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	return nil
}

func marshalRecord(r *Record) ([]byte, error) {
	return json.Marshal(r)
}

func unmarshalRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return &r, nil
}
