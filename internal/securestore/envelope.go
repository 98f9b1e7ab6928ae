package securestore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"hotline/keycore/internal/kdf"
)

// Envelope wraps a secret under a password-derived key-encryption key. The
// KDF salt and iteration count travel with the ciphertext so records keep
// opening after the default policy changes.
type Envelope struct {
	Salt       HexBytes `json:"salt"`
	Iterations int      `json:"iterations"`
	Nonce      HexBytes `json:"nonce"`
	Ciphertext HexBytes `json:"ciphertext"`
}

// SealEnvelope encrypts plaintext under kek with a fresh nonce. salt and
// iterations are the parameters kek was derived with.
func SealEnvelope(kek, salt []byte, iterations int, plaintext []byte) (*Envelope, error) {
	p, err := Seal(plaintext, kek)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Salt:       append(HexBytes(nil), salt...),
		Iterations: iterations,
		Nonce:      p.Nonce,
		Ciphertext: p.Ciphertext,
	}, nil
}

func OpenEnvelope(kek []byte, env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	return Open(&Payload{Nonce: env.Nonce, Ciphertext: env.Ciphertext}, kek)
}

// Validate checks shape only; integrity is enforced by OpenEnvelope.
func (e *Envelope) Validate() error {
	switch {
	case e == nil:
		return ErrInvalid
	case len(e.Salt) == 0:
		return fmt.Errorf("%w: missing salt", ErrInvalid)
	case e.Iterations <= 0:
		return fmt.Errorf("%w: iterations must be positive", ErrInvalid)
	case e.Iterations > kdf.MaxIterations:
		return fmt.Errorf("%w: iterations above %d", ErrInvalid, kdf.MaxIterations)
	case len(e.Nonce) != NonceSize:
		return fmt.Errorf("%w: nonce must be %d bytes", ErrInvalid, NonceSize)
	case len(e.Ciphertext) < Overhead:
		return fmt.Errorf("%w: ciphertext too short", ErrInvalid)
	}
	return nil
}

// HexBytes marshals as a lowercase hex JSON string.
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	*h = raw
	return nil
}
