package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/bech32"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	secretHRP = "nsec"
	publicHRP = "npub"
)

var ErrInvalidFormat = errors.New("invalid key format")

// Generate creates a new identity from the system CSPRNG. It panics only when
// secure randomness is unavailable.
func Generate() *KeyPair {
	var raw [SecretSize]byte
	defer zeroBytes(raw[:])
	for {
		if _, err := rand.Read(raw[:]); err != nil {
			panic(fmt.Sprintf("identity: secure random source unavailable: %v", err))
		}
		if validScalar(raw[:]) {
			break
		}
	}
	kp, _ := FromSecret(raw[:])
	return kp
}

// FromSecret rebuilds the key pair from raw secret bytes. The input is copied.
func FromSecret(secret []byte) (*KeyPair, error) {
	if !validScalar(secret) {
		return nil, ErrInvalidFormat
	}
	kp := &KeyPair{public: derivePublicKey(secret)}
	copy(kp.secret[:], secret)
	return kp, nil
}

// Parse decodes an nsec display string. Any malformed input yields
// ErrInvalidFormat.
func Parse(secretDisplay string) (*KeyPair, error) {
	raw, err := decodeSecretDisplay(secretDisplay)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(raw)
	return FromSecret(raw)
}

// IsWellFormed checks an nsec string without deriving the public key.
func IsWellFormed(secretDisplay string) bool {
	raw, err := decodeSecretDisplay(secretDisplay)
	if err != nil {
		return false
	}
	zeroBytes(raw)
	return true
}

func decodeSecretDisplay(secretDisplay string) ([]byte, error) {
	hrp, data, err := bech32.DecodeToBase256(strings.TrimSpace(secretDisplay))
	if err != nil || hrp != secretHRP || !validScalar(data) {
		zeroBytes(data)
		return nil, ErrInvalidFormat
	}
	return data, nil
}

// SecretDisplay is the nsec transcription form. Never persist it.
func (k *KeyPair) SecretDisplay() string {
	out, err := bech32.EncodeFromBase256(secretHRP, k.secret[:])
	if err != nil {
		return ""
	}
	return out
}

func (k *KeyPair) PublicDisplay() string {
	out, err := bech32.EncodeFromBase256(publicHRP, k.public[:])
	if err != nil {
		return ""
	}
	return out
}

// ParsePublicDisplay converts an npub string to the hex public id.
func ParsePublicDisplay(publicDisplay string) (string, error) {
	hrp, data, err := bech32.DecodeToBase256(strings.TrimSpace(publicDisplay))
	if err != nil || hrp != publicHRP {
		return "", ErrInvalidFormat
	}
	if err := validatePublicKey(data); err != nil {
		return "", err
	}
	return hex.EncodeToString(data), nil
}

// EncodePublicID converts a hex public id to its npub display form.
func EncodePublicID(publicID string) (string, error) {
	raw, err := DecodePublicID(publicID)
	if err != nil {
		return "", err
	}
	out, err := bech32.EncodeFromBase256(publicHRP, raw)
	if err != nil {
		return "", ErrInvalidFormat
	}
	return out, nil
}

// DecodePublicID parses and validates a hex public id.
func DecodePublicID(publicID string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(publicID))
	if err != nil {
		return nil, ErrInvalidFormat
	}
	if err := validatePublicKey(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func ValidPublicID(publicID string) bool {
	_, err := DecodePublicID(publicID)
	return err == nil
}

// validatePublicKey checks that raw is the x coordinate of a curve point.
// The x-only form drops the y parity, so it is lifted with the even prefix.
func validatePublicKey(raw []byte) error {
	if len(raw) != PublicKeySize {
		return ErrInvalidFormat
	}
	compressed := make([]byte, 0, PublicKeySize+1)
	compressed = append(compressed, secp256k1.PubKeyFormatCompressedEven)
	compressed = append(compressed, raw...)
	if _, err := secp256k1.ParsePubKey(compressed); err != nil {
		return ErrInvalidFormat
	}
	return nil
}
