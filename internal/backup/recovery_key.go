package backup

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
)

// Recovery keys use a base32 alphabet without I, O, 0 and 1.
const (
	recoveryAlphabet  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	recoveryKeyBytes  = 16
	recoveryGroupSize = 4
)

var recoveryEncoding = base32.NewEncoding(recoveryAlphabet).WithPadding(base32.NoPadding)

var ErrInvalidRecoveryKey = errors.New("invalid recovery key")

// GenerateRecoveryKey returns 128 random bits as dash-separated groups of
// four, e.g. "ABCD-EFGH-JKLM-NPQR-STUV-WXYZ-2A".
func GenerateRecoveryKey() (string, error) {
	raw := make([]byte, recoveryKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("recovery key: %w", err)
	}
	return formatRecoveryKey(recoveryEncoding.EncodeToString(raw)), nil
}

// NormalizeRecoveryKey drops separators and whitespace and upper-cases the
// rest, so transcription differences do not matter.
func NormalizeRecoveryKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r == '-' || r == ' ' || r == '\t' || r == '\n' || r == '\r':
			continue
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidRecoveryKey reports whether key, after normalization, is the canonical
// encoding of exactly 128 bits. The last character carries two unused bits
// which must be zero, so a mistyped final character is caught here instead of
// surfacing as a decryption failure.
func ValidRecoveryKey(key string) bool {
	normalized := NormalizeRecoveryKey(key)
	raw, err := recoveryEncoding.DecodeString(normalized)
	return err == nil && len(raw) == recoveryKeyBytes && recoveryEncoding.EncodeToString(raw) == normalized
}

func formatRecoveryKey(normalized string) string {
	var b strings.Builder
	for i, r := range normalized {
		if i > 0 && i%recoveryGroupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}
