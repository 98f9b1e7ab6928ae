// Package privacylog wraps slog handlers so key material never reaches the
// log and identity values only appear as per-process fingerprints.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	sensitiveKeyParts = []string{
		"pin", "secret", "nsec", "token", "recovery", "password", "passphrase", "authorization", "kek", "proof",
	}
	fingerprintKeys = map[string]struct{}{
		"pubkey":      {},
		"public_id":   {},
		"identity_id": {},
		"call_id":     {},
	}
	// Values that look like secret display strings are redacted whatever
	// their key.
	sensitiveValuePrefixes = []string{"nsec1"}
)

// Handler sanitizes attributes before passing records on. Fingerprints are
// salted per Handler, so they correlate within one process only.
type Handler struct {
	next slog.Handler
	salt string
}

func NewHandler(next slog.Handler) *Handler {
	if next == nil {
		return nil
	}
	return &Handler{next: next, salt: randomSalt()}
}

// New builds a JSON logger on w at level, wrapped in a Handler.
func New(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(NewHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.sanitize(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		clean = append(clean, h.sanitize(attr))
	}
	return &Handler{next: h.next.WithAttrs(clean), salt: h.salt}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name), salt: h.salt}
}

// Fingerprint returns the salted short hash used in place of an identity
// value.
func (h *Handler) Fingerprint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + h.salt))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func (h *Handler) sanitize(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lower := strings.ToLower(key)
	value := attr.Value.Resolve()

	switch {
	case isSensitiveKey(lower):
		return slog.String(key, redactedValue)
	case isFingerprintKey(lower):
		return slog.String(key+"_fp", h.Fingerprint(valueString(value)))
	case value.Kind() == slog.KindGroup:
		group := value.Group()
		clean := make([]any, 0, len(group))
		for _, a := range group {
			clean = append(clean, h.sanitize(a))
		}
		return slog.Group(key, clean...)
	case value.Kind() == slog.KindString && looksSensitive(value.String()):
		return slog.String(key, redactedValue)
	}
	return slog.Attr{Key: key, Value: value}
}

func isSensitiveKey(key string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func isFingerprintKey(key string) bool {
	_, ok := fingerprintKeys[key]
	return ok
}

func looksSensitive(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, p := range sensitiveValuePrefixes {
		if strings.Contains(v, p) {
			return true
		}
	}
	return false
}

func valueString(v slog.Value) string {
	if v.Kind() == slog.KindString {
		return v.String()
	}
	return fmt.Sprint(v.Any())
}

func randomSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_salt"
	}
	return hex.EncodeToString(buf)
}
