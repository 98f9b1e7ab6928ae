package securestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"hotline/keycore/internal/kdf"
)

func testKey(t *testing.T, ctx Context) []byte {
	t.Helper()
	key, err := DeriveKey(bytes.Repeat([]byte{7}, 32), ctx)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	return key
}

func TestDeriveKeyIsDomainSeparated(t *testing.T) {
	secret := bytes.Repeat([]byte{1}, 32)
	notes, err := DeriveKey(secret, ContextNotes)
	if err != nil {
		t.Fatalf("derive notes key: %v", err)
	}
	drafts, err := DeriveKey(secret, ContextDrafts)
	if err != nil {
		t.Fatalf("derive drafts key: %v", err)
	}
	exports, err := DeriveKey(secret, ContextExports)
	if err != nil {
		t.Fatalf("derive exports key: %v", err)
	}
	if bytes.Equal(notes, drafts) || bytes.Equal(notes, exports) || bytes.Equal(drafts, exports) {
		t.Fatal("distinct contexts must yield distinct keys")
	}
	again, _ := DeriveKey(secret, ContextNotes)
	if !bytes.Equal(notes, again) {
		t.Fatal("derivation must be deterministic")
	}
	if len(notes) != KeySize {
		t.Fatalf("unexpected key size: %d", len(notes))
	}
}

func TestDeriveKeyRejectsEmptyInputs(t *testing.T) {
	if _, err := DeriveKey(nil, ContextNotes); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty secret, got %v", err)
	}
	if _, err := DeriveKey([]byte{1}, ""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty context, got %v", err)
	}
}

func TestSealOpenRoundtrip(t *testing.T) {
	key := testKey(t, ContextNotes)
	for _, plaintext := range [][]byte{nil, []byte("caller was safe at end of call"), bytes.Repeat([]byte("x"), 64*1024)} {
		p, err := Seal(plaintext, key)
		if err != nil {
			t.Fatalf("seal failed: %v", err)
		}
		if len(p.Nonce) != NonceSize {
			t.Fatalf("unexpected nonce size: %d", len(p.Nonce))
		}
		got, err := OpenBlob(p.Pack(), key)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatal("plaintext mismatch")
		}
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	key := testKey(t, ContextNotes)
	a, err := Seal([]byte("same"), key)
	if err != nil {
		t.Fatalf("seal a: %v", err)
	}
	b, err := Seal([]byte("same"), key)
	if err != nil {
		t.Fatalf("seal b: %v", err)
	}
	if bytes.Equal(a.Nonce, b.Nonce) || bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Fatal("two seals must not share nonce or ciphertext")
	}
}

func TestOpenDetectsEveryBitFlip(t *testing.T) {
	key := testKey(t, ContextDrafts)
	blob, err := SealBlob([]byte("note"), key)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	for i := range blob {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), blob...)
			tampered[i] ^= 1 << bit
			if _, err := OpenBlob(tampered, key); !errors.Is(err, ErrDecryptionFailed) {
				t.Fatalf("byte %d bit %d: expected ErrDecryptionFailed, got %v", i, bit, err)
			}
		}
	}
}

func TestOpenWithWrongContextFails(t *testing.T) {
	blob, err := SealBlob([]byte("note"), testKey(t, ContextNotes))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := OpenBlob(blob, testKey(t, ContextExports)); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestOpenRejectsShortBlobWithoutPanic(t *testing.T) {
	key := testKey(t, ContextNotes)
	for _, blob := range [][]byte{nil, {1, 2, 3}, make([]byte, NonceSize+Overhead-1)} {
		if _, err := OpenBlob(blob, key); !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("expected ErrDecryptionFailed for %d bytes, got %v", len(blob), err)
		}
	}
	if _, err := Open(&Payload{Nonce: []byte{1, 2, 3}, Ciphertext: make([]byte, 32)}, key); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for short nonce, got %v", err)
	}
}

func TestOpenOrPlaceholder(t *testing.T) {
	key := testKey(t, ContextNotes)
	encoded, err := SealString("hello", key)
	if err != nil {
		t.Fatalf("seal string: %v", err)
	}
	if got := OpenOrPlaceholder(encoded, key); got != "hello" {
		t.Fatalf("unexpected plaintext: %q", got)
	}
	if got := OpenOrPlaceholder(encoded, testKey(t, ContextDrafts)); got != DecryptionFailedPlaceholder {
		t.Fatalf("expected placeholder, got %q", got)
	}
	if got := OpenOrPlaceholder("%%%not-base64", key); got != DecryptionFailedPlaceholder {
		t.Fatalf("expected placeholder for garbage, got %q", got)
	}
}

func TestEnvelopeRoundtripAndHexWireFormat(t *testing.T) {
	kek := testKey(t, ContextExports)
	salt := bytes.Repeat([]byte{9}, 16)
	env, err := SealEnvelope(kek, salt, 1000, []byte("secret"))
	if err != nil {
		t.Fatalf("seal envelope: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"salt":"09090909090909090909090909090909"`) {
		t.Fatalf("salt must be hex encoded: %s", raw)
	}
	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	plain, err := OpenEnvelope(kek, &decoded)
	if err != nil {
		t.Fatalf("open envelope: %v", err)
	}
	if string(plain) != "secret" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}
}

func TestEnvelopeTamperedFailsDeterministically(t *testing.T) {
	kek := testKey(t, ContextExports)
	env, err := SealEnvelope(kek, []byte{1}, 1, []byte("secret"))
	if err != nil {
		t.Fatalf("seal envelope: %v", err)
	}
	env.Ciphertext[len(env.Ciphertext)-2] ^= 0xFF
	if _, err := OpenEnvelope(kek, env); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
	env.Nonce = env.Nonce[:12]
	if _, err := OpenEnvelope(kek, env); !errors.Is(err, ErrDecryptionFailed) || !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected malformed envelope error, got %v", err)
	}
}

func TestEnvelopeValidateCapsIterations(t *testing.T) {
	env, err := SealEnvelope(testKey(t, ContextExports), []byte{1}, 1, []byte("secret"))
	if err != nil {
		t.Fatalf("seal envelope: %v", err)
	}
	env.Iterations = kdf.MaxIterations
	if err := env.Validate(); err != nil {
		t.Fatalf("the cap itself must be accepted: %v", err)
	}
	env.Iterations = kdf.MaxIterations + 1
	if err := env.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid above the cap, got %v", err)
	}
}

func TestHexBytesRejectsNonHex(t *testing.T) {
	var h HexBytes
	if err := json.Unmarshal([]byte(`"zz"`), &h); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestWriteFileAtomicPermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	path := filepath.Join(dir, "record.json")
	if err := WriteJSON(path, map[string]int{"v": 1}); err != nil {
		t.Fatalf("write json: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != `{"v":1}` {
		t.Fatalf("unexpected content: %s", data)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files must not remain, got %d entries", len(entries))
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Fatalf("expected 0600, got %04o", perm)
		}
	}
	if err := RemoveFile(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := RemoveFile(path); err != nil {
		t.Fatalf("second remove must be a no-op: %v", err)
	}
}
