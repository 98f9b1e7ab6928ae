package backup

import (
	"regexp"
	"strings"
	"testing"
)

var recoveryKeyShape = regexp.MustCompile(`^([A-HJ-NP-Z2-9]{4}-){6}[A-HJ-NP-Z2-9]{2}$`)

func TestGenerateRecoveryKeyShape(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 32; i++ {
		key, err := GenerateRecoveryKey()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !recoveryKeyShape.MatchString(key) {
			t.Fatalf("unexpected shape: %q", key)
		}
		if !ValidRecoveryKey(key) {
			t.Fatalf("generated key does not validate: %q", key)
		}
		if _, dup := seen[key]; dup {
			t.Fatalf("duplicate key %q", key)
		}
		seen[key] = struct{}{}
	}
}

func TestNormalizeRecoveryKey(t *testing.T) {
	cases := map[string]string{
		"abcd-efgh":     "ABCDEFGH",
		" ABCD EFGH \n": "ABCDEFGH",
		"AbCd--eFgH":    "ABCDEFGH",
		"":              "",
	}
	for in, want := range cases {
		if got := NormalizeRecoveryKey(in); got != want {
			t.Fatalf("NormalizeRecoveryKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidRecoveryKeyRejects(t *testing.T) {
	for _, key := range []string{"", "ABCD", "ABCD-EFGH-JKLM-NPQR-STUV-WXYZ-2", "ABCD-EFGH-JKLM-NPQR-STUV-WXYZ-2I", "ABCD-EFGH-JKLM-NPQR-STUV-WXYZ-23AB"} {
		if ValidRecoveryKey(key) {
			t.Fatalf("expected %q to be rejected", key)
		}
	}
}

func TestValidRecoveryKeyRejectsNonCanonicalLastCharacter(t *testing.T) {
	key, err := GenerateRecoveryKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	last := key[len(key)-1]
	idx := strings.IndexByte(recoveryAlphabet, last)
	if idx < 0 || idx%4 != 0 {
		t.Fatalf("generated key must end on a canonical character: %q", key)
	}
	for pad := 1; pad < 4; pad++ {
		alt := key[:len(key)-1] + string(recoveryAlphabet[idx+pad])
		if ValidRecoveryKey(alt) {
			t.Fatalf("%q decodes to the same bytes as %q and must be rejected", alt, key)
		}
	}
	if !ValidRecoveryKey(strings.ToLower(key)) {
		t.Fatal("lower-case transcription of a canonical key must stay valid")
	}
}
