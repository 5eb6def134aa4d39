package suites

import (
	"testing"

	qerrors "github.com/pqsky/skybridge/internal/errors"
)

func TestRegistryIsLevelConsistent(t *testing.T) {
	all := List()
	if len(all) != 6 {
		t.Fatalf("expected 6 suites, got %d", len(all))
	}
	for _, s := range all {
		if s.KEM.Level != s.Sig.Level {
			t.Errorf("suite %s pairs KEM level %d with signature level %d", s.ID, s.KEM.Level, s.Sig.Level)
		}
		if s.Level != s.KEM.Level {
			t.Errorf("suite %s claims level %d but KEM is level %d", s.ID, s.Level, s.KEM.Level)
		}
	}
}

func TestResolveCanonical(t *testing.T) {
	s, err := Resolve("cs-mlkem768-aesgcm-mldsa65")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.ID != "cs-mlkem768-aesgcm-mldsa65" {
		t.Errorf("unexpected id %q", s.ID)
	}
	if s.Level != 3 {
		t.Errorf("expected level 3, got %d", s.Level)
	}
	if s.KEM.Scheme == nil || s.Sig.Scheme == nil {
		t.Error("suite is missing scheme bindings")
	}
}

func TestResolveAliases(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"cs-kyber768-aesgcm-dilithium3", "cs-mlkem768-aesgcm-mldsa65"},
		{"cs-kyber512-chacha20-dilithium2", "cs-mlkem512-chacha20poly1305-mldsa44"},
		{"CS-MLKEM1024-AES256GCM-MLDSA87", "cs-mlkem1024-aesgcm-mldsa87"},
		{"cs-mlkem768-chachapoly-mldsa65", "cs-mlkem768-chacha20poly1305-mldsa65"},
	}
	for _, tt := range tests {
		s, err := Resolve(tt.in)
		if err != nil {
			t.Errorf("Resolve(%q): %v", tt.in, err)
			continue
		}
		if s.ID != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.in, s.ID, tt.want)
		}
	}
}

func TestResolveRejectsUnknownAndMismatched(t *testing.T) {
	tests := []string{
		"",
		"mlkem768",
		"cs-mlkem768-aesgcm",
		"cs-frodo640-aesgcm-mldsa65",
		"cs-mlkem768-aesgcm-mldsa44", // level 3 KEM with level 1 signature
		"cs-mlkem512-aesgcm-mldsa87",
	}
	for _, id := range tests {
		if _, err := Resolve(id); !qerrors.Is(err, qerrors.ErrUnknownSuite) {
			t.Errorf("Resolve(%q) = %v, want ErrUnknownSuite", id, err)
		}
	}
}

func TestWireIDs(t *testing.T) {
	s := MustResolve("cs-mlkem1024-chacha20poly1305-mldsa87")
	ids := s.WireIDs()
	if ids.KemID != KemFamilyMLKEM || ids.KemParam != 3 {
		t.Errorf("unexpected KEM ids %+v", ids)
	}
	if ids.SigID != SigFamilyMLDSA || ids.SigParam != 3 {
		t.Errorf("unexpected signature ids %+v", ids)
	}
	if ids.AeadID != AeadChaCha20 {
		t.Errorf("unexpected AEAD id %d", ids.AeadID)
	}
}

func TestForLevel(t *testing.T) {
	for _, level := range []int{1, 3, 5} {
		got := ForLevel(level)
		if len(got) != 2 {
			t.Errorf("ForLevel(%d) returned %d suites, want 2", level, len(got))
		}
	}
	if got := ForLevel(2); len(got) != 0 {
		t.Errorf("ForLevel(2) returned %d suites, want 0", len(got))
	}
}

func TestDefaultSuite(t *testing.T) {
	s := Default()
	if s.ID != DefaultSuiteID {
		t.Errorf("Default() = %q, want %q", s.ID, DefaultSuiteID)
	}
	if s.AEAD.KeySize != 32 {
		t.Errorf("default AEAD key size = %d, want 32", s.AEAD.KeySize)
	}
}
