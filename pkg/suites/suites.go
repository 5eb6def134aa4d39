// Package suites defines the closed registry of cipher suites negotiable by
// the skybridge tunnel.
//
// A suite combines a key encapsulation mechanism, a signature scheme and an
// AEAD. The registry is built once at package init from explicit capability
// tables and is immutable afterwards. Only level-consistent combinations are
// registered: an ML-KEM-768 key exchange is never paired with an ML-DSA-44
// signature, so a suite's claimed NIST level holds for every primitive in it.
package suites

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/kem/mlkem/mlkem512"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"

	qerrors "github.com/pqsky/skybridge/internal/errors"
)

// DefaultSuiteID is used when configuration does not pin a suite.
const DefaultSuiteID = "cs-mlkem768-aesgcm-mldsa65"

// Wire identifiers for algorithm families. The pair (family id, parameter)
// appears in every packet header.
const (
	KemFamilyMLKEM byte = 1
	SigFamilyMLDSA byte = 1

	AeadAESGCM   byte = 1
	AeadChaCha20 byte = 2
)

// KEM describes a registered key encapsulation mechanism.
type KEM struct {
	Name   string // canonical token, e.g. "mlkem768"
	Level  int    // NIST security category: 1, 3 or 5
	ID     byte   // wire family id
	Param  byte   // wire parameter id within the family
	Scheme kem.Scheme
}

// Signature describes a registered signature scheme.
type Signature struct {
	Name   string
	Level  int
	ID     byte
	Param  byte
	Scheme sign.Scheme
}

// AEAD describes a registered authenticated cipher.
type AEAD struct {
	Name    string
	ID      byte
	KeySize int
}

// Suite is a level-consistent combination of the three primitives.
type Suite struct {
	ID    string
	Level int
	KEM   KEM
	Sig   Signature
	AEAD  AEAD
}

// HeaderIDs are the five algorithm identifier bytes carried in every packet
// header and authenticated as part of the AAD.
type HeaderIDs struct {
	KemID    byte
	KemParam byte
	SigID    byte
	SigParam byte
	AeadID   byte
}

// WireIDs returns the header identifier bytes for the suite.
func (s Suite) WireIDs() HeaderIDs {
	return HeaderIDs{
		KemID:    s.KEM.ID,
		KemParam: s.KEM.Param,
		SigID:    s.Sig.ID,
		SigParam: s.Sig.Param,
		AeadID:   s.AEAD.ID,
	}
}

// String returns the canonical suite identifier.
func (s Suite) String() string { return s.ID }

// Capability tables. Adding an algorithm means adding a row here; the suite
// matrix below is derived from these.
var (
	kems = []KEM{
		{Name: "mlkem512", Level: 1, ID: KemFamilyMLKEM, Param: 1, Scheme: mlkem512.Scheme()},
		{Name: "mlkem768", Level: 3, ID: KemFamilyMLKEM, Param: 2, Scheme: mlkem768.Scheme()},
		{Name: "mlkem1024", Level: 5, ID: KemFamilyMLKEM, Param: 3, Scheme: mlkem1024.Scheme()},
	}

	sigs = []Signature{
		{Name: "mldsa44", Level: 1, ID: SigFamilyMLDSA, Param: 1, Scheme: mldsa44.Scheme()},
		{Name: "mldsa65", Level: 3, ID: SigFamilyMLDSA, Param: 2, Scheme: mldsa65.Scheme()},
		{Name: "mldsa87", Level: 5, ID: SigFamilyMLDSA, Param: 3, Scheme: mldsa87.Scheme()},
	}

	aeads = []AEAD{
		{Name: "aesgcm", ID: AeadAESGCM, KeySize: 32},
		{Name: "chacha20poly1305", ID: AeadChaCha20, KeySize: 32},
	}
)

// Component aliases accepted in suite identifiers. Keys are normalized
// tokens (lowercase, alphanumerics only); values are canonical names.
var componentAliases = map[string]string{
	"kyber512":   "mlkem512",
	"kyber768":   "mlkem768",
	"kyber1024":  "mlkem1024",
	"dilithium2": "mldsa44",
	"dilithium3": "mldsa65",
	"dilithium5": "mldsa87",
	"aes256gcm":  "aesgcm",
	"chacha20":   "chacha20poly1305",
	"chachapoly": "chacha20poly1305",
}

var registry = buildRegistry()

func buildRegistry() map[string]Suite {
	r := make(map[string]Suite)
	for _, k := range kems {
		for _, s := range sigs {
			if s.Level != k.Level {
				continue
			}
			for _, a := range aeads {
				suite := Suite{
					ID:    SuiteID(k.Name, a.Name, s.Name),
					Level: k.Level,
					KEM:   k,
					Sig:   s,
					AEAD:  a,
				}
				r[suite.ID] = suite
			}
		}
	}
	return r
}

// SuiteID builds a canonical suite identifier from component names.
func SuiteID(kemName, aeadName, sigName string) string {
	return fmt.Sprintf("cs-%s-%s-%s", kemName, aeadName, sigName)
}

// normalizeToken lowercases and strips every non-alphanumeric character, so
// "ML-KEM-768", "mlkem768" and "MLKEM_768" all compare equal.
func normalizeToken(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func canonicalComponent(tok string) string {
	norm := normalizeToken(tok)
	if canon, ok := componentAliases[norm]; ok {
		return canon
	}
	return norm
}

// Resolve looks up a suite by identifier. Component aliases and legacy
// kyber/dilithium names are accepted; the returned Suite always carries the
// canonical identifier.
func Resolve(id string) (Suite, error) {
	parts := strings.Split(strings.TrimSpace(strings.ToLower(id)), "-")
	if len(parts) != 4 || parts[0] != "cs" {
		return Suite{}, fmt.Errorf("%w: %q", qerrors.ErrUnknownSuite, id)
	}
	canonical := SuiteID(
		canonicalComponent(parts[1]),
		canonicalComponent(parts[2]),
		canonicalComponent(parts[3]),
	)
	s, ok := registry[canonical]
	if !ok {
		return Suite{}, fmt.Errorf("%w: %q", qerrors.ErrUnknownSuite, id)
	}
	return s, nil
}

// MustResolve is Resolve for statically known identifiers; it panics on a
// registry miss.
func MustResolve(id string) Suite {
	s, err := Resolve(id)
	if err != nil {
		panic(err)
	}
	return s
}

// Default returns the default suite.
func Default() Suite {
	return MustResolve(DefaultSuiteID)
}

// List returns all registered suites ordered by identifier.
func List() []Suite {
	out := make([]Suite, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ForLevel returns the registered suites at the given NIST level, ordered by
// identifier.
func ForLevel(level int) []Suite {
	var out []Suite
	for _, s := range List() {
		if s.Level == level {
			out = append(out, s)
		}
	}
	return out
}
