package handshake

import (
	"fmt"

	"github.com/cloudflare/circl/sign"

	qerrors "github.com/pqsky/skybridge/internal/errors"
)

// Identity is the responder's long-term signing key pair. The drone ships
// with only the matching VerifyKey; it never holds the private half.
type Identity struct {
	Scheme  sign.Scheme
	Public  sign.PublicKey
	Private sign.PrivateKey
}

// VerifyKey is the public half of a responder identity.
type VerifyKey struct {
	Scheme sign.Scheme
	Public sign.PublicKey
}

// NewIdentity generates a fresh signing key pair for the scheme.
func NewIdentity(scheme sign.Scheme) (*Identity, error) {
	pub, priv, err := scheme.GenerateKey()
	if err != nil {
		return nil, qerrors.NewCryptoError("NewIdentity", err)
	}
	return &Identity{Scheme: scheme, Public: pub, Private: priv}, nil
}

// IdentityFromSeed deterministically derives a signing key pair. Deployments
// provision the responder with a seed so the key survives restarts without
// storing the expanded private key.
func IdentityFromSeed(scheme sign.Scheme, seed []byte) (*Identity, error) {
	if len(seed) != scheme.SeedSize() {
		return nil, qerrors.NewCryptoError("IdentityFromSeed",
			fmt.Errorf("seed must be %d bytes, got %d", scheme.SeedSize(), len(seed)))
	}
	pub, priv := scheme.DeriveKey(seed)
	return &Identity{Scheme: scheme, Public: pub, Private: priv}, nil
}

// VerifyKey returns the public half of the identity.
func (id *Identity) VerifyKey() VerifyKey {
	return VerifyKey{Scheme: id.Scheme, Public: id.Public}
}

// PublicBytes returns the encoded public key for distribution to initiators.
func (id *Identity) PublicBytes() ([]byte, error) {
	b, err := id.Public.MarshalBinary()
	if err != nil {
		return nil, qerrors.NewCryptoError("PublicBytes", err)
	}
	return b, nil
}

// VerifyKeyFromBytes decodes a distributed responder public key.
func VerifyKeyFromBytes(scheme sign.Scheme, b []byte) (VerifyKey, error) {
	pub, err := scheme.UnmarshalBinaryPublicKey(b)
	if err != nil {
		return VerifyKey{}, qerrors.NewCryptoError("VerifyKeyFromBytes", err)
	}
	return VerifyKey{Scheme: scheme, Public: pub}, nil
}
