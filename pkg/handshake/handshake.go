package handshake

import (
	"fmt"
	"time"

	"github.com/cloudflare/circl/kem"

	"github.com/pqsky/skybridge/internal/constants"
	qerrors "github.com/pqsky/skybridge/internal/errors"
	"github.com/pqsky/skybridge/pkg/crypto"
	"github.com/pqsky/skybridge/pkg/suites"
)

// Timings captures per-primitive durations and artifact sizes for one
// handshake. Surfaced through the proxy status snapshot so operators can
// compare suites in the field.
type Timings struct {
	KemKeygen time.Duration `json:"kem_keygen_ns"`
	KemEncaps time.Duration `json:"kem_encaps_ns"`
	KemDecaps time.Duration `json:"kem_decaps_ns"`
	SigSign   time.Duration `json:"sig_sign_ns"`
	SigVerify time.Duration `json:"sig_verify_ns"`
	Total     time.Duration `json:"total_ns"`

	PublicKeyBytes    int `json:"kem_pub_bytes"`
	CiphertextBytes   int `json:"kem_ct_bytes"`
	SignatureBytes    int `json:"sig_bytes"`
	SharedSecretBytes int `json:"shared_secret_bytes"`
}

// SessionKeys are the directional transport keys derived from a completed
// handshake. SendKey protects traffic from this role to the peer.
type SessionKeys struct {
	SessionID [constants.SessionIDSize]byte
	SendKey   []byte
	RecvKey   []byte
}

// Zeroize erases both keys.
func (k *SessionKeys) Zeroize() {
	crypto.ZeroizeMultiple(k.SendKey, k.RecvKey)
}

// ServerEphemeral holds the responder's per-handshake KEM state. The
// decapsulation key never leaves this struct and is dropped as soon as the
// shared secret is recovered.
type ServerEphemeral struct {
	Hello   *ServerHello
	Wire    []byte
	kemPriv kem.PrivateKey
	scheme  kem.Scheme
}

// BuildServerHello generates a fresh KEM key pair for the suite, signs the
// transcript with the responder identity and returns the ephemeral state
// plus the encoded hello. Timings, if non-nil, receives the keygen and sign
// durations.
func BuildServerHello(suite suites.Suite, id *Identity, t *Timings) (*ServerEphemeral, error) {
	if id == nil || id.Private == nil {
		return nil, qerrors.NewProtocolError("handshake", fmt.Errorf("missing signing identity"))
	}
	if id.Scheme != suite.Sig.Scheme {
		return nil, qerrors.NewProtocolError("handshake",
			fmt.Errorf("identity scheme %s does not match suite %s", id.Scheme.Name(), suite.ID))
	}

	start := time.Now()
	kemPub, kemPriv, err := suite.KEM.Scheme.GenerateKeyPair()
	if err != nil {
		return nil, qerrors.NewCryptoError("BuildServerHello", err)
	}
	keygen := time.Since(start)

	pubBytes, err := kemPub.MarshalBinary()
	if err != nil {
		return nil, qerrors.NewCryptoError("BuildServerHello", err)
	}

	hello := &ServerHello{
		Version: constants.WireVersion,
		KemName: suite.KEM.Name,
		SigName: suite.Sig.Name,
	}
	if err := crypto.SecureRandom(hello.SessionID[:]); err != nil {
		return nil, err
	}
	if err := crypto.SecureRandom(hello.Challenge[:]); err != nil {
		return nil, err
	}
	hello.KemPublic = pubBytes

	start = time.Now()
	hello.Signature = suite.Sig.Scheme.Sign(id.Private, hello.Transcript(), nil)
	signDur := time.Since(start)

	wire, err := hello.Marshal()
	if err != nil {
		return nil, err
	}

	if t != nil {
		t.KemKeygen = keygen
		t.SigSign = signDur
		t.PublicKeyBytes = len(pubBytes)
		t.SignatureBytes = len(hello.Signature)
	}

	return &ServerEphemeral{
		Hello:   hello,
		Wire:    wire,
		kemPriv: kemPriv,
		scheme:  suite.KEM.Scheme,
	}, nil
}

// ParseAndVerifyServerHello decodes a hello, enforces the pinned suite and
// checks the responder signature. Any format defect returns
// ErrHandshakeFormat; a wrong suite returns ErrSuitePinned; a bad signature
// returns ErrHandshakeVerify.
func ParseAndVerifyServerHello(wire []byte, suite suites.Suite, verifyKey VerifyKey, t *Timings) (*ServerHello, error) {
	hello, err := ParseServerHello(wire)
	if err != nil {
		return nil, err
	}
	if hello.Version != constants.WireVersion {
		return nil, fmt.Errorf("%w: version %d", qerrors.ErrHandshakeFormat, hello.Version)
	}
	if hello.KemName != suite.KEM.Name || hello.SigName != suite.Sig.Name {
		return nil, fmt.Errorf("%w: offered %s/%s", qerrors.ErrSuitePinned, hello.KemName, hello.SigName)
	}
	if len(hello.KemPublic) != suite.KEM.Scheme.PublicKeySize() {
		return nil, fmt.Errorf("%w: kem public key size", qerrors.ErrHandshakeFormat)
	}

	start := time.Now()
	ok := suite.Sig.Scheme.Verify(verifyKey.Public, hello.Transcript(), hello.Signature, nil)
	verify := time.Since(start)
	if !ok {
		return nil, fmt.Errorf("%w: responder signature", qerrors.ErrHandshakeVerify)
	}

	if t != nil {
		t.SigVerify = verify
		t.PublicKeyBytes = len(hello.KemPublic)
		t.SignatureBytes = len(hello.Signature)
	}
	return hello, nil
}

// ClientEncapsulate runs KEM encapsulation against the hello's public key.
func ClientEncapsulate(hello *ServerHello, suite suites.Suite, t *Timings) (ct, sharedSecret []byte, err error) {
	pub, err := suite.KEM.Scheme.UnmarshalBinaryPublicKey(hello.KemPublic)
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("ClientEncapsulate", err)
	}

	start := time.Now()
	ct, ss, err := suite.KEM.Scheme.Encapsulate(pub)
	if err != nil {
		return nil, nil, qerrors.NewCryptoError("ClientEncapsulate", err)
	}
	if t != nil {
		t.KemEncaps = time.Since(start)
		t.CiphertextBytes = len(ct)
		t.SharedSecretBytes = len(ss)
	}
	return ct, ss, nil
}

// Decapsulate recovers the shared secret and drops the ephemeral private
// key so a later compromise cannot unwind this epoch.
func (e *ServerEphemeral) Decapsulate(ct []byte, t *Timings) ([]byte, error) {
	if e.kemPriv == nil {
		return nil, qerrors.NewProtocolError("handshake", fmt.Errorf("ephemeral key already consumed"))
	}
	if len(ct) != e.scheme.CiphertextSize() {
		return nil, fmt.Errorf("%w: kem ciphertext size", qerrors.ErrHandshakeFormat)
	}

	start := time.Now()
	ss, err := e.scheme.Decapsulate(e.kemPriv, ct)
	e.kemPriv = nil
	if err != nil {
		return nil, qerrors.NewCryptoError("Decapsulate", err)
	}
	if t != nil {
		t.KemDecaps = time.Since(start)
		t.CiphertextBytes = len(ct)
		t.SharedSecretBytes = len(ss)
	}
	return ss, nil
}

// DeriveTransportKeys expands the shared secret into the two directional
// transport keys. The HKDF info string binds the suite identifier and the
// SHA3-256 hash of the hello wire bytes, so keys from different suites,
// sessions or transcripts never collide.
func DeriveTransportKeys(role constants.Role, sharedSecret, helloWire []byte, suite suites.Suite) (SessionKeys, error) {
	if !role.Valid() {
		return SessionKeys{}, qerrors.NewProtocolError("handshake", fmt.Errorf("invalid role %q", role))
	}

	th := crypto.TranscriptHash(helloWire)
	info := make([]byte, 0, len(constants.KDFInfoPrefix)+len(suite.ID)+1+len(th))
	info = append(info, constants.KDFInfoPrefix...)
	info = append(info, suite.ID...)
	info = append(info, '|')
	info = append(info, th...)

	okm, err := crypto.HKDF(sharedSecret, []byte(constants.HKDFSalt), info, constants.TransportKeyMaterial)
	if err != nil {
		return SessionKeys{}, err
	}

	droneToGcs := okm[:constants.AEADKeySize]
	gcsToDrone := okm[constants.AEADKeySize:]

	hello, err := ParseServerHello(helloWire)
	if err != nil {
		return SessionKeys{}, err
	}

	keys := SessionKeys{SessionID: hello.SessionID}
	if role == constants.RoleDrone {
		keys.SendKey = droneToGcs
		keys.RecvKey = gcsToDrone
	} else {
		keys.SendKey = gcsToDrone
		keys.RecvKey = droneToGcs
	}
	return keys, nil
}
