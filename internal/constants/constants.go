// Package constants defines wire format constants and protocol limits for the
// skybridge secure tunnel.
//
// The wire formats here are fixed: changing any of them breaks interoperability
// with deployed peers. New behavior is introduced by bumping WireVersion.
package constants

import "time"

// Protocol version and identification
const (
	// WireVersion is the single-byte protocol version carried in every
	// packet header and in the server hello.
	WireVersion byte = 0x01

	// ProtocolName is used for domain separation in handshake transcripts.
	ProtocolName = "skybridge:v1"

	// HKDFSalt is the fixed salt for transport key derivation.
	HKDFSalt = "skybridge|hkdf|v1"

	// KDFInfoPrefix prefixes the HKDF info string for transport keys.
	KDFInfoPrefix = "skybridge:kdf:v1|"
)

// Packet header layout. The header is authenticated verbatim as AAD and the
// nonce is reconstructed from it on the receive side, so nothing here may be
// reordered or resized.
//
//	offset 0   version    (1 byte)
//	offset 1   kem id     (1 byte)
//	offset 2   kem param  (1 byte)
//	offset 3   sig id     (1 byte)
//	offset 4   sig param  (1 byte)
//	offset 5   aead id    (1 byte)
//	offset 6   session id (8 bytes)
//	offset 14  sequence   (8 bytes, big endian)
//	offset 22  epoch      (1 byte)
const (
	// HeaderSize is the fixed size of the packet header in bytes.
	HeaderSize = 23

	// SessionIDSize is the size of the per-handshake session identifier.
	SessionIDSize = 8

	// ChallengeSize is the size of the responder's handshake challenge.
	ChallengeSize = 8
)

// AEAD parameters. Both registered AEADs use a 96-bit nonce and 128-bit tag.
const (
	// AEADKeySize is the size of transport keys in bytes (AES-256 and ChaCha20).
	AEADKeySize = 32

	// AEADNonceSize is the nonce size in bytes for both registered AEADs.
	AEADNonceSize = 12

	// AEADTagSize is the authentication tag size in bytes.
	AEADTagSize = 16
)

// Key derivation parameters
const (
	// TransportKeyMaterial is the total HKDF output: two direction keys.
	TransportKeyMaterial = 2 * AEADKeySize

	// TranscriptHashSize is the size of the SHA3-256 handshake transcript hash.
	TranscriptHashSize = 32

	// AuthTagSize is the size of the HMAC-SHA256 initiator authentication tag.
	AuthTagSize = 32
)

// Sequence and epoch limits
const (
	// DefaultSeqLimit is the sequence value at which a sender demands a rekey.
	// Well below the 2^64 wire limit so negotiation completes before exhaustion.
	DefaultSeqLimit uint64 = 1<<48 - 1

	// DefaultReplayWindow is the default replay window size in packets.
	DefaultReplayWindow = 1024

	// MinReplayWindow is the smallest permitted replay window.
	MinReplayWindow = 64

	// DefaultEpochGrace is how long packets from the previous epoch are still
	// accepted after a rekey installs a new one.
	DefaultEpochGrace = 2 * time.Second
)

// Message size limits
const (
	// MaxPlaintextSize is the largest application datagram the proxy forwards.
	MaxPlaintextSize = 65507 - HeaderSize - AEADTagSize

	// MaxDatagramSize is the read buffer size for both UDP sockets.
	MaxDatagramSize = 65535

	// MaxHandshakeMessage bounds a single length-prefixed handshake message.
	// Sized for ML-KEM-1024 public keys plus ML-DSA-87 signatures with margin.
	MaxHandshakeMessage = 16384

	// MaxControlLine bounds a single JSON line on the control channel.
	MaxControlLine = 4096
)

// Timeouts and intervals
const (
	// DefaultHandshakeTimeout bounds the initial handshake exchange.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultRekeyTimeout bounds a rekey handshake; on expiry the current
	// epoch stays in service.
	DefaultRekeyTimeout = 5 * time.Second

	// DefaultControlTimeout is the per-state control negotiation timeout.
	DefaultControlTimeout = 3 * time.Second

	// DefaultStatusInterval is how often the status snapshot file is rewritten.
	DefaultStatusInterval = 1 * time.Second
)

// Handshake rate limiting defaults for the responder accept gate.
const (
	// DefaultHandshakeRate is the sustained handshakes-per-second allowance
	// per source IP.
	DefaultHandshakeRate = 1.0

	// DefaultHandshakeBurst is the per-IP token bucket capacity.
	DefaultHandshakeBurst = 5
)

// Role identifies which end of the tunnel this process is.
type Role string

const (
	// RoleDrone is the handshake initiator.
	RoleDrone Role = "drone"

	// RoleGCS is the handshake responder (ground control station).
	RoleGCS Role = "gcs"
)

// Valid reports whether the role is one of the two defined endpoints.
func (r Role) Valid() bool {
	return r == RoleDrone || r == RoleGCS
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleDrone {
		return RoleGCS
	}
	return RoleDrone
}
