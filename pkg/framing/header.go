// Package framing implements the authenticated packet layer of the tunnel.
//
// Every datagram is a fixed 23-byte header followed by AEAD ciphertext and
// tag. The header travels in the clear but is bound as associated data, and
// the nonce is reconstructed from the epoch and sequence fields, so nothing
// random needs to be carried on the wire.
package framing

import (
	"encoding/binary"

	"github.com/pqsky/skybridge/internal/constants"
	qerrors "github.com/pqsky/skybridge/internal/errors"
	"github.com/pqsky/skybridge/pkg/suites"
)

// Header is the per-packet header.
//
//	 0                   1                   2
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2
//	+-+-+-+-+-+-+---------------+---------------+-+
//	|V|K|k|S|s|A|  session id   |   sequence    |E|
//	+-+-+-+-+-+-+---------------+---------------+-+
//	 V = version, K/k = kem family/param, S/s = sig family/param,
//	 A = aead id, E = epoch low byte
type Header struct {
	Version   byte
	IDs       suites.HeaderIDs
	SessionID [constants.SessionIDSize]byte
	Seq       uint64
	Epoch     byte
}

// Marshal serializes the header into its fixed wire layout.
func (h Header) Marshal() [constants.HeaderSize]byte {
	var b [constants.HeaderSize]byte
	b[0] = h.Version
	b[1] = h.IDs.KemID
	b[2] = h.IDs.KemParam
	b[3] = h.IDs.SigID
	b[4] = h.IDs.SigParam
	b[5] = h.IDs.AeadID
	copy(b[6:14], h.SessionID[:])
	binary.BigEndian.PutUint64(b[14:22], h.Seq)
	b[22] = h.Epoch
	return b
}

// ParseHeader reads a header from the front of a packet.
func ParseHeader(pkt []byte) (Header, error) {
	if len(pkt) < constants.HeaderSize+constants.AEADTagSize {
		return Header{}, qerrors.ErrPacketTooShort
	}
	var h Header
	h.Version = pkt[0]
	h.IDs = suites.HeaderIDs{
		KemID:    pkt[1],
		KemParam: pkt[2],
		SigID:    pkt[3],
		SigParam: pkt[4],
		AeadID:   pkt[5],
	}
	copy(h.SessionID[:], pkt[6:14])
	h.Seq = binary.BigEndian.Uint64(pkt[14:22])
	h.Epoch = pkt[22]
	return h, nil
}

// nonce builds the deterministic 96-bit nonce for (epoch, seq). Uniqueness
// holds because every epoch installs a fresh key and the sender never reuses
// a sequence number within an epoch.
func nonce(epoch byte, seq uint64) [constants.AEADNonceSize]byte {
	var n [constants.AEADNonceSize]byte
	n[0] = epoch
	binary.BigEndian.PutUint64(n[4:12], seq)
	return n
}
