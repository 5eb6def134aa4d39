package framing

import (
	"crypto/cipher"
	"sync"

	"github.com/pqsky/skybridge/internal/constants"
	qerrors "github.com/pqsky/skybridge/internal/errors"
	"github.com/pqsky/skybridge/pkg/crypto"
	"github.com/pqsky/skybridge/pkg/suites"
)

// Params configures one epoch's send or receive state. Key is the 32-byte
// transport key for this direction; the caller may zeroize it after the
// constructor returns.
type Params struct {
	IDs       suites.HeaderIDs
	SessionID [constants.SessionIDSize]byte
	Epoch     uint64
	Key       []byte

	// SeqLimit is the sequence value at which Encrypt starts demanding a
	// rekey. Zero selects constants.DefaultSeqLimit. Sender only.
	SeqLimit uint64

	// Window is the replay window size in packets. Zero selects
	// constants.DefaultReplayWindow. Receiver only.
	Window int
}

// Sender encrypts outbound datagrams for a single epoch. Safe for
// concurrent use, though the proxy drives it from one goroutine.
type Sender struct {
	mu       sync.Mutex
	aead     cipher.AEAD
	ids      suites.HeaderIDs
	session  [constants.SessionIDSize]byte
	epoch    uint64
	seq      uint64
	seqLimit uint64
}

// NewSender builds the send state for an epoch.
func NewSender(p Params) (*Sender, error) {
	aead, err := crypto.NewAEAD(p.IDs.AeadID, p.Key)
	if err != nil {
		return nil, err
	}
	limit := p.SeqLimit
	if limit == 0 {
		limit = constants.DefaultSeqLimit
	}
	return &Sender{
		aead:     aead,
		ids:      p.IDs,
		session:  p.SessionID,
		epoch:    p.Epoch,
		seqLimit: limit,
	}, nil
}

// Encrypt seals plaintext into a wire packet and advances the sequence
// counter. Once the sequence space is exhausted it returns
// ErrSequenceOverflow on every call until a new epoch is negotiated; the
// packet is not sent under the old key.
func (s *Sender) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) > constants.MaxPlaintextSize {
		return nil, qerrors.ErrPayloadTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seq >= s.seqLimit {
		return nil, qerrors.ErrSequenceOverflow
	}

	hdr := Header{
		Version:   constants.WireVersion,
		IDs:       s.ids,
		SessionID: s.session,
		Seq:       s.seq,
		Epoch:     byte(s.epoch),
	}
	hb := hdr.Marshal()
	n := nonce(byte(s.epoch), s.seq)

	out := make([]byte, constants.HeaderSize, constants.HeaderSize+len(plaintext)+constants.AEADTagSize)
	copy(out, hb[:])
	out = s.aead.Seal(out, n[:], plaintext, hb[:])

	s.seq++
	return out, nil
}

// Seq returns the next sequence number to be used.
func (s *Sender) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Epoch returns the epoch this sender encrypts under.
func (s *Sender) Epoch() uint64 { return s.epoch }

// SessionID returns the session identifier carried in every header.
func (s *Sender) SessionID() [constants.SessionIDSize]byte { return s.session }
