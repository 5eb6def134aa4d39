package framing

import (
	"crypto/cipher"
	"sync"
	"time"

	"github.com/pqsky/skybridge/internal/constants"
	qerrors "github.com/pqsky/skybridge/internal/errors"
	"github.com/pqsky/skybridge/pkg/crypto"
	"github.com/pqsky/skybridge/pkg/suites"
)

// slot holds one epoch's receive state.
type slot struct {
	aead    cipher.AEAD
	ids     suites.HeaderIDs
	session [constants.SessionIDSize]byte
	epoch   uint64
	window  *ReplayWindow
}

// Receiver authenticates and decrypts inbound datagrams. It holds the
// current epoch plus, for a grace period after each rekey, the previous one,
// so in-flight packets encrypted just before the switch are not lost.
//
// Every decryption failure is classified by sentinel error and is non-fatal:
// the caller drops the packet, counts it, and keeps serving.
type Receiver struct {
	mu           sync.Mutex
	current      *slot
	previous     *slot
	prevDeadline time.Time
	lastDrop     error

	now func() time.Time // test hook
}

func newSlot(p Params) (*slot, error) {
	aead, err := crypto.NewAEAD(p.IDs.AeadID, p.Key)
	if err != nil {
		return nil, err
	}
	win := p.Window
	if win == 0 {
		win = constants.DefaultReplayWindow
	}
	if win < constants.MinReplayWindow {
		win = constants.MinReplayWindow
	}
	return &slot{
		aead:    aead,
		ids:     p.IDs,
		session: p.SessionID,
		epoch:   p.Epoch,
		window:  NewReplayWindow(win),
	}, nil
}

// NewReceiver builds the receive state for the first epoch.
func NewReceiver(p Params) (*Receiver, error) {
	s, err := newSlot(p)
	if err != nil {
		return nil, err
	}
	return &Receiver{current: s, now: time.Now}, nil
}

// Install makes a new epoch current. The old epoch keeps decrypting for the
// grace duration, after which its packets are rejected with
// ErrEpochMismatch. The new epoch starts with a fresh replay window.
func (r *Receiver) Install(p Params, grace time.Duration) error {
	s, err := newSlot(p)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previous = r.current
	r.prevDeadline = r.now().Add(grace)
	r.current = s
	return nil
}

// Decrypt verifies and opens a wire packet, returning the plaintext.
func (r *Receiver) Decrypt(pkt []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hdr, err := ParseHeader(pkt)
	if err != nil {
		return nil, r.drop(err)
	}
	if hdr.Version != constants.WireVersion {
		return nil, r.drop(qerrors.ErrHeaderMismatch)
	}

	sl, err := r.dispatch(hdr)
	if err != nil {
		return nil, r.drop(err)
	}

	if hdr.IDs != sl.ids {
		return nil, r.drop(qerrors.ErrHeaderMismatch)
	}
	if !sl.window.Test(hdr.Seq) {
		return nil, r.drop(qerrors.ErrReplay)
	}

	hb := hdr.Marshal()
	n := nonce(hdr.Epoch, hdr.Seq)
	pt, err := sl.aead.Open(nil, n[:], pkt[constants.HeaderSize:], hb[:])
	if err != nil {
		return nil, r.drop(qerrors.ErrAeadAuth)
	}

	// Only an authenticated packet may advance the window.
	sl.window.Mark(hdr.Seq)
	return pt, nil
}

// dispatch selects the epoch slot a header belongs to. Callers hold r.mu.
func (r *Receiver) dispatch(hdr Header) (*slot, error) {
	if r.current != nil &&
		hdr.SessionID == r.current.session &&
		hdr.Epoch == byte(r.current.epoch) {
		return r.current, nil
	}
	if r.previous != nil && r.now().Before(r.prevDeadline) &&
		hdr.SessionID == r.previous.session &&
		hdr.Epoch == byte(r.previous.epoch) {
		return r.previous, nil
	}
	if r.current != nil && hdr.SessionID == r.current.session {
		return nil, qerrors.ErrEpochMismatch
	}
	return nil, qerrors.ErrHeaderMismatch
}

func (r *Receiver) drop(err error) error {
	r.lastDrop = err
	return err
}

// Epoch returns the current receive epoch.
func (r *Receiver) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.epoch
}

// LastDrop returns the classification of the most recent drop, or nil.
func (r *Receiver) LastDrop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastDrop
}
