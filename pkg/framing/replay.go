package framing

// ReplayWindow is a sliding bitmap over received sequence numbers. Test
// reports whether a sequence would be accepted; Mark commits it. The two
// are split so the window is only advanced after AEAD authentication
// succeeds, keeping forged headers from poisoning it.
//
// Not safe for concurrent use; the owning receiver serializes access.
type ReplayWindow struct {
	size    uint64 // window width in packets, multiple of 64
	highest uint64
	bitmap  []uint64
	primed  bool
}

// NewReplayWindow creates a window covering size packets behind the highest
// sequence seen. Sizes are rounded up to a multiple of 64, with a floor of 64.
func NewReplayWindow(size int) *ReplayWindow {
	if size < 64 {
		size = 64
	}
	words := (size + 63) / 64
	return &ReplayWindow{
		size:   uint64(words) * 64,
		bitmap: make([]uint64, words),
	}
}

// Test reports whether seq is fresh: not yet seen and not older than the
// window. It does not modify the window.
func (w *ReplayWindow) Test(seq uint64) bool {
	if !w.primed {
		return true
	}
	if seq > w.highest {
		return true
	}
	offset := w.highest - seq
	if offset >= w.size {
		return false // too old to track
	}
	return w.bitmap[offset/64]&(1<<(offset%64)) == 0
}

// Mark records seq as seen, advancing the window if it is a new highest.
func (w *ReplayWindow) Mark(seq uint64) {
	if !w.primed {
		w.primed = true
		w.highest = seq
		w.bitmap[0] = 1
		return
	}
	if seq > w.highest {
		w.shift(seq - w.highest)
		w.highest = seq
		w.bitmap[0] |= 1
		return
	}
	offset := w.highest - seq
	if offset < w.size {
		w.bitmap[offset/64] |= 1 << (offset % 64)
	}
}

// shift ages every tracked bit by delta packets.
func (w *ReplayWindow) shift(delta uint64) {
	if delta >= w.size {
		for i := range w.bitmap {
			w.bitmap[i] = 0
		}
		return
	}
	wordShift := int(delta / 64)
	bitShift := delta % 64
	for i := len(w.bitmap) - 1; i >= 0; i-- {
		var v uint64
		if src := i - wordShift; src >= 0 {
			v = w.bitmap[src] << bitShift
			if bitShift > 0 && src > 0 {
				v |= w.bitmap[src-1] >> (64 - bitShift)
			}
		}
		w.bitmap[i] = v
	}
}

// Reset clears the window. Called when a new epoch is installed.
func (w *ReplayWindow) Reset() {
	w.primed = false
	w.highest = 0
	for i := range w.bitmap {
		w.bitmap[i] = 0
	}
}

// Size returns the window width in packets.
func (w *ReplayWindow) Size() uint64 { return w.size }
