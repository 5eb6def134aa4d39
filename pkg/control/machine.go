// Package control implements the two-phase rekey negotiation between the
// tunnel endpoints.
//
// One endpoint is configured as coordinator, the other as follower; either
// may propose a rekey, but when proposals cross on the wire the
// coordinator's negotiation always wins, so both sides converge on the same
// epoch without arbitration. Messages are JSON objects exchanged over the
// reliable control channel; the state machine itself is transport-agnostic
// and purely synchronous, which keeps it testable without sockets.
package control

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pqsky/skybridge/internal/constants"
	qerrors "github.com/pqsky/skybridge/internal/errors"
	"github.com/pqsky/skybridge/pkg/crypto"
)

// State of the negotiation machine.
type State int

const (
	// StateIdle means no negotiation is in flight.
	StateIdle State = iota
	// StatePrepareSent means this side proposed a rekey and awaits the answer.
	StatePrepareSent
	// StatePrepareReceived means this side accepted a proposal and awaits commit.
	StatePrepareReceived
	// StateCommitted means the rekey handshake is running.
	StateCommitted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePrepareSent:
		return "PREPARE_SENT"
	case StatePrepareReceived:
		return "PREPARE_RECEIVED"
	case StateCommitted:
		return "COMMITTED"
	default:
		return "UNKNOWN"
	}
}

// Message kinds.
const (
	KindPrepare     = "prepare"
	KindPrepareOK   = "prepare_ok"
	KindPrepareFail = "prepare_fail"
	KindCommit      = "commit"
	KindAbort       = "abort"
	KindStatus      = "status"
)

// Rekey trigger reasons.
const (
	ReasonManual      = "manual"
	ReasonScheduled   = "scheduled"
	ReasonSeqOverflow = "seq_overflow"
)

// Message is one control-plane JSON object.
type Message struct {
	Kind   string `json:"kind"`
	NID    string `json:"nid"`
	Role   string `json:"role"`
	Suite  string `json:"suite,omitempty"`
	Reason string `json:"reason,omitempty"`
	Result string `json:"result,omitempty"`
	TMs    int64  `json:"t_ms"`
}

// Commit instructs the proxy to run the rekey handshake.
type Commit struct {
	NID    string
	Suite  string
	Reason string
}

// Result carries the machine's reaction to an input: messages to transmit
// and, when a negotiation reaches commit, the rekey to execute.
type Result struct {
	Send   []Message
	Commit *Commit
	Notes  []string
}

func (r *Result) note(format string, args ...interface{}) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

// Stats counts negotiation outcomes.
type Stats struct {
	PreparesSent     uint64 `json:"prepares_sent"`
	PreparesReceived uint64 `json:"prepares_received"`
	Commits          uint64 `json:"commits"`
	Aborts           uint64 `json:"aborts"`
	Timeouts         uint64 `json:"timeouts"`
	RekeysOK         uint64 `json:"rekeys_ok"`
	RekeysFailed     uint64 `json:"rekeys_fail"`
}

// seenRingSize bounds the duplicate-suppression history.
const seenRingSize = 256

// Machine is the per-endpoint negotiation state machine. All methods are
// safe for concurrent use.
type Machine struct {
	mu          sync.Mutex
	role        constants.Role
	coordinator constants.Role
	suite       string // currently active suite
	state       State
	timeout     time.Duration
	safe        func() bool

	activeNID    string
	activeSuite  string
	activeReason string
	deadline     time.Time

	seen     []string
	stats    Stats
	started  time.Time
	now      func() time.Time // test hook
	makeNID  func() (string, error)
	lastPeer *Message
}

// Config configures a Machine.
type Config struct {
	// Role is this endpoint's tunnel role.
	Role constants.Role

	// Coordinator names the role that wins crossed negotiations.
	Coordinator constants.Role

	// Suite is the currently active suite identifier.
	Suite string

	// Timeout bounds each non-idle state; zero selects the default.
	Timeout time.Duration

	// SafeGuard, when set, lets the follower refuse preparations while the
	// vehicle is in a state where a key swap is unwanted.
	SafeGuard func() bool
}

// NewMachine creates a negotiation machine.
func NewMachine(cfg Config) (*Machine, error) {
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("%w: role %q", qerrors.ErrConfig, cfg.Role)
	}
	if !cfg.Coordinator.Valid() {
		return nil, fmt.Errorf("%w: coordinator role %q", qerrors.ErrConfig, cfg.Coordinator)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = constants.DefaultControlTimeout
	}
	safe := cfg.SafeGuard
	if safe == nil {
		safe = func() bool { return true }
	}
	return &Machine{
		role:        cfg.Role,
		coordinator: cfg.Coordinator,
		suite:       cfg.Suite,
		timeout:     timeout,
		safe:        safe,
		started:     time.Now(),
		now:         time.Now,
		makeNID:     randomNID,
	}, nil
}

func randomNID() (string, error) {
	b, err := crypto.SecureRandomBytes(8)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// IsCoordinator reports whether this endpoint wins crossed negotiations.
func (m *Machine) IsCoordinator() bool { return m.role == m.coordinator }

// State returns the current negotiation state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Suite returns the currently active suite identifier.
func (m *Machine) Suite() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suite
}

// Stats returns a copy of the negotiation counters.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Machine) tMs() int64 {
	return m.now().Sub(m.started).Milliseconds()
}

func (m *Machine) msg(kind, nid string) Message {
	return Message{Kind: kind, NID: nid, Role: string(m.role), TMs: m.tMs()}
}

func (m *Machine) markSeen(nid string) {
	m.seen = append(m.seen, nid)
	if len(m.seen) > seenRingSize {
		m.seen = m.seen[len(m.seen)-seenRingSize:]
	}
}

func (m *Machine) wasSeen(nid string) bool {
	for _, s := range m.seen {
		if s == nid {
			return true
		}
	}
	return false
}

func (m *Machine) resetLocked() {
	m.state = StateIdle
	m.activeNID = ""
	m.activeSuite = ""
	m.activeReason = ""
	m.deadline = time.Time{}
}

// RequestPrepare proposes a rekey to the given suite. A sequence overflow
// request preempts any negotiation already in flight, because traffic
// protection has stopped and waiting is not an option; other reasons return
// ErrControlBusy while a negotiation is active.
func (m *Machine) RequestPrepare(suite, reason string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res Result
	if m.state != StateIdle {
		if reason != ReasonSeqOverflow {
			return res, qerrors.ErrControlBusy
		}
		res.Send = append(res.Send, m.abortLocked("preempted by sequence overflow"))
	}

	nid, err := m.makeNID()
	if err != nil {
		return res, err
	}
	m.activeNID = nid
	m.activeSuite = suite
	m.activeReason = reason
	m.state = StatePrepareSent
	m.deadline = m.now().Add(m.timeout)
	m.stats.PreparesSent++
	m.markSeen(nid)

	p := m.msg(KindPrepare, nid)
	p.Suite = suite
	p.Reason = reason
	res.Send = append(res.Send, p)
	return res, nil
}

func (m *Machine) abortLocked(reason string) Message {
	a := m.msg(KindAbort, m.activeNID)
	a.Reason = reason
	m.stats.Aborts++
	m.resetLocked()
	return a
}

// HandleMessage processes one inbound control message.
func (m *Machine) HandleMessage(in Message) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res Result
	switch in.Kind {
	case KindPrepare:
		m.handlePrepare(in, &res)
	case KindPrepareOK:
		m.handlePrepareOK(in, &res)
	case KindPrepareFail:
		m.handlePrepareFail(in, &res)
	case KindCommit:
		m.handleCommit(in, &res)
	case KindAbort:
		m.handleAbort(in, &res)
	case KindStatus:
		cp := in
		m.lastPeer = &cp
	default:
		res.note("ignored:%s", in.Kind)
	}
	return res
}

func (m *Machine) handlePrepare(in Message, res *Result) {
	if in.NID == "" || in.Suite == "" {
		res.note("invalid_prepare")
		return
	}
	if m.wasSeen(in.NID) {
		res.note("duplicate_prepare:%s", in.NID)
		return
	}
	m.markSeen(in.NID)
	m.stats.PreparesReceived++

	if m.state == StatePrepareSent {
		if m.IsCoordinator() {
			// Crossed proposals: the coordinator's own negotiation stands
			// and the follower's is refused.
			f := m.msg(KindPrepareFail, in.NID)
			f.Reason = "superseded"
			res.Send = append(res.Send, f)
			res.note("crossed_prepare:coordinator_wins")
			return
		}
		// Crossed proposals on the follower: drop ours, adopt theirs.
		res.Send = append(res.Send, m.abortLocked("superseded by coordinator"))
		res.note("crossed_prepare:yielding")
	}

	if m.state != StateIdle {
		f := m.msg(KindPrepareFail, in.NID)
		f.Reason = "busy"
		res.Send = append(res.Send, f)
		return
	}
	if in.Reason != ReasonSeqOverflow && !m.safe() {
		// A peer that has exhausted its sequence space cannot be refused;
		// its traffic is already stopped.
		f := m.msg(KindPrepareFail, in.NID)
		f.Reason = "unsafe"
		res.Send = append(res.Send, f)
		return
	}

	m.activeNID = in.NID
	m.activeSuite = in.Suite
	m.activeReason = in.Reason
	m.state = StatePrepareReceived
	m.deadline = m.now().Add(m.timeout)
	res.Send = append(res.Send, m.msg(KindPrepareOK, in.NID))
}

func (m *Machine) handlePrepareOK(in Message, res *Result) {
	if m.state != StatePrepareSent || in.NID != m.activeNID {
		res.note("unexpected_prepare_ok:%s", in.NID)
		return
	}
	m.state = StateCommitted
	m.deadline = m.now().Add(m.timeout)
	m.stats.Commits++

	c := m.msg(KindCommit, in.NID)
	c.Suite = m.activeSuite
	res.Send = append(res.Send, c)
	res.Commit = &Commit{NID: in.NID, Suite: m.activeSuite, Reason: m.activeReason}
}

func (m *Machine) handlePrepareFail(in Message, res *Result) {
	if m.state != StatePrepareSent || in.NID != m.activeNID {
		res.note("unexpected_prepare_fail:%s", in.NID)
		return
	}
	m.stats.RekeysFailed++
	m.resetLocked()
	res.note("prepare_fail:%s", in.Reason)
}

func (m *Machine) handleCommit(in Message, res *Result) {
	if m.state != StatePrepareReceived || in.NID != m.activeNID {
		res.note("unexpected_commit:%s", in.NID)
		return
	}
	m.state = StateCommitted
	m.deadline = m.now().Add(m.timeout)
	m.stats.Commits++
	res.Commit = &Commit{NID: in.NID, Suite: m.activeSuite, Reason: m.activeReason}
}

func (m *Machine) handleAbort(in Message, res *Result) {
	if m.state == StateIdle || in.NID != m.activeNID {
		res.note("unexpected_abort:%s", in.NID)
		return
	}
	m.stats.Aborts++
	m.resetLocked()
}

// Tick enforces the per-state timeout. Call it periodically; on expiry the
// machine returns to idle and, on the proposing side, tells the peer.
func (m *Machine) Tick() Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res Result
	if m.state == StateIdle || m.now().Before(m.deadline) {
		return res
	}

	m.stats.Timeouts++
	res.note("timeout:%s", m.state)
	if m.state == StatePrepareSent {
		res.Send = append(res.Send, m.abortLocked("timeout"))
		return res
	}
	m.resetLocked()
	return res
}

// RecordRekeyResult reports the outcome of the rekey handshake started by a
// Commit. The machine returns to idle either way and emits a status message
// for the peer.
func (m *Machine) RecordRekeyResult(nid string, success bool) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res Result
	st := m.msg(KindStatus, nid)
	if success {
		m.stats.RekeysOK++
		if nid == m.activeNID && m.activeSuite != "" {
			m.suite = m.activeSuite
		}
		st.Result = "ok"
	} else {
		m.stats.RekeysFailed++
		st.Result = "fail"
	}
	st.Suite = m.suite
	if nid == m.activeNID {
		m.resetLocked()
	}
	res.Send = append(res.Send, st)
	return res
}
