package control

import (
	"errors"
	"testing"
	"time"

	"github.com/pqsky/skybridge/internal/constants"
	qerrors "github.com/pqsky/skybridge/internal/errors"
)

func newTestPair(t *testing.T) (coord, follower *Machine) {
	t.Helper()
	var err error
	coord, err = NewMachine(Config{
		Role:        constants.RoleGCS,
		Coordinator: constants.RoleGCS,
		Suite:       "cs-mlkem768-aesgcm-mldsa65",
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	follower, err = NewMachine(Config{
		Role:        constants.RoleDrone,
		Coordinator: constants.RoleGCS,
		Suite:       "cs-mlkem768-aesgcm-mldsa65",
	})
	if err != nil {
		t.Fatalf("follower: %v", err)
	}
	return coord, follower
}

func TestTwoPhaseRekeyHappyPath(t *testing.T) {
	coord, follower := newTestPair(t)

	res, err := coord.RequestPrepare("cs-mlkem1024-chacha20poly1305-mldsa87", ReasonManual)
	if err != nil {
		t.Fatalf("RequestPrepare: %v", err)
	}
	if len(res.Send) != 1 || res.Send[0].Kind != KindPrepare {
		t.Fatalf("expected one prepare, got %+v", res.Send)
	}
	if coord.State() != StatePrepareSent {
		t.Errorf("coordinator state = %v", coord.State())
	}

	fres := follower.HandleMessage(res.Send[0])
	if len(fres.Send) != 1 || fres.Send[0].Kind != KindPrepareOK {
		t.Fatalf("expected prepare_ok, got %+v", fres.Send)
	}
	if follower.State() != StatePrepareReceived {
		t.Errorf("follower state = %v", follower.State())
	}

	cres := coord.HandleMessage(fres.Send[0])
	if cres.Commit == nil {
		t.Fatal("coordinator did not commit")
	}
	if len(cres.Send) != 1 || cres.Send[0].Kind != KindCommit {
		t.Fatalf("expected commit message, got %+v", cres.Send)
	}
	if coord.State() != StateCommitted {
		t.Errorf("coordinator state = %v", coord.State())
	}

	fres = follower.HandleMessage(cres.Send[0])
	if fres.Commit == nil {
		t.Fatal("follower did not commit")
	}
	if fres.Commit.Suite != "cs-mlkem1024-chacha20poly1305-mldsa87" {
		t.Errorf("committed suite = %q", fres.Commit.Suite)
	}
	if fres.Commit.NID != cres.Commit.NID {
		t.Error("negotiation ids diverged")
	}

	coord.RecordRekeyResult(cres.Commit.NID, true)
	follower.RecordRekeyResult(fres.Commit.NID, true)
	if coord.State() != StateIdle || follower.State() != StateIdle {
		t.Error("machines did not return to idle")
	}
	if coord.Suite() != "cs-mlkem1024-chacha20poly1305-mldsa87" {
		t.Errorf("active suite = %q", coord.Suite())
	}
	if s := coord.Stats(); s.RekeysOK != 1 || s.Commits != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRequestPrepareWhileBusy(t *testing.T) {
	coord, _ := newTestPair(t)
	if _, err := coord.RequestPrepare("cs-mlkem768-aesgcm-mldsa65", ReasonManual); err != nil {
		t.Fatalf("first prepare: %v", err)
	}
	if _, err := coord.RequestPrepare("cs-mlkem768-aesgcm-mldsa65", ReasonScheduled); !errors.Is(err, qerrors.ErrControlBusy) {
		t.Errorf("expected ErrControlBusy, got %v", err)
	}
}

func TestSequenceOverflowPreemptsActiveNegotiation(t *testing.T) {
	coord, _ := newTestPair(t)
	if _, err := coord.RequestPrepare("cs-mlkem768-aesgcm-mldsa65", ReasonManual); err != nil {
		t.Fatalf("first prepare: %v", err)
	}

	res, err := coord.RequestPrepare("cs-mlkem768-aesgcm-mldsa65", ReasonSeqOverflow)
	if err != nil {
		t.Fatalf("overflow prepare refused: %v", err)
	}
	if len(res.Send) != 2 || res.Send[0].Kind != KindAbort || res.Send[1].Kind != KindPrepare {
		t.Fatalf("expected abort then prepare, got %+v", res.Send)
	}
	if res.Send[1].Reason != ReasonSeqOverflow {
		t.Errorf("reason = %q", res.Send[1].Reason)
	}
}

func TestCrossedPreparesCoordinatorWins(t *testing.T) {
	coord, follower := newTestPair(t)

	cres, err := coord.RequestPrepare("cs-mlkem1024-aesgcm-mldsa87", ReasonManual)
	if err != nil {
		t.Fatalf("coordinator prepare: %v", err)
	}
	fres, err := follower.RequestPrepare("cs-mlkem512-aesgcm-mldsa44", ReasonManual)
	if err != nil {
		t.Fatalf("follower prepare: %v", err)
	}

	// Both proposals are in flight and each side receives the other's.
	coordReply := coord.HandleMessage(fres.Send[0])
	if len(coordReply.Send) != 1 || coordReply.Send[0].Kind != KindPrepareFail {
		t.Fatalf("coordinator should refuse, got %+v", coordReply.Send)
	}
	if coord.State() != StatePrepareSent {
		t.Error("coordinator dropped its own negotiation")
	}

	followerReply := follower.HandleMessage(cres.Send[0])
	if len(followerReply.Send) != 2 {
		t.Fatalf("follower should abort then accept, got %+v", followerReply.Send)
	}
	if followerReply.Send[0].Kind != KindAbort || followerReply.Send[1].Kind != KindPrepareOK {
		t.Fatalf("unexpected follower replies %+v", followerReply.Send)
	}
	if followerReply.Send[1].NID != cres.Send[0].NID {
		t.Error("follower accepted the wrong negotiation")
	}

	// The refusal of the follower's own proposal is now stale.
	follower.HandleMessage(coordReply.Send[0])
	if follower.State() != StatePrepareReceived {
		t.Errorf("follower state = %v", follower.State())
	}

	// Coordinator's negotiation completes normally.
	done := coord.HandleMessage(followerReply.Send[1])
	if done.Commit == nil || done.Commit.Suite != "cs-mlkem1024-aesgcm-mldsa87" {
		t.Fatalf("coordinator commit = %+v", done.Commit)
	}
}

func TestDuplicatePrepareIgnored(t *testing.T) {
	coord, follower := newTestPair(t)
	res, _ := coord.RequestPrepare("cs-mlkem768-aesgcm-mldsa65", ReasonManual)

	first := follower.HandleMessage(res.Send[0])
	if len(first.Send) != 1 || first.Send[0].Kind != KindPrepareOK {
		t.Fatalf("first delivery: %+v", first.Send)
	}
	dup := follower.HandleMessage(res.Send[0])
	if len(dup.Send) != 0 {
		t.Errorf("duplicate delivery answered: %+v", dup.Send)
	}
}

func TestUnsafeFollowerRefusesExceptOverflow(t *testing.T) {
	follower, err := NewMachine(Config{
		Role:        constants.RoleDrone,
		Coordinator: constants.RoleGCS,
		Suite:       "cs-mlkem768-aesgcm-mldsa65",
		SafeGuard:   func() bool { return false },
	})
	if err != nil {
		t.Fatal(err)
	}

	prep := Message{Kind: KindPrepare, NID: "aa00aa00aa00aa00", Role: "gcs",
		Suite: "cs-mlkem768-aesgcm-mldsa65", Reason: ReasonManual}
	res := follower.HandleMessage(prep)
	if len(res.Send) != 1 || res.Send[0].Kind != KindPrepareFail || res.Send[0].Reason != "unsafe" {
		t.Fatalf("expected unsafe refusal, got %+v", res.Send)
	}

	prep.NID = "bb11bb11bb11bb11"
	prep.Reason = ReasonSeqOverflow
	res = follower.HandleMessage(prep)
	if len(res.Send) != 1 || res.Send[0].Kind != KindPrepareOK {
		t.Fatalf("overflow prepare refused: %+v", res.Send)
	}
}

func TestTickTimesOutStaleNegotiation(t *testing.T) {
	coord, _ := newTestPair(t)
	base := time.Now()
	coord.now = func() time.Time { return base }

	if _, err := coord.RequestPrepare("cs-mlkem768-aesgcm-mldsa65", ReasonManual); err != nil {
		t.Fatal(err)
	}
	if res := coord.Tick(); len(res.Send) != 0 {
		t.Errorf("premature timeout: %+v", res.Send)
	}

	coord.now = func() time.Time { return base.Add(constants.DefaultControlTimeout + time.Second) }
	res := coord.Tick()
	if len(res.Send) != 1 || res.Send[0].Kind != KindAbort {
		t.Fatalf("expected abort on timeout, got %+v", res.Send)
	}
	if coord.State() != StateIdle {
		t.Errorf("state after timeout = %v", coord.State())
	}
	if coord.Stats().Timeouts != 1 {
		t.Error("timeout not counted")
	}
}

func TestFailedRekeyKeepsOldSuite(t *testing.T) {
	coord, follower := newTestPair(t)
	res, _ := coord.RequestPrepare("cs-mlkem512-chacha20poly1305-mldsa44", ReasonManual)
	ok := follower.HandleMessage(res.Send[0])
	done := coord.HandleMessage(ok.Send[0])

	st := coord.RecordRekeyResult(done.Commit.NID, false)
	if coord.Suite() != "cs-mlkem768-aesgcm-mldsa65" {
		t.Errorf("suite changed after failed rekey: %q", coord.Suite())
	}
	if len(st.Send) != 1 || st.Send[0].Result != "fail" {
		t.Errorf("status = %+v", st.Send)
	}
	if coord.Stats().RekeysFailed != 1 {
		t.Error("failure not counted")
	}
}
