package control

import (
	"errors"
	"net"
	"strings"
	"testing"

	qerrors "github.com/pqsky/skybridge/internal/errors"
)

func TestChannelRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	left, right := NewChannel(a), NewChannel(b)

	sent := Message{Kind: KindPrepare, NID: "0011223344556677", Role: "gcs",
		Suite: "cs-mlkem768-aesgcm-mldsa65", Reason: ReasonManual, TMs: 1234}

	errc := make(chan error, 1)
	go func() { errc <- left.Send(sent) }()

	got, err := right.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got != sent {
		t.Errorf("got %+v, want %+v", got, sent)
	}
}

func TestChannelRejectsGarbageLine(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	right := NewChannel(b)

	go func() {
		a.Write([]byte("not json\n"))
		a.Write([]byte(`{"nid":"x","t_ms":0}` + "\n")) // missing kind
	}()

	if _, err := right.Receive(); !errors.Is(err, qerrors.ErrControlMessage) {
		t.Errorf("garbage line: got %v", err)
	}
	if _, err := right.Receive(); !errors.Is(err, qerrors.ErrControlMessage) {
		t.Errorf("missing kind: got %v", err)
	}
}

func TestChannelReceiveAfterClose(t *testing.T) {
	a, b := net.Pipe()
	right := NewChannel(b)
	a.Close()
	defer b.Close()

	if _, err := right.Receive(); err == nil {
		t.Error("expected error after peer close")
	}
}

func TestChannelSendAllStopsOnError(t *testing.T) {
	a, b := net.Pipe()
	b.Close()
	defer a.Close()
	left := NewChannel(a)

	msgs := []Message{
		{Kind: KindAbort, NID: "00"},
		{Kind: KindPrepare, NID: "01", Suite: "cs-mlkem768-aesgcm-mldsa65"},
	}
	if err := left.SendAll(msgs); err == nil {
		t.Error("expected write error on closed pipe")
	}
}

func TestChannelOversizeMessage(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	left := NewChannel(a)

	big := Message{Kind: KindStatus, Reason: strings.Repeat("x", 5000)}
	if err := left.Send(big); !errors.Is(err, qerrors.ErrControlMessage) {
		t.Errorf("oversize send: got %v", err)
	}
}
