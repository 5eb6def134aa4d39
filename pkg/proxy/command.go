package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/pqsky/skybridge/internal/constants"
	qerrors "github.com/pqsky/skybridge/internal/errors"
	"github.com/pqsky/skybridge/pkg/metrics"
)

// Command names accepted on the operator socket.
const (
	CmdStatus = "status"
	CmdRekey  = "rekey"
	CmdStop   = "stop"
)

// CommandRequest is one JSON line from an operator connection.
type CommandRequest struct {
	Cmd   string `json:"cmd"`
	Suite string `json:"suite,omitempty"` // rekey only; empty keeps the current suite
}

// CommandResponse is the JSON line written back.
type CommandResponse struct {
	OK     bool    `json:"ok"`
	Error  string  `json:"error,omitempty"`
	Status *Status `json:"status,omitempty"`
}

// CommandHandlers connects the command server to the proxy.
type CommandHandlers struct {
	Status func() Status
	Rekey  func(suite string) error
	Stop   func()
}

// CommandServer exposes the operator surface: a TCP listener speaking
// newline-delimited JSON, restricted to an IP allowlist. With an empty
// allowlist only loopback sources are accepted.
type CommandServer struct {
	handlers CommandHandlers
	allow    map[string]struct{}
	log      *metrics.Logger

	mu sync.Mutex
	ln net.Listener
}

// NewCommandServer creates a command server. allowedIPs lists the permitted
// source addresses; empty means loopback only.
func NewCommandServer(handlers CommandHandlers, allowedIPs []string, log *metrics.Logger) *CommandServer {
	s := &CommandServer{
		handlers: handlers,
		log:      log.Named("command"),
	}
	if len(allowedIPs) > 0 {
		s.allow = make(map[string]struct{}, len(allowedIPs))
		for _, ip := range allowedIPs {
			s.allow[ip] = struct{}{}
		}
	}
	return s
}

func (s *CommandServer) permitted(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	if s.allow == nil {
		return tcp.IP.IsLoopback()
	}
	_, ok = s.allow[tcp.IP.String()]
	return ok
}

// Serve accepts operator connections on addr until the context is done.
func (s *CommandServer) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !s.permitted(conn.RemoteAddr()) {
			s.log.Warn("rejected command connection", metrics.Fields{
				"remote": conn.RemoteAddr().String(),
			})
			conn.Close()
			continue
		}
		go s.handle(conn)
	}
}

// Addr returns the bound listener address, or nil before Serve.
func (s *CommandServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *CommandServer) handle(conn net.Conn) {
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 256), constants.MaxControlLine)
	enc := json.NewEncoder(conn)

	for sc.Scan() {
		_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

		var req CommandRequest
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			_ = enc.Encode(CommandResponse{OK: false, Error: "malformed request"})
			return
		}
		resp := s.dispatch(req)
		if err := enc.Encode(resp); err != nil {
			return
		}
		if req.Cmd == CmdStop && resp.OK {
			return
		}
	}
}

func (s *CommandServer) dispatch(req CommandRequest) CommandResponse {
	switch req.Cmd {
	case CmdStatus:
		st := s.handlers.Status()
		return CommandResponse{OK: true, Status: &st}
	case CmdRekey:
		if err := s.handlers.Rekey(req.Suite); err != nil {
			return CommandResponse{OK: false, Error: err.Error()}
		}
		return CommandResponse{OK: true}
	case CmdStop:
		s.handlers.Stop()
		return CommandResponse{OK: true}
	default:
		return CommandResponse{OK: false, Error: qerrors.ErrControlMessage.Error() + ": unknown command"}
	}
}
