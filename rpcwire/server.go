package rpcwire

import (
	"fmt"
	"log/slog"
	"net"
)

// Handler processes one decoded Request and writes a response (OK, NO,
// or an EXCEPT frame) onto conn. It owns the response write; Server only
// owns accept/decode and protocol-violation framing.
type Handler func(req *Request, conn net.Conn) error

// Server is the per-node RPC listener for §4.10/§6's host-directed
// framing: `port_number` on every node. Each accepted connection is
// served by its own goroutine, matching spec.md §5's thread-per-
// connection scheduling model.
type Server struct {
	Log      *slog.Logger
	handlers map[Command]Handler
}

// NewServer constructs a Server with no handlers registered yet.
func NewServer(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{Log: log, handlers: make(map[Command]Handler)}
}

// Handle registers h for command.
func (s *Server) Handle(command Command, h Handler) { s.handlers[command] = h }

// Serve accepts connections on ln until it returns an error (e.g. the
// listener is closed).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("rpcwire: accept: %w", err)
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	req, err := ReadRequest(conn)
	if err != nil {
		// Malformed command / truncated frame: EXCEPT, close socket, no
		// transactional effect (spec.md §7 item 3).
		s.Log.Warn("rpcwire: malformed request", "remote", conn.RemoteAddr(), "error", err)
		_ = WriteExcept(conn, err.Error())
		return
	}
	h, ok := s.handlers[req.Command]
	if !ok {
		s.Log.Warn("rpcwire: unknown command", "command", req.Command.String(), "remote", conn.RemoteAddr())
		_ = WriteExcept(conn, fmt.Sprintf("unknown command %q", req.Command.String()))
		return
	}
	if err := h(req, conn); err != nil {
		s.Log.Error("rpcwire: handler failed", "command", req.Command.String(), "error", err)
	}
}
