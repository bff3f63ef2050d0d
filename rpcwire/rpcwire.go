// Package rpcwire implements C10, the host-directed RPC framing: fixed
// 8-byte ASCII commands, fixed headers, length-prefixed payloads, and
// OK/NO/EXCEPT responses, all integers big-endian (spec.md §4.10, §6
// "Wire protocol").
package rpcwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Command is an 8-byte ASCII command, space-padded to width.
type Command [8]byte

func cmd(s string) Command {
	var c Command
	copy(c[:], s)
	for i := len(s); i < 8; i++ {
		c[i] = ' '
	}
	return c
}

func (c Command) String() string { return string(bytes.TrimRight(c[:], " ")) }

// Commands used by the core (spec.md §6).
var (
	CmdRemotTre = cmd("REMOTTRE")
	CmdSndRmtTr = cmd("SNDRMTTR")
	CmdLRollbck = cmd("LROLLBCK")
	CmdLCommit  = cmd("LCOMMIT")
	CmdPrepare  = cmd("PREPARE")
	CmdCheckTx  = cmd("CHECKTX")
	CmdMDelete  = cmd("MDELETE")
	CmdDelete   = cmd("DELETE")
	CmdInsert   = cmd("INSERT")
	CmdUpdate   = cmd("UPDATE")
	CmdCommit   = cmd("COMMIT")
	CmdRollback = cmd("ROLLBACK")
)

const (
	respOK  = "OK"
	respNO  = "NO"
	except8 = "EXCEPT  "
)

// Request is a fully-framed outbound RPC: an 8-byte command, 8 reserved
// zero bytes, an 8-byte tx-id, length-prefixed variable args, then a
// serialized object-graph payload (the spanning tree, or index metadata
// for DML commands) — spec.md §4.10.
type Request struct {
	Command Command
	TxID    uint64
	Args    [][]byte
	Graph   []byte // pre-serialized spanning tree / index metadata, opaque here
}

// WriteTo encodes req onto w.
func (req *Request) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.Write(req.Command[:])
	var reserved [8]byte
	buf.Write(reserved[:])
	var txID [8]byte
	binary.BigEndian.PutUint64(txID[:], req.TxID)
	buf.Write(txID[:])

	var argc [4]byte
	binary.BigEndian.PutUint32(argc[:], uint32(len(req.Args)))
	buf.Write(argc[:])
	for _, a := range req.Args {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(a)))
		buf.Write(l[:])
		buf.Write(a)
	}

	var glen [4]byte
	binary.BigEndian.PutUint32(glen[:], uint32(len(req.Graph)))
	buf.Write(glen[:])
	buf.Write(req.Graph)

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadRequest decodes a whole Request from r, starting with the 8-byte
// command itself; Server.serveConn hands it the unread connection and
// dispatches on the decoded Command.
func ReadRequest(r io.Reader) (*Request, error) {
	var command [8]byte
	if _, err := io.ReadFull(r, command[:]); err != nil {
		return nil, fmt.Errorf("rpcwire: read command: %w", err)
	}
	var reserved [8]byte
	if _, err := io.ReadFull(r, reserved[:]); err != nil {
		return nil, fmt.Errorf("rpcwire: read reserved header: %w", err)
	}
	var txID [8]byte
	if _, err := io.ReadFull(r, txID[:]); err != nil {
		return nil, fmt.Errorf("rpcwire: read tx-id: %w", err)
	}
	var argc [4]byte
	if _, err := io.ReadFull(r, argc[:]); err != nil {
		return nil, fmt.Errorf("rpcwire: read arg count: %w", err)
	}
	n := binary.BigEndian.Uint32(argc[:])
	args := make([][]byte, n)
	for i := range args {
		var l [4]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return nil, fmt.Errorf("rpcwire: read arg length: %w", err)
		}
		args[i] = make([]byte, binary.BigEndian.Uint32(l[:]))
		if _, err := io.ReadFull(r, args[i]); err != nil {
			return nil, fmt.Errorf("rpcwire: read arg body: %w", err)
		}
	}
	var glen [4]byte
	if _, err := io.ReadFull(r, glen[:]); err != nil {
		return nil, fmt.Errorf("rpcwire: read graph length: %w", err)
	}
	graph := make([]byte, binary.BigEndian.Uint32(glen[:]))
	if _, err := io.ReadFull(r, graph); err != nil {
		return nil, fmt.Errorf("rpcwire: read graph body: %w", err)
	}
	return &Request{
		Command: Command(command),
		TxID:    binary.BigEndian.Uint64(txID[:]),
		Args:    args,
		Graph:   graph,
	}, nil
}

// WriteOK writes the 2-byte OK response.
func WriteOK(w io.Writer) error {
	_, err := w.Write([]byte(respOK))
	return err
}

// WriteNO writes the 2-byte NO response.
func WriteNO(w io.Writer) error {
	_, err := w.Write([]byte(respNO))
	return err
}

// WriteExcept writes an EXCEPT frame: 8-byte tag || u32 len || UTF-8 msg
// (spec.md §4.10, §6 "Response").
func WriteExcept(w io.Writer, msg string) error {
	var buf bytes.Buffer
	buf.WriteString(except8)
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(msg)))
	buf.Write(l[:])
	buf.WriteString(msg)
	_, err := w.Write(buf.Bytes())
	return err
}

// ErrExcept wraps an EXCEPT frame's message as a protocol error (spec.md
// §7 item 3: malformed command / truncated frame).
type ErrExcept struct{ Message string }

func (e *ErrExcept) Error() string { return "rpcwire: remote exception: " + e.Message }

// ReadResponse reads a 2-byte OK/NO or an EXCEPT frame from r.
func ReadResponse(r io.Reader) (ok bool, err error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return false, fmt.Errorf("rpcwire: read response head: %w", err)
	}
	switch string(head[:]) {
	case respOK:
		return true, nil
	case respNO:
		return false, nil
	case "EX":
		rest := make([]byte, 6)
		if _, err := io.ReadFull(r, rest); err != nil {
			return false, fmt.Errorf("rpcwire: read except tag: %w", err)
		}
		var l [4]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return false, fmt.Errorf("rpcwire: read except length: %w", err)
		}
		msg := make([]byte, binary.BigEndian.Uint32(l[:]))
		if _, err := io.ReadFull(r, msg); err != nil {
			return false, fmt.Errorf("rpcwire: read except message: %w", err)
		}
		return false, &ErrExcept{Message: string(msg)}
	default:
		return false, fmt.Errorf("rpcwire: unrecognized response head %q", head[:])
	}
}
