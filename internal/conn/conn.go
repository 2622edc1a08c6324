// Package conn implements per-connection network state and the two wire
// parsers of spec.md §4.6 (component C9): a read buffer, a write buffer, a
// queue of parsed-but-unexecuted commands, a protocol tag (INIT/ASCII/
// BINARY), and the sticky error/trash flags.
//
// spec.md §9 asks for the ascii parser to be "resumable across partial
// reads" via an explicit safepoint, modelling a single-threaded reactor
// that cannot block mid-parse. memkv uses a goroutine-per-connection
// model instead (SPEC_FULL.md's REDESIGN FLAGS §1 substitute for the
// out-of-scope reactor), so a short read is simply a blocking
// bufio.Reader fill — there is no partial-parse state to persist between
// calls. The safepoint contract is satisfied trivially: every ReadCommand
// call either returns a complete command or blocks until it can.
//
// © 2025 memkv authors. MIT License.
package conn

import (
	"bufio"
	"errors"
	"net"

	"go.uber.org/zap"
)

// Protocol identifies which wire framing a Connection has committed to,
// decided by the magic byte of its very first command (spec.md §4.6).
type Protocol uint8

const (
	ProtoInit Protocol = iota
	ProtoASCII
	ProtoBinary
)

// MaxKeyLen is the largest key spec.md §4.6/§8 accepts (250 bytes); a
// longer key is a protocol error.
const MaxKeyLen = 250

// ErrKeyTooLong is returned by the parsers when a key exceeds MaxKeyLen.
var ErrKeyTooLong = errors.New("conn: key exceeds 250 bytes")

// ErrTrashed is returned once a connection has been marked trash (spec.md
// §4.6's "cap consumed prefix bytes... to drop abusive clients"); the
// caller must close the socket.
var ErrTrashed = errors.New("conn: connection exceeded abuse limits")

// Connection is one client's network state (spec.md §4.6/§3).
type Connection struct {
	nc net.Conn
	r  *bufio.Reader
	w  *bufio.Writer

	logger *zap.Logger

	protocol Protocol
	errorSet bool
	trash    bool

	// batchBudget caps bytes consumed between successfully parsed commands
	// (spec.md §4.6: "cap consumed prefix bytes per connection between
	// commands... to drop abusive clients"); reset after every command.
	batchBudget int
	getBudget   int
}

// Config bundles the per-connection buffer sizing spec.md §6 exposes as
// rx_chunk_size/tx_chunk_size.
type Config struct {
	RxChunkSize int
	TxChunkSize int
	Logger      *zap.Logger
}

const (
	defaultRxChunk  = 2000 // spec.md §6: "rx minimum enforced at 2000 bytes"
	defaultTxChunk  = 4096
	defaultCmdBudget = 1024
	defaultGetBudget = 16 * 1024
)

// New wraps nc in a Connection ready to parse commands.
func New(nc net.Conn, cfg Config) *Connection {
	rx := cfg.RxChunkSize
	if rx < defaultRxChunk {
		rx = defaultRxChunk
	}
	tx := cfg.TxChunkSize
	if tx <= 0 {
		tx = defaultTxChunk
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		nc:     nc,
		r:      bufio.NewReaderSize(nc, rx),
		w:      bufio.NewWriterSize(nc, tx),
		logger: logger,
	}
}

// Protocol reports which framing this connection has committed to.
func (c *Connection) Protocol() Protocol { return c.protocol }

// Trash reports whether the connection tripped an abuse guard and must be
// closed without further replies.
func (c *Connection) Trash() bool { return c.trash }

// SetError marks the connection's sticky error flag (spec.md §4.6); it is
// informational only and does not by itself close the socket.
func (c *Connection) SetError() { c.errorSet = true }

// Errored reports the sticky error flag.
func (c *Connection) Errored() bool { return c.errorSet }

// RemoteAddr exposes the underlying socket's peer address for logging.
func (c *Connection) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Flush pushes any buffered response bytes to the socket. spec.md §4.7:
// "after each executor invocation finishes draining its batch, the
// connection flushes the write buffer" — batched writes, one syscall per
// drained pipeline rather than one per command.
func (c *Connection) Flush() error { return c.w.Flush() }

// CloseRead half-closes the read side (spec.md §4.7's quit handling: "half
// -close read side; drain pipeline; close").
func (c *Connection) CloseRead() error {
	if tc, ok := c.nc.(*net.TCPConn); ok {
		return tc.CloseRead()
	}
	return nil
}

// Close tears down the underlying socket.
func (c *Connection) Close() error { return c.nc.Close() }

// WriteString appends an ASCII protocol line (already CRLF-terminated by
// the caller) to the write buffer without flushing (spec.md §4.7:
// "Writes are buffered").
func (c *Connection) WriteString(s string) error {
	_, err := c.w.WriteString(s)
	return err
}

// WriteBytes appends raw bytes (a VALUE line's data block) to the write
// buffer without flushing.
func (c *Connection) WriteBytes(b []byte) error {
	_, err := c.w.Write(b)
	return err
}

// Buffered reports how many bytes are already sitting in the read buffer
// without a syscall. The connection loop uses this to keep draining
// already-arrived pipelined commands into one batch instead of issuing a
// fresh read per command (spec.md §4.6's batch limit, §4.7's "draining
// its batch").
func (c *Connection) Buffered() int { return c.r.Buffered() }

// ReadCommand parses the next command. On the very first call, it sniffs
// the leading byte to choose ASCII or binary framing (spec.md §4.6:
// "recognizing... if the byte is the binary-request magic (0x80) the
// protocol is binary; otherwise ascii") and commits c.protocol for the
// remaining life of the connection.
func (c *Connection) ReadCommand() (*Command, error) {
	if c.trash {
		return nil, ErrTrashed
	}
	if c.protocol == ProtoInit {
		b, err := c.r.Peek(1)
		if err != nil {
			return nil, err
		}
		if b[0] == magicRequest {
			c.protocol = ProtoBinary
		} else {
			c.protocol = ProtoASCII
		}
	}
	if c.protocol == ProtoBinary {
		cmd, err := c.readBinaryCommand()
		if err != nil {
			if errors.Is(err, errBadMagic) {
				c.trash = true
			}
			return nil, err
		}
		return cmd, nil
	}
	return c.readASCIICommand()
}
