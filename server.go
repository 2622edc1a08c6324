package memkv

import (
	"context"
	"errors"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/voskan/memkv/internal/conn"
	"github.com/voskan/memkv/internal/executor"
)

// Server binds a Table to a TCP listener and runs the connection
// pipeline of spec.md §4.6-4.7 (components C9/C10): one goroutine per
// accepted connection performs blocking reads and parses commands, but
// every command batch is handed to the Table's fixed worker pool for
// execution, so a given worker slot's internal/epoch bookkeeping is
// never touched by more than one goroutine at a time (SPEC_FULL.md's
// REDESIGN FLAGS §1 substitute for the out-of-scope single-threaded
// reactor).
type Server struct {
	table *Table
	ln    net.Listener
}

// NewServer wraps table in a Server ready to Serve.
func NewServer(table *Table) *Server {
	return &Server{table: table}
}

// Serve listens on the Table's configured address and accepts
// connections until ctx is cancelled or Accept fails.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.table.cfg.addr, strconv.Itoa(int(s.table.cfg.port)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.table.run()

	s.table.cfg.logger.Info("memkv listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		worker := s.table.NextWorker()
		go s.handleConnection(ctx, nc, worker)
	}
}

// Addr reports the bound listener address; valid only after Serve has
// started listening.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting new connections and tears down the Table.
func (s *Server) Close() error {
	if s.ln != nil {
		s.ln.Close()
	}
	return s.table.Close()
}

// handleConnection owns one client socket for its lifetime: it blocks
// reading and parsing commands into batches of up to cfg.batchSize
// (spec.md §4.6's batch limit), then submits the whole batch as a single
// workerpool.Task so execution against the assigned partition set runs
// on exactly one goroutine per worker slot at a time (spec.md §5).
//
// A malformed command (conn.ErrProtocol/conn.ErrKeyTooLong — spec.md §7's
// "malformed framing" class) never drops a reply and never closes the
// connection on its own: whatever was already batched ahead of it still
// runs, the offending command gets its own ERROR/INVALID_ARGUMENTS reply
// queued right after, in FIFO order, and the loop goes on reading. Only
// io.EOF, a trashed connection (spec.md §7's "grossly malformed" class),
// or an unexpected read error ends the connection.
func (s *Server) handleConnection(ctx context.Context, nc net.Conn, worker int) {
	logger := s.table.cfg.logger
	c := conn.New(nc, conn.Config{
		RxChunkSize: s.table.cfg.rxChunkSize,
		TxChunkSize: s.table.cfg.txChunkSize,
		Logger:      logger,
	})
	defer c.Close()

	ex := executor.New(s.table, worker, s.table.cfg.version, logger)
	batchLimit := int(s.table.cfg.batchSize)
	if batchLimit <= 0 {
		batchLimit = 1
	}

	for {
		batch := make([]*conn.Command, 0, batchLimit)
		quit := false
		var readErr error
		protocolErr := false

		for len(batch) < batchLimit {
			cmd, err := c.ReadCommand()
			if err != nil {
				readErr = err
				protocolErr = errors.Is(err, conn.ErrProtocol) || errors.Is(err, conn.ErrKeyTooLong)
				break
			}
			for cmd != nil {
				next := cmd.Next()
				cmd.SetNext(nil)
				batch = append(batch, cmd)
				cmd = next
			}
			if c.Buffered() == 0 {
				break
			}
		}

		if len(batch) > 0 {
			done := make(chan struct{})
			s.table.pool.Submit(worker, func(_ context.Context) {
				defer close(done)
				for _, cmd := range batch {
					if ex.Execute(c, cmd) == executor.Quit {
						quit = true
					}
				}
				c.Flush()
			})
			<-done
		}

		if protocolErr {
			ex.ReplyProtocolError(c, c.Protocol() == conn.ProtoBinary, 0)
			c.Flush()
		}

		if quit || c.Trash() {
			c.CloseRead()
			return
		}

		if readErr != nil && !protocolErr {
			return
		}
	}
}
