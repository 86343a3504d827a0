package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sanonone/tyrantdb/internal/protocol"
	"github.com/sanonone/tyrantdb/pkg/core"
	"github.com/sanonone/tyrantdb/pkg/metrics"
)

// pipelineDepth is how many decoded commands may wait for the dispatcher.
const pipelineDepth = 64

// request is one decoded command, or the decoding error that ends the
// connection.
type request struct {
	cmd *protocol.Command
	err error
}

// session is the state of one client connection. A reader goroutine decodes
// commands and a dispatch goroutine executes them in order and writes the
// replies, so a disconnect is noticed while a long query is still running
// and cancels it.
type session struct {
	id     string
	srv    *Server
	conn   net.Conn
	w      *protocol.Writer
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	// Server-side iterators, created by ITERINIT and TITERINIT.
	recordIter *core.KeyIterator
	tupleIter  *core.KeyIterator
}

func newSession(srv *Server, conn net.Conn) *session {
	ctx, cancel := context.WithCancel(srv.ctx)
	id := uuid.New().String()
	return &session{
		id:     id,
		srv:    srv,
		conn:   conn,
		w:      protocol.NewWriter(conn),
		log:    slog.With("session", id, "remote", conn.RemoteAddr().String()),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close()
	})
}

// serve runs the connection until the client disconnects, the idle timeout
// expires or the server shuts down.
func (s *session) serve() {
	metrics.OpenConnections.Inc()
	defer metrics.OpenConnections.Dec()
	s.log.Debug("Connection opened")
	defer s.log.Debug("Connection closed")
	defer s.close()

	reqs := make(chan request, pipelineDepth)
	go s.readLoop(reqs)

	for req := range reqs {
		if req.err != nil {
			s.w.WriteError(protocol.KindProtocol, req.err.Error())
			s.w.Flush()
			return
		}
		if !s.dispatch(req.cmd) {
			s.w.Flush()
			return
		}
		// Replies are flushed once the pipeline is drained.
		if len(reqs) == 0 {
			if err := s.w.Flush(); err != nil {
				s.log.Debug("Write failed", "error", err)
				return
			}
		}
	}
}

// readLoop decodes commands until the stream ends. The connection context
// is cancelled when it does, which aborts the command in progress.
func (s *session) readLoop(reqs chan<- request) {
	defer close(reqs)
	defer s.cancel()

	r := bufio.NewReaderSize(s.conn, 64<<10)
	for {
		if s.srv.cfg.IdleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.IdleTimeout))
		}
		cmd, err := protocol.ReadCommand(r)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.Is(err, os.ErrDeadlineExceeded):
				s.log.Info("Closing idle connection", "idle_timeout", s.srv.cfg.IdleTimeout)
			case errors.Is(err, protocol.ErrProtocol):
				select {
				case reqs <- request{err: err}:
				case <-s.ctx.Done():
				}
			default:
				s.log.Debug("Read failed", "error", err)
			}
			return
		}
		select {
		case reqs <- request{cmd: cmd}:
		case <-s.ctx.Done():
			return
		}
	}
}

// dispatch runs one command and writes its reply. It returns false when the
// connection must be closed.
func (s *session) dispatch(cmd *protocol.Command) (keep bool) {
	start := time.Now()
	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("CRITICAL: Panic recovered in command handler",
				"command", cmd.Name,
				"error", r,
				"stack", string(debug.Stack()),
			)
			s.w.WriteError(protocol.KindGeneric, "internal error")
			status = protocol.KindGeneric
			keep = true
		}
		metrics.CommandsTotal.WithLabelValues(cmd.Name, status).Inc()
		metrics.CommandDuration.WithLabelValues(cmd.Name).Observe(time.Since(start).Seconds())
	}()

	h, ok := commandTable[cmd.Name]
	if !ok {
		status = "unknown"
		s.w.WriteError(protocol.KindGeneric, "unknown command '"+cmd.Name+"'")
		return true
	}
	if cmd.Name == "QUIT" {
		s.w.WriteOK()
		return false
	}

	ctx := s.ctx
	if s.srv.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.srv.cfg.QueryTimeout)
		defer cancel()
	}

	if err := h(ctx, s, cmd); err != nil {
		kind := errorKind(err)
		status = kind
		if kind == protocol.KindGeneric && !isContextErr(err) {
			s.log.Error("Command failed", "command", cmd.Name, "error", err)
		}
		if cmd.Name != "PUTNR" {
			s.w.WriteError(kind, err.Error())
		}
	}
	return true
}

// errorKind maps an error onto the kind sent in the error reply.
func errorKind(err error) string {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return protocol.KindNotFound
	case errors.Is(err, core.ErrKeyExists):
		return protocol.KindExists
	case errors.Is(err, core.ErrTypeMismatch):
		return protocol.KindType
	case errors.Is(err, core.ErrOverflow):
		return protocol.KindOverflow
	case errors.Is(err, core.ErrValidation):
		return protocol.KindValidation
	case errors.Is(err, core.ErrIndexInconsistency):
		return protocol.KindIndex
	case errors.Is(err, protocol.ErrProtocol):
		return protocol.KindProtocol
	default:
		return protocol.KindGeneric
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func rejectConn(conn net.Conn, msg string) {
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	w := protocol.NewWriter(conn)
	w.WriteError(protocol.KindGeneric, msg)
	w.Flush()
	conn.Close()
}
