package service

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/volta/session"
	"github.com/chazu/volta/wire"
)

// Option configures a Server.
type Option func(*config)

type config struct {
	taskLog   *TaskLog
	peerCheck bool
}

// WithTaskLog records per-session task totals into the given log when
// sessions end.
func WithTaskLog(tl *TaskLog) Option {
	return func(c *config) { c.taskLog = tl }
}

// WithPeerCheck rejects unix-socket clients whose peer uid differs from
// the server's own. TCP clients are unaffected.
func WithPeerCheck(on bool) Option {
	return func(c *config) { c.peerCheck = on }
}

// Server accepts device-protocol clients. Each client connection runs
// one session; the first command must open it.
type Server struct {
	id  uuid.UUID
	log commonlog.Logger

	taskLog   *TaskLog
	peerCheck bool

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup
}

// New creates a Server. Each server carries a random instance id used
// to tag its log output.
func New(opts ...Option) *Server {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		id:        uuid.New(),
		log:       commonlog.GetLogger("service"),
		taskLog:   cfg.taskLog,
		peerCheck: cfg.peerCheck,
	}
}

// ID returns the server's instance id.
func (s *Server) ID() uuid.UUID {
	return s.id
}

// ListenAndServe listens on network/addr ("unix" or "tcp") and serves
// until Close.
func (s *Server) ListenAndServe(network, addr string) error {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("service: listen %s %s: %w", network, addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts clients on ln until the listener fails or Close is
// called. It returns nil after a deliberate Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return errors.New("service: server closed")
	}
	s.ln = ln
	s.mu.Unlock()

	s.log.Noticef("instance %s listening on %s", s.id.String(), ln.Addr().String())
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("service: accept: %w", err)
		}
		if s.peerCheck {
			if err := checkPeer(nc); err != nil {
				s.log.Warningf("rejecting %s: %s", nc.RemoteAddr().String(), err.Error())
				nc.Close()
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleClient(nc)
		}()
	}
}

// Close stops accepting and waits for in-flight clients to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

// handleClient runs one session: an OpenSession handshake, then task
// commands until the client hangs up or a task fails. Every task is
// answered, in the order received; an Error reply ends the session.
func (s *Server) handleClient(nc net.Conn) {
	defer nc.Close()
	dec := wire.NewDecoder(nc)

	cmd, err := dec.Next()
	if err != nil {
		if err != io.EOF {
			s.log.Errorf("client %s: %s", nc.RemoteAddr().String(), err.Error())
		}
		return
	}
	if cmd.Tag != wire.TagOpenSession {
		s.reply(nc, wire.EncodeError(raiseError(wire.ErrcodeBadSession,
			"expected session open, got %v", cmd.Tag)))
		return
	}
	sess, err := session.Decode(cmd.Payload)
	if err != nil {
		s.reply(nc, wire.EncodeError(raiseError(wire.ErrcodeBadSession,
			"%s", err.Error())))
		return
	}
	exec, devErr := NewExecutor(sess)
	if devErr != nil {
		s.reply(nc, wire.EncodeError(devErr))
		return
	}
	if !s.reply(nc, wire.EncodeResults()) {
		return
	}
	s.log.Infof("client %s opened plan %#x", nc.RemoteAddr().String(), sess.PlanID)

	defer func() {
		if s.taskLog != nil {
			if err := s.taskLog.Record(sess.PlanID, exec.Stats()); err != nil {
				s.log.Errorf("task log: %s", err.Error())
			}
		}
	}()

	for {
		cmd, err := dec.Next()
		if err != nil {
			if err != io.EOF {
				s.log.Errorf("client %s: %s", nc.RemoteAddr().String(), err.Error())
			}
			return
		}
		if !cmd.Tag.IsTask() {
			s.reply(nc, wire.EncodeError(raiseError(wire.ErrcodeBadSession,
				"unexpected %v inside open session", cmd.Tag)))
			return
		}
		resp := exec.RunTask(cmd)
		if !s.reply(nc, resp) {
			return
		}
		if resp.Tag == wire.TagError {
			// An evaluation error poisons the session. The client
			// records it sticky and will not send more work here.
			return
		}
	}
}

func (s *Server) reply(nc net.Conn, resp *wire.Command) bool {
	if _, err := nc.Write(resp.Encode()); err != nil {
		s.log.Errorf("client %s: write: %s", nc.RemoteAddr().String(), err.Error())
		return false
	}
	return true
}
