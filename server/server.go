// Package server implements the dispense protocol server.
//
// The server accepts TCP connections and runs one session per connection.
// A session authenticates its user (AUTOAUTH from trusted privileged ports,
// or USER/PASS with a per-session salt), then serves catalog, dispense and
// account commands. Dispenses are routed through a dispense.Registry to the
// handler of the item type; money moves through a ledger.Accounts store.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-dispense/dispense"
	"github.com/arloliu/go-dispense/internal/task"
	"github.com/arloliu/go-dispense/ledger"
	"github.com/arloliu/go-dispense/logger"
	"github.com/arloliu/go-dispense/wire"
)

// ErrServerClosed is returned by Start on a closed server.
var ErrServerClosed = errors.New("server: closed")

// Server is the dispense protocol server.
type Server struct {
	cfg      *Config
	catalog  *Catalog
	registry *dispense.Registry
	accounts ledger.Accounts
	house    ledger.House

	ctx     context.Context
	cancel  context.CancelFunc
	taskMgr *task.Manager

	listenerMu sync.Mutex
	listener   net.Listener

	sessions *xsync.MapOf[uuid.UUID, *session]
	shutdown atomic.Bool
	started  time.Time

	userLocks *xsync.MapOf[int, *sync.Mutex] // dispense locks by user id

	logger logger.Logger
}

// New creates a server. Nothing listens until Start.
func New(catalog *Catalog, registry *dispense.Registry, accounts ledger.Accounts, cfg *Config) (*Server, error) {
	if catalog == nil || registry == nil || accounts == nil {
		return nil, errors.New("server: catalog, registry and accounts are required")
	}
	if cfg == nil {
		var err error
		if cfg, err = NewConfig(); err != nil {
			return nil, err
		}
	}

	return &Server{
		cfg:      cfg,
		catalog:  catalog,
		registry: registry,
		accounts: accounts,
		sessions:  xsync.NewMapOf[uuid.UUID, *session](),
		userLocks: xsync.NewMapOf[int, *sync.Mutex](),
		logger:    cfg.logger,
	}, nil
}

// lockUser serializes dispenses charged to uid and returns the unlock
// function.
func (s *Server) lockUser(uid int) func() {
	mu, _ := s.userLocks.LoadOrCompute(uid, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()

	return mu.Unlock
}

// Start creates the house accounts, starts listening and accepts
// connections until Close is called or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.shutdown.Load() {
		return ErrServerClosed
	}

	house, err := ledger.EnsureHouse(ctx, s.accounts)
	if err != nil {
		return err
	}
	s.house = house

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.taskMgr = task.NewManager(s.ctx, s.logger)
	s.started = time.Now()

	var lc net.ListenConfig
	listener, err := lc.Listen(s.ctx, "tcp", s.cfg.Address())
	if err != nil {
		s.logger.Error("failed to listen", "address", s.cfg.Address(), "error", err)
		s.cancel()

		return fmt.Errorf("server: listen %s: %w", s.cfg.Address(), err)
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	s.logger.Info("server listening", "address", listener.Addr().String())

	return s.taskMgr.Start("accept", s.tryAccept)
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// House returns the ids of the house accounts. Valid after Start.
func (s *Server) House() ledger.House {
	return s.house
}

// Uptime returns the time since Start.
func (s *Server) Uptime() time.Duration {
	if s.started.IsZero() {
		return 0
	}

	return time.Since(s.started)
}

// Close stops accepting, closes every session and waits for their tasks.
func (s *Server) Close() error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	err := s.closeListener()
	s.sessions.Range(func(_ uuid.UUID, ss *session) bool {
		_ = ss.ch.Close()
		return true
	})

	if s.taskMgr != nil {
		s.cancel()
		s.taskMgr.Stop()
		s.taskMgr.Wait()
	}
	s.logger.Info("server closed")

	return err
}

// ServeConn runs a session on an established connection. It returns when
// the session ends.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	ss, err := s.newSession(conn)
	if err != nil {
		s.logger.Error("failed to create session", "remote_address", conn.RemoteAddr(), "error", err)
		_ = conn.Close()

		return
	}
	ss.run(ctx)
}

func (s *Server) tryAccept() bool {
	tcpListener := s.getTCPListener()
	if tcpListener == nil {
		return false
	}

	conn, err := tcpListener.Accept()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			select {
			case <-s.ctx.Done():
				return false
			default:
				return true
			}
		}

		if !s.shutdown.Load() {
			s.logger.Error("failed to accept connection", "error", err)
			return true
		}

		return false
	}

	if s.sessions.Size() >= s.cfg.maxSessions {
		s.logger.Warn("too many sessions, connection refused", "remote_address", conn.RemoteAddr(), "max_sessions", s.cfg.maxSessions)
		_ = conn.Close()

		return true
	}

	ss, err := s.newSession(conn)
	if err != nil {
		s.logger.Error("failed to create session", "remote_address", conn.RemoteAddr(), "error", err)
		_ = conn.Close()

		return true
	}

	if err := s.taskMgr.Go("session-"+ss.id.String(), ss.run); err != nil {
		ss.close()
	}

	return true
}

func (s *Server) getTCPListener() *net.TCPListener {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	if s.listener == nil {
		return nil
	}

	tcpListener, ok := s.listener.(*net.TCPListener)
	if !ok {
		s.logger.Error("failed to convert listener to TCPListener", "type", reflect.TypeOf(s.listener))
		return nil
	}

	if err := tcpListener.SetDeadline(time.Now().Add(s.cfg.acceptTimeout)); err != nil {
		s.logger.Error("failed to set deadline for tcp listener", "error", err)
		return nil
	}

	return tcpListener
}

func (s *Server) closeListener() error {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil

	return err
}

// SessionInfo describes a connected session.
type SessionInfo struct {
	ID            string    `json:"id"`
	RemoteAddress string    `json:"remote_address"`
	User          string    `json:"user,omitempty"`
	EffectiveUser string    `json:"effective_user,omitempty"`
	Since         time.Time `json:"since"`
}

// Sessions returns the connected sessions.
func (s *Server) Sessions() []SessionInfo {
	infos := make([]SessionInfo, 0, s.sessions.Size())
	s.sessions.Range(func(_ uuid.UUID, ss *session) bool {
		infos = append(infos, ss.info())
		return true
	})

	return infos
}

func (s *Server) newSession(conn net.Conn) (*session, error) {
	ch, err := wire.NewLineChannel(conn,
		wire.WithMaxLineLength(s.cfg.maxLineLength),
		wire.WithReadTimeout(s.cfg.idleTimeout),
		wire.WithWriteTimeout(s.cfg.writeTimeout),
		wire.WithChannelLogger(s.logger),
	)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	ss := &session{
		id:      id,
		srv:     s,
		ch:      ch,
		remote:  conn.RemoteAddr().String(),
		trusted: s.cfg.trustedPeer(conn.RemoteAddr()),
		since:   time.Now(),
		logger:  s.logger.With("session", id.String()),
	}
	s.sessions.Store(id, ss)
	s.cfg.metrics.SessionOpened()
	ss.logger.Info("session opened", "remote_address", ss.remote, "trusted", ss.trusted)

	return ss, nil
}

func (s *Server) removeSession(ss *session) {
	if _, ok := s.sessions.LoadAndDelete(ss.id); ok {
		s.cfg.metrics.SessionClosed()
	}
}
