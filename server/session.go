package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arloliu/go-dispense/dispense"
	"github.com/arloliu/go-dispense/logger"
	"github.com/arloliu/go-dispense/wire"
)

// session serves one client connection. Commands are handled one at a time
// in the order received.
type session struct {
	id      uuid.UUID
	srv     *Server
	ch      *wire.LineChannel
	remote  string
	trusted bool
	since   time.Time
	logger  logger.Logger

	mu sync.Mutex // guards the fields below for info()
	// uid is the authenticated user, euid the user commands act as.
	// Zero means none.
	uid      int
	euid     int
	userName string
	euName   string

	// password challenge
	pendingUID  int
	pendingName string
	salt        string
	failures    int

	closeOnce sync.Once
}

func (ss *session) run(ctx context.Context) {
	defer ss.close()

	for {
		line, err := ss.ch.ReceiveLine(ctx)
		if err != nil {
			if wire.IsProtocolError(err) {
				ss.logger.Warn("invalid request line", "error", err)
				_ = ss.send(ctx, wire.FormatStatus(wire.CodeBadRequest, "Line too long"))
			} else if !errors.Is(err, wire.ErrConnectionClosed) {
				ss.logger.Debug("session receive failed", "error", err)
			}

			return
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		req, err := wire.ParseRequest(line)
		if err != nil {
			_ = ss.send(ctx, wire.FormatStatus(wire.CodeBadRequest, ""))
			continue
		}

		lines, code := ss.dispatch(ctx, req)
		ss.srv.cfg.metrics.RecordCommand(req.Command, code)
		if err := ss.send(ctx, lines...); err != nil {
			ss.logger.Debug("session send failed", "error", err)
			return
		}

		if ss.tooManyFailures() {
			ss.logger.Warn("too many authentication failures, closing session", "failures", ss.failures)
			return
		}
	}
}

func (ss *session) send(ctx context.Context, lines ...string) error {
	for _, line := range lines {
		if err := ss.ch.Send(ctx, line); err != nil {
			return err
		}
	}

	return nil
}

func (ss *session) close() {
	ss.closeOnce.Do(func() {
		_ = ss.ch.Close()
		ss.srv.removeSession(ss)
		ss.logger.Info("session closed", "user", ss.userName)
	})
}

func (ss *session) info() SessionInfo {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	info := SessionInfo{
		ID:            ss.id.String(),
		RemoteAddress: ss.remote,
		User:          ss.userName,
		Since:         ss.since,
	}
	if ss.euid != ss.uid {
		info.EffectiveUser = ss.euName
	}

	return info
}

func (ss *session) tooManyFailures() bool {
	return ss.failures >= ss.srv.cfg.maxAuthFailures
}

func (ss *session) authenticated() bool {
	return ss.uid != 0
}

func (ss *session) login(uid int, name string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.uid, ss.euid = uid, uid
	ss.userName, ss.euName = name, name
	ss.pendingUID, ss.pendingName, ss.salt = 0, "", ""
}

func (ss *session) setEffective(uid int, name string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.euid, ss.euName = uid, name
}

// realUser loads the authenticated user; permission checks use it.
func (ss *session) realUser(ctx context.Context) (dispense.User, error) {
	return ss.srv.accounts.User(ctx, ss.uid)
}

// actingUser loads the user commands act as; money moves from its account.
func (ss *session) actingUser(ctx context.Context) (dispense.User, error) {
	return ss.srv.accounts.User(ctx, ss.euid)
}
