// Package task runs and tracks the background goroutines of the dispense
// server: accept loops, per-connection sessions and periodic device refreshes.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-dispense/logger"
)

// ErrStopped is returned when a task is started on a stopped Manager.
var ErrStopped = errors.New("task: manager already stopped")

// LoopFunc is called repeatedly by a loop task until it returns false
// or the manager is stopped.
type LoopFunc func() bool

// RunFunc is the body of a one-shot task. ctx is cancelled when the manager stops.
type RunFunc func(ctx context.Context)

// Manager manages the lifecycle of goroutines.
//
// All goroutines share a context derived from the parent passed to NewManager.
// Stop cancels that context and Wait blocks until every goroutine has returned,
// after which the manager can be reused.
//
//	mgr := task.NewManager(ctx, logger)
//	_, _ = mgr.StartInterval("coke-refresh", func() bool {
//	    _ = handler.Refresh(ctx)
//	    return true
//	}, time.Minute, false)
//	...
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	pctx    context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logger.Logger
	count   atomic.Int32
	tickers sync.Map     // map[string]*time.Ticker
	mu      sync.RWMutex // protect ctx and cancel
	taskMu  sync.RWMutex // protect task creation during Wait()
}

// NewManager creates a new Manager with ctx as the parent context.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	if l == nil {
		l = logger.GetLogger()
	}
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by the running tasks.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start starts a goroutine calling fn until it returns false.
func (mgr *Manager) Start(name string, fn LoopFunc) error {
	mgr.logger.Debug("start task", "name", name)

	starter, err := mgr.newStarter(name)
	if err != nil {
		return err
	}

	starter.start(func() {
		mgr.runLoop(name, fn)
	})

	return starter.waitForStart()
}

// Go starts a goroutine running fn once.
func (mgr *Manager) Go(name string, fn RunFunc) error {
	starter, err := mgr.newStarter(name)
	if err != nil {
		return err
	}

	ctx := mgr.Context()
	starter.start(func() {
		mgr.callWithRecover(name, func() { fn(ctx) })
	})

	return starter.waitForStart()
}

// StartInterval starts a goroutine that executes fn every interval until fn
// returns false or the manager is stopped. If runNow is true, fn is executed
// once synchronously before the goroutine starts.
func (mgr *Manager) StartInterval(name string, fn LoopFunc, interval time.Duration, runNow bool) (*time.Ticker, error) {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "run_now", runNow)

	if interval <= 0 {
		return nil, fmt.Errorf("task: invalid interval %v", interval)
	}

	ticker := time.NewTicker(interval)
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return nil, fmt.Errorf("task: interval task %s already exists", name)
	}

	cleanup := func() {
		ticker.Stop()
		mgr.tickers.Delete(name)
	}

	if runNow && !mgr.callWithRecoverBool(name, fn) {
		cleanup()
		mgr.logger.Debug("interval task terminated by first run", "name", name)
		return ticker, nil
	}

	starter, err := mgr.newStarter(name)
	if err != nil {
		cleanup()
		return nil, err
	}

	starter.start(func() {
		defer cleanup()

		for {
			ctx := mgr.Context()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecoverBool(name, fn) {
					return
				}
			}
		}
	})

	if err := starter.waitForStart(); err != nil {
		cleanup()
		return nil, err
	}

	return ticker, nil
}

// StopInterval stops the interval task with the given name.
func (mgr *Manager) StopInterval(name string) error {
	val, ok := mgr.tickers.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("task: interval task %s not found", name)
	}
	if ticker, ok := val.(*time.Ticker); ok {
		ticker.Stop()
	}

	return nil
}

// Stop signals all running goroutines to terminate.
func (mgr *Manager) Stop() {
	mgr.tickers.Range(func(_, value any) bool {
		if ticker, ok := value.(*time.Ticker); ok {
			ticker.Stop()
		}
		return true
	})

	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait waits for all goroutines to terminate and re-arms the manager.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running goroutines.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) callWithRecover(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
		}
	}()

	fn()
}

func (mgr *Manager) callWithRecoverBool(name string, fn func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			ok = true
		}
	}()

	return fn()
}

func (mgr *Manager) runLoop(name string, fn LoopFunc) {
	for {
		ctx := mgr.Context()
		select {
		case <-ctx.Done():
			return
		default:
			if !mgr.callWithRecoverBool(name, fn) {
				return
			}
		}
	}
}

type starter struct {
	mgr     *Manager
	name    string
	started chan struct{}
}

func (mgr *Manager) newStarter(name string) (*starter, error) {
	select {
	case <-mgr.Context().Done():
		return nil, ErrStopped
	default:
	}

	return &starter{mgr: mgr, name: name, started: make(chan struct{})}, nil
}

func (s *starter) start(body func()) {
	s.mgr.taskMu.RLock()
	defer s.mgr.taskMu.RUnlock()

	s.mgr.wg.Add(1)
	go func() {
		defer s.mgr.wg.Done()

		s.mgr.count.Add(1)
		close(s.started)

		defer func() {
			s.mgr.count.Add(-1)
			s.mgr.logger.Debug("task terminated", "name", s.name, "task_count", s.mgr.TaskCount())
		}()

		body()
	}()
}

func (s *starter) waitForStart() error {
	select {
	case <-s.started:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("task: timeout waiting for %s to start", s.name)
	}
}
