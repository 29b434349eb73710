package livecall

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// SupervisorConfig wires a Supervisor.
type SupervisorConfig struct {
	LiveURL     string
	Ingestor    *Ingestor
	Rehydrator  *Rehydrator
	Hooks       Hooks
	Simulated   bool
	RedialDelay time.Duration
}

// Supervisor owns the one live socket of a view: it dials, reports
// connection state, rehydrates on each connect, and pumps frames into
// the ingestor. A read or transport error only ever costs the
// connection, never session state.
type Supervisor struct {
	liveURL     string
	ingestor    *Ingestor
	rehydrator  *Rehydrator
	hooks       Hooks
	simulated   bool
	redialDelay time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	started   bool
	closed    bool
	connected bool
}

// NewSupervisor creates a supervisor. It is inert until Start.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		liveURL:     cfg.LiveURL,
		ingestor:    cfg.Ingestor,
		rehydrator:  cfg.Rehydrator,
		hooks:       cfg.Hooks,
		simulated:   cfg.Simulated,
		redialDelay: cfg.RedialDelay,
	}
}

// Start dials the live channel and begins reading. It returns an
// error when the initial dial fails; after that, a dropped connection
// is redialed with a fixed delay when one is configured, and each
// reconnect re-runs rehydration. Start may be called once.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("supervisor closed")
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	conn, err := s.dial(runCtx)
	if err != nil {
		cancel()
		close(s.done)
		return fmt.Errorf("open live channel: %w", err)
	}

	s.setConn(conn, true)
	s.hooks.connection(true)

	go s.run(runCtx, conn)
	return nil
}

// Close tears down the socket and the read loop, then waits for them
// to finish. Idempotent and safe from any goroutine. Closing the
// socket on teardown is mandatory; a closed view leaks nothing.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	conn := s.conn
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "view closed")
	}
	if done != nil {
		<-done
	}
}

// Connected reports whether the live channel is currently up.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Supervisor) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)

	for {
		s.afterOpen(ctx)
		s.readLoop(ctx, conn)

		s.setConn(nil, false)
		s.hooks.connection(false)
		_ = conn.Close(websocket.StatusNormalClosure, "connection done")

		if ctx.Err() != nil || s.redialDelay <= 0 {
			return
		}

		next := s.redial(ctx)
		if next == nil {
			return
		}
		conn = next
		s.setConn(conn, true)
		s.hooks.connection(true)
	}
}

// afterOpen runs the per-connection setup: rehydration, unless the
// view is simulated and has no hub to ask.
func (s *Supervisor) afterOpen(ctx context.Context) {
	if s.simulated {
		return
	}
	if err := s.rehydrator.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("Rehydration failed, continuing with live events only", "error", err)
	}
}

func (s *Supervisor) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("Live channel closed", "status", websocket.CloseStatus(err))
			} else if ctx.Err() == nil {
				slog.Warn("Live channel read error", "error", err)
			}
			return
		}
		s.ingestor.HandleRaw(raw)
	}
}

// redial retries the dial with a fixed delay until it succeeds or the
// context ends.
func (s *Supervisor) redial(ctx context.Context) *websocket.Conn {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.redialDelay):
		}

		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("Live channel redial failed", "error", err)
			continue
		}
		slog.Info("Live channel reconnected")
		return conn
	}
}

func (s *Supervisor) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, s.liveURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Supervisor) setConn(conn *websocket.Conn, connected bool) {
	s.mu.Lock()
	s.conn = conn
	s.connected = connected
	s.mu.Unlock()
}
