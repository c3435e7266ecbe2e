// Package liveness probes live sessions and terminates those that stop
// answering.
package liveness

import (
	"context"
	"sync"
	"time"

	"board-stream/session"

	log "github.com/sirupsen/logrus"
)

// DefaultInterval is the probe period.
const DefaultInterval = 30 * time.Second

// CloseGoingAway is the close code sent to a terminated connection.
const CloseGoingAway = 1001

// Sessions is the registry view the monitor needs.
type Sessions interface {
	All() []*session.Session
	Get(id string) (*session.Session, bool)
	Unregister(id string) (identity string, last bool, ok bool)
}

// Monitor runs the ALIVE -> AWAITING -> TERMINATED cycle for every session.
// A session that has not answered a probe by the next cycle is closed and
// unregistered, which cascades into room eviction.
type Monitor struct {
	sessions Sessions
	interval time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(sessions Sessions, interval time.Duration, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Monitor{sessions: sessions, interval: interval, logger: logger}
}

func (m *Monitor) Interval() time.Duration { return m.interval }

// Start launches the probe loop. It is a no-op if already running.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		m.logger.WithField("interval", m.interval).Info("liveness monitor started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.logger.Info("liveness monitor stopped")
}

// Sweep runs one probe cycle and returns the number of terminated sessions.
func (m *Monitor) Sweep() int {
	terminated := 0
	for _, s := range m.sessions.All() {
		if s.MarkAwaiting() == session.StateAwaiting {
			m.terminate(s, "missed heartbeat")
			terminated++
			continue
		}
		if err := s.Conn.Ping(); err != nil {
			m.logger.WithError(err).WithField("session", s.ID).Debug("ping failed")
			m.terminate(s, "ping failed")
			terminated++
		}
	}
	if terminated > 0 {
		m.logger.WithField("terminated", terminated).Info("liveness sweep terminated sessions")
	}
	return terminated
}

// Pong marks a session alive. It reports whether the session is known.
func (m *Monitor) Pong(sessionID string) bool {
	s, ok := m.sessions.Get(sessionID)
	if !ok {
		return false
	}
	s.MarkAlive()
	return true
}

// Recheck marks a session AWAITING and queues a probe, typically after a
// failed delivery. The session must answer before the next cycle to survive.
// It never waits on the connection, so it is safe to call from a fan-out.
func (m *Monitor) Recheck(sessionID string, cause error) {
	s, ok := m.sessions.Get(sessionID)
	if !ok {
		return
	}
	if s.MarkAwaiting() == session.StateAwaiting {
		return
	}
	if err := s.Conn.Ping(); err != nil {
		m.logger.WithError(err).WithField("session", sessionID).Debug("recheck ping failed")
		m.terminate(s, "ping failed")
		return
	}
	m.logger.WithError(cause).WithField("session", sessionID).Debug("session scheduled for recheck")
}

func (m *Monitor) terminate(s *session.Session, reason string) {
	if err := s.Conn.Close(CloseGoingAway, reason); err != nil {
		m.logger.WithError(err).WithField("session", s.ID).Debug("close failed")
	}
	identity, last, ok := m.sessions.Unregister(s.ID)
	if !ok {
		return
	}
	m.logger.WithFields(log.Fields{"session": s.ID, "identity": identity, "last": last, "reason": reason}).Info("session terminated")
}
