// Package session tracks live connections and the identity that owns each.
package session

import (
	"sync/atomic"
	"time"
)

// Conn is the outbound side of a live connection. None of its methods may
// wait on the network: Send reports a full outbound queue as an error, Ping
// only queues a probe and Close finishes the teardown in the background.
type Conn interface {
	Send(msg []byte) error
	Ping() error
	Close(code int, reason string) error
}

// State is a session's liveness state.
type State int32

const (
	StateAlive State = iota
	StateAwaiting
)

func (s State) String() string {
	if s == StateAwaiting {
		return "AWAITING"
	}
	return "ALIVE"
}

// Session is one live connection owned by one identity.
type Session struct {
	ID          string
	Identity    string
	Conn        Conn
	ConnectedAt time.Time

	state atomic.Int32
}

func (s *Session) State() State { return State(s.state.Load()) }

// MarkAlive records a pong.
func (s *Session) MarkAlive() { s.state.Store(int32(StateAlive)) }

// MarkAwaiting moves the session to AWAITING and returns the previous state.
func (s *Session) MarkAwaiting() State {
	return State(s.state.Swap(int32(StateAwaiting)))
}
