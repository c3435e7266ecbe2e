// Package broadcast fans board events out to the live sessions of every
// room member.
package broadcast

import (
	"context"
	"errors"
	"fmt"

	"board-stream/domain"
	"board-stream/session"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// ErrSendPanicked is reported when a connection panics during Send.
var ErrSendPanicked = errors.New("send panicked")

// Members resolves a board's room members.
type Members interface {
	MembersOf(boardID string) []string
}

// Sessions resolves an identity's live sessions.
type Sessions interface {
	SessionsOf(identity string) []*session.Session
}

// FailureHandler is told about every session a delivery failed for. It runs
// inside Publish and must not block.
type FailureHandler func(sessionID string, err error)

// Result summarizes one fan-out.
type Result struct {
	Recipients int      `json:"recipients"`
	Delivered  int      `json:"delivered"`
	Failed     []string `json:"failed,omitempty"`
}

// Broadcaster delivers events to local sessions.
type Broadcaster struct {
	members   Members
	sessions  Sessions
	onFailure FailureHandler
	logger    *log.Logger
}

func New(members Members, sessions Sessions, logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Broadcaster{members: members, sessions: sessions, logger: logger}
}

// OnFailure installs the delivery failure handler.
func (b *Broadcaster) OnFailure(fn FailureHandler) { b.onFailure = fn }

// Publish sends ev to every session of every member of boardID except the
// sessions owned by exclude. Sessions are resolved at send time; a member
// without sessions is skipped.
func (b *Broadcaster) Publish(ctx context.Context, boardID string, ev domain.Event, exclude string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}
	data, err := sonic.Marshal(ev.Message())
	if err != nil {
		return Result{}, fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	var res Result
	for _, identity := range b.members.MembersOf(boardID) {
		if identity == exclude {
			continue
		}
		for _, s := range b.sessions.SessionsOf(identity) {
			res.Recipients++
			if err := trySend(s.Conn, data); err != nil {
				res.Failed = append(res.Failed, s.ID)
				b.logger.WithFields(log.Fields{
					"session":  s.ID,
					"identity": identity,
					"board":    boardID,
					"event":    ev.ID,
				}).WithError(err).Warn("event delivery failed")
				if b.onFailure != nil {
					b.onFailure(s.ID, err)
				}
				continue
			}
			res.Delivered++
		}
	}
	b.logger.WithFields(log.Fields{
		"board":      boardID,
		"event":      ev.ID,
		"type":       ev.Flavor,
		"action":     ev.Action,
		"recipients": res.Recipients,
		"failed":     len(res.Failed),
	}).Debug("event broadcast")
	return res, nil
}

// trySend guards against connections whose outbound queue was closed
// concurrently with the send.
func trySend(conn session.Conn, data []byte) (err error) {
	if conn == nil {
		return fmt.Errorf("%w: nil connection", ErrSendPanicked)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSendPanicked, r)
		}
	}()
	return conn.Send(data)
}
