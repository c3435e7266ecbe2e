package broadcast

import (
	"context"
	"fmt"
	"time"

	"board-stream/domain"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// LocalPublisher delivers to sessions held by this process.
type LocalPublisher interface {
	Publish(ctx context.Context, boardID string, ev domain.Event, exclude string) (Result, error)
}

type envelope struct {
	Origin  string       `json:"origin"`
	BoardID string       `json:"boardId"`
	Exclude string       `json:"exclude,omitempty"`
	Event   domain.Event `json:"event"`
}

// Relay delivers locally and republishes every event on a Redis channel so
// that peers holding other sessions of the room deliver it too.
type Relay struct {
	local   LocalPublisher
	rc      *redis.Client
	channel string
	origin  string
	logger  *log.Logger
	retry   time.Duration
}

func NewRelay(local LocalPublisher, rc *redis.Client, channel string, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{
		local:   local,
		rc:      rc,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
		retry:   time.Second,
	}
}

func (r *Relay) Publish(ctx context.Context, boardID string, ev domain.Event, exclude string) (Result, error) {
	res, err := r.local.Publish(ctx, boardID, ev, exclude)
	if err != nil {
		return res, err
	}
	payload, err := sonic.Marshal(envelope{Origin: r.origin, BoardID: boardID, Exclude: exclude, Event: ev})
	if err != nil {
		return res, fmt.Errorf("marshal relay envelope: %w", err)
	}
	if err := r.rc.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.WithError(err).WithFields(log.Fields{"board": boardID, "channel": r.channel}).Error("unable to relay event")
	}
	return res, nil
}

// Run consumes events relayed by peers until ctx is done, resubscribing
// whenever the subscription channel closes.
func (r *Relay) Run(ctx context.Context) {
	for {
		sub := r.rc.Subscribe(ctx, r.channel)
		r.consume(ctx, sub.Channel())
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.WithField("channel", r.channel).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.retry):
		}
	}
}

func (r *Relay) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := sonic.UnmarshalString(msg.Payload, &env); err != nil {
				r.logger.WithError(err).Error("unable to parse relayed event")
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			if _, err := r.local.Publish(ctx, env.BoardID, env.Event, env.Exclude); err != nil {
				r.logger.WithError(err).WithField("board", env.BoardID).Warn("relayed event not delivered")
			}
		}
	}
}
