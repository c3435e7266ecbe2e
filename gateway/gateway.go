// Package gateway turns accepted board mutations into ordered, broadcast
// events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"board-stream/broadcast"
	"board-stream/domain"
	"board-stream/ordering"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Publisher fans an event out to a board's room.
type Publisher interface {
	Publish(ctx context.Context, boardID string, ev domain.Event, exclude string) (broadcast.Result, error)
}

// Ordering applies positional changes.
type Ordering interface {
	Move(ctx context.Context, req domain.MoveRequest) (ordering.Outcome, error)
	Insert(ctx context.Context, ref domain.ContainerRef, itemID string, position *int) (ordering.Outcome, error)
	Remove(ctx context.Context, ref domain.ContainerRef, itemID string, hint *int) (ordering.Outcome, error)
}

// Deduper records idempotency keys. Add returns true when the key is new.
type Deduper interface {
	Add(ctx context.Context, scope, key string) (bool, error)
	Remove(ctx context.Context, scope, key string) error
}

// Catalog mirrors item existence into the position store. It is only set
// when no CRUD service writes the store itself.
type Catalog interface {
	UpsertItem(ctx context.Context, it domain.Item) error
	DeleteItem(ctx context.Context, boardID, itemID string) error
}

// Result is the outcome of a handled mutation.
type Result struct {
	Event        *domain.Event           `json:"event,omitempty"`
	Updates      []domain.PositionUpdate `json:"updates"`
	Inconsistent bool                    `json:"inconsistent"`
	Duplicate    bool                    `json:"duplicate,omitempty"`
	Delivery     broadcast.Result        `json:"delivery"`
}

// Gateway validates mutations, runs the ordering service for positional
// ones and publishes the resulting event.
type Gateway struct {
	ordering  Ordering
	publisher Publisher
	deduper   Deduper
	queue     ReconcileQueue
	catalog   Catalog
	clock     *clock
	logger    *log.Logger
}

func New(ord Ordering, pub Publisher, deduper Deduper, queue ReconcileQueue, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Gateway{ordering: ord, publisher: pub, deduper: deduper, queue: queue, clock: newClock(time.Now), logger: logger}
}

// UseClock replaces the source of event timestamps. Emitted timestamps stay
// strictly increasing whatever now returns.
func (g *Gateway) UseClock(now func() time.Time) { g.clock = newClock(now) }

// UseCatalog makes creates and deletes register and drop items in c before
// ordering runs.
func (g *Gateway) UseCatalog(c Catalog) { g.catalog = c }

// Handle processes one mutation. Moves fail synchronously with
// domain.ErrConflict or domain.ErrNotFound and emit nothing; a move that was
// only partly written also schedules both containers for reconciliation.
// Creates and deletes are already persisted, so an ordering failure for them
// is queued for reconciliation and the event is still emitted.
func (g *Gateway) Handle(ctx context.Context, m Mutation) (res Result, err error) {
	metrics, ctx := newMutationMetrics(ctx, g.logger, m)
	defer func() { metrics.Log(StatusFor(err), err) }()

	if err = m.Validate(); err != nil {
		metrics.SetErrorStage("validate")
		return Result{}, err
	}

	if m.IdempotencyKey != "" && g.deduper != nil {
		added, dedupeErr := g.deduper.Add(ctx, m.BoardID, m.IdempotencyKey)
		switch {
		case dedupeErr != nil:
			g.logger.WithError(dedupeErr).WithField("key", m.IdempotencyKey).Warn("idempotency check failed; processing anyway")
		case !added:
			metrics.SetDuplicate()
			return Result{Duplicate: true, Updates: []domain.PositionUpdate{}}, nil
		default:
			defer func() {
				if err == nil {
					return
				}
				if rmErr := g.deduper.Remove(context.WithoutCancel(ctx), m.BoardID, m.IdempotencyKey); rmErr != nil {
					g.logger.WithError(rmErr).WithField("key", m.IdempotencyKey).Error("unable to release idempotency key")
				}
			}()
		}
	}

	var outcome *ordering.Outcome
	if m.Positional() {
		start := time.Now()
		out, ordErr := g.applyOrdering(ctx, m)
		metrics.ObserveOrdering(time.Since(start), out.Attempts, len(out.Updates))
		switch {
		case ordErr == nil:
			outcome = &out
			res.Updates = out.Updates
		case m.Action == domain.ActionMoved && errors.Is(ordErr, domain.ErrInconsistent):
			metrics.SetInconsistent()
			metrics.SetErrorStage("ordering")
			g.reportInconsistency(ctx, m, ordErr, m.Container(), m.DestContainer())
			return Result{}, fmt.Errorf("%w: %w", domain.ErrConflict, ordErr)
		case m.Action == domain.ActionMoved || errors.Is(ordErr, domain.ErrInvalidInput) || ctx.Err() != nil:
			metrics.SetErrorStage("ordering")
			return Result{}, ordErr
		default:
			metrics.SetInconsistent()
			res.Inconsistent = true
			g.reportInconsistency(ctx, m, ordErr, m.Container())
		}
	}

	payload, err := buildPayload(m, outcome)
	if err != nil {
		metrics.SetErrorStage("payload")
		return Result{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	ev := domain.Event{
		ID:         uuid.NewString(),
		Flavor:     m.Flavor,
		Action:     m.Action,
		BoardID:    m.BoardID,
		Payload:    payload,
		Originator: m.Originator,
		Timestamp:  g.clock.Next(),
	}

	start := time.Now()
	delivery, err := g.publisher.Publish(ctx, m.BoardID, ev, m.Originator)
	metrics.ObservePublish(time.Since(start), delivery.Recipients, len(delivery.Failed))
	if err != nil {
		metrics.SetErrorStage("publish")
		return Result{}, fmt.Errorf("publish event %s: %w", ev.ID, err)
	}
	if res.Updates == nil {
		res.Updates = []domain.PositionUpdate{}
	}
	res.Event = &ev
	res.Delivery = delivery
	return res, nil
}

func (g *Gateway) applyOrdering(ctx context.Context, m Mutation) (ordering.Outcome, error) {
	switch m.Action {
	case domain.ActionMoved:
		return g.ordering.Move(ctx, domain.MoveRequest{
			ItemID:       m.ItemID,
			Source:       m.Container(),
			Dest:         m.DestContainer(),
			DestPosition: *m.Position,
		})
	case domain.ActionCreated:
		if g.catalog != nil {
			ref := m.Container()
			// Parked past the end so a failed insert reconciles to an append.
			it := domain.Item{ID: m.ItemID, Kind: ref.Kind, BoardID: m.BoardID, ContainerID: ref.ID, Position: math.MaxInt32}
			if err := g.catalog.UpsertItem(ctx, it); err != nil {
				return ordering.Outcome{}, fmt.Errorf("register item %s: %w", m.ItemID, err)
			}
		}
		return g.ordering.Insert(ctx, m.Container(), m.ItemID, m.Position)
	case domain.ActionDeleted:
		if g.catalog != nil {
			if err := g.catalog.DeleteItem(ctx, m.BoardID, m.ItemID); err != nil {
				return ordering.Outcome{}, fmt.Errorf("drop item %s: %w", m.ItemID, err)
			}
		}
		return g.ordering.Remove(ctx, m.Container(), m.ItemID, m.Position)
	}
	return ordering.Outcome{}, fmt.Errorf("%w: action %q is not positional", domain.ErrInvalidInput, m.Action)
}

func (g *Gateway) reportInconsistency(ctx context.Context, m Mutation, cause error, refs ...domain.ContainerRef) {
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if seen[ref.Key()] {
			continue
		}
		seen[ref.Key()] = true
		g.logger.WithError(cause).WithFields(log.Fields{
			"inconsistency": true,
			"board":         m.BoardID,
			"container":     ref.Key(),
			"item":          m.ItemID,
			"action":        m.Action,
		}).Warn("ordering failed for persisted mutation; scheduling reconciliation")
		if g.queue == nil {
			continue
		}
		job := domain.ReconcileJob{Container: ref, Reason: string(m.Action) + " " + m.ItemID, EnqueuedAt: time.Now().UTC()}
		if err := g.queue.Enqueue(context.WithoutCancel(ctx), job); err != nil {
			g.logger.WithError(err).WithField("container", ref.Key()).Error("unable to enqueue reconciliation")
		}
	}
}

// StatusFor maps a Handle error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
