package ordering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"board-stream/domain"

	log "github.com/sirupsen/logrus"
)

// Store reads container snapshots and persists position writes. A
// PersistPositions call is applied atomically or not at all; it returns
// domain.ErrConcurrencyConflict when any version no longer matches,
// domain.ErrNotFound when an item vanished and domain.ErrInconsistent
// when only part of the batch could be applied.
type Store interface {
	ReadContainer(ctx context.Context, ref domain.ContainerRef) ([]domain.Item, error)
	PersistPositions(ctx context.Context, boardID string, updates []domain.PositionUpdate) error
}

// Outcome describes an applied ordering operation.
type Outcome struct {
	Updates     []domain.PositionUpdate
	OldPosition int
	NewPosition int
	NoOp        bool
	Attempts    int
}

const (
	defaultMaxAttempts = 5
	defaultRetryDelay  = 10 * time.Millisecond
)

// Service runs engine plans against a Store under per-container locks,
// retrying the read-compute-write cycle on version conflicts.
type Service struct {
	store       Store
	locks       Locker
	maxAttempts int
	retryDelay  time.Duration
	logger      *log.Logger
}

type Option func(*Service)

func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.retryDelay = d
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(store Store, locks Locker, opts ...Option) *Service {
	s := &Service{
		store:       store,
		locks:       locks,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		logger:      log.StandardLogger(),
	}
	if s.locks == nil {
		s.locks = NewKeyedLocker(0)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Move relocates an item within or across containers.
func (s *Service) Move(ctx context.Context, req domain.MoveRequest) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	keys := []string{req.Source.Key()}
	if req.CrossContainer() {
		keys = append(keys, req.Dest.Key())
	}
	fields := log.Fields{"item": req.ItemID, "source": req.Source.Key(), "dest": req.Dest.Key(), "destPosition": req.DestPosition}
	return s.run(ctx, req.Source.BoardID, keys, fields, func(ctx context.Context) (Plan, error) {
		source, err := s.store.ReadContainer(ctx, req.Source)
		if err != nil {
			return Plan{}, fmt.Errorf("read source %s: %w", req.Source, err)
		}
		var dest []domain.Item
		if req.CrossContainer() {
			if dest, err = s.store.ReadContainer(ctx, req.Dest); err != nil {
				return Plan{}, fmt.Errorf("read dest %s: %w", req.Dest, err)
			}
		}
		return Move(source, dest, req.ItemID, req.Dest.ID, req.DestPosition)
	})
}

// Insert places a newly created item. A nil position appends.
func (s *Service) Insert(ctx context.Context, ref domain.ContainerRef, itemID string, position *int) (Outcome, error) {
	if err := ref.Validate(); err != nil {
		return Outcome{}, err
	}
	fields := log.Fields{"item": itemID, "container": ref.Key()}
	return s.run(ctx, ref.BoardID, []string{ref.Key()}, fields, func(ctx context.Context) (Plan, error) {
		items, err := s.store.ReadContainer(ctx, ref)
		if err != nil {
			return Plan{}, fmt.Errorf("read %s: %w", ref, err)
		}
		return Insert(items, itemID, ref.ID, position), nil
	})
}

// Remove closes the gap left by a deleted item. hint is the position the
// item held when it was deleted, if known.
func (s *Service) Remove(ctx context.Context, ref domain.ContainerRef, itemID string, hint *int) (Outcome, error) {
	if err := ref.Validate(); err != nil {
		return Outcome{}, err
	}
	fields := log.Fields{"item": itemID, "container": ref.Key()}
	return s.run(ctx, ref.BoardID, []string{ref.Key()}, fields, func(ctx context.Context) (Plan, error) {
		items, err := s.store.ReadContainer(ctx, ref)
		if err != nil {
			return Plan{}, fmt.Errorf("read %s: %w", ref, err)
		}
		return Remove(items, itemID, hint), nil
	})
}

// Reconcile renumbers a container to restore the dense invariant.
func (s *Service) Reconcile(ctx context.Context, ref domain.ContainerRef) (Outcome, error) {
	if err := ref.Validate(); err != nil {
		return Outcome{}, err
	}
	fields := log.Fields{"container": ref.Key(), "op": "reconcile"}
	return s.run(ctx, ref.BoardID, []string{ref.Key()}, fields, func(ctx context.Context) (Plan, error) {
		items, err := s.store.ReadContainer(ctx, ref)
		if err != nil {
			return Plan{}, fmt.Errorf("read %s: %w", ref, err)
		}
		return Compact(items), nil
	})
}

func (s *Service) run(ctx context.Context, boardID string, keys []string, fields log.Fields, compute func(context.Context) (Plan, error)) (Outcome, error) {
	unlock, err := s.locks.Lock(ctx, keys...)
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("container lock not acquired")
		return Outcome{}, err
	}
	defer unlock()

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		plan, err := compute(ctx)
		if err != nil {
			return Outcome{}, err
		}
		out := Outcome{
			Updates:     plan.Updates,
			OldPosition: plan.OldPosition,
			NewPosition: plan.NewPosition,
			NoOp:        plan.NoOp,
			Attempts:    attempt,
		}
		if len(plan.Updates) == 0 {
			return out, nil
		}
		err = s.store.PersistPositions(ctx, boardID, plan.Updates)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return Outcome{}, err
		}
		s.logger.WithFields(fields).WithField("attempt", attempt).Debug("position write conflicted, retrying")
		if attempt < s.maxAttempts && s.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			case <-time.After(s.retryDelay * time.Duration(attempt)):
			}
		}
	}
	s.logger.WithFields(fields).WithField("attempts", s.maxAttempts).Warn("position write gave up after repeated conflicts")
	return Outcome{}, fmt.Errorf("after %d attempts: %w", s.maxAttempts, domain.ErrConflict)
}
