package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"board-stream/domain"
	"board-stream/ordering"

	log "github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by MemoryQueue when its buffer is exhausted.
var ErrQueueFull = errors.New("reconcile queue full")

// ReconcileQueue carries containers that need renumbering. Receive returns
// nil when no job is available.
type ReconcileQueue interface {
	Enqueue(ctx context.Context, job domain.ReconcileJob) error
	Receive(ctx context.Context) (*domain.ReconcileJob, error)
	Complete(ctx context.Context, job *domain.ReconcileJob) error
}

// Compactor restores a container's dense numbering.
type Compactor interface {
	Reconcile(ctx context.Context, ref domain.ContainerRef) (ordering.Outcome, error)
}

// Reconciler drains a ReconcileQueue.
type Reconciler struct {
	queue  ReconcileQueue
	svc    Compactor
	poll   time.Duration
	logger *log.Logger
}

func NewReconciler(queue ReconcileQueue, svc Compactor, poll time.Duration, logger *log.Logger) *Reconciler {
	if poll <= 0 {
		poll = time.Second
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Reconciler{queue: queue, svc: svc, poll: poll, logger: logger}
}

// Run processes jobs until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		handled, err := r.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.WithError(err).Error("reconcile")
		}
		if handled && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.poll):
		}
	}
}

// RunOnce handles at most one job. A job whose reconciliation fails is not
// completed so that the queue redelivers it.
func (r *Reconciler) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.queue.Receive(ctx)
	if err != nil {
		return false, fmt.Errorf("receive: %w", err)
	}
	if job == nil {
		return false, nil
	}
	fields := log.Fields{"container": job.Container.Key(), "reason": job.Reason}
	out, err := r.svc.Reconcile(ctx, job.Container)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			r.logger.WithError(err).WithFields(fields).Warn("dropping invalid reconcile job")
			return true, r.queue.Complete(ctx, job)
		}
		return true, fmt.Errorf("reconcile %s: %w", job.Container, err)
	}
	r.logger.WithFields(fields).WithField("updates", len(out.Updates)).Info("container reconciled")
	if err := r.queue.Complete(ctx, job); err != nil {
		return true, fmt.Errorf("complete: %w", err)
	}
	return true, nil
}

// MemoryQueue is an in-process ReconcileQueue. Like a cloud queue, a
// received job becomes visible again if it is not completed within the
// visibility timeout. Jobs for a container that is already waiting are
// coalesced.
type MemoryQueue struct {
	mu         sync.Mutex
	jobs       []domain.ReconcileJob
	waiting    map[string]struct{}
	inflight   map[string]inflightJob
	limit      int
	visibility time.Duration
	seq        int
}

type inflightJob struct {
	job      domain.ReconcileJob
	deadline time.Time
}

func NewMemoryQueue(limit int, visibility time.Duration) *MemoryQueue {
	if limit <= 0 {
		limit = 1024
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &MemoryQueue{
		waiting:    make(map[string]struct{}),
		inflight:   make(map[string]inflightJob),
		limit:      limit,
		visibility: visibility,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job domain.ReconcileJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := job.Container.Key()
	if _, ok := q.waiting[key]; ok {
		return nil
	}
	if len(q.jobs)+len(q.inflight) >= q.limit {
		return ErrQueueFull
	}
	q.waiting[key] = struct{}{}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *MemoryQueue) Receive(_ context.Context) (*domain.ReconcileJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for id, in := range q.inflight {
		if now.After(in.deadline) {
			in.deadline = now.Add(q.visibility)
			q.inflight[id] = in
			job := in.job
			return &job, nil
		}
	}
	if len(q.jobs) == 0 {
		return nil, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	delete(q.waiting, job.Container.Key())
	q.seq++
	job.MessageID = strconv.Itoa(q.seq)
	q.inflight[job.MessageID] = inflightJob{job: job, deadline: now.Add(q.visibility)}
	return &job, nil
}

func (q *MemoryQueue) Complete(_ context.Context, job *domain.ReconcileJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, job.MessageID)
	return nil
}

// Len returns the number of waiting and in-flight jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs) + len(q.inflight)
}
