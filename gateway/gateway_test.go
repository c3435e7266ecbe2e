package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"board-stream/broadcast"
	"board-stream/domain"
	"board-stream/ordering"
	"board-stream/storage"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	boardID string
	event   domain.Event
	exclude string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, boardID string, ev domain.Event, exclude string) (broadcast.Result, error) {
	if p.err != nil {
		return broadcast.Result{}, p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{boardID: boardID, event: ev, exclude: exclude})
	return broadcast.Result{Recipients: 1, Delivered: 1}, nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

type memDeduper struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func (d *memDeduper) Add(_ context.Context, scope, key string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys == nil {
		d.keys = map[string]bool{}
	}
	k := scope + ":" + key
	if d.keys[k] {
		return false, nil
	}
	d.keys[k] = true
	return true, nil
}

func (d *memDeduper) Remove(_ context.Context, scope, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, scope+":"+key)
	return nil
}

type failingOrdering struct{ err error }

func (f failingOrdering) Move(context.Context, domain.MoveRequest) (ordering.Outcome, error) {
	return ordering.Outcome{}, f.err
}

func (f failingOrdering) Insert(context.Context, domain.ContainerRef, string, *int) (ordering.Outcome, error) {
	return ordering.Outcome{}, f.err
}

func (f failingOrdering) Remove(context.Context, domain.ContainerRef, string, *int) (ordering.Outcome, error) {
	return ordering.Outcome{}, f.err
}

func intPtr(i int) *int { return &i }

func seedTasks(store *storage.MemoryStore, list string, ids ...string) {
	for i, id := range ids {
		store.Put(domain.Item{ID: id, Kind: domain.KindTask, BoardID: "b1", ContainerID: list, Position: i})
	}
}

func payloadOf(t *testing.T, ev domain.Event) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(ev.Payload, &out))
	return out
}

func TestHandleTaskMoveAcrossLists(t *testing.T) {
	store := storage.NewMemoryStore()
	seedTasks(store, "L1", "A", "B")
	seedTasks(store, "L2", "C")
	pub := &recordingPublisher{}
	g := New(ordering.NewService(store, nil), pub, nil, nil, nil)

	res, err := g.Handle(context.Background(), Mutation{
		Flavor:          domain.FlavorTask,
		Action:          domain.ActionMoved,
		BoardID:         "b1",
		Originator:      "U1",
		ItemID:          "A",
		Entity:          json.RawMessage(`{"id":"A","title":"write tests"}`),
		ContainerID:     "L1",
		DestContainerID: "L2",
		Position:        intPtr(0),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Event)
	assert.False(t, res.Inconsistent)
	assert.NotEmpty(t, res.Updates)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, "U1", events[0].exclude)
	assert.Equal(t, "b1", events[0].boardID)
	assert.Equal(t, domain.FlavorTask, events[0].event.Flavor)

	payload := payloadOf(t, events[0].event)
	assert.Equal(t, "write tests", payload["title"])
	assert.Equal(t, "L1", payload["oldListId"])
	assert.Equal(t, "L2", payload["newListId"])
	assert.EqualValues(t, 0, payload["oldPosition"])
	assert.EqualValues(t, 0, payload["newPosition"])

	l2, err := store.ReadContainer(context.Background(), domain.ContainerRef{Kind: domain.KindTask, BoardID: "b1", ID: "L2"})
	require.NoError(t, err)
	assert.Len(t, l2, 2)
	assert.True(t, ordering.Dense(l2))
}

func TestHandleSameSlotMoveStillEmits(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Put(domain.Item{ID: "L1", Kind: domain.KindList, BoardID: "b1", ContainerID: "b1", Position: 0})
	store.Put(domain.Item{ID: "L2", Kind: domain.KindList, BoardID: "b1", ContainerID: "b1", Position: 1})
	pub := &recordingPublisher{}
	g := New(ordering.NewService(store, nil), pub, nil, nil, nil)

	res, err := g.Handle(context.Background(), Mutation{
		Flavor: domain.FlavorList, Action: domain.ActionMoved, BoardID: "b1", ItemID: "L2", Position: intPtr(1),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Updates)
	require.Len(t, pub.all(), 1)
	assert.Equal(t, domain.ActionMoved, pub.all()[0].event.Action)
	payload := payloadOf(t, pub.all()[0].event)
	assert.Equal(t, "L2", payload["id"])
	assert.NotContains(t, payload, "oldListId")
}

func TestHandleMoveFailuresEmitNothing(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "conflict", err: fmt.Errorf("after 5 attempts: %w", domain.ErrConflict), wantStatus: http.StatusConflict},
		{name: "not found", err: fmt.Errorf("item A: %w", domain.ErrNotFound), wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			dd := &memDeduper{}
			queue := NewMemoryQueue(0, 0)
			g := New(failingOrdering{err: tt.err}, pub, dd, queue, nil)
			m := Mutation{
				IdempotencyKey: "k1",
				Flavor:         domain.FlavorTask,
				Action:         domain.ActionMoved,
				BoardID:        "b1",
				ItemID:         "A",
				ContainerID:    "L1",
				Position:       intPtr(2),
			}

			_, err := g.Handle(context.Background(), m)
			require.Error(t, err)
			assert.Equal(t, tt.wantStatus, StatusFor(err))
			assert.Empty(t, pub.all())
			assert.Equal(t, 0, queue.Len())

			// The key was released so the caller can retry.
			added, _ := dd.Add(context.Background(), "b1", "k1")
			assert.True(t, added)
		})
	}
}

func TestHandleCreateInconsistencyStillEmits(t *testing.T) {
	logger, hook := test.NewNullLogger()
	pub := &recordingPublisher{}
	queue := NewMemoryQueue(0, 0)
	g := New(failingOrdering{err: fmt.Errorf("batch 2: %w", domain.ErrInconsistent)}, pub, nil, queue, logger)

	res, err := g.Handle(context.Background(), Mutation{
		Flavor:      domain.FlavorTask,
		Action:      domain.ActionCreated,
		BoardID:     "b1",
		ItemID:      "N",
		ContainerID: "L1",
		Entity:      json.RawMessage(`{"title":"new"}`),
	})
	require.NoError(t, err)
	assert.True(t, res.Inconsistent)
	require.Len(t, pub.all(), 1)
	assert.Equal(t, "N", payloadOf(t, pub.all()[0].event)["id"])

	assert.Equal(t, 1, queue.Len())
	job, err := queue.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "task:b1:L1", job.Container.Key())

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && e.Data["inconsistency"] == true {
			warned = true
		}
	}
	assert.True(t, warned, "expected inconsistency warning")
}

func TestHandlePartialMoveReconcilesBothLists(t *testing.T) {
	logger, hook := test.NewNullLogger()
	pub := &recordingPublisher{}
	dd := &memDeduper{}
	queue := NewMemoryQueue(0, 0)
	cause := fmt.Errorf("100 of 150 updates applied: %w", domain.ErrInconsistent)
	g := New(failingOrdering{err: cause}, pub, dd, queue, logger)

	_, err := g.Handle(context.Background(), Mutation{
		IdempotencyKey:  "k1",
		Flavor:          domain.FlavorTask,
		Action:          domain.ActionMoved,
		BoardID:         "b1",
		ItemID:          "A",
		ContainerID:     "L1",
		DestContainerID: "L2",
		Position:        intPtr(0),
	})
	require.ErrorIs(t, err, domain.ErrInconsistent)
	assert.Equal(t, http.StatusConflict, StatusFor(err))
	assert.Empty(t, pub.all())

	require.Equal(t, 2, queue.Len())
	var keys []string
	for i := 0; i < 2; i++ {
		job, err := queue.Receive(context.Background())
		require.NoError(t, err)
		keys = append(keys, job.Container.Key())
	}
	assert.ElementsMatch(t, []string{"task:b1:L1", "task:b1:L2"}, keys)

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && e.Data["inconsistency"] == true {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)

	added, _ := dd.Add(context.Background(), "b1", "k1")
	assert.True(t, added)
}

func TestHandlePartialSameListMoveQueuesOnce(t *testing.T) {
	queue := NewMemoryQueue(0, 0)
	g := New(failingOrdering{err: domain.ErrInconsistent}, &recordingPublisher{}, nil, queue, nil)

	_, err := g.Handle(context.Background(), Mutation{
		Flavor:   domain.FlavorList,
		Action:   domain.ActionMoved,
		BoardID:  "b1",
		ItemID:   "l1",
		Position: intPtr(1),
	})
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 1, queue.Len())
}

func TestHandleCreateAndDeleteReposition(t *testing.T) {
	store := storage.NewMemoryStore()
	seedTasks(store, "L1", "A", "B")
	store.Put(domain.Item{ID: "N", Kind: domain.KindTask, BoardID: "b1", ContainerID: "L1", Position: 50})
	pub := &recordingPublisher{}
	g := New(ordering.NewService(store, nil), pub, nil, nil, nil)
	ctx := context.Background()

	res, err := g.Handle(ctx, Mutation{Flavor: domain.FlavorTask, Action: domain.ActionCreated, BoardID: "b1", ItemID: "N", ContainerID: "L1"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, payloadOf(t, *res.Event)["position"])

	store.Delete("b1", "A")
	res, err = g.Handle(ctx, Mutation{Flavor: domain.FlavorTask, Action: domain.ActionDeleted, BoardID: "b1", ItemID: "A", ContainerID: "L1", Position: intPtr(0)})
	require.NoError(t, err)
	assert.EqualValues(t, 0, payloadOf(t, *res.Event)["position"])

	items, err := store.ReadContainer(ctx, domain.ContainerRef{Kind: domain.KindTask, BoardID: "b1", ID: "L1"})
	require.NoError(t, err)
	assert.True(t, ordering.Dense(items))
	assert.Len(t, items, 2)
}

func TestHandleCatalogRegistersAndDropsItems(t *testing.T) {
	store := storage.NewMemoryStore()
	seedTasks(store, "L1", "A", "B")
	pub := &recordingPublisher{}
	g := New(ordering.NewService(store, nil), pub, nil, nil, nil)
	g.UseCatalog(store)
	ctx := context.Background()
	ref := domain.ContainerRef{Kind: domain.KindTask, BoardID: "b1", ID: "L1"}

	res, err := g.Handle(ctx, Mutation{Flavor: domain.FlavorTask, Action: domain.ActionCreated, BoardID: "b1", ItemID: "N", ContainerID: "L1", Position: intPtr(0)})
	require.NoError(t, err)
	assert.False(t, res.Inconsistent)
	items, err := store.ReadContainer(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, "N", ordering.Sorted(items)[0].ID)
	assert.True(t, ordering.Dense(items))

	_, err = g.Handle(ctx, Mutation{Flavor: domain.FlavorTask, Action: domain.ActionDeleted, BoardID: "b1", ItemID: "A", ContainerID: "L1"})
	require.NoError(t, err)
	items, err = store.ReadContainer(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.True(t, ordering.Dense(items))
	assert.Len(t, pub.all(), 2)
}

func TestHandleDuplicateKey(t *testing.T) {
	pub := &recordingPublisher{}
	g := New(failingOrdering{}, pub, &memDeduper{}, nil, nil)
	m := Mutation{IdempotencyKey: "k", Flavor: domain.FlavorBoard, Action: domain.ActionUpdated, BoardID: "b1", Entity: json.RawMessage(`{"name":"Roadmap"}`)}

	res, err := g.Handle(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	res, err = g.Handle(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Nil(t, res.Event)
	assert.Len(t, pub.all(), 1)
}

func TestHandleDeduperOutageFailsOpen(t *testing.T) {
	pub := &recordingPublisher{}
	g := New(failingOrdering{}, pub, &memDeduper{err: errors.New("redis down")}, nil, nil)
	_, err := g.Handle(context.Background(), Mutation{IdempotencyKey: "k", Flavor: domain.FlavorBoard, Action: domain.ActionMemberAdded, BoardID: "b1"})
	require.NoError(t, err)
	assert.Len(t, pub.all(), 1)
}

func TestHandleRejectsInvalidMutations(t *testing.T) {
	g := New(failingOrdering{}, &recordingPublisher{}, nil, nil, nil)
	cases := map[string]Mutation{
		"unknown type":      {Flavor: "card", Action: domain.ActionCreated, BoardID: "b1"},
		"unknown action":    {Flavor: domain.FlavorTask, Action: "archived", BoardID: "b1"},
		"missing board":     {Flavor: domain.FlavorBoard, Action: domain.ActionUpdated},
		"move without slot": {Flavor: domain.FlavorList, Action: domain.ActionMoved, BoardID: "b1", ItemID: "L1"},
		"task without list": {Flavor: domain.FlavorTask, Action: domain.ActionCreated, BoardID: "b1", ItemID: "t"},
		"missing item":      {Flavor: domain.FlavorList, Action: domain.ActionDeleted, BoardID: "b1"},
		"board move":        {Flavor: domain.FlavorBoard, Action: domain.ActionMoved, BoardID: "b1"},
		"entity not json":   {Flavor: domain.FlavorBoard, Action: domain.ActionUpdated, BoardID: "b1", Entity: json.RawMessage(`{`)},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := g.Handle(context.Background(), m)
			require.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Equal(t, http.StatusBadRequest, StatusFor(err))
		})
	}
}

func TestHandlePublishError(t *testing.T) {
	g := New(failingOrdering{}, &recordingPublisher{err: context.Canceled}, nil, nil, nil)
	_, err := g.Handle(context.Background(), Mutation{Flavor: domain.FlavorBoard, Action: domain.ActionUpdated, BoardID: "b1"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(err))
}

func TestEventTimestampsIncrease(t *testing.T) {
	pub := &recordingPublisher{}
	g := New(failingOrdering{}, pub, nil, nil, nil)
	for i := 0; i < 20; i++ {
		_, err := g.Handle(context.Background(), Mutation{Flavor: domain.FlavorBoard, Action: domain.ActionUpdated, BoardID: "b1"})
		require.NoError(t, err)
	}
	events := pub.all()
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].event.Timestamp.After(events[i-1].event.Timestamp))
	}
}

func TestEventTimestampsFollowInjectedClock(t *testing.T) {
	pub := &recordingPublisher{}
	g := New(failingOrdering{}, pub, nil, nil, nil)
	frozen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := frozen
	g.UseClock(func() time.Time { return now })

	emit := func() {
		_, err := g.Handle(context.Background(), Mutation{Flavor: domain.FlavorBoard, Action: domain.ActionUpdated, BoardID: "b1"})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		emit()
	}
	// A clock stepping back never reorders events.
	now = frozen.Add(-time.Hour)
	emit()
	now = frozen.Add(time.Second)
	emit()

	events := pub.all()
	require.Len(t, events, 5)
	assert.Equal(t, frozen, events[0].event.Timestamp)
	assert.Equal(t, frozen.Add(2*time.Nanosecond), events[2].event.Timestamp)
	assert.Equal(t, frozen.Add(3*time.Nanosecond), events[3].event.Timestamp)
	assert.Equal(t, frozen.Add(time.Second), events[4].event.Timestamp)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusFor(nil))
	assert.Equal(t, http.StatusConflict, StatusFor(domain.ErrConcurrencyConflict))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("boom")))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(domain.ErrInconsistent))
}
