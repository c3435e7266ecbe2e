package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"board-stream/domain"
	"board-stream/room"
	"board-stream/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	mu    sync.Mutex
	msgs  [][]byte
	err   error
	panic bool
}

func (c *recordingConn) Send(msg []byte) error {
	if c.panic {
		panic("send on closed channel")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingConn) Ping() error             { return nil }
func (c *recordingConn) Close(int, string) error { return nil }

func (c *recordingConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.msgs...)
}

func newFixture() (*session.Registry, *room.Directory, *Broadcaster) {
	reg := session.NewRegistry(nil)
	dir := room.NewDirectory(reg, nil)
	reg.OnIdentityGone(func(identity string) { dir.Evict(identity) })
	return reg, dir, New(dir, reg, nil)
}

func testEvent() domain.Event {
	return domain.Event{
		ID:        "ev1",
		Flavor:    domain.FlavorTask,
		Action:    domain.ActionMoved,
		BoardID:   "board-7",
		Payload:   json.RawMessage(`{"id":"t1"}`),
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPublishExcludesOriginator(t *testing.T) {
	reg, dir, b := newFixture()
	u1a, u1b, u2 := &recordingConn{}, &recordingConn{}, &recordingConn{}
	_, _ = reg.Register("U1", u1a)
	_, _ = reg.Register("U1", u1b)
	_, _ = reg.Register("U2", u2)
	dir.Join("U1", "board-7")
	dir.Join("U2", "board-7")

	res, err := b.Publish(context.Background(), "board-7", testEvent(), "U1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recipients)
	assert.Equal(t, 1, res.Delivered)
	assert.Empty(t, u1a.received())
	assert.Empty(t, u1b.received())
	require.Len(t, u2.received(), 1)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(u2.received()[0], &msg))
	assert.Equal(t, "task_event", msg["type"])
	assert.Equal(t, "moved", msg["event"])
}

func TestPublishReachesEverySessionOfMembers(t *testing.T) {
	reg, dir, b := newFixture()
	a, c, outsider := &recordingConn{}, &recordingConn{}, &recordingConn{}
	_, _ = reg.Register("U1", a)
	_, _ = reg.Register("U1", c)
	_, _ = reg.Register("U3", outsider)
	dir.Join("U1", "board-7")
	dir.Join("U3", "board-8")

	res, err := b.Publish(context.Background(), "board-7", testEvent(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Len(t, a.received(), 1)
	assert.Len(t, c.received(), 1)
	assert.Empty(t, outsider.received())
}

func TestPublishIsolatesFailures(t *testing.T) {
	reg, dir, b := newFixture()
	bad := &recordingConn{err: errors.New("outbound queue full")}
	panicky := &recordingConn{panic: true}
	good := &recordingConn{}
	badID, _ := reg.Register("U1", bad)
	panicID, _ := reg.Register("U2", panicky)
	_, _ = reg.Register("U3", good)
	for _, u := range []string{"U1", "U2", "U3"} {
		dir.Join(u, "board-7")
	}

	var mu sync.Mutex
	failed := map[string]error{}
	b.OnFailure(func(id string, err error) {
		mu.Lock()
		failed[id] = err
		mu.Unlock()
	})

	res, err := b.Publish(context.Background(), "board-7", testEvent(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Recipients)
	assert.Equal(t, 1, res.Delivered)
	assert.ElementsMatch(t, []string{badID, panicID}, res.Failed)
	assert.Len(t, good.received(), 1)
	require.Contains(t, failed, panicID)
	assert.ErrorIs(t, failed[panicID], ErrSendPanicked)
}

func TestPublishSkipsMembersWithoutSessions(t *testing.T) {
	_, dir, b := newFixture()
	dir.Join("ghost", "board-7")

	res, err := b.Publish(context.Background(), "board-7", testEvent(), "")
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	_, _, b := newFixture()
	ev := testEvent()
	ev.Flavor = "other"
	_, err := b.Publish(context.Background(), "board-7", ev, "")
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Publish(ctx, "board-7", testEvent(), "")
	require.ErrorIs(t, err, context.Canceled)
}
