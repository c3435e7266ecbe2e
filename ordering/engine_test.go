package ordering

import (
	"fmt"
	"math/rand"
	"testing"

	"board-stream/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tasks(container string, ids ...string) []domain.Item {
	out := make([]domain.Item, len(ids))
	for i, id := range ids {
		out[i] = domain.Item{ID: id, Kind: domain.KindTask, BoardID: "b1", ContainerID: container, Position: i, Version: "v0"}
	}
	return out
}

func order(items []domain.Item) []string {
	ids := make([]string, 0, len(items))
	for _, it := range Sorted(items) {
		ids = append(ids, it.ID)
	}
	return ids
}

func intPtr(i int) *int { return &i }

func TestMoveWithinContainerDown(t *testing.T) {
	l1 := tasks("L1", "A", "B", "C")

	plan, err := Move(l1, nil, "A", "L1", 2)
	require.NoError(t, err)

	after := Apply(l1, "L1", plan.Updates)
	assert.Equal(t, []string{"B", "C", "A"}, order(after))
	assert.True(t, Dense(after))
	assert.Equal(t, 0, plan.OldPosition)
	assert.Equal(t, 2, plan.NewPosition)
	assert.Len(t, plan.Updates, 3)
}

func TestMoveWithinContainerUp(t *testing.T) {
	l1 := tasks("L1", "A", "B", "C", "D")

	plan, err := Move(l1, nil, "D", "L1", 1)
	require.NoError(t, err)

	after := Apply(l1, "L1", plan.Updates)
	assert.Equal(t, []string{"A", "D", "B", "C"}, order(after))
	// A is untouched.
	for _, u := range plan.Updates {
		assert.NotEqual(t, "A", u.ItemID)
	}
}

func TestMoveAcrossContainers(t *testing.T) {
	l1 := tasks("L1", "A", "B")
	l2 := tasks("L2", "C")

	plan, err := Move(l1, l2, "A", "L2", 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"B"}, order(Apply(l1, "L1", plan.Updates)))

	var movedSeen bool
	for _, u := range plan.Updates {
		if u.ItemID == "A" {
			movedSeen = true
			assert.Equal(t, "L2", u.ContainerID)
			assert.Equal(t, 0, u.Position)
			assert.Equal(t, "v0", u.Version)
		} else {
			assert.Empty(t, u.ContainerID)
		}
	}
	require.True(t, movedSeen)

	l2After := Apply(append(l2, domain.Item{ID: "A", ContainerID: "L2", Position: -1}), "L2", plan.Updates)
	assert.Equal(t, []string{"A", "C"}, order(l2After))
	assert.True(t, Dense(l2After))
}

func TestMoveSameSlotIsNoOp(t *testing.T) {
	l1 := tasks("L1", "A", "B", "C")

	plan, err := Move(l1, nil, "B", "L1", 1)
	require.NoError(t, err)
	assert.True(t, plan.NoOp)
	assert.Empty(t, plan.Updates)
	assert.Equal(t, 1, plan.NewPosition)
}

func TestMoveClampsDestination(t *testing.T) {
	l1 := tasks("L1", "A", "B", "C")

	plan, err := Move(l1, nil, "A", "L1", 99)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.NewPosition)

	plan, err = Move(l1, nil, "C", "L1", -4)
	require.NoError(t, err)
	assert.Equal(t, 0, plan.NewPosition)
	assert.Equal(t, []string{"C", "A", "B"}, order(Apply(l1, "L1", plan.Updates)))

	l2 := tasks("L2", "X")
	plan, err = Move(l1, l2, "A", "L2", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.NewPosition)
}

func TestMoveMissingItem(t *testing.T) {
	_, err := Move(tasks("L1", "A"), nil, "Z", "L1", 0)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMoveHealsNonDenseSnapshot(t *testing.T) {
	l1 := []domain.Item{
		{ID: "A", ContainerID: "L1", Position: 0},
		{ID: "B", ContainerID: "L1", Position: 4},
		{ID: "C", ContainerID: "L1", Position: 4},
	}
	plan, err := Move(l1, nil, "A", "L1", 2)
	require.NoError(t, err)

	after := Apply(l1, "L1", plan.Updates)
	assert.True(t, Dense(after))
	assert.Equal(t, []string{"B", "C", "A"}, order(after))
}

func TestInsertAppendsAfterMax(t *testing.T) {
	l1 := tasks("L1", "A", "B")

	plan := Insert(l1, "N", "L1", nil)
	assert.Equal(t, 2, plan.NewPosition)
	require.Len(t, plan.Updates, 1)
	assert.Equal(t, domain.PositionUpdate{ItemID: "N", Position: 2}, plan.Updates[0])

	plan = Insert(nil, "N", "L1", nil)
	assert.Equal(t, 0, plan.NewPosition)
}

func TestInsertAtPositionShiftsUp(t *testing.T) {
	l1 := tasks("L1", "A", "B", "C")

	plan := Insert(l1, "N", "L1", intPtr(1))
	after := Apply(append(l1, domain.Item{ID: "N", ContainerID: "L1", Position: -1}), "L1", plan.Updates)
	assert.Equal(t, []string{"A", "N", "B", "C"}, order(after))
	assert.True(t, Dense(after))
}

func TestInsertIgnoresItselfInSnapshot(t *testing.T) {
	l1 := append(tasks("L1", "A", "B"), domain.Item{ID: "N", ContainerID: "L1", Position: 7, Version: "vn"})

	plan := Insert(l1, "N", "L1", intPtr(0))
	after := Apply(l1, "L1", plan.Updates)
	assert.Equal(t, []string{"N", "A", "B"}, order(after))
	assert.Equal(t, 7, plan.OldPosition)
}

func TestRemoveClosesGap(t *testing.T) {
	l1 := tasks("L1", "A", "B", "C", "D")

	plan := Remove(l1, "B", nil)
	assert.Equal(t, 1, plan.OldPosition)
	rest := Apply(l1[0:1], "L1", plan.Updates)
	rest = append(rest, Apply(l1[2:], "L1", plan.Updates)...)
	assert.Equal(t, []string{"A", "C", "D"}, order(rest))
	assert.True(t, Dense(rest))
}

func TestRemoveAlreadyDeletedUsesHint(t *testing.T) {
	// B was at 1 and has already been deleted by the caller.
	snapshot := []domain.Item{
		{ID: "A", ContainerID: "L1", Position: 0},
		{ID: "C", ContainerID: "L1", Position: 2},
	}
	plan := Remove(snapshot, "B", intPtr(1))
	assert.Equal(t, 1, plan.OldPosition)
	assert.Equal(t, []domain.PositionUpdate{{ItemID: "C", Position: 1}}, plan.Updates)
}

func TestRemoveLastItemIsNoOp(t *testing.T) {
	plan := Remove(tasks("L1", "A", "B"), "B", nil)
	assert.True(t, plan.NoOp)
}

func TestCompact(t *testing.T) {
	items := []domain.Item{
		{ID: "b", Position: 3},
		{ID: "a", Position: 3},
		{ID: "c", Position: 9},
	}
	require.False(t, Dense(items))
	after := Apply(items, "", Compact(items).Updates)
	assert.True(t, Dense(after))
	assert.Equal(t, []string{"a", "b", "c"}, order(after))
	assert.True(t, Compact(after).NoOp)
}

func TestDense(t *testing.T) {
	assert.True(t, Dense(nil))
	assert.True(t, Dense(tasks("L1", "A", "B")))
	assert.False(t, Dense([]domain.Item{{ID: "A", Position: 1}}))
	assert.False(t, Dense([]domain.Item{{ID: "A", Position: 0}, {ID: "B", Position: 0}}))
	assert.False(t, Dense([]domain.Item{{ID: "A", Position: -1}}))
}

func TestRandomMovesPreserveDensityAndOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	l1 := tasks("L1", "A", "B", "C", "D", "E", "F")
	l2 := tasks("L2", "G", "H")
	containers := map[string][]domain.Item{"L1": l1, "L2": l2}

	for i := 0; i < 200; i++ {
		from := "L1"
		if rng.Intn(2) == 0 {
			from = "L2"
		}
		if len(containers[from]) == 0 {
			continue
		}
		to := "L1"
		if rng.Intn(2) == 0 {
			to = "L2"
		}
		src := containers[from]
		moved := src[rng.Intn(len(src))]
		q := rng.Intn(len(containers[to]) + 2)

		var dst []domain.Item
		if to != from {
			dst = containers[to]
		}
		plan, err := Move(src, dst, moved.ID, to, q)
		require.NoError(t, err, "step %d", i)

		before := order(src)
		if to == from {
			containers[from] = Apply(src, from, plan.Updates)
		} else {
			containers[from] = Apply(src, from, plan.Updates)
			moved.ContainerID = to
			containers[to] = Apply(append(containers[to], moved), to, plan.Updates)
		}
		for name, items := range containers {
			require.True(t, Dense(items), fmt.Sprintf("step %d container %s not dense: %v", i, name, items))
		}

		// Relative order of untouched items is preserved.
		var wantRest, gotRest []string
		for _, id := range before {
			if id != moved.ID {
				wantRest = append(wantRest, id)
			}
		}
		for _, id := range order(containers[from]) {
			if id != moved.ID {
				gotRest = append(gotRest, id)
			}
		}
		require.Equal(t, wantRest, gotRest, "step %d", i)
	}
	assert.Equal(t, 8, len(containers["L1"])+len(containers["L2"]))
}
