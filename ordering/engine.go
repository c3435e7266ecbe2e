// Package ordering keeps sibling items (lists in a board, tasks in a list)
// densely numbered 0..n-1 while they are moved, inserted and removed.
//
// The engine functions in this file are pure: they take container snapshots
// and return the position writes needed to reach the target order. Every plan
// renumbers from the snapshot's read order (position, then id), so a
// snapshot that has drifted from the dense invariant is healed by the same
// write that applies the change.
package ordering

import (
	"fmt"
	"slices"
	"strings"

	"board-stream/domain"
)

// Plan is the result of an engine operation.
type Plan struct {
	Updates []domain.PositionUpdate
	// OldPosition is the item's position before the operation, -1 if unknown.
	OldPosition int
	// NewPosition is the item's position after the operation, -1 for removals.
	NewPosition int
	NoOp        bool
}

// Sorted returns a copy of items in read order.
func Sorted(items []domain.Item) []domain.Item {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b domain.Item) int {
		if a.Position != b.Position {
			return a.Position - b.Position
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Dense reports whether the positions of items are exactly {0..n-1}.
func Dense(items []domain.Item) bool {
	seen := make([]bool, len(items))
	for _, it := range items {
		if it.Position < 0 || it.Position >= len(items) || seen[it.Position] {
			return false
		}
		seen[it.Position] = true
	}
	return true
}

// Move plans moving itemID from source to dest. For a move within one
// container pass the same snapshot (or nil) as dest with
// destContainerID equal to the item's current container.
func Move(source, dest []domain.Item, itemID, destContainerID string, destPosition int) (Plan, error) {
	src := Sorted(source)
	p := indexOf(src, itemID)
	if p < 0 {
		return Plan{}, fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	moved := src[p]
	rest := slices.Delete(slices.Clone(src), p, p+1)

	if moved.ContainerID == destContainerID {
		q := clamp(destPosition, len(rest))
		seq := slices.Insert(rest, q, moved)
		updates := renumber(seq, "", "")
		return Plan{Updates: updates, OldPosition: p, NewPosition: q, NoOp: len(updates) == 0}, nil
	}

	dst := Sorted(dest)
	if i := indexOf(dst, itemID); i >= 0 {
		dst = slices.Delete(dst, i, i+1)
	}
	q := clamp(destPosition, len(dst))
	updates := renumber(rest, "", "")
	updates = append(updates, renumber(slices.Insert(dst, q, moved), itemID, destContainerID)...)
	return Plan{Updates: updates, OldPosition: p, NewPosition: q}, nil
}

// Insert plans placing itemID into a container. A nil position appends the
// item after the current maximum; otherwise the requested slot is clamped
// and everything at or after it shifts up by one.
func Insert(items []domain.Item, itemID, containerID string, position *int) Plan {
	seq := Sorted(items)
	item := domain.Item{ID: itemID, ContainerID: containerID, Position: -1}
	if i := indexOf(seq, itemID); i >= 0 {
		item = seq[i]
		seq = slices.Delete(seq, i, i+1)
	}
	old := item.Position
	q := len(seq)
	if position != nil {
		q = clamp(*position, len(seq))
	}
	target := ""
	if item.ContainerID != containerID {
		target = containerID
	}
	seq = slices.Insert(seq, q, item)
	updates := renumber(seq, itemID, target)
	return Plan{Updates: updates, OldPosition: old, NewPosition: q, NoOp: len(updates) == 0}
}

// Remove plans closing the gap left by itemID. The item may already be gone
// from the snapshot; hint then names the slot it occupied.
func Remove(items []domain.Item, itemID string, hint *int) Plan {
	seq := Sorted(items)
	old := -1
	if hint != nil {
		old = *hint
	}
	if i := indexOf(seq, itemID); i >= 0 {
		old = i
		seq = slices.Delete(seq, i, i+1)
	}
	updates := renumber(seq, "", "")
	return Plan{Updates: updates, OldPosition: old, NewPosition: -1, NoOp: len(updates) == 0}
}

// Compact renumbers items 0..n-1 in read order.
func Compact(items []domain.Item) Plan {
	updates := renumber(Sorted(items), "", "")
	return Plan{Updates: updates, OldPosition: -1, NewPosition: -1, NoOp: len(updates) == 0}
}

// Apply returns items with updates applied. Items moved to another
// container are dropped; tests and in-memory stores use it to check plans.
func Apply(items []domain.Item, containerID string, updates []domain.PositionUpdate) []domain.Item {
	byID := make(map[string]domain.PositionUpdate, len(updates))
	for _, u := range updates {
		byID[u.ItemID] = u
	}
	out := make([]domain.Item, 0, len(items))
	for _, it := range items {
		if u, ok := byID[it.ID]; ok {
			if u.ContainerID != "" && u.ContainerID != containerID {
				continue
			}
			it.Position = u.Position
		}
		out = append(out, it)
	}
	return out
}

// renumber assigns positions 0..n-1 along seq and emits writes for every
// item whose position changed. movedID additionally receives containerID.
func renumber(seq []domain.Item, movedID, containerID string) []domain.PositionUpdate {
	var updates []domain.PositionUpdate
	for i, it := range seq {
		if it.ID == movedID && containerID != "" {
			updates = append(updates, domain.PositionUpdate{ItemID: it.ID, ContainerID: containerID, Position: i, Version: it.Version})
			continue
		}
		if it.Position != i {
			updates = append(updates, domain.PositionUpdate{ItemID: it.ID, Position: i, Version: it.Version})
		}
	}
	return updates
}

func indexOf(items []domain.Item, id string) int {
	return slices.IndexFunc(items, func(it domain.Item) bool { return it.ID == id })
}

func clamp(q, n int) int {
	if q < 0 {
		return 0
	}
	if q > n {
		return n
	}
	return q
}
