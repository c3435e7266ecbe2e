package domain

import "fmt"

// ItemKind identifies which sibling sequence an item belongs to.
type ItemKind string

const (
	KindList ItemKind = "list"
	KindTask ItemKind = "task"
)

// Valid reports whether k is a known kind.
func (k ItemKind) Valid() bool {
	return k == KindList || k == KindTask
}

// ContainerRef identifies an ordered container: a board's lists (Kind=list,
// ID=BoardID) or a list's tasks (Kind=task, ID=list id).
type ContainerRef struct {
	Kind    ItemKind `json:"kind"`
	BoardID string   `json:"boardId"`
	ID      string   `json:"id"`
}

// Key is the lock key for the container.
func (c ContainerRef) Key() string {
	return string(c.Kind) + ":" + c.BoardID + ":" + c.ID
}

func (c ContainerRef) String() string { return c.Key() }

// Validate checks that all identifying fields are present.
func (c ContainerRef) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown container kind %q", ErrInvalidInput, c.Kind)
	}
	if c.BoardID == "" || c.ID == "" {
		return fmt.Errorf("%w: container reference requires boardId and id", ErrInvalidInput)
	}
	if c.Kind == KindList && c.ID != c.BoardID {
		return fmt.Errorf("%w: list container id must equal its board id", ErrInvalidInput)
	}
	return nil
}

// Item is a positioned member of a container.
type Item struct {
	ID          string   `json:"id"`
	Kind        ItemKind `json:"kind"`
	BoardID     string   `json:"boardId"`
	ContainerID string   `json:"containerId"`
	Position    int      `json:"position"`
	// Version is an opaque optimistic concurrency token.
	Version string `json:"-"`
}

// PositionUpdate is a single position write produced by the ordering engine.
// ContainerID is only set when the item changes parent.
type PositionUpdate struct {
	ItemID      string `json:"itemId"`
	ContainerID string `json:"containerId,omitempty"`
	Position    int    `json:"position"`
	Version     string `json:"-"`
}

// MoveRequest describes a drag and drop of an item.
type MoveRequest struct {
	ItemID       string       `json:"itemId"`
	Source       ContainerRef `json:"source"`
	Dest         ContainerRef `json:"dest"`
	DestPosition int          `json:"destPosition"`
}

// CrossContainer reports whether the move changes the item's parent.
func (m MoveRequest) CrossContainer() bool {
	return m.Source.Key() != m.Dest.Key()
}

// Validate checks the move request shape.
func (m MoveRequest) Validate() error {
	if m.ItemID == "" {
		return fmt.Errorf("%w: itemId is required", ErrInvalidInput)
	}
	if err := m.Source.Validate(); err != nil {
		return err
	}
	if err := m.Dest.Validate(); err != nil {
		return err
	}
	if m.Source.Kind != m.Dest.Kind || m.Source.BoardID != m.Dest.BoardID {
		return fmt.Errorf("%w: items can only move between containers of the same kind and board", ErrInvalidInput)
	}
	return nil
}
