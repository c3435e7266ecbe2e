package gateway

import (
	"encoding/json"
	"fmt"

	"board-stream/domain"
)

// Mutation is a change already accepted by the CRUD side that the core must
// order and broadcast.
type Mutation struct {
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Flavor         domain.Flavor   `json:"type"`
	Action         domain.Action   `json:"action"`
	BoardID        string          `json:"boardId"`
	Originator     string          `json:"originator,omitempty"`
	ItemID         string          `json:"itemId,omitempty"`
	Entity         json.RawMessage `json:"entity,omitempty"`
	// ContainerID is the list id for tasks. Lists live in their board.
	ContainerID string `json:"containerId,omitempty"`
	// DestContainerID is the target list of a task move.
	DestContainerID string `json:"destContainerId,omitempty"`
	// Position is the target slot of a move or insert, or the former slot of
	// a deleted item.
	Position *int `json:"position,omitempty"`
}

// Positional reports whether the mutation changes an ordering.
func (m Mutation) Positional() bool {
	if m.Flavor != domain.FlavorList && m.Flavor != domain.FlavorTask {
		return false
	}
	switch m.Action {
	case domain.ActionCreated, domain.ActionDeleted, domain.ActionMoved:
		return true
	}
	return false
}

// Container returns the container the item lives in before the mutation.
func (m Mutation) Container() domain.ContainerRef {
	if m.Flavor == domain.FlavorList {
		return domain.ContainerRef{Kind: domain.KindList, BoardID: m.BoardID, ID: m.BoardID}
	}
	return domain.ContainerRef{Kind: domain.KindTask, BoardID: m.BoardID, ID: m.ContainerID}
}

// DestContainer returns the container a move targets.
func (m Mutation) DestContainer() domain.ContainerRef {
	ref := m.Container()
	if m.Flavor == domain.FlavorTask && m.DestContainerID != "" {
		ref.ID = m.DestContainerID
	}
	return ref
}

// Validate checks the mutation shape.
func (m Mutation) Validate() error {
	switch m.Flavor {
	case domain.FlavorBoard, domain.FlavorList, domain.FlavorTask:
	default:
		return fmt.Errorf("%w: unknown mutation type %q", domain.ErrInvalidInput, m.Flavor)
	}
	switch m.Action {
	case domain.ActionCreated, domain.ActionUpdated, domain.ActionDeleted, domain.ActionMoved,
		domain.ActionMemberAdded, domain.ActionMemberRemoved:
	default:
		return fmt.Errorf("%w: unknown action %q", domain.ErrInvalidInput, m.Action)
	}
	if m.BoardID == "" {
		return fmt.Errorf("%w: boardId is required", domain.ErrInvalidInput)
	}
	if m.Flavor == domain.FlavorBoard && m.Action == domain.ActionMoved {
		return fmt.Errorf("%w: boards cannot be moved", domain.ErrInvalidInput)
	}
	if len(m.Entity) > 0 && !json.Valid(m.Entity) {
		return fmt.Errorf("%w: entity is not valid JSON", domain.ErrInvalidInput)
	}
	if !m.Positional() {
		return nil
	}
	if m.ItemID == "" {
		return fmt.Errorf("%w: itemId is required", domain.ErrInvalidInput)
	}
	if m.Flavor == domain.FlavorTask && m.ContainerID == "" {
		return fmt.Errorf("%w: containerId is required for tasks", domain.ErrInvalidInput)
	}
	if m.Action == domain.ActionMoved && m.Position == nil {
		return fmt.Errorf("%w: position is required for moves", domain.ErrInvalidInput)
	}
	return nil
}
