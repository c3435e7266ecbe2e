package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Flavor selects the wire message an event is delivered as.
type Flavor string

const (
	FlavorBoard Flavor = "board"
	FlavorList  Flavor = "list"
	FlavorTask  Flavor = "task"
)

// Action is the "event" field of a delivered message.
type Action string

const (
	ActionCreated       Action = "created"
	ActionUpdated       Action = "updated"
	ActionDeleted       Action = "deleted"
	ActionMoved         Action = "moved"
	ActionMemberAdded   Action = "member_added"
	ActionMemberRemoved Action = "member_removed"
)

const (
	MessageBoardEvent = "board_event"
	MessageListEvent  = "list_event"
	MessageTaskEvent  = "task_event"
)

// TimestampLayout matches the millisecond ISO-8601 form clients parse.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Event is an immutable change notification for a board.
type Event struct {
	ID         string          `json:"id"`
	Flavor     Flavor          `json:"flavor"`
	Action     Action          `json:"action"`
	BoardID    string          `json:"boardId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Originator string          `json:"originator,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// BoardEventMessage is the board_event wire shape.
type BoardEventMessage struct {
	Type      string          `json:"type"`
	Event     Action          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// ListEventMessage is the list_event wire shape.
type ListEventMessage struct {
	Type      string          `json:"type"`
	Event     Action          `json:"event"`
	List      json.RawMessage `json:"list"`
	Timestamp string          `json:"timestamp"`
}

// TaskEventMessage is the task_event wire shape.
type TaskEventMessage struct {
	Type      string          `json:"type"`
	Event     Action          `json:"event"`
	Task      json.RawMessage `json:"task"`
	Timestamp string          `json:"timestamp"`
}

// Validate reports whether the event can be delivered.
func (e Event) Validate() error {
	switch e.Flavor {
	case FlavorBoard, FlavorList, FlavorTask:
	default:
		return fmt.Errorf("%w: unknown event flavor %q", ErrInvalidInput, e.Flavor)
	}
	if e.Action == "" {
		return fmt.Errorf("%w: event action is required", ErrInvalidInput)
	}
	if e.BoardID == "" {
		return fmt.Errorf("%w: event boardId is required", ErrInvalidInput)
	}
	return nil
}

// Message returns the client-facing representation of the event.
func (e Event) Message() any {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	ts := e.Timestamp.UTC().Format(TimestampLayout)
	switch e.Flavor {
	case FlavorList:
		return ListEventMessage{Type: MessageListEvent, Event: e.Action, List: payload, Timestamp: ts}
	case FlavorTask:
		return TaskEventMessage{Type: MessageTaskEvent, Event: e.Action, Task: payload, Timestamp: ts}
	default:
		return BoardEventMessage{Type: MessageBoardEvent, Event: e.Action, Data: payload, Timestamp: ts}
	}
}
