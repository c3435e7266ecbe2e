package storage

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"board-stream/domain"
)

// MemoryStore is a process-local position store. It backs LOCAL_MODE
// deployments and tests; versions are per-item counters.
type MemoryStore struct {
	mu     sync.Mutex
	boards map[string]map[string]*memItem
}

type memItem struct {
	item    domain.Item
	version int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{boards: make(map[string]map[string]*memItem)}
}

// Put creates or replaces an item, bumping its version.
func (m *MemoryStore) Put(it domain.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	board := m.boards[it.BoardID]
	if board == nil {
		board = make(map[string]*memItem)
		m.boards[it.BoardID] = board
	}
	prev := 0
	if cur, ok := board[it.ID]; ok {
		prev = cur.version
	}
	it.Version = ""
	board[it.ID] = &memItem{item: it, version: prev + 1}
}

// Delete removes an item. It reports whether the item existed.
func (m *MemoryStore) Delete(boardID, itemID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	board := m.boards[boardID]
	if _, ok := board[itemID]; !ok {
		return false
	}
	delete(board, itemID)
	return true
}

// UpsertItem is Put for callers that mirror item existence into the store.
func (m *MemoryStore) UpsertItem(_ context.Context, it domain.Item) error {
	m.Put(it)
	return nil
}

// DeleteItem is Delete for callers that mirror item existence into the store.
func (m *MemoryStore) DeleteItem(_ context.Context, boardID, itemID string) error {
	m.Delete(boardID, itemID)
	return nil
}

func (m *MemoryStore) ReadContainer(_ context.Context, ref domain.ContainerRef) ([]domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Item
	for _, mi := range m.boards[ref.BoardID] {
		if mi.item.Kind != ref.Kind || mi.item.ContainerID != ref.ID {
			continue
		}
		it := mi.item
		it.Version = strconv.Itoa(mi.version)
		out = append(out, it)
	}
	return out, nil
}

func (m *MemoryStore) PersistPositions(_ context.Context, boardID string, updates []domain.PositionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	board := m.boards[boardID]
	for _, u := range updates {
		mi, ok := board[u.ItemID]
		if !ok {
			return fmt.Errorf("item %s: %w", u.ItemID, domain.ErrNotFound)
		}
		if u.Version != "" && u.Version != strconv.Itoa(mi.version) {
			return fmt.Errorf("item %s: %w", u.ItemID, domain.ErrConcurrencyConflict)
		}
	}
	for _, u := range updates {
		mi := board[u.ItemID]
		mi.item.Position = u.Position
		if u.ContainerID != "" {
			mi.item.ContainerID = u.ContainerID
		}
		mi.version++
	}
	return nil
}
