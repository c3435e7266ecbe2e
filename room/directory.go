// Package room tracks which identities subscribe to which boards.
package room

import (
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Presence reports whether an identity still holds a live session.
type Presence interface {
	Connected(identity string) bool
}

// Directory holds board rooms. Rooms store identity keys only and are
// removed as soon as they become empty.
type Directory struct {
	mu         sync.RWMutex
	rooms      map[string]map[string]struct{}
	byIdentity map[string]map[string]struct{}
	presence   Presence
	logger     *log.Logger
}

func NewDirectory(presence Presence, logger *log.Logger) *Directory {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Directory{
		rooms:      make(map[string]map[string]struct{}),
		byIdentity: make(map[string]map[string]struct{}),
		presence:   presence,
		logger:     logger,
	}
}

// Join adds identity to the board's room. It returns false if the identity
// was already a member.
func (d *Directory) Join(identity, boardID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	members := d.rooms[boardID]
	if members == nil {
		members = make(map[string]struct{})
		d.rooms[boardID] = members
	}
	if _, ok := members[identity]; ok {
		return false
	}
	members[identity] = struct{}{}
	boards := d.byIdentity[identity]
	if boards == nil {
		boards = make(map[string]struct{})
		d.byIdentity[identity] = boards
	}
	boards[boardID] = struct{}{}
	d.logger.WithFields(log.Fields{"identity": identity, "board": boardID, "members": len(members)}).Debug("joined room")
	return true
}

// Leave removes identity from the board's room. It reports whether the
// identity was a member.
func (d *Directory) Leave(identity, boardID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leaveLocked(identity, boardID)
}

func (d *Directory) leaveLocked(identity, boardID string) bool {
	members, ok := d.rooms[boardID]
	if !ok {
		return false
	}
	if _, ok := members[identity]; !ok {
		return false
	}
	delete(members, identity)
	if len(members) == 0 {
		delete(d.rooms, boardID)
	}
	if boards := d.byIdentity[identity]; boards != nil {
		delete(boards, boardID)
		if len(boards) == 0 {
			delete(d.byIdentity, identity)
		}
	}
	return true
}

// Evict removes identity from every room unless it has reconnected in the
// meantime. It returns the boards it was removed from.
func (d *Directory) Evict(identity string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.presence != nil && d.presence.Connected(identity) {
		d.logger.WithField("identity", identity).Debug("skipping eviction of reconnected identity")
		return nil
	}
	boards := sortedKeys(d.byIdentity[identity])
	for _, boardID := range boards {
		d.leaveLocked(identity, boardID)
	}
	if len(boards) > 0 {
		d.logger.WithFields(log.Fields{"identity": identity, "boards": len(boards)}).Debug("evicted identity from rooms")
	}
	return boards
}

// MembersOf returns the board's members in sorted order.
func (d *Directory) MembersOf(boardID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedKeys(d.rooms[boardID])
}

// BoardsOf returns the boards identity has joined in sorted order.
func (d *Directory) BoardsOf(identity string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedKeys(d.byIdentity[identity])
}

// Rooms returns the number of non-empty rooms.
func (d *Directory) Rooms() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
