package session

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"board-stream/domain"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Registry maps session ids to sessions and identities to their sessions.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	byIdentity map[string]map[string]*Session
	gone       []func(identity string)
	logger     *log.Logger
}

func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		byIdentity: make(map[string]map[string]*Session),
		logger:     logger,
	}
}

// OnIdentityGone registers fn to run after an identity's last session is
// removed. Hooks run outside the registry lock.
func (r *Registry) OnIdentityGone(fn func(identity string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gone = append(r.gone, fn)
}

// Register adds a new session for identity and returns its id.
func (r *Registry) Register(identity string, conn Conn) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("%w: identity is required", domain.ErrInvalidInput)
	}
	s := &Session{ID: uuid.NewString(), Identity: identity, Conn: conn, ConnectedAt: time.Now()}

	r.mu.Lock()
	r.sessions[s.ID] = s
	set := r.byIdentity[identity]
	if set == nil {
		set = make(map[string]*Session)
		r.byIdentity[identity] = set
	}
	set[s.ID] = s
	count := len(set)
	r.mu.Unlock()

	r.logger.WithFields(log.Fields{"session": s.ID, "identity": identity, "sessions": count}).Debug("session registered")
	return s.ID, nil
}

// Unregister removes one session. last reports whether it was the
// identity's final session; ok is false for unknown ids.
func (r *Registry) Unregister(id string) (identity string, last bool, ok bool) {
	r.mu.Lock()
	s, found := r.sessions[id]
	if !found {
		r.mu.Unlock()
		return "", false, false
	}
	delete(r.sessions, id)
	identity = s.Identity
	if set := r.byIdentity[identity]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byIdentity, identity)
			last = true
		}
	}
	hooks := slices.Clone(r.gone)
	r.mu.Unlock()

	r.logger.WithFields(log.Fields{"session": id, "identity": identity, "last": last}).Debug("session unregistered")
	if last {
		for _, fn := range hooks {
			fn(identity)
		}
	}
	return identity, last, true
}

// SessionsOf returns a snapshot of identity's sessions.
func (r *Registry) SessionsOf(identity string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byIdentity[identity]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// Connected reports whether identity holds at least one session.
func (r *Registry) Connected(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identity]) > 0
}

// AllIdentities returns the connected identities in sorted order.
func (r *Registry) AllIdentities() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byIdentity))
	for id := range r.byIdentity {
		out = append(out, id)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
