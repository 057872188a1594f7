package services

import (
	"fmt"
	"sort"
	"sync"

	"telecall/internal/core/domain"

	"github.com/google/uuid"
)

// CallRegistry tracks the active sessions of a node.
type CallRegistry struct {
	calls map[domain.CallID]*CallSession
	mu    sync.RWMutex
}

func NewCallRegistry() *CallRegistry {
	return &CallRegistry{
		calls: make(map[domain.CallID]*CallSession),
	}
}

// NewCallID returns a fresh random call identifier.
func NewCallID() domain.CallID {
	return domain.CallID(uuid.NewString())
}

func (r *CallRegistry) Add(session *CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[session.ID()]; exists {
		return fmt.Errorf("%w: %s", domain.ErrCallExists, session.ID())
	}

	r.calls[session.ID()] = session
	return nil
}

func (r *CallRegistry) Get(id domain.CallID) (*CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.calls[id]
	if !exists {
		return nil, domain.ErrCallNotFound
	}
	return session, nil
}

func (r *CallRegistry) Remove(id domain.CallID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[id]; !exists {
		return domain.ErrCallNotFound
	}
	delete(r.calls, id)
	return nil
}

// End stops the call and drops it from the registry.
func (r *CallRegistry) End(id domain.CallID) error {
	session, err := r.Get(id)
	if err != nil {
		return err
	}
	session.End()
	return r.Remove(id)
}

// List returns the active calls ordered by ID.
func (r *CallRegistry) List() []*CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*CallSession, 0, len(r.calls))
	for _, s := range r.calls {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID() < sessions[j].ID()
	})
	return sessions
}

func (r *CallRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// EndAll stops every call; used on shutdown.
func (r *CallRegistry) EndAll() {
	for _, s := range r.List() {
		s.End()
		_ = r.Remove(s.ID())
	}
}
