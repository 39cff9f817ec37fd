package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hazyhaar/pinwatch/idgen"
)

// ErrUnknownSession is returned for ids the registry does not hold.
var ErrUnknownSession = errors.New("capture: unknown session")

// Registry keeps the open sessions of the HTTP and MCP surfaces.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	newID    idgen.Generator
}

// NewRegistry returns an empty registry using idgen.SessionID.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session), newID: idgen.SessionID}
}

// Begin opens and registers a session.
func (r *Registry) Begin(url, title string) (string, *Session) {
	s := Begin(url, title)
	id := r.newID()
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return id, s
}

// Get returns the open session with id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// Finalize closes the session and passes its definition to commit. On
// success the session is dropped. When commit fails the session is reopened
// and stays registered with its fragments, so the selection survives. An
// empty session stays registered too.
func (r *Registry) Finalize(id string, commit func(Definition) error) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	def, err := s.Finalize()
	if err != nil {
		return err
	}
	if err := commit(def); err != nil {
		s.reopen()
		return err
	}
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	return nil
}

// Cancel discards the session and reports whether it existed.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.Cancel()
	}
	return ok
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
