package trigger

import (
	"fmt"
	"sync"
)

// Manual is a Service that never fires on its own. Fire runs the handler
// synchronously. Used for one-shot checks and in tests.
type Manual struct {
	mu      sync.Mutex
	periods map[string]int
	fire    FireFunc
	failOn  map[string]error
}

// NewManual returns an empty Manual service.
func NewManual() *Manual {
	return &Manual{periods: make(map[string]int), failOn: make(map[string]error)}
}

// SetHandler sets the callback used by Fire.
func (m *Manual) SetHandler(fn FireFunc) {
	m.mu.Lock()
	m.fire = fn
	m.mu.Unlock()
}

// FailCreate makes the next CreateRecurring for id return err.
func (m *Manual) FailCreate(id string, err error) {
	m.mu.Lock()
	m.failOn[id] = err
	m.mu.Unlock()
}

func (m *Manual) CreateRecurring(id string, periodMinutes int) error {
	if periodMinutes <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPeriod, periodMinutes)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failOn[id]; ok {
		delete(m.failOn, id)
		return err
	}
	m.periods[id] = periodMinutes
	return nil
}

func (m *Manual) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.periods[id]
	delete(m.periods, id)
	return ok
}

func (m *Manual) CancelAll() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	had := len(m.periods) > 0
	clear(m.periods)
	return had
}

func (m *Manual) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.periods))
	for id := range m.periods {
		ids = append(ids, id)
	}
	return ids
}

// Period returns the registered period for id.
func (m *Manual) Period(id string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.periods[id]
	return p, ok
}

// Len returns the number of registered triggers.
func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.periods)
}

// Fire invokes the handler for id as if its trigger went off.
func (m *Manual) Fire(id string) {
	m.mu.Lock()
	fn := m.fire
	m.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}
