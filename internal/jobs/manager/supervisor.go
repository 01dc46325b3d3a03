package manager

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyManaged reports a second manager registered for one queue.
var ErrAlreadyManaged = errors.New("manager: queue already managed")

// Supervisor holds one Manager per queue. A queue has exactly one manager
// per process; registering a second is a programming error.
type Supervisor struct {
	mu       sync.Mutex
	managers map[string]*Manager
}

// NewSupervisor builds an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{managers: make(map[string]*Manager)}
}

// Add registers a manager under its queue name.
func (s *Supervisor) Add(m *Manager) error {
	name := m.q.Name()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.managers[name]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyManaged, name)
	}
	s.managers[name] = m
	return nil
}

// Get returns the manager of one queue.
func (s *Supervisor) Get(queueName string) (*Manager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.managers[queueName]
	return m, ok
}

// CloseAll closes every manager and empties the supervisor.
func (s *Supervisor) CloseAll() {
	s.mu.Lock()
	managers := make([]*Manager, 0, len(s.managers))
	for _, m := range s.managers {
		managers = append(managers, m)
	}
	s.managers = make(map[string]*Manager)
	s.mu.Unlock()
	for _, m := range managers {
		m.Close()
	}
}
