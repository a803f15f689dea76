package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"harvest/session/git"
	"harvest/session/store"
)

// Manager tracks the live sessions of one executor process. Sessions
// are independent; the manager only provides lookup and collective
// teardown.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	notifier git.Notifier
}

func NewManager(notifier git.Notifier) *Manager {
	if notifier == nil {
		notifier = git.LogNotifier{}
	}
	return &Manager{
		sessions: make(map[string]*Session),
		notifier: notifier,
	}
}

// Create provisions a session and registers it. The manager's notifier
// is used unless the options carry their own.
func (m *Manager) Create(ctx context.Context, opts Options) (*Session, error) {
	if opts.Notifier == nil {
		opts.Notifier = m.notifier
	}
	s, err := New(ctx, opts)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns a live session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns the live sessions sorted by name.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SendPrompt routes a prompt to a session by ID.
func (m *Manager) SendPrompt(ctx context.Context, id, prompt string) (*store.Turn, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("no such session %s", id)
	}
	return s.SendPrompt(ctx, prompt)
}

// Publish runs the sync-and-publish lifecycle for a session by ID.
func (m *Manager) Publish(ctx context.Context, id string) (*git.Outcome, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("no such session %s", id)
	}
	return s.Publish(ctx)
}

// End terminates and deregisters a session. Ending an unknown ID is
// not an error: teardown must be idempotent.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.End()
}

// EndAll terminates every live session, collecting errors.
func (m *Manager) EndAll() error {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := s.End(); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
		}
	}
	return combineErrors(errs)
}
