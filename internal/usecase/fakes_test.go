package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"distributed-tasks/internal/domain"
)

type memDefinitions struct {
	mu     sync.Mutex
	defs   map[string]*domain.TaskDefinition
	events chan domain.DefinitionEvent
}

func newMemDefinitions() *memDefinitions {
	return &memDefinitions{defs: make(map[string]*domain.TaskDefinition), events: make(chan domain.DefinitionEvent, 16)}
}

func (m *memDefinitions) Save(_ context.Context, def *domain.TaskDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *def
	m.defs[def.Name] = &c
	return nil
}

func (m *memDefinitions) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[name]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, name)
	}
	delete(m.defs, name)
	return nil
}

func (m *memDefinitions) Get(_ context.Context, name string) (*domain.TaskDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, name)
	}
	c := *def
	return &c, nil
}

func (m *memDefinitions) List(context.Context) ([]*domain.TaskDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.TaskDefinition, 0, len(m.defs))
	for _, def := range m.defs {
		c := *def
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memDefinitions) Watch(ctx context.Context) (<-chan domain.DefinitionEvent, error) {
	return m.events, nil
}

type memHistory struct {
	mu      sync.Mutex
	results []*domain.TaskResult
}

func (m *memHistory) Save(_ context.Context, res *domain.TaskResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.results {
		if r.Task == res.Task && r.ID == res.ID {
			m.results[i] = res.Clone()
			return nil
		}
	}
	m.results = append(m.results, res.Clone())
	return nil
}

func (m *memHistory) ListByTask(_ context.Context, task string, page, pageSize int) ([]*domain.TaskResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.TaskResult
	for i := len(m.results) - 1; i >= 0; i-- {
		if m.results[i].Task == task {
			out = append(out, m.results[i].Clone())
		}
	}
	from := (page - 1) * pageSize
	if from >= len(out) {
		return nil, nil
	}
	return out[from:min(from+pageSize, len(out))], nil
}

func (m *memHistory) Get(_ context.Context, task, id string) (*domain.TaskResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.results {
		if r.Task == task && r.ID == id {
			return r.Clone(), nil
		}
	}
	return nil, domain.ErrResultNotFound
}

func (m *memHistory) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.results[:0]
	n := 0
	for _, r := range m.results {
		if r.StartTime.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.results = kept
	return n, nil
}

func (m *memHistory) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

type staticMembers map[string]bool

func (s staticMembers) IsAlive(n domain.Node) bool { return s[n.ID] }

func (s staticMembers) Nodes() []domain.Node {
	var out []domain.Node
	for id := range s {
		out = append(out, domain.Node{ID: id})
	}
	return out
}

// soloLeader wins every campaign at once and loses leadership when lose is called.
type soloLeader struct {
	mu       sync.Mutex
	lost     chan struct{}
	leader   bool
	campaign int
	resigned int
}

func (l *soloLeader) Campaign(ctx context.Context) (<-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lost = make(chan struct{})
	l.leader = true
	l.campaign++
	return l.lost, nil
}

func (l *soloLeader) Resign(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leader = false
	l.resigned++
	return nil
}

func (l *soloLeader) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader
}

func (l *soloLeader) lose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.leader {
		close(l.lost)
		l.leader = false
	}
}

func (l *soloLeader) campaigns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.campaign
}
