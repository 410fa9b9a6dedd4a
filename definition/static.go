package definition

import (
	"context"
	"fmt"
	"sync"
)

// Static is an in-memory Resolver test double. It never mutates what it
// serves and never validates it — same contract as any real resolver
// the core would be handed.
type Static struct {
	mu   sync.RWMutex
	defs map[string]*PinnedDefinition
}

// NewStatic creates a Static resolver seeded with the given definitions,
// keyed by name.
func NewStatic(defs ...*PinnedDefinition) *Static {
	s := &Static{defs: make(map[string]*PinnedDefinition, len(defs))}
	for _, d := range defs {
		s.defs[d.Name] = d
	}
	return s
}

// Resolve implements Resolver. Version is ignored — Static serves the
// single definition registered per name.
func (s *Static) Resolve(_ context.Context, name, _ string) (*PinnedDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.defs[name]
	if !ok {
		return nil, fmt.Errorf("definition: no workflow named %q", name)
	}
	return d, nil
}

// Register adds or replaces a definition.
func (s *Static) Register(d *PinnedDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[d.Name] = d
}
