// Package memory is an in-memory notify.Publisher for tests and the
// memory/local template-source backends.
package memory

import (
	"context"
	"sync"
)

// Invalidation captures one recorded invalidation.
type Invalidation struct {
	Key         string
	ContentHash string
}

// Publisher records invalidations for inspection instead of sending them
// anywhere, adapted from the teacher's internal/publisher/memory.
type Publisher struct {
	mu     sync.RWMutex
	events []Invalidation
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// PublishInvalidation implements notify.Publisher.
func (p *Publisher) PublishInvalidation(_ context.Context, key, contentHash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Invalidation{Key: key, ContentHash: contentHash})
	return nil
}

// Events returns the recorded invalidations.
func (p *Publisher) Events() []Invalidation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Invalidation, len(p.events))
	copy(out, p.events)
	return out
}
