// Package memory is a composer.TemplateSource backed by an in-memory map,
// adapted from the teacher's internal/storage/memory.BlobStore, for tests
// and the no-external-backend default.
package memory

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/pipeweave/pipeweave/internal/composer"
	"github.com/pipeweave/pipeweave/internal/hash/sha256"
	"github.com/pipeweave/pipeweave/internal/notify"
	"github.com/pipeweave/pipeweave/internal/templatesource"
)

type entry struct {
	base, child []byte
	hash        string
}

// Source holds templates keyed by request path, fingerprinting content on
// every Put so repeated writes of identical bytes don't re-announce.
type Source struct {
	mu        sync.RWMutex
	entries   map[string]entry
	hasher    *sha256.Hasher
	publisher notify.Publisher
}

// New returns an empty Source. publisher may be nil to skip invalidation
// announcements entirely.
func New(publisher notify.Publisher) *Source {
	return &Source{
		entries:   make(map[string]entry),
		hasher:    sha256.New(),
		publisher: publisher,
	}
}

// Put stores base/child templates under key, announcing an invalidation to
// the configured notify.Publisher when the content hash changes from what
// was previously stored under that key.
func (s *Source) Put(ctx context.Context, key string, base, child []byte) error {
	hash, err := s.hasher.Hash(append(append([]byte(nil), base...), child...))
	if err != nil {
		return fmt.Errorf("hash template content: %w", err)
	}

	s.mu.Lock()
	prev, existed := s.entries[key]
	changed := !existed || prev.hash != hash
	s.entries[key] = entry{base: base, child: child, hash: hash}
	s.mu.Unlock()

	if changed && existed && s.publisher != nil {
		if err := s.publisher.PublishInvalidation(ctx, key, hash); err != nil {
			return fmt.Errorf("publish invalidation: %w", err)
		}
	}
	return nil
}

// FetchTemplate implements composer.TemplateSource.
func (s *Source) FetchTemplate(_ context.Context, r *http.Request) ([]byte, []byte, error) {
	key := templatesource.KeyFromRequest(r)

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil, composer.NewComposeError(composer.ErrTemplateNotFound,
			"template not found", fmt.Errorf("no template registered for key %q", key))
	}
	return e.base, e.child, nil
}
