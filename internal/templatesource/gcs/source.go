// Package gcs is a composer.TemplateSource backed by Google Cloud Storage,
// adapted from the teacher's internal/storage/gcs.BlobStore (read instead
// of write).
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"cloud.google.com/go/storage"

	"github.com/pipeweave/pipeweave/internal/composer"
	"github.com/pipeweave/pipeweave/internal/hash/sha256"
	"github.com/pipeweave/pipeweave/internal/notify"
	"github.com/pipeweave/pipeweave/internal/templatesource"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// Source reads <Prefix>/<key>/{base,child}.html objects from a bucket.
type Source struct {
	client    *storage.Client
	bucket    string
	prefix    string
	hasher    *sha256.Hasher
	publisher notify.Publisher

	mu     sync.Mutex
	hashes map[string]string
}

// New returns a Source. publisher may be nil to skip invalidation
// announcements.
func New(client *storage.Client, cfg Config, publisher notify.Publisher) (*Source, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Source{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		hasher:    sha256.New(),
		publisher: publisher,
		hashes:    make(map[string]string),
	}, nil
}

// FetchTemplate implements composer.TemplateSource.
func (s *Source) FetchTemplate(ctx context.Context, r *http.Request) ([]byte, []byte, error) {
	key := templatesource.KeyFromRequest(r)

	base, err := s.readObject(ctx, s.objectPath(key, "base.html"))
	if err != nil {
		return nil, nil, wrapFetchErr(err, "read base template")
	}
	child, err := s.readObject(ctx, s.objectPath(key, "child.html"))
	if err != nil {
		return nil, nil, wrapFetchErr(err, "read child template")
	}

	if err := s.announceIfChanged(ctx, key, base, child); err != nil {
		return nil, nil, composer.NewComposeError(composer.ErrTemplateError, "template error", err)
	}
	return base, child, nil
}

// wrapFetchErr classifies a GCS read failure as TEMPLATE_NOT_FOUND when the
// object doesn't exist, else TEMPLATE_ERROR.
func wrapFetchErr(err error, action string) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return composer.NewComposeError(composer.ErrTemplateNotFound,
			"template not found", fmt.Errorf("%s: %w", action, err))
	}
	return composer.NewComposeError(composer.ErrTemplateError,
		"template error", fmt.Errorf("%s: %w", action, err))
}

func (s *Source) objectPath(key, file string) string {
	if s.prefix == "" {
		return fmt.Sprintf("%s/%s", key, file)
	}
	return fmt.Sprintf("%s/%s/%s", s.prefix, key, file)
}

func (s *Source) readObject(ctx context.Context, path string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open object reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

func (s *Source) announceIfChanged(ctx context.Context, key string, base, child []byte) error {
	hash, err := s.hasher.Hash(append(append([]byte(nil), base...), child...))
	if err != nil {
		return fmt.Errorf("hash template content: %w", err)
	}

	s.mu.Lock()
	prev, existed := s.hashes[key]
	changed := existed && prev != hash
	s.hashes[key] = hash
	s.mu.Unlock()

	if changed && s.publisher != nil {
		if err := s.publisher.PublishInvalidation(ctx, key, hash); err != nil {
			return fmt.Errorf("publish invalidation: %w", err)
		}
	}
	return nil
}
