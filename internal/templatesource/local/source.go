// Package local is a composer.TemplateSource backed by the local
// filesystem, adapted from the teacher's internal/storage/local.BlobStore
// (same base-dir validation and path-traversal guard, read instead of
// write).
package local

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pipeweave/pipeweave/internal/composer"
	"github.com/pipeweave/pipeweave/internal/hash/sha256"
	"github.com/pipeweave/pipeweave/internal/notify"
	"github.com/pipeweave/pipeweave/internal/templatesource"
)

// Config captures the parameters for the local filesystem template source.
type Config struct {
	// BaseDir is the root directory holding one subdirectory per key, each
	// containing base.html and child.html.
	BaseDir string `mapstructure:"base_dir"`
}

// Source reads <BaseDir>/<key>/{base,child}.html.
type Source struct {
	baseDir   string
	hasher    *sha256.Hasher
	publisher notify.Publisher

	mu     sync.Mutex
	hashes map[string]string
}

// New validates BaseDir and returns a Source. publisher may be nil to skip
// invalidation announcements.
func New(cfg Config, publisher notify.Publisher) (*Source, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("stat base directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	return &Source{
		baseDir:   cfg.BaseDir,
		hasher:    sha256.New(),
		publisher: publisher,
		hashes:    make(map[string]string),
	}, nil
}

// FetchTemplate implements composer.TemplateSource.
func (s *Source) FetchTemplate(ctx context.Context, r *http.Request) ([]byte, []byte, error) {
	key := templatesource.KeyFromRequest(r)

	keyDir := filepath.Join(s.baseDir, key)
	cleanBaseDir := filepath.Clean(s.baseDir)
	cleanKeyDir := filepath.Clean(keyDir)
	if !strings.HasPrefix(cleanKeyDir, cleanBaseDir+string(filepath.Separator)) {
		return nil, nil, composer.NewComposeError(composer.ErrTemplateError,
			"template error", fmt.Errorf("path traversal detected for key %q", key))
	}

	base, err := os.ReadFile(filepath.Join(cleanKeyDir, "base.html"))
	if err != nil {
		return nil, nil, wrapFetchErr(err, "read base template")
	}
	child, err := os.ReadFile(filepath.Join(cleanKeyDir, "child.html"))
	if err != nil {
		return nil, nil, wrapFetchErr(err, "read child template")
	}

	if err := s.announceIfChanged(ctx, key, base, child); err != nil {
		return nil, nil, composer.NewComposeError(composer.ErrTemplateError, "template error", err)
	}
	return base, child, nil
}

// wrapFetchErr classifies a filesystem read failure as TEMPLATE_NOT_FOUND
// when the underlying file is missing, else TEMPLATE_ERROR.
func wrapFetchErr(err error, action string) error {
	if os.IsNotExist(err) {
		return composer.NewComposeError(composer.ErrTemplateNotFound,
			"template not found", fmt.Errorf("%s: %w", action, err))
	}
	return composer.NewComposeError(composer.ErrTemplateError,
		"template error", fmt.Errorf("%s: %w", action, err))
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
