// Package postgres is a composer.TemplateSource backed by a Postgres
// templates table, adapted from the teacher's internal/storage/postgres
// retrieval/progress stores (pool config, context-scoped queries, the same
// validTableName guard against an injectable configured table name).
package postgres

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipeweave/pipeweave/internal/composer"
	"github.com/pipeweave/pipeweave/internal/hash/sha256"
	"github.com/pipeweave/pipeweave/internal/notify"
	"github.com/pipeweave/pipeweave/internal/templatesource"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table used for templates.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryRower interface {
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Source reads base/child template bytes from a `templates(key, base,
// child, updated_at)` table.
type Source struct {
	pool      queryRower
	table     string
	hasher    *sha256.Hasher
	publisher notify.Publisher

	mu     sync.Mutex
	hashes map[string]string
}

// New creates a Postgres-backed Source using the provided config.
func New(ctx context.Context, cfg Config, publisher notify.Publisher) (*Source, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "templates"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Source{pool: pool, table: table, hasher: sha256.New(), publisher: publisher, hashes: make(map[string]string)}, nil
}

// NewWithPool constructs a Source from an existing pool, primarily for
// testing with pgxmock.
func NewWithPool(pool queryRower, table string, publisher notify.Publisher) (*Source, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "templates"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Source{pool: pool, table: table, hasher: sha256.New(), publisher: publisher, hashes: make(map[string]string)}, nil
}

// Close releases the underlying pool resources.
func (s *Source) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// FetchTemplate implements composer.TemplateSource.
func (s *Source) FetchTemplate(ctx context.Context, r *http.Request) ([]byte, []byte, error) {
	key := templatesource.KeyFromRequest(r)

	query := fmt.Sprintf(`SELECT base, child FROM %s WHERE key = $1`, s.table)
	var base, child []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(&base, &child)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil, composer.NewComposeError(composer.ErrTemplateNotFound,
				"template not found", fmt.Errorf("no template registered for key %q", key))
		}
		return nil, nil, composer.NewComposeError(composer.ErrTemplateError,
			"template error", fmt.Errorf("query template: %w", err))
	}

	if err := s.announceIfChanged(ctx, key, base, child); err != nil {
		return nil, nil, composer.NewComposeError(composer.ErrTemplateError, "template error", err)
	}
	return base, child, nil
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
