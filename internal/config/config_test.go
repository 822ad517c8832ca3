package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
logging:
  development: false
host:
  amd_loader_url: https://cdn.example.com/pipe-loader.js
  pipe_instance_name: pipe
  max_asset_links: 3
  handled_tags: ["ad-slot"]
template_source:
  backend: local
  local_dir: /var/pipeweave/templates
pubsub:
  enabled: true
  project_id: proj
  topic_name: template-changes
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected logging.development to be overridden to false")
	}
	if cfg.Host.MaxAssetLinks != 3 || cfg.Host.PipeInstanceName != "pipe" {
		t.Fatalf("expected host overrides to apply: %+v", cfg.Host)
	}
	if len(cfg.Host.HandledTags) != 1 || cfg.Host.HandledTags[0] != "ad-slot" {
		t.Fatalf("expected handled_tags to be loaded: %+v", cfg.Host.HandledTags)
	}
	if cfg.TemplateSource.Backend != "local" || cfg.TemplateSource.LocalDir == "" {
		t.Fatalf("expected local template source config: %+v", cfg.TemplateSource)
	}
	if !cfg.PubSub.Enabled || cfg.PubSub.TopicName != "template-changes" {
		t.Fatalf("expected pubsub overrides to apply: %+v", cfg.PubSub)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:         ServerConfig{Port: 8080},
		Host:           HostConfig{MaxAssetLinks: 1},
		TemplateSource: TemplateSourceConfig{Backend: "memory"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid max asset links",
			cfg: func() Config {
				c := base
				c.Host.MaxAssetLinks = 0
				return c
			}(),
			want: "host.max_asset_links",
		},
		{
			name: "unknown backend",
			cfg: func() Config {
				c := base
				c.TemplateSource.Backend = "s3"
				return c
			}(),
			want: "template_source.backend",
		},
		{
			name: "local backend missing dir",
			cfg: func() Config {
				c := base
				c.TemplateSource.Backend = "local"
				return c
			}(),
			want: "template_source.local_dir",
		},
		{
			name: "gcs backend missing bucket",
			cfg: func() Config {
				c := base
				c.TemplateSource.Backend = "gcs"
				return c
			}(),
			want: "gcs.bucket",
		},
		{
			name: "postgres backend missing dsn",
			cfg: func() Config {
				c := base
				c.TemplateSource.Backend = "postgres"
				return c
			}(),
			want: "db.dsn",
		},
		{
			name: "pubsub enabled missing project",
			cfg: func() Config {
				c := base
				c.PubSub.Enabled = true
				return c
			}(),
			want: "pubsub.project_id",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
