package local

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipeweave/pipeweave/internal/composer"
	"github.com/pipeweave/pipeweave/internal/notify/memory"
)

func writeTemplate(t *testing.T, baseDir, key, base, child string) {
	t.Helper()
	dir := filepath.Join(baseDir, key)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.html"), []byte(base), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "child.html"), []byte(child), 0o600))
}

func TestFetchTemplateReadsFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTemplate(t, dir, "pricing", "<html></html>", "<p>child</p>")

	src, err := New(Config{BaseDir: dir}, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/pricing", nil)
	base, child, err := src.FetchTemplate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "<html></html>", string(base))
	require.Equal(t, "<p>child</p>", string(child))
}

func TestFetchTemplateRejectsPathTraversal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src, err := New(Config{BaseDir: dir}, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/../../etc", nil)
	_, _, err = src.FetchTemplate(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, 500, composer.StatusCodeOf(err))
}

func TestFetchTemplateMissingKeyReturnsNotFound(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src, err := New(Config{BaseDir: dir}, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	_, _, err = src.FetchTemplate(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, 404, composer.StatusCodeOf(err))
}

func TestFetchTemplateAnnouncesOnlyOnChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTemplate(t, dir, "pricing", "a", "b")

	pub := memory.New()
	src, err := New(Config{BaseDir: dir}, pub)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/pricing", nil)

	_, _, err = src.FetchTemplate(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, pub.Events())

	writeTemplate(t, dir, "pricing", "a", "c")
	_, _, err = src.FetchTemplate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, pub.Events(), 1)
}

func TestNewRejectsMissingBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
}
