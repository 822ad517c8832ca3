package composer

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLinkHeaderBasic(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Link", `</style.css>; rel="stylesheet", </script.js>; rel="fragment-script"`)

	entries := ParseLinkHeader(h, "example.com", 4)
	require.Len(t, entries, 2)
	require.Equal(t, "/style.css", entries[0].Href)
	require.Equal(t, RelStylesheet, entries[0].Rel)
	require.Equal(t, "/script.js", entries[1].Href)
	require.Equal(t, RelFragmentScript, entries[1].Rel)
}

func TestParseLinkHeaderFallsBackToAmzMeta(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("X-Amz-Meta-Link", `</a.css>; rel="stylesheet"`)

	entries := ParseLinkHeader(h, "example.com", 4)
	require.Len(t, entries, 1)
	require.Equal(t, "/a.css", entries[0].Href)
}

func TestParseLinkHeaderLinkWinsOverAmzMeta(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Link", `</link.css>; rel="stylesheet"`)
	h.Set("X-Amz-Meta-Link", `</amz.css>; rel="stylesheet"`)

	entries := ParseLinkHeader(h, "example.com", 4)
	require.Len(t, entries, 1)
	require.Equal(t, "/link.css", entries[0].Href)
}

func TestParseLinkHeaderCapsPerRelationIndependently(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Link", `</a.css>; rel="stylesheet", </b.css>; rel="stylesheet", </c.js>; rel="fragment-script"`)

	entries := ParseLinkHeader(h, "example.com", 1)
	require.Len(t, entries, 2)
	require.Equal(t, "/a.css", entries[0].Href)
	require.Equal(t, "/c.js", entries[1].Href)
}

func TestParseLinkHeaderIgnoresUnknownRelations(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Link", `</a.js>; rel="preconnect"`)

	entries := ParseLinkHeader(h, "example.com", 4)
	require.Empty(t, entries)
}

func TestParseLinkHeaderCrossOriginDetection(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Link", `<https://cdn.other.com/a.css>; rel="stylesheet", </local.css>; rel="stylesheet"`)

	entries := ParseLinkHeader(h, "example.com", 4)
	require.Len(t, entries, 2)
	require.True(t, entries[0].CrossOrigin)
	require.False(t, entries[1].CrossOrigin)
}

func TestParseLinkHeaderQuotedCommaInParameterDoesNotSplitEntry(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Link", `</a.css>; rel="stylesheet"; title="a, b"`)

	entries := ParseLinkHeader(h, "example.com", 4)
	require.Len(t, entries, 1)
	require.Equal(t, "/a.css", entries[0].Href)
}

func TestParseLinkHeaderEmpty(t *testing.T) {
	t.Parallel()

	entries := ParseLinkHeader(http.Header{}, "example.com", 4)
	require.Nil(t, entries)
}
