// Package composer implements the streaming HTML layout composer core: the
// template parser & slot resolver, the fragment orchestrator, and the
// pipe-instruction injector described in the project specification.
package composer

import (
	"io"
	"net/http"
	"strconv"
	"time"
)

// AssetRel is the set of Link-header relations the composer recognizes.
type AssetRel string

// Recognized Link-header relations.
const (
	RelStylesheet     AssetRel = "stylesheet"
	RelFragmentScript AssetRel = "fragment-script"
)

// AssetEntry is one parsed entry from a fragment response's Link header.
type AssetEntry struct {
	Href        string
	Rel         AssetRel
	CrossOrigin bool
}

// FragmentDescriptor is the parser's (and, after context overrides, the
// orchestrator's) view of a single fragment placeholder.
type FragmentDescriptor struct {
	// Index is this fragment's position in parser-emission order; the
	// pipe planner assigns index spans in this order.
	Index int

	ID          string
	Src         string
	FallbackSrc string
	Primary     bool
	Async       bool
	Public      bool
	TimeoutMS   int
	Attrs       map[string]string

	// IndexLo/IndexHi is the contiguous pipe-index span this fragment and
	// its extra fragment-script assets occupy. Populated by the planner.
	IndexLo int
	IndexHi int
}

// EffectiveID returns the descriptor's explicit id, defaulting to its lo
// index formatted as a decimal string, per spec.md §3.
func (d *FragmentDescriptor) EffectiveID() string {
	if d.ID != "" {
		return d.ID
	}
	return strconv.Itoa(d.IndexLo)
}

// DefaultTimeout is used when a fragment tag omits timeout="...".
const DefaultTimeout = 3000 * time.Millisecond

// Timeout returns the descriptor's configured fetch timeout.
func (d *FragmentDescriptor) Timeout() time.Duration {
	if d.TimeoutMS <= 0 {
		return DefaultTimeout
	}
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

// Instruction is one element of the ordered list the parser produces. It is
// a closed sum type implemented by Literal, FragmentInstr, and
// CustomTagInstr below. A FragmentInstr's own Descriptor.Async decides at
// render time whether the orchestrator streams it inline or defers it to
// the drain region — context overrides can flip that flag after parsing,
// so the choice can't be baked into the instruction at parse time.
type Instruction interface {
	instruction()
}

// Literal is a run of bytes passed through verbatim.
type Literal struct {
	Bytes []byte
	// Head is not set by the parser: head-destined content (including
	// content resolved into a head-positioned slot) is collected in
	// Document.HeadLiterals instead.
	Head bool
}

func (Literal) instruction() {}

// FragmentInstr is a fragment placeholder rendered by the orchestrator in
// document order, inline for a sync fragment or as an async placeholder
// depending on its Descriptor's Async flag at render time.
type FragmentInstr struct {
	Descriptor *FragmentDescriptor
}

func (FragmentInstr) instruction() {}

// CustomTagInstr delegates rendering to the host's handleTag callback.
type CustomTagInstr struct {
	Name  string
	Attrs map[string]string
}

func (CustomTagInstr) instruction() {}

// ShellState records which top-level document elements the template
// supplied explicitly, so the parser knows which ones it must synthesize.
type ShellState struct {
	HasHTML bool
	HasHead bool
	HasBody bool
}

// Document is the parser's output: an ordered instruction list plus shell
// bookkeeping, and the flattened set of fragment descriptors in parser
// order (shared by the orchestrator and the pipe-asset planner).
type Document struct {
	Shell        ShellState
	HeadLiterals []Instruction
	Body         []Instruction
	Fragments    []*FragmentDescriptor
	Warnings     []string
}

// FetchResult is what the Fetcher returns for one fragment fetch attempt.
type FetchResult struct {
	StatusCode int
	Headers    http.Header
	Body       io.ReadCloser
	UsedFallback bool
}
