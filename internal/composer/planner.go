package composer

import "sync"

// Planner assigns the contiguous pipe-index span ([lo,hi]) each fragment
// occupies. Indices must be assigned densely in parser-emission order
// across sync and async fragments (spec.md §4.6), but the extra-asset-script
// count that determines a span's width is only known once a fragment's
// response headers have arrived — which happens concurrently and
// out-of-order across fragments. Planner resolves this by making Claim a
// sequential gate: callers identify their fragment by its parser ordinal
// (FragmentDescriptor.Index) and Claim blocks until every lower ordinal has
// already claimed, the same discipline the orchestrator already applies to
// writing sync-fragment bytes in document order.
type Planner struct {
	maxAssetLinks int

	mu      sync.Mutex
	cond    *sync.Cond
	next    int // next ordinal allowed to claim
	counter int // next free pipe index
}

// NewPlanner builds a Planner. maxAssetLinks mirrors the host's asset cap
// (spec.md §6); it bounds how many extra indices a fragment may reserve for
// fragment-script assets.
func NewPlanner(maxAssetLinks int) *Planner {
	if maxAssetLinks <= 0 {
		maxAssetLinks = 1
	}
	p := &Planner{maxAssetLinks: maxAssetLinks}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Claim reserves the index span for the fragment at the given parser
// ordinal, given how many extra fragment-script assets it discovered. It
// blocks until ordinals below it have claimed, then returns (lo, hi).
func (p *Planner) Claim(ordinal, extraScriptCount int) (lo, hi int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.next != ordinal {
		p.cond.Wait()
	}
	reserved := 1 + minInt(p.maxAssetLinks-1, extraScriptCount)
	if reserved < 1 {
		reserved = 1
	}
	lo = p.counter
	hi = lo + reserved - 1
	p.counter += reserved
	p.next++
	p.cond.Broadcast()
	return lo, hi
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
