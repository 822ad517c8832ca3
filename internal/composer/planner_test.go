package composer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPlannerClaimSequentialDenseIndices(t *testing.T) {
	t.Parallel()

	p := NewPlanner(4)
	lo0, hi0 := p.Claim(0, 0)
	require.Equal(t, 0, lo0)
	require.Equal(t, 0, hi0)

	lo1, hi1 := p.Claim(1, 2)
	require.Equal(t, 1, lo1)
	require.Equal(t, 3, hi1, "2 extra script assets capped at maxAssetLinks-1=3 reserve 3 total, lo=1 -> hi=3")
}

func TestPlannerClaimCapsReservedSpanAtMaxAssetLinks(t *testing.T) {
	t.Parallel()

	p := NewPlanner(2)
	lo, hi := p.Claim(0, 10)
	require.Equal(t, 0, lo)
	require.Equal(t, 1, hi, "reserved span is capped at maxAssetLinks even when more scripts were discovered")
}

func TestPlannerClaimBlocksUntilLowerOrdinalsClaim(t *testing.T) {
	t.Parallel()

	p := NewPlanner(1)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var order []int

	wg.Add(3)
	for _, ord := range []int{2, 0, 1} {
		ord := ord
		go func() {
			defer wg.Done()
			lo, _ := p.Claim(ord, 0)
			mu.Lock()
			order = append(order, lo)
			mu.Unlock()
		}()
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	require.Equal(t, []int{0, 1, 2}, order, "claims must resolve in ordinal order regardless of goroutine scheduling")
}

func TestPlannerDefaultsMaxAssetLinksToOne(t *testing.T) {
	t.Parallel()

	p := NewPlanner(0)
	lo, hi := p.Claim(0, 5)
	require.Equal(t, lo, hi, "maxAssetLinks <= 0 must default to 1, reserving a single index")
}
