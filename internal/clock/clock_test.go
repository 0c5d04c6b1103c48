package clock_test

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/veriskill/veriskill/internal/clock"
)

func TestSystemNowIsUTC(t *testing.T) {
	t.Parallel()
	now := clock.System{}.Now()
	assert.Equal(t, time.UTC, now.Location())
}

func TestFixedAdvance(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(base)
	assert.Equal(t, base, clk.Now())

	clk.Advance(90 * time.Second)
	assert.Equal(t, base.Add(90*time.Second), clk.Now())
}

func TestNewIDUniqueAndSorted(t *testing.T) {
	t.Parallel()
	ids := make([]string, 50)
	seen := map[string]bool{}
	for i := range ids {
		ids[i] = clock.NewID()
		assert.Len(t, ids[i], 26)
		assert.False(t, seen[ids[i]])
		seen[ids[i]] = true
	}
	assert.True(t, sort.StringsAreSorted(ids), "ids mint in lexicographic order")
}

func TestNewEtag(t *testing.T) {
	t.Parallel()
	assert.NotEqual(t, clock.NewEtag(), clock.NewEtag())
}
