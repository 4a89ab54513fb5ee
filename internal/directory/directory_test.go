package directory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distrisearch/distrisearch/internal/types"
)

func TestApplyAddAndRemove(t *testing.T) {
	d := New()
	d.Apply(Delta{Add: true, Term: "fox", NodeID: "n1"})
	d.Apply(Delta{Add: true, Term: "fox", NodeID: "n2"})

	assert.ElementsMatch(t, []types.NodeID{"n1", "n2"}, d.Nodes("fox"))

	d.Apply(Delta{Add: false, Term: "fox", NodeID: "n1"})
	assert.ElementsMatch(t, []types.NodeID{"n2"}, d.Nodes("fox"))
}

func TestApplyGarbageCollectsEmptyTermSets(t *testing.T) {
	d := New()
	d.Apply(Delta{Add: true, Term: "fox", NodeID: "n1"})
	d.Apply(Delta{Add: false, Term: "fox", NodeID: "n1"})

	assert.Nil(t, d.Nodes("fox"))
}

func TestApplyIncrementsVersion(t *testing.T) {
	d := New()
	assert.Equal(t, uint64(0), d.Version())
	d.Apply(Delta{Add: true, Term: "fox", NodeID: "n1"})
	assert.Equal(t, uint64(1), d.Version())
	d.Apply(Delta{Add: true, Term: "dog", NodeID: "n1"})
	assert.Equal(t, uint64(2), d.Version())
}

func TestOnChangeFiresWithAffectedTerm(t *testing.T) {
	d := New()
	var seen []string
	d.OnChange(func(term string) { seen = append(seen, term) })

	d.Apply(Delta{Add: true, Term: "fox", NodeID: "n1"})
	d.Apply(Delta{Add: true, Term: "dog", NodeID: "n1"})

	assert.Equal(t, []string{"fox", "dog"}, seen)
}

func TestDeltaEncodeDecodeRoundTrip(t *testing.T) {
	d := Delta{Add: true, Term: "fox", NodeID: "n1"}
	decoded, err := Decode(d.Encode())
	require.NoError(t, err)
	assert.Equal(t, d, decoded)
}

func TestRemovingUnknownTermIsNoOp(t *testing.T) {
	d := New()
	d.Apply(Delta{Add: false, Term: "missing", NodeID: "n1"})
	assert.Nil(t, d.Nodes("missing"))
	assert.Equal(t, uint64(1), d.Version())
}

func TestCacheGetPutInvalidate(t *testing.T) {
	c := NewCache(time.Minute, 10)
	_, ok := c.Get("fox")
	assert.False(t, ok)

	c.Put("fox", []types.NodeID{"n1", "n2"})
	got, ok := c.Get("fox")
	require.True(t, ok)
	assert.Equal(t, []types.NodeID{"n1", "n2"}, got)

	c.Invalidate("fox")
	_, ok = c.Get("fox")
	assert.False(t, ok)
}

func TestCacheInvalidateIsIdempotent(t *testing.T) {
	c := NewCache(time.Minute, 10)
	assert.NotPanics(t, func() {
		c.Invalidate("never-cached")
		c.Invalidate("never-cached")
	})
}

func TestCacheEntryExpiresAfterTTL(t *testing.T) {
	c := NewCache(10*time.Millisecond, 10)
	c.Put("fox", []types.NodeID{"n1"})
	_, ok := c.Get("fox")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("fox")
	assert.False(t, ok)
}
