package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distrisearch/distrisearch/internal/types"
)

func TestAddAndSearchAll(t *testing.T) {
	idx := New()
	idx.Add("doc1", []string{"apple", "banana", "cherry"})
	idx.Add("doc2", []string{"apple", "banana"})
	idx.Add("doc3", []string{"cherry"})

	got := idx.SearchAll([]string{"apple", "banana"})
	assert.ElementsMatch(t, []types.DocID{"doc1", "doc2"}, got)
}

func TestSearchAllMissingTermIsEmpty(t *testing.T) {
	idx := New()
	idx.Add("doc1", []string{"apple"})
	assert.Empty(t, idx.SearchAll([]string{"apple", "missing"}))
}

func TestSearchUnion(t *testing.T) {
	idx := New()
	idx.Add("doc1", []string{"apple"})
	idx.Add("doc2", []string{"banana"})
	idx.Add("doc3", []string{"cherry"})

	got := idx.Search([]string{"apple", "banana"})
	assert.ElementsMatch(t, []types.DocID{"doc1", "doc2"}, got)
}

func TestRemoveDropsFromAllPostings(t *testing.T) {
	idx := New()
	idx.Add("doc1", []string{"apple", "banana"})
	idx.Remove("doc1")

	assert.Empty(t, idx.SearchAll([]string{"apple"}))
	assert.Empty(t, idx.Search([]string{"apple", "banana"}))
	assert.Equal(t, 0, idx.DocCount())
}

func TestDocCount(t *testing.T) {
	idx := New()
	require.Equal(t, 0, idx.DocCount())
	idx.Add("doc1", []string{"a"})
	idx.Add("doc2", []string{"b"})
	assert.Equal(t, 2, idx.DocCount())
	idx.Add("doc1", []string{"a", "a"}) // re-add same docID doesn't double-count
	assert.Equal(t, 2, idx.DocCount())
}

func TestRankOrdersByTFIDFDescendingWithLexicalTiebreak(t *testing.T) {
	idx := New()
	// "rare" appears only in doc1: high IDF. "common" appears in every doc.
	idx.Add("doc1", []string{"rare", "common"})
	idx.Add("doc2", []string{"common"})
	idx.Add("doc3", []string{"common"})

	candidates := idx.SearchAll([]string{"common"})
	results := idx.Rank(candidates, []string{"common", "rare"})

	require.Len(t, results, 3)
	// doc1 scores highest: it is the only doc matching "rare" too.
	assert.Equal(t, types.DocID("doc1"), results[0].DocID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestRankTiebreaksLexicographically(t *testing.T) {
	idx := New()
	idx.Add("bdoc", []string{"x"})
	idx.Add("adoc", []string{"x"})

	results := idx.Rank([]types.DocID{"bdoc", "adoc"}, []string{"x"})
	require.Len(t, results, 2)
	assert.Equal(t, types.DocID("adoc"), results[0].DocID)
	assert.Equal(t, types.DocID("bdoc"), results[1].DocID)
}

func TestRankWithNoCandidatesReturnsEmpty(t *testing.T) {
	idx := New()
	results := idx.Rank(nil, []string{"x"})
	assert.Empty(t, results)
}
