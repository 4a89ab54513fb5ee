// Package index implements the per-node local inverted index: a
// term -> set<docID> mapping with TF-IDF ranking. It is the leaf-most
// component of the cluster (spec §4.1) and knows nothing about replication,
// consensus, or the network.
package index

import (
	"math"
	"sort"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/distrisearch/distrisearch/internal/types"
)

// postingSet is an immutable-radix-backed set of docIDs for one term. Using
// a nested radix tree (rather than a plain map) gives readers a consistent,
// lock-free snapshot: a reader captures the *iradix.Tree root once and can
// iterate or probe it while writers install new roots underneath, exactly
// the "copy-on-write posting lists" the spec calls out as an acceptable
// implementation of its non-blocking-reader requirement (spec §5).
type postingSet struct {
	tree *iradix.Tree
}

func newPostingSet() *postingSet {
	return &postingSet{tree: iradix.New()}
}

func (p *postingSet) insert(docID types.DocID) *postingSet {
	tree, _, _ := p.tree.Insert(docID.Bytes(), struct{}{})
	return &postingSet{tree: tree}
}

func (p *postingSet) remove(docID types.DocID) *postingSet {
	tree, _, _ := p.tree.Delete(docID.Bytes())
	return &postingSet{tree: tree}
}

func (p *postingSet) has(docID types.DocID) bool {
	_, ok := p.tree.Get(docID.Bytes())
	return ok
}

func (p *postingSet) len() int {
	return p.tree.Len()
}

func (p *postingSet) docIDs() []types.DocID {
	out := make([]types.DocID, 0, p.tree.Len())
	it := p.tree.Root().Iterator()
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, types.DocID(k))
	}
	return out
}

// DocTerms is one document's term list (with repeats), as returned by Dump
// for the index.json snapshot; replaying it through Add rebuilds the
// document's postings and term frequencies.
type DocTerms struct {
	DocID types.DocID
	Terms []string
}

// Index is the local term -> {docID} inverted index for one node.
type Index struct {
	mu      sync.Mutex // guards writes and termFreq; readers hold it only to capture the current root
	postings *iradix.Tree // term bytes -> *postingSet
	docCount int
	// termFreq caches, per docID, the raw term-frequency map needed for
	// ranking without re-tokenizing on every search.
	termFreq map[types.DocID]map[string]int
}

// New constructs an empty local index.
func New() *Index {
	return &Index{
		postings: iradix.New(),
		termFreq: make(map[types.DocID]map[string]int),
	}
}

// Add inserts docID into the posting set of every term it contains.
func (idx *Index) Add(docID types.DocID, terms []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	freq := make(map[string]int, len(terms))
	for _, t := range terms {
		freq[t]++
	}

	seen := make(map[string]struct{}, len(freq))
	for term := range freq {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		idx.postings = idx.insertTerm(term, docID)
	}

	if _, existed := idx.termFreq[docID]; !existed {
		idx.docCount++
	}
	idx.termFreq[docID] = freq
}

func (idx *Index) insertTerm(term string, docID types.DocID) *iradix.Tree {
	key := []byte(term)
	var set *postingSet
	if raw, ok := idx.postings.Get(key); ok {
		set = raw.(*postingSet)
	} else {
		set = newPostingSet()
	}
	set = set.insert(docID)
	tree, _, _ := idx.postings.Insert(key, set)
	return tree
}

// Remove drops docID from every term's posting set. O(terms in doc), given
// the cached term-frequency map populated by Add.
func (idx *Index) Remove(docID types.DocID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	freq, ok := idx.termFreq[docID]
	if !ok {
		return
	}
	for term := range freq {
		key := []byte(term)
		raw, found := idx.postings.Get(key)
		if !found {
			continue
		}
		set := raw.(*postingSet).remove(docID)
		if set.len() == 0 {
			tree, _, _ := idx.postings.Delete(key)
			idx.postings = tree
		} else {
			tree, _, _ := idx.postings.Insert(key, set)
			idx.postings = tree
		}
	}
	delete(idx.termFreq, docID)
	idx.docCount--
}

// snapshot returns the current immutable root plus the document count as of
// that root, for readers that need a consistent view.
func (idx *Index) snapshot() (*iradix.Tree, int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.postings, idx.docCount
}

func postingsFor(root *iradix.Tree, term string) (*postingSet, bool) {
	raw, ok := root.Get([]byte(term))
	if !ok {
		return nil, false
	}
	return raw.(*postingSet), true
}

// Search returns the union of the posting sets of terms (OR semantics).
func (idx *Index) Search(terms []string) []types.DocID {
	root, _ := idx.snapshot()
	union := make(map[types.DocID]struct{})
	for _, term := range terms {
		set, ok := postingsFor(root, term)
		if !ok {
			continue
		}
		for _, d := range set.docIDs() {
			union[d] = struct{}{}
		}
	}
	out := make([]types.DocID, 0, len(union))
	for d := range union {
		out = append(out, d)
	}
	return out
}

// SearchAll returns the intersection of the posting sets of terms (AND
// semantics, the default query mode per spec §4.1).
func (idx *Index) SearchAll(terms []string) []types.DocID {
	root, _ := idx.snapshot()
	if len(terms) == 0 {
		return nil
	}

	sets := make([]*postingSet, 0, len(terms))
	for _, term := range terms {
		set, ok := postingsFor(root, term)
		if !ok {
			// Any missing term makes the AND-intersection empty.
			return nil
		}
		sets = append(sets, set)
	}

	// Iterate the smallest set and probe the rest; cheapest order for an
	// intersection over immutable sets with O(log n) membership checks.
	sort.Slice(sets, func(i, j int) bool { return sets[i].len() < sets[j].len() })

	candidates := sets[0].docIDs()
	out := make([]types.DocID, 0, len(candidates))
	for _, d := range candidates {
		all := true
		for _, s := range sets[1:] {
			if !s.has(d) {
				all = false
				break
			}
		}
		if all {
			out = append(out, d)
		}
	}
	return out
}

// Result is one ranked hit.
type Result struct {
	DocID types.DocID
	Score float64
}

// Rank computes a TF-IDF score for each candidate docID against the query
// terms, using this node's local corpus statistics (there is no global IDF,
// per spec §4.1/§9). Ties are broken lexicographically by docID; output is
// sorted descending by score.
func (idx *Index) Rank(docIDs []types.DocID, terms []string) []Result {
	root, docCount := idx.snapshot()

	idx.mu.Lock()
	freqByDoc := make(map[types.DocID]map[string]int, len(docIDs))
	for _, d := range docIDs {
		if f, ok := idx.termFreq[d]; ok {
			freqByDoc[d] = f
		}
	}
	idx.mu.Unlock()

	idf := make(map[string]float64, len(terms))
	for _, term := range terms {
		set, ok := postingsFor(root, term)
		df := 0
		if ok {
			df = set.len()
		}
		if df == 0 || docCount == 0 {
			idf[term] = 0
			continue
		}
		idf[term] = math.Log(float64(docCount) / float64(df))
	}

	results := make([]Result, 0, len(docIDs))
	for _, d := range docIDs {
		freq := freqByDoc[d]
		var score float64
		for _, term := range terms {
			tf := float64(freq[term])
			score += tf * idf[term]
		}
		results = append(results, Result{DocID: d, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})
	return results
}

// DocCount returns the number of documents currently indexed by this node.
func (idx *Index) DocCount() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.docCount
}

// Dump returns every indexed document's term list (with repeats, so term
// frequencies survive the round trip), sufficient to rebuild this index via
// Add without re-tokenizing the original content (spec §6's index.json).
func (idx *Index) Dump() []DocTerms {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]DocTerms, 0, len(idx.termFreq))
	for docID, freq := range idx.termFreq {
		terms := make([]string, 0, len(freq))
		for term, n := range freq {
			for i := 0; i < n; i++ {
				terms = append(terms, term)
			}
		}
		out = append(out, DocTerms{DocID: docID, Terms: terms})
	}
	return out
}
