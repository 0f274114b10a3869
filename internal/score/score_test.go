package score

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daverage/loreweave/internal/entry"
	"github.com/daverage/loreweave/internal/match"
)

var testWeights = Weights{Similarity: 1.0, Keyword: 0.1, Importance: 0.05}

func TestComputeSimilarityDominates(t *testing.T) {
	vector := Candidate{
		Entry:  &entry.KnowledgeEntry{ID: "v"},
		Signal: match.Signal{Matched: true, Method: match.MethodVector, Similarity: 0.9},
	}
	keyword := Candidate{
		Entry:  &entry.KnowledgeEntry{ID: "k"},
		Signal: match.Signal{Matched: true, Method: match.MethodKeyword, Keywords: []string{"dragon", "cave"}},
	}

	assert.Greater(t, Compute(vector, testWeights), Compute(keyword, testWeights))
}

func TestComputeKeywordIncrementPerMatch(t *testing.T) {
	one := Candidate{
		Entry:  &entry.KnowledgeEntry{ID: "a"},
		Signal: match.Signal{Matched: true, Keywords: []string{"x"}},
	}
	two := Candidate{
		Entry:  &entry.KnowledgeEntry{ID: "a"},
		Signal: match.Signal{Matched: true, Keywords: []string{"x", "y"}},
	}

	assert.InDelta(t, testWeights.Keyword, Compute(two, testWeights)-Compute(one, testWeights), 1e-9)
}

func TestRankOrderAndTieBreaks(t *testing.T) {
	candidates := []Candidate{
		{Entry: &entry.KnowledgeEntry{ID: "low"}, Signal: match.Signal{Similarity: 0.5}},
		{Entry: &entry.KnowledgeEntry{ID: "high"}, Signal: match.Signal{Similarity: 0.9}},
		// Same score, higher importance wins.
		{Entry: &entry.KnowledgeEntry{ID: "imp-5", Importance: 5}, Signal: match.Signal{Similarity: 0.7}},
		{Entry: &entry.KnowledgeEntry{ID: "imp-9", Importance: 9}, Signal: match.Signal{Similarity: 0.7}},
	}
	// Cancel the importance weight so imp-5 and imp-9 score identically.
	w := Weights{Similarity: 1.0, Keyword: 0.1, Importance: 0}

	ranked := Rank(candidates, w)
	require.Len(t, ranked, 4)
	assert.Equal(t, "high", ranked[0].Entry.ID)
	assert.Equal(t, "imp-9", ranked[1].Entry.ID)
	assert.Equal(t, "imp-5", ranked[2].Entry.ID)
	assert.Equal(t, "low", ranked[3].Entry.ID)
}

func TestRankIDBreaksFinalTie(t *testing.T) {
	candidates := []Candidate{
		{Entry: &entry.KnowledgeEntry{ID: "b"}, Signal: match.Signal{Similarity: 0.7}},
		{Entry: &entry.KnowledgeEntry{ID: "a"}, Signal: match.Signal{Similarity: 0.7}},
	}

	ranked := Rank(candidates, testWeights)
	require.Len(t, ranked, 2)
	assert.Equal(t, "a", ranked[0].Entry.ID)
	assert.Equal(t, "b", ranked[1].Entry.ID)

	// Input order never changes the output.
	reversed := Rank([]Candidate{candidates[1], candidates[0]}, testWeights)
	assert.Equal(t, ranked, reversed)
}
