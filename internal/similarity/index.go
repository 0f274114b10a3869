// Package similarity provides the embedding/similarity collaborator backed by
// chromem-go, an embedded pure-Go vector database. It satisfies the matcher's
// Searcher interface without any network dependency when paired with the
// deterministic hash embedder.
package similarity

import (
	"context"
	"fmt"
	"sort"

	chromem "github.com/philippgille/chromem-go"

	"github.com/daverage/loreweave/internal/match"
)

const collectionName = "loreweave_chunks"

// Index wraps a chromem collection of entry and memory content.
type Index struct {
	db  *chromem.DB
	col *chromem.Collection
}

// NewIndex creates an in-memory index using the given embedding function.
func NewIndex(embed chromem.EmbeddingFunc) (*Index, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}
	return &Index{db: db, col: col}, nil
}

// Add embeds and stores one document keyed by entry ID.
func (ix *Index) Add(ctx context.Context, entryID, content string) error {
	if err := ix.col.AddDocument(ctx, chromem.Document{
		ID:      entryID,
		Content: content,
	}); err != nil {
		return fmt.Errorf("failed to index %s: %w", entryID, err)
	}
	return nil
}

// Similar implements match.Searcher. It embeds the query text, ranks the
// candidate documents by cosine similarity, and returns up to maxResults hits
// at or above threshold.
func (ix *Index) Similar(ctx context.Context, text string, candidateIDs []string, threshold float64, maxResults int) ([]match.Hit, error) {
	if len(candidateIDs) == 0 || maxResults <= 0 {
		return nil, nil
	}

	count := ix.col.Count()
	if count == 0 {
		return nil, nil
	}

	// chromem rejects nResults larger than the collection; ask for the
	// whole collection and filter down to the candidate set ourselves.
	results, err := ix.col.Query(ctx, text, count, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}

	candidates := make(map[string]bool, len(candidateIDs))
	for _, id := range candidateIDs {
		candidates[id] = true
	}

	var hits []match.Hit
	for _, r := range results {
		if !candidates[r.ID] {
			continue
		}
		sim := float64(r.Similarity)
		if sim < threshold {
			continue
		}
		hits = append(hits, match.Hit{EntryID: r.ID, Similarity: sim})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity == hits[j].Similarity {
			return hits[i].EntryID < hits[j].EntryID
		}
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	return hits, nil
}
