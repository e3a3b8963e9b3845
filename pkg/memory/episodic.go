package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

const episodicCollection = "episodes"

// episodicIndex is the similarity side of the episodic store: a persistent
// chromem-go collection holding one embedded document per episode. The
// SQLite episodes table remains the canonical record; the index can be
// rebuilt from it.
type episodicIndex struct {
	db  *chromem.DB
	col *chromem.Collection
}

func openEpisodicIndex(dataDir string, embedder Embedder) (*episodicIndex, error) {
	db, err := chromem.NewPersistentDB(filepath.Join(dataDir, "episodic"), false)
	if err != nil {
		return nil, fmt.Errorf("open episodic index: %w", err)
	}
	col, err := db.GetOrCreateCollection(episodicCollection, map[string]string{
		"embedding_model": embedder.ModelID(),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("open episodic collection: %w", err)
	}
	return &episodicIndex{db: db, col: col}, nil
}

// upsert stores the record's embedding under its ID. chromem replaces an
// existing document with the same ID, so re-adding is safe.
func (x *episodicIndex) upsert(ctx context.Context, rec EpisodicRecord) error {
	meta := map[string]string{
		"timestamp":  rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"importance": strconv.FormatFloat(rec.Importance, 'f', 4, 64),
	}
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	err := x.col.AddDocument(ctx, chromem.Document{
		ID:        rec.ID,
		Metadata:  meta,
		Embedding: rec.Embedding,
		Content:   rec.Content,
	})
	if err != nil {
		return fmt.Errorf("index episode %s: %w", rec.ID, err)
	}
	return nil
}

// query returns the k nearest episodes to the embedding, most similar
// first, with recency breaking ties.
func (x *episodicIndex) query(ctx context.Context, embedding []float32, k int) ([]ScoredEpisode, error) {
	count := x.col.Count()
	if count == 0 || k <= 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}
	results, err := x.col.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query episodic index: %w", err)
	}

	out := make([]ScoredEpisode, 0, len(results))
	for _, res := range results {
		rec := EpisodicRecord{
			ID:        res.ID,
			Content:   res.Content,
			Embedding: res.Embedding,
			Metadata:  map[string]string{},
		}
		for key, val := range res.Metadata {
			switch key {
			case "timestamp":
				if ts, err := time.Parse(time.RFC3339Nano, val); err == nil {
					rec.Timestamp = ts
				}
			case "importance":
				if imp, err := strconv.ParseFloat(val, 64); err == nil {
					rec.Importance = imp
				}
			default:
				rec.Metadata[key] = val
			}
		}
		out = append(out, ScoredEpisode{Record: rec, Similarity: float64(res.Similarity)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Record.Timestamp.After(out[j].Record.Timestamp)
	})
	return out, nil
}

func (x *episodicIndex) delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := x.col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete from episodic index: %w", err)
	}
	return nil
}

func (x *episodicIndex) count() int { return x.col.Count() }
