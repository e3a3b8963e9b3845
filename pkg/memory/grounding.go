package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
)

// GroundingConfig tunes retrieval for query enrichment.
type GroundingConfig struct {
	// MaxFacts is the default per-call item budget, used when a caller
	// passes maxFacts <= 0.
	MaxFacts int
	// MaxEpisodes caps how many of the budgeted items may be episodes.
	MaxEpisodes int
	// MinSimilarity drops episodic matches below this cosine similarity.
	MinSimilarity float64
	CacheTTL      time.Duration
}

func (c GroundingConfig) withDefaults() GroundingConfig {
	if c.MaxFacts <= 0 {
		c.MaxFacts = 5
	}
	if c.MaxEpisodes <= 0 {
		c.MaxEpisodes = 3
	}
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = 0.2
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 2 * time.Minute
	}
	return c
}

// GroundingEngine enriches a query with relevant facts and episodes before
// it reaches a downstream model. Results are cached keyed on the fact
// sheet revision, so any write invalidates naturally.
type GroundingEngine struct {
	store    *DualStore
	embedder Embedder
	cfg      GroundingConfig
	cache    *ristretto.Cache
	log      *slog.Logger
}

func NewGroundingEngine(store *DualStore, embedder Embedder, cfg GroundingConfig, log *slog.Logger) (*GroundingEngine, error) {
	if log == nil {
		log = slog.Default()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("init grounding cache: %w", err)
	}
	return &GroundingEngine{
		store:    store,
		embedder: embedder,
		cfg:      cfg.withDefaults(),
		cache:    cache,
		log:      log,
	}, nil
}

func (g *GroundingEngine) Close() {
	g.cache.Close()
}

// Ground retrieves facts and episodes relevant to the query and renders
// the enriched context block. maxFacts is the item budget for the merged
// fact+episode set; facts rank above episodes, and maxFacts <= 0 falls
// back to the configured default. A query matching nothing comes back
// with NoContext set and Context equal to the raw query. Embedding
// failure degrades to fact-only retrieval rather than failing the call.
func (g *GroundingEngine) Ground(ctx context.Context, query string, maxFacts int) (EnrichedContext, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return EnrichedContext{Query: query, Context: query, NoContext: true}, nil
	}
	if maxFacts <= 0 {
		maxFacts = g.cfg.MaxFacts
	}

	rev, err := g.store.Revision(ctx)
	if err != nil {
		return EnrichedContext{}, err
	}
	cacheKey := fmt.Sprintf("%d|%d|%d|%s", rev, g.store.EpisodicGeneration(), maxFacts, NormalizeContent(query))
	if cached, ok := g.cache.Get(cacheKey); ok {
		if enriched, ok := cached.(EnrichedContext); ok {
			return enriched, nil
		}
	}

	facts, err := g.relevantFacts(ctx, query, maxFacts)
	if err != nil {
		return EnrichedContext{}, err
	}
	// Episodes fill whatever budget the facts left, never exceeding the
	// configured episode cap.
	budget := maxFacts - len(facts)
	if budget > g.cfg.MaxEpisodes {
		budget = g.cfg.MaxEpisodes
	}
	var episodes []EpisodicRecord
	if budget > 0 {
		episodes = g.relevantEpisodes(ctx, query, facts, budget)
	}

	enriched := renderContext(query, facts, episodes)
	g.cache.SetWithTTL(cacheKey, enriched, 1, g.cfg.CacheTTL)
	return enriched, nil
}

// relevantFacts tries the FTS index first and falls back to token-overlap
// scoring over the full sheet when FTS matches nothing. Stale facts never
// surface.
func (g *GroundingEngine) relevantFacts(ctx context.Context, query string, maxFacts int) ([]Fact, error) {
	found, err := g.store.SearchFacts(ctx, query, maxFacts*2)
	if err != nil {
		return nil, err
	}
	live := make([]Fact, 0, len(found))
	for _, f := range found {
		if !f.Stale {
			live = append(live, f)
		}
	}
	if len(live) == 0 {
		live, err = g.lexicalFallback(ctx, query)
		if err != nil {
			return nil, err
		}
	}
	if len(live) > maxFacts {
		live = live[:maxFacts]
	}
	return live, nil
}

func (g *GroundingEngine) lexicalFallback(ctx context.Context, query string) ([]Fact, error) {
	sheet, err := g.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	queryTokens := map[string]struct{}{}
	for _, tok := range tokenize(query) {
		if len(tok) >= 2 {
			queryTokens[tok] = struct{}{}
		}
	}
	if len(queryTokens) == 0 {
		return nil, nil
	}

	type scored struct {
		fact Fact
		hits int
	}
	matches := []scored{}
	for _, f := range sheet.Facts {
		if f.Stale {
			continue
		}
		hits := 0
		for _, tok := range tokenize(f.Topic + " " + f.Content) {
			if _, ok := queryTokens[tok]; ok {
				hits++
			}
		}
		if hits > 0 {
			matches = append(matches, scored{fact: f, hits: hits})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].hits != matches[j].hits {
			return matches[i].hits > matches[j].hits
		}
		return matches[i].fact.UpdatedAt.After(matches[j].fact.UpdatedAt)
	})

	out := make([]Fact, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.fact)
	}
	return out, nil
}

func (g *GroundingEngine) relevantEpisodes(ctx context.Context, query string, facts []Fact, limit int) []EpisodicRecord {
	emb, err := g.embedder.Embed(ctx, query)
	if err != nil {
		g.log.Warn("query embedding unavailable, grounding on facts only",
			"error", errors.Join(ErrEmbeddingUnavailable, err))
		return nil
	}
	scoredEpisodes, err := g.store.QueryEpisodic(ctx, emb, limit*2)
	if err != nil {
		g.log.Warn("episodic retrieval failed, grounding on facts only", "error", err)
		return nil
	}

	// Facts rank above episodes; an episode restating a retrieved fact adds
	// nothing, so drop it.
	seen := map[string]struct{}{}
	for _, f := range facts {
		seen[NormalizeContent(f.Content)] = struct{}{}
	}

	out := []EpisodicRecord{}
	for _, se := range scoredEpisodes {
		if se.Similarity < g.cfg.MinSimilarity {
			continue
		}
		key := NormalizeContent(se.Record.Content)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, se.Record)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func renderContext(query string, facts []Fact, episodes []EpisodicRecord) EnrichedContext {
	if len(facts) == 0 && len(episodes) == 0 {
		return EnrichedContext{Query: query, Context: query, NoContext: true}
	}

	var b strings.Builder
	if len(facts) > 0 {
		b.WriteString("Based on what I know about you:\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "- %s: %s\n", f.Topic, f.Content)
		}
		b.WriteString("\n")
	}
	if len(episodes) > 0 {
		b.WriteString("Relevant past context:\n")
		for _, ep := range episodes {
			fmt.Fprintf(&b, "- %s\n", ep.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("User query: ")
	b.WriteString(query)

	return EnrichedContext{
		Query:    query,
		Context:  b.String(),
		Facts:    facts,
		Episodes: episodes,
	}
}
