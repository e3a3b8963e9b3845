package memory

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*DualStore, Embedder) {
	t.Helper()
	embedder := NewChargramEmbedder()
	store, err := OpenDualStore(t.TempDir(), embedder)
	if err != nil {
		t.Fatalf("OpenDualStore: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store, embedder
}

func TestWriteFactBumpsRevisionAndKeepsOnePerTopic(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rev, err := store.WriteFact(ctx, Fact{
		Topic:      "Tech Stack",
		Content:    "Current project uses React",
		Category:   CategoryProject,
		Confidence: 0.85,
	})
	if err != nil {
		t.Fatalf("WriteFact: %v", err)
	}
	if rev != 1 {
		t.Fatalf("revision = %d, want 1", rev)
	}

	// Same topic modulo casing replaces, never duplicates.
	rev, err = store.WriteFact(ctx, Fact{
		Topic:      "tech stack",
		Content:    "Current project uses Vue",
		Category:   CategoryProject,
		Confidence: 0.85,
	})
	if err != nil {
		t.Fatalf("WriteFact: %v", err)
	}
	if rev != 2 {
		t.Fatalf("revision = %d, want 2", rev)
	}

	sheet, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if sheet.Revision != 2 {
		t.Fatalf("snapshot revision = %d, want 2", sheet.Revision)
	}
	if len(sheet.Facts) != 1 {
		t.Fatalf("fact count = %d, want 1", len(sheet.Facts))
	}
	if sheet.Facts[0].Content != "Current project uses Vue" {
		t.Fatalf("content = %q", sheet.Facts[0].Content)
	}
}

func TestWriteFactPreservesCreatedAt(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created := time.Now().Add(-48 * time.Hour).Truncate(time.Millisecond)
	if _, err := store.WriteFact(ctx, Fact{
		Topic:      "Location",
		Content:    "Lives in Paris",
		Category:   CategoryBio,
		Confidence: 0.9,
		CreatedAt:  created,
	}); err != nil {
		t.Fatalf("WriteFact: %v", err)
	}
	if _, err := store.WriteFact(ctx, Fact{
		Topic:      "Location",
		Content:    "Lives in Lyon",
		Category:   CategoryBio,
		Confidence: 0.9,
	}); err != nil {
		t.Fatalf("WriteFact: %v", err)
	}

	sheet, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	fact, ok := sheet.Find("Location")
	if !ok {
		t.Fatal("fact missing")
	}
	if !fact.CreatedAt.Equal(created) {
		t.Fatalf("created_at = %v, want %v", fact.CreatedAt, created)
	}
}

func TestMarkFactsStale(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.WriteFact(ctx, Fact{
		Topic: "Old Preference", Content: "Used Emacs", Category: CategoryPreference, Confidence: 0.3,
	}); err != nil {
		t.Fatalf("WriteFact: %v", err)
	}

	rev, err := store.MarkFactsStale(ctx, []string{"old preference"})
	if err != nil {
		t.Fatalf("MarkFactsStale: %v", err)
	}
	if rev != 2 {
		t.Fatalf("revision = %d, want 2", rev)
	}

	// Marking an already-stale fact changes nothing.
	rev, err = store.MarkFactsStale(ctx, []string{"old preference"})
	if err != nil {
		t.Fatalf("MarkFactsStale: %v", err)
	}
	if rev != 2 {
		t.Fatalf("no-op stale marking bumped revision to %d", rev)
	}

	sheet, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !sheet.Facts[0].Stale {
		t.Fatal("fact not marked stale")
	}
}

func TestSearchFactsKeywordMatch(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	facts := []Fact{
		{Topic: "UI Preferences", Content: "Prefers dark mode in all applications", Category: CategoryPreference, Confidence: 0.9},
		{Topic: "Tech Stack", Content: "Current project uses Vue and PostgreSQL", Category: CategoryProject, Confidence: 0.85},
		{Topic: "Location", Content: "Lives in Paris", Category: CategoryBio, Confidence: 0.9},
	}
	for _, f := range facts {
		if _, err := store.WriteFact(ctx, f); err != nil {
			t.Fatalf("WriteFact: %v", err)
		}
	}

	found, err := store.SearchFacts(ctx, "dark mode settings", 5)
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	if len(found) == 0 {
		t.Fatal("no match for dark mode")
	}
	if found[0].Topic != "UI Preferences" {
		t.Fatalf("top match = %q", found[0].Topic)
	}

	found, err = store.SearchFacts(ctx, "zzzz qqqq", 5)
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("unexpected matches: %d", len(found))
	}
}

func TestEpisodicAppendIsIdempotent(t *testing.T) {
	store, embedder := newTestStore(t)
	ctx := context.Background()

	emb, err := embedder.Embed(ctx, "User prefers dark mode")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	rec := EpisodicRecord{
		ID:         "ep-1",
		Content:    "User prefers dark mode",
		Embedding:  emb,
		Importance: 0.9,
	}
	if _, err := store.AppendEpisodic(ctx, rec); err != nil {
		t.Fatalf("AppendEpisodic: %v", err)
	}
	if _, err := store.AppendEpisodic(ctx, rec); err != nil {
		t.Fatalf("AppendEpisodic repeat: %v", err)
	}

	n, err := store.EpisodeCount(ctx)
	if err != nil {
		t.Fatalf("EpisodeCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("episode count = %d, want 1", n)
	}
}

func TestEpisodicQueryAndDelete(t *testing.T) {
	store, embedder := newTestStore(t)
	ctx := context.Background()

	contents := []string{
		"User prefers dark mode in all applications",
		"The weather in Paris is rainy today",
	}
	for i, content := range contents {
		emb, err := embedder.Embed(ctx, content)
		if err != nil {
			t.Fatalf("Embed: %v", err)
		}
		if _, err := store.AppendEpisodic(ctx, EpisodicRecord{
			ID:         "ep-" + string(rune('a'+i)),
			Content:    content,
			Embedding:  emb,
			Importance: 0.8,
		}); err != nil {
			t.Fatalf("AppendEpisodic: %v", err)
		}
	}

	queryEmb, err := embedder.Embed(ctx, "dark mode preferences")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	scored, err := store.QueryEpisodic(ctx, queryEmb, 2)
	if err != nil {
		t.Fatalf("QueryEpisodic: %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("result count = %d, want 2", len(scored))
	}
	if scored[0].Record.Content != contents[0] {
		t.Fatalf("top match = %q", scored[0].Record.Content)
	}
	if scored[0].Similarity < scored[1].Similarity {
		t.Fatal("results not ordered by similarity")
	}

	deleted, err := store.DeleteEpisodic(ctx, []string{scored[0].Record.ID})
	if err != nil {
		t.Fatalf("DeleteEpisodic: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	n, err := store.EpisodeCount(ctx)
	if err != nil {
		t.Fatalf("EpisodeCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("episode count after delete = %d, want 1", n)
	}
	scored, err = store.QueryEpisodic(ctx, queryEmb, 2)
	if err != nil {
		t.Fatalf("QueryEpisodic after delete: %v", err)
	}
	for _, se := range scored {
		if se.Record.Content == contents[0] {
			t.Fatal("deleted episode still retrievable")
		}
	}
}

func TestListEpisodicRespectsCutoff(t *testing.T) {
	store, embedder := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	emb, _ := embedder.Embed(ctx, "old episode")
	if _, err := store.AppendEpisodic(ctx, EpisodicRecord{
		ID: "old", Content: "old episode", Embedding: emb, Timestamp: old,
	}); err != nil {
		t.Fatalf("AppendEpisodic: %v", err)
	}
	emb, _ = embedder.Embed(ctx, "future episode")
	if _, err := store.AppendEpisodic(ctx, EpisodicRecord{
		ID: "future", Content: "future episode", Embedding: emb, Timestamp: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("AppendEpisodic: %v", err)
	}

	listed, err := store.ListEpisodic(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListEpisodic: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "old" {
		t.Fatalf("listed = %+v, want only the old episode", listed)
	}
}
