package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestReflector(t *testing.T, rsn Reasoner, cfg ReflectionConfig) (*ReflectionEngine, *DualStore, Embedder) {
	t.Helper()
	store, embedder := newTestStore(t)
	resolver := NewResolver(rsn, 0)
	engine := NewReflectionEngine(store, rsn, embedder, resolver, cfg, nil)
	return engine, store, embedder
}

func seedEpisode(t *testing.T, store *DualStore, embedder Embedder, id, content string, importance float64, ts time.Time) {
	t.Helper()
	emb, err := embedder.Embed(context.Background(), content)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if _, err := store.AppendEpisodic(context.Background(), EpisodicRecord{
		ID: id, Content: content, Embedding: emb, Importance: importance, Timestamp: ts,
	}); err != nil {
		t.Fatalf("AppendEpisodic: %v", err)
	}
}

func TestReflectionConsolidatesRecurringTheme(t *testing.T) {
	rsn := &stubReasoner{
		extractFn: func(text, category string) ([]FactCandidate, error) {
			if !strings.Contains(text, "dark mode") {
				return nil, nil
			}
			return []FactCandidate{{
				Topic:      "UI Preferences",
				Content:    "Prefers dark mode everywhere",
				Entities:   []string{"dark mode"},
				Category:   CategoryPreference,
				Confidence: 0.85,
			}}, nil
		},
	}
	engine, store, embedder := newTestReflector(t, rsn, ReflectionConfig{})
	ctx := context.Background()

	recent := time.Now().Add(-time.Minute)
	seedEpisode(t, store, embedder, "ep-1", "the user prefers dark mode in all applications", 0.9, recent)
	seedEpisode(t, store, embedder, "ep-2", "user prefers dark mode in code editors too", 0.85, recent)

	report, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Skipped {
		t.Fatal("cycle unexpectedly skipped")
	}
	if report.Consolidated != 1 {
		t.Fatalf("consolidated = %d, want 1", report.Consolidated)
	}

	sheet, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	fact, ok := sheet.Find("UI Preferences")
	if !ok {
		t.Fatal("consolidated fact missing")
	}
	if fact.Metadata[metaSourceEpisodes] == "" {
		t.Fatal("consolidated fact must reference its source episodes")
	}

	listed, err := store.ListEpisodic(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListEpisodic: %v", err)
	}
	for _, ep := range listed {
		if ep.Metadata[metaConsolidated] != "true" {
			t.Fatalf("episode %s not marked consolidated", ep.ID)
		}
	}
}

func TestReflectionSingletonsAreNotPromoted(t *testing.T) {
	extractCalls := 0
	rsn := &stubReasoner{
		extractFn: func(text, category string) ([]FactCandidate, error) {
			extractCalls++
			return nil, nil
		},
	}
	engine, store, embedder := newTestReflector(t, rsn, ReflectionConfig{})
	ctx := context.Background()

	seedEpisode(t, store, embedder, "ep-1", "mentioned the weather in Paris once", 0.7, time.Now().Add(-time.Minute))

	report, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Consolidated != 0 {
		t.Fatalf("consolidated = %d, want 0", report.Consolidated)
	}
	if extractCalls != 0 {
		t.Fatal("singleton episodes must not reach the extractor")
	}
}

func TestReflectionPrunesExpiredAndTrivialEpisodes(t *testing.T) {
	engine, store, embedder := newTestReflector(t, &stubReasoner{}, ReflectionConfig{})
	ctx := context.Background()

	seedEpisode(t, store, embedder, "expired", "an old note about a conference badge", 0.9, time.Now().Add(-40*24*time.Hour))
	seedEpisode(t, store, embedder, "trivial", "said hello to the assistant this morning", 0.1, time.Now().Add(-time.Minute))
	seedEpisode(t, store, embedder, "keeper", "decided to migrate the billing service to Postgres", 0.9, time.Now().Add(-time.Minute))

	report, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Pruned != 2 {
		t.Fatalf("pruned = %d, want 2", report.Pruned)
	}

	listed, err := store.ListEpisodic(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListEpisodic: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "keeper" {
		t.Fatalf("surviving episodes = %+v, want only keeper", listed)
	}
}

func TestReflectionKeepsEpisodesReferencedByLiveFacts(t *testing.T) {
	engine, store, embedder := newTestReflector(t, &stubReasoner{}, ReflectionConfig{})
	ctx := context.Background()

	seedEpisode(t, store, embedder, "evidence", "works as a data scientist in Berlin", 0.9, time.Now().Add(-40*24*time.Hour))
	if _, err := store.WriteFact(ctx, Fact{
		Topic:      "Occupation",
		Content:    "Works as a data scientist",
		Category:   CategoryBio,
		Confidence: 0.9,
		Metadata:   map[string]string{metaSourceEpisodes: "evidence"},
	}); err != nil {
		t.Fatalf("WriteFact: %v", err)
	}

	report, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Pruned != 0 {
		t.Fatalf("pruned = %d, want 0", report.Pruned)
	}

	listed, err := store.ListEpisodic(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListEpisodic: %v", err)
	}
	if len(listed) != 1 {
		t.Fatal("referenced episode was pruned")
	}
}

func TestReflectionCoalescesConcurrentTriggers(t *testing.T) {
	block := make(chan struct{})
	rsn := &stubReasoner{
		extractFn: func(text, category string) ([]FactCandidate, error) {
			<-block
			return nil, nil
		},
	}
	engine, store, embedder := newTestReflector(t, rsn, ReflectionConfig{})
	ctx := context.Background()

	recent := time.Now().Add(-time.Minute)
	seedEpisode(t, store, embedder, "ep-1", "user prefers tabs over spaces always", 0.9, recent)
	seedEpisode(t, store, embedder, "ep-2", "user prefers tabs over spaces in go too", 0.9, recent)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = engine.Run(ctx)
	}()

	// Wait until the first cycle is inside the extractor, then trigger again.
	deadline := time.After(2 * time.Second)
	for !engine.running.Load() {
		select {
		case <-deadline:
			t.Fatal("first cycle never started")
		case <-time.After(time.Millisecond):
		}
	}
	report, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !report.Skipped {
		t.Fatal("concurrent trigger must coalesce")
	}

	close(block)
	wg.Wait()
}

func TestReflectionScheduleIsOptIn(t *testing.T) {
	engine, _, _ := newTestReflector(t, &stubReasoner{}, ReflectionConfig{})
	if engine.cfg.scheduleEnabled() {
		t.Fatal("zero config must leave the schedule off")
	}
	engine.Start(context.Background())
	if engine.stopCh != nil {
		t.Fatal("Start launched a schedule without interval or cron spec")
	}
	engine.Stop()

	engine, _, _ = newTestReflector(t, &stubReasoner{}, ReflectionConfig{Interval: time.Hour})
	engine.Start(context.Background())
	if engine.stopCh == nil {
		t.Fatal("Start did not launch the configured interval schedule")
	}
	engine.Stop()
}

func TestServiceDoesNotStartReflectionTimerByDefault(t *testing.T) {
	svc, err := NewService(&stubReasoner{}, nil, Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer svc.Close()

	if svc.reflector.stopCh != nil {
		t.Fatal("background reflection timer running without opt-in")
	}
	// The message-count trigger still works without the timer.
	if svc.reflector.cfg.MessageThreshold != 20 {
		t.Fatalf("message threshold = %d, want default 20", svc.reflector.cfg.MessageThreshold)
	}
}

func TestReflectionCounterResetsOnlyOnSuccess(t *testing.T) {
	fail := true
	rsn := &stubReasoner{
		extractFn: func(text, category string) ([]FactCandidate, error) {
			if fail {
				return nil, errors.New("upstream down")
			}
			return nil, nil
		},
	}
	engine, store, embedder := newTestReflector(t, rsn, ReflectionConfig{MessageThreshold: 2})
	ctx := context.Background()

	if engine.NoteImportant() {
		t.Fatal("threshold reached too early")
	}
	if !engine.NoteImportant() {
		t.Fatal("threshold not reached at 2")
	}

	// A cycle whose consolidation fails still completes (the group is
	// skipped) and resets the counter; only cycle-level failures keep it.
	recent := time.Now().Add(-time.Minute)
	seedEpisode(t, store, embedder, "ep-1", "user prefers tabs over spaces always", 0.9, recent)
	seedEpisode(t, store, embedder, "ep-2", "user prefers tabs over spaces in go too", 0.9, recent)

	report, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Consolidated != 0 {
		t.Fatalf("consolidated = %d, want 0", report.Consolidated)
	}
	if engine.NoteImportant() {
		t.Fatal("counter must reset after a completed cycle")
	}

	fail = false
	listed, err := store.ListEpisodic(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListEpisodic: %v", err)
	}
	for _, ep := range listed {
		if ep.Metadata[metaConsolidated] == "true" {
			t.Fatalf("episode %s marked consolidated despite failed extraction", ep.ID)
		}
	}
}
