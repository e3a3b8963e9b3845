package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
)

// fact metadata key holding the comma-joined episode IDs the fact was
// distilled from. Episodes referenced here are never pruned while the
// fact lives.
const metaSourceEpisodes = "source_episodes"

// ReflectionConfig tunes the consolidation and pruning cycle.
type ReflectionConfig struct {
	// MessageThreshold triggers a cycle after this many important messages.
	MessageThreshold int
	// Interval triggers a cycle on a fixed timer. Zero leaves the timer
	// off; only the message-count trigger and explicit Run calls remain.
	// Ignored when CronSpec is set.
	Interval time.Duration
	// CronSpec optionally schedules cycles by cron expression instead of a
	// fixed interval. Empty leaves the cron schedule off.
	CronSpec string
	// RetentionHorizon is the age past which episodes are pruned.
	RetentionHorizon time.Duration
	// ImportanceFloor prunes episodes scored below it regardless of age.
	ImportanceFloor float64
	// GroupSimilarity is the cosine similarity at which two episodes are
	// considered evidence for the same theme.
	GroupSimilarity float64
	// MaxEpisodesPerCycle caps how many canonical rows one cycle scans.
	MaxEpisodesPerCycle int
}

func (c ReflectionConfig) withDefaults() ReflectionConfig {
	if c.MessageThreshold <= 0 {
		c.MessageThreshold = 20
	}
	if c.RetentionHorizon <= 0 {
		c.RetentionHorizon = 30 * 24 * time.Hour
	}
	if c.ImportanceFloor <= 0 {
		c.ImportanceFloor = 0.3
	}
	if c.GroupSimilarity <= 0 {
		c.GroupSimilarity = 0.6
	}
	if c.MaxEpisodesPerCycle <= 0 {
		c.MaxEpisodesPerCycle = 2000
	}
	return c
}

// scheduleEnabled reports whether a background schedule was configured.
// The schedule is strictly opt-in; without it, reflection runs only on the
// message-count trigger and explicit Run calls.
func (c ReflectionConfig) scheduleEnabled() bool {
	return c.CronSpec != "" || c.Interval > 0
}

// ReflectionEngine periodically re-reads episodic memory, distills
// recurring themes into fact sheet entries, marks decayed facts stale, and
// prunes expired episodes. Cycles coalesce: a trigger arriving while a
// cycle runs is dropped with Skipped set, never queued.
type ReflectionEngine struct {
	store    *DualStore
	reasoner Reasoner
	embedder Embedder
	resolver *Resolver
	cfg      ReflectionConfig
	log      *slog.Logger

	running   atomic.Bool
	important atomic.Int64
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func NewReflectionEngine(store *DualStore, reasoner Reasoner, embedder Embedder, resolver *Resolver, cfg ReflectionConfig, log *slog.Logger) *ReflectionEngine {
	if log == nil {
		log = slog.Default()
	}
	return &ReflectionEngine{
		store:    store,
		reasoner: reasoner,
		embedder: embedder,
		resolver: resolver,
		cfg:      cfg.withDefaults(),
		log:      log,
	}
}

// NoteImportant records one important message and reports whether the
// accumulated count has reached the cycle threshold.
func (e *ReflectionEngine) NoteImportant() bool {
	return e.important.Add(1) >= int64(e.cfg.MessageThreshold)
}

// Start launches the background schedule if one was configured; without
// an interval or cron spec it is a no-op. Stop must be called to release
// the goroutine.
func (e *ReflectionEngine) Start(ctx context.Context) {
	if !e.cfg.scheduleEnabled() {
		return
	}
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.loop(ctx)
}

func (e *ReflectionEngine) Stop() {
	if e.stopCh == nil {
		return
	}
	close(e.stopCh)
	<-e.doneCh
	e.stopCh = nil
}

func (e *ReflectionEngine) loop(ctx context.Context) {
	defer close(e.doneCh)
	for {
		wait := e.cfg.Interval
		if e.cfg.CronSpec != "" {
			next, err := gronx.NextTick(e.cfg.CronSpec, false)
			if err != nil {
				if wait <= 0 {
					e.log.Error("invalid reflection cron spec and no interval fallback; schedule stopped", "spec", e.cfg.CronSpec, "error", err)
					return
				}
				e.log.Warn("invalid reflection cron spec, falling back to interval", "spec", e.cfg.CronSpec, "error", err)
			} else {
				wait = time.Until(next)
			}
		}
		if wait <= 0 {
			wait = time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			report, err := e.Run(ctx)
			if err != nil {
				e.log.Warn("scheduled reflection failed", "error", err)
				continue
			}
			if !report.Skipped {
				e.log.Info("scheduled reflection finished",
					"consolidated", report.Consolidated,
					"pruned", report.Pruned,
					"stale_marked", report.StaleMarked,
					"duration", report.Duration)
			}
		}
	}
}

// Run executes one reflection cycle. The analysis phase reads a snapshot
// without holding the store mutation lock; only the write phase serializes
// with foreground writes. The important-message counter resets only after
// a successful cycle so a failed cycle retries at the next trigger.
func (e *ReflectionEngine) Run(ctx context.Context) (ReflectionReport, error) {
	if !e.running.CompareAndSwap(false, true) {
		return ReflectionReport{Skipped: true}, nil
	}
	defer e.running.Store(false)

	start := time.Now()
	report := ReflectionReport{}

	sheet, err := e.store.Snapshot(ctx)
	if err != nil {
		return report, fmt.Errorf("reflection snapshot: %w", err)
	}
	// Only records that existed before this cycle began are considered, so
	// messages arriving mid-cycle are never consolidated or pruned early.
	episodes, err := e.store.ListEpisodic(ctx, start, e.cfg.MaxEpisodesPerCycle)
	if err != nil {
		return report, fmt.Errorf("reflection scan: %w", err)
	}

	consolidated, staleTopics := e.analyze(ctx, sheet, episodes)

	for _, group := range consolidated {
		wrote, err := e.consolidateGroup(ctx, group)
		if err != nil {
			e.log.Warn("consolidation group skipped", "topic_hint", group.hint, "error", err)
			continue
		}
		if wrote {
			report.Consolidated++
			if err := e.store.MarkEpisodesConsolidated(ctx, group.ids()); err != nil {
				return report, err
			}
		}
	}

	if len(staleTopics) > 0 {
		if _, err := e.store.MarkFactsStale(ctx, staleTopics); err != nil {
			return report, err
		}
		report.StaleMarked = len(staleTopics)
	}

	// Re-read the sheet so prune protection sees facts written this cycle.
	sheet, err = e.store.Snapshot(ctx)
	if err != nil {
		return report, fmt.Errorf("reflection re-snapshot: %w", err)
	}
	pruned, err := e.prune(ctx, sheet, episodes, start)
	if err != nil {
		return report, err
	}
	report.Pruned = pruned

	e.important.Store(0)
	report.Duration = time.Since(start)
	return report, nil
}

type episodeGroup struct {
	hint     string
	members  []EpisodicRecord
	centroid []float32
}

func (g *episodeGroup) ids() []string {
	out := make([]string, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m.ID)
	}
	return out
}

// analyze greedily clusters unconsolidated episodes by embedding
// similarity and picks facts that have decayed enough to mark stale.
// Pure computation, no writes.
func (e *ReflectionEngine) analyze(ctx context.Context, sheet FactSheetSnapshot, episodes []EpisodicRecord) ([]*episodeGroup, []string) {
	groups := []*episodeGroup{}
	for _, ep := range episodes {
		if ep.Metadata[metaConsolidated] == "true" {
			continue
		}
		emb, err := e.embedder.Embed(ctx, ep.Content)
		if err != nil {
			continue
		}
		placed := false
		for _, g := range groups {
			if cosineSimilarity(emb, g.centroid) >= e.cfg.GroupSimilarity {
				g.members = append(g.members, ep)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, &episodeGroup{
				hint:     episodeHint(ep.Content),
				members:  []EpisodicRecord{ep},
				centroid: emb,
			})
		}
	}

	// Recurring themes only: a single sighting is not evidence enough to
	// promote into the fact sheet.
	recurring := groups[:0]
	for _, g := range groups {
		if len(g.members) >= 2 {
			recurring = append(recurring, g)
		}
	}

	staleTopics := []string{}
	staleAge := e.cfg.RetentionHorizon
	for _, f := range sheet.Facts {
		if f.Stale {
			continue
		}
		if f.Confidence < 0.4 && time.Since(f.UpdatedAt) > staleAge {
			staleTopics = append(staleTopics, f.Topic)
		}
	}
	return recurring, staleTopics
}

// consolidateGroup distills one recurring theme into fact sheet entries:
// the grouped evidence goes through the same extract-and-resolve pipeline
// as a foreground message. Returns whether any fact was written.
func (e *ReflectionEngine) consolidateGroup(ctx context.Context, group *episodeGroup) (bool, error) {
	evidence := make([]string, 0, len(group.members))
	maxImportance := 0.0
	for _, m := range group.members {
		evidence = append(evidence, m.Content)
		if m.Importance > maxImportance {
			maxImportance = m.Importance
		}
	}
	joined := strings.Join(evidence, "\n")

	candidates, err := e.reasoner.ExtractFacts(ctx, joined, string(CategoryFact), nil)
	if err != nil {
		return false, fmt.Errorf("consolidate: %w", err)
	}

	wrote := false
	for _, cand := range candidates {
		cand.Topic = strings.TrimSpace(cand.Topic)
		cand.Content = strings.TrimSpace(cand.Content)
		if cand.Category == "" {
			cand.Category = CategoryFact
		}
		if cand.Confidence == 0 {
			cand.Confidence = clamp01(maxImportance)
		}
		if err := validateCandidate(cand); err != nil {
			e.log.Warn("consolidation candidate rejected", "error", err)
			continue
		}

		sheet, err := e.store.Snapshot(ctx)
		if err != nil {
			return wrote, err
		}
		res, err := e.resolver.Resolve(ctx, cand, sheet)
		if err != nil {
			e.log.Warn("consolidation resolve failed, keeping existing fact", "topic", cand.Topic, "error", err)
			continue
		}
		if res.Kind == ResolutionNoOp {
			continue
		}
		fact := res.Fact
		if fact.Metadata == nil {
			fact.Metadata = map[string]string{}
		}
		fact.Metadata[metaSourceEpisodes] = joinIDs(fact.Metadata[metaSourceEpisodes], group.ids())
		if _, err := e.store.WriteFact(ctx, fact); err != nil {
			return wrote, err
		}
		wrote = true
	}
	return wrote, nil
}

// prune removes episodes past the retention horizon or below the
// importance floor. Episodes referenced by a live fact are kept so
// grounding never loses the evidence behind an active entry.
func (e *ReflectionEngine) prune(ctx context.Context, sheet FactSheetSnapshot, episodes []EpisodicRecord, cycleStart time.Time) (int, error) {
	protected := map[string]struct{}{}
	for _, f := range sheet.Facts {
		if f.Stale {
			continue
		}
		for _, id := range strings.Split(f.Metadata[metaSourceEpisodes], ",") {
			id = strings.TrimSpace(id)
			if id != "" {
				protected[id] = struct{}{}
			}
		}
	}

	horizon := cycleStart.Add(-e.cfg.RetentionHorizon)
	doomed := []string{}
	for _, ep := range episodes {
		if _, ok := protected[ep.ID]; ok {
			continue
		}
		expired := ep.Timestamp.Before(horizon)
		belowFloor := ep.Importance < e.cfg.ImportanceFloor
		if expired || belowFloor {
			doomed = append(doomed, ep.ID)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	return e.store.DeleteEpisodic(ctx, doomed)
}

func episodeHint(content string) string {
	content = strings.TrimSpace(content)
	if len(content) > 48 {
		return content[:48]
	}
	return content
}

func joinIDs(existing string, ids []string) string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, id := range strings.Split(existing, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return strings.Join(out, ",")
}
