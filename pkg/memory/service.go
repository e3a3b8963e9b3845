package memory

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config configures the memory service.
type Config struct {
	// DataDir holds the SQLite database and the episodic index.
	DataDir string
	// ImportanceThreshold gates fact extraction. Default 0.6.
	ImportanceThreshold float64
	// IdenticalThreshold is the content similarity above which a candidate
	// is discarded as a duplicate. Default 0.82.
	IdenticalThreshold float64
	// RecentWindow is how many recent turns accompany classification and
	// extraction as conversational context. Default 5.
	RecentWindow int

	Reflection ReflectionConfig
	Grounding  GroundingConfig

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.ImportanceThreshold <= 0 || c.ImportanceThreshold > 1 {
		c.ImportanceThreshold = 0.6
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Service is the memory pipeline facade. Messages stream in through
// ProcessMessage; queries go out enriched through GroundQuery; reflection
// runs in the background and on demand.
//
// The pipeline fails closed: when the reasoning collaborator is down,
// messages are not stored and existing facts are not overwritten. Those
// outcomes surface as warnings on the result, not as errors.
type Service struct {
	cfg       Config
	store     *DualStore
	scorer    *Scorer
	extractor *Extractor
	resolver  *Resolver
	grounding *GroundingEngine
	reflector *ReflectionEngine
	embedder  Embedder
	log       *slog.Logger

	turns atomic.Int64

	recentMu sync.Mutex
	recent   []string

	cancelBG context.CancelFunc
}

func NewService(reasoner Reasoner, embedder Embedder, cfg Config) (*Service, error) {
	if reasoner == nil {
		return nil, errors.New("memory service requires a reasoner")
	}
	if embedder == nil {
		embedder = NewChargramEmbedder()
	}
	cfg = cfg.withDefaults()

	store, err := OpenDualStore(cfg.DataDir, embedder)
	if err != nil {
		return nil, err
	}
	resolver := NewResolver(reasoner, cfg.IdenticalThreshold)
	grounding, err := NewGroundingEngine(store, embedder, cfg.Grounding, cfg.Logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	reflector := NewReflectionEngine(store, reasoner, embedder, resolver, cfg.Reflection, cfg.Logger)

	s := &Service{
		cfg:       cfg,
		store:     store,
		scorer:    NewScorer(reasoner, cfg.ImportanceThreshold),
		extractor: NewExtractor(reasoner),
		resolver:  resolver,
		grounding: grounding,
		reflector: reflector,
		embedder:  embedder,
		log:       cfg.Logger,
	}

	// The schedule is opt-in: without an interval or cron spec this is a
	// no-op and reflection runs only on the message-count trigger.
	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancelBG = cancel
	reflector.Start(bgCtx)
	return s, nil
}

func (s *Service) Close() error {
	s.cancelBG()
	s.reflector.Stop()
	s.grounding.Close()
	return s.store.Close()
}

// ProcessMessage runs one message through the full pipeline: score,
// extract, resolve, persist. Unimportant messages leave no trace. The
// returned error covers persistence only; collaborator failures come back
// as a warning with the message dropped.
func (s *Service) ProcessMessage(ctx context.Context, msg Message) (ProcessResult, error) {
	if msg.TurnIndex == 0 {
		msg.TurnIndex = int(s.turns.Add(1))
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	recent := s.recentTurns()
	defer s.rememberTurn(msg.Text)

	result := ProcessResult{}

	score, err := s.scorer.Score(ctx, msg, recent)
	if err != nil {
		result.Warning = "importance classification unavailable; message not stored"
		s.log.Warn(result.Warning, "turn", msg.TurnIndex, "error", err)
		return result, nil
	}
	result.Score = score
	if !s.scorer.Important(score) {
		return result, nil
	}

	candidates, err := s.extractor.Extract(ctx, msg, score.Category, recent)
	if err != nil {
		result.Warning = "fact extraction failed; message dropped"
		s.log.Warn(result.Warning, "turn", msg.TurnIndex, "error", err)
		return result, nil
	}

	episodeID := s.appendEpisode(ctx, msg, score, &result)

	for _, cand := range candidates {
		fact, stored, warning := s.applyCandidate(ctx, cand, episodeID)
		if warning != "" {
			result.Warning = warning
			continue
		}
		if stored {
			result.Stored = true
			f := fact
			result.Fact = &f
		}
	}

	if s.reflector.NoteImportant() {
		go func() {
			report, err := s.reflector.Run(context.WithoutCancel(ctx))
			if err != nil {
				s.log.Warn("triggered reflection failed", "error", err)
				return
			}
			if !report.Skipped {
				s.log.Info("triggered reflection finished",
					"consolidated", report.Consolidated,
					"pruned", report.Pruned,
					"stale_marked", report.StaleMarked,
					"duration", report.Duration)
			}
		}()
	}
	return result, nil
}

func (s *Service) appendEpisode(ctx context.Context, msg Message, score ImportanceScore, result *ProcessResult) string {
	emb, err := s.embedder.Embed(ctx, msg.Text)
	if err != nil {
		s.log.Warn("episode embedding unavailable; storing facts only",
			"turn", msg.TurnIndex, "error", errors.Join(ErrEmbeddingUnavailable, err))
		return ""
	}
	rec, err := s.store.AppendEpisodic(ctx, EpisodicRecord{
		Content:    msg.Text,
		Embedding:  emb,
		Timestamp:  msg.Timestamp,
		Importance: score.Value,
		Metadata: map[string]string{
			"category":    score.Category,
			"band":        string(score.Band),
			"source_turn": strconv.Itoa(msg.TurnIndex),
		},
	})
	if err != nil {
		s.log.Warn("episodic append failed", "turn", msg.TurnIndex, "error", err)
		return ""
	}
	result.Stored = true
	return rec.ID
}

// applyCandidate resolves one candidate against the current sheet and
// persists the outcome. Reconciler failure keeps the existing fact.
func (s *Service) applyCandidate(ctx context.Context, cand FactCandidate, episodeID string) (Fact, bool, string) {
	sheet, err := s.store.Snapshot(ctx)
	if err != nil {
		s.log.Warn("fact sheet snapshot failed", "topic", cand.Topic, "error", err)
		return Fact{}, false, "fact sheet unavailable; candidate dropped"
	}
	res, err := s.resolver.Resolve(ctx, cand, sheet)
	if err != nil {
		s.log.Warn("reconciliation unavailable; keeping existing fact", "topic", cand.Topic, "error", err)
		return Fact{}, false, "reconciliation unavailable; existing fact kept"
	}
	if res.Kind == ResolutionNoOp {
		return Fact{}, false, ""
	}

	fact := res.Fact
	if episodeID != "" {
		if fact.Metadata == nil {
			fact.Metadata = map[string]string{}
		}
		fact.Metadata[metaSourceEpisodes] = joinIDs(fact.Metadata[metaSourceEpisodes], []string{episodeID})
	}
	if _, err := s.store.WriteFact(ctx, fact); err != nil {
		s.log.Error("fact write failed", "topic", fact.Topic, "error", err)
		return Fact{}, false, "fact write failed"
	}
	return fact, true, ""
}

// GroundQuery enriches a query with relevant stored knowledge. maxFacts
// caps the merged fact+episode set; pass 0 for the configured default.
func (s *Service) GroundQuery(ctx context.Context, query string, maxFacts int) (EnrichedContext, error) {
	return s.grounding.Ground(ctx, query, maxFacts)
}

// Reflect runs one reflection cycle immediately. If a cycle is already
// running the report comes back with Skipped set.
func (s *Service) Reflect(ctx context.Context) (ReflectionReport, error) {
	return s.reflector.Run(ctx)
}

// UpdateFact writes a fact directly, bypassing the importance gate. Meant
// for explicit "remember this" commands; conflict resolution still
// applies. Returns the written fact and the sheet revision it landed in;
// a duplicate returns the existing fact and the unchanged revision.
func (s *Service) UpdateFact(ctx context.Context, topic, content string) (Fact, int64, error) {
	topic = strings.TrimSpace(topic)
	content = strings.TrimSpace(content)
	if topic == "" || content == "" {
		return Fact{}, 0, errors.New("update fact: topic and content required")
	}
	cand := FactCandidate{
		Topic:      topic,
		Content:    content,
		Category:   CategoryFact,
		Confidence: 0.9,
	}
	sheet, err := s.store.Snapshot(ctx)
	if err != nil {
		return Fact{}, 0, err
	}
	res, err := s.resolver.Resolve(ctx, cand, sheet)
	if err != nil {
		return Fact{}, 0, err
	}
	if res.Kind == ResolutionNoOp {
		existing, _ := sheet.Find(topic)
		return existing, sheet.Revision, nil
	}
	rev, err := s.store.WriteFact(ctx, res.Fact)
	if err != nil {
		return Fact{}, 0, err
	}
	return res.Fact, rev, nil
}

// FactSheet returns the current fact sheet snapshot.
func (s *Service) FactSheet(ctx context.Context) (FactSheetSnapshot, error) {
	return s.store.Snapshot(ctx)
}

func (s *Service) recentTurns() []string {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	out := make([]string, len(s.recent))
	copy(out, s.recent)
	return out
}

func (s *Service) rememberTurn(text string) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	s.recent = append(s.recent, text)
	if len(s.recent) > s.cfg.RecentWindow {
		s.recent = s.recent[len(s.recent)-s.cfg.RecentWindow:]
	}
}
