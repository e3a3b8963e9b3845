package memory

import (
	"strings"
	"time"
)

// Message is a single conversational utterance entering the pipeline.
// Messages are ephemeral; only important ones leave a trace in the stores.
type Message struct {
	Text      string
	Timestamp time.Time
	TurnIndex int
}

// ImportanceBand buckets an importance score into a discrete tier.
type ImportanceBand string

const (
	BandCritical   ImportanceBand = "critical"   // >= 0.9
	BandStable     ImportanceBand = "stable"     // 0.7 - 0.89
	BandTransitory ImportanceBand = "transitory" // 0.4 - 0.69
	BandEphemeral  ImportanceBand = "ephemeral"  // < 0.4
)

// BandFor maps a score in [0,1] onto its band.
func BandFor(score float64) ImportanceBand {
	switch {
	case score >= 0.9:
		return BandCritical
	case score >= 0.7:
		return BandStable
	case score >= 0.4:
		return BandTransitory
	default:
		return BandEphemeral
	}
}

// ImportanceScore is the scorer's verdict for one message.
type ImportanceScore struct {
	Value    float64
	Band     ImportanceBand
	Category string // classifier hint: preference, project, bio, fact, chitchat
}

// FactCategory classifies structured facts.
type FactCategory string

const (
	CategoryPreference FactCategory = "preference"
	CategoryProject    FactCategory = "project"
	CategoryBio        FactCategory = "bio"
	CategoryFact       FactCategory = "fact"
)

// ParseFactCategory validates a raw category string against the fixed enum.
func ParseFactCategory(raw string) (FactCategory, bool) {
	switch FactCategory(strings.ToLower(strings.TrimSpace(raw))) {
	case CategoryPreference:
		return CategoryPreference, true
	case CategoryProject:
		return CategoryProject, true
	case CategoryBio:
		return CategoryBio, true
	case CategoryFact:
		return CategoryFact, true
	}
	return "", false
}

// Fact is one entry in the fact sheet. Topic is the merge key: the sheet
// holds at most one live fact per normalized topic.
type Fact struct {
	Topic      string
	Content    string
	Entities   []string
	Category   FactCategory
	Confidence float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	SourceTurn int
	Stale      bool
	Metadata   map[string]string
}

// FactSheetSnapshot is a consistent point-in-time view of the fact sheet,
// ordered by normalized topic.
type FactSheetSnapshot struct {
	Revision int64
	Facts    []Fact
}

// Find returns the fact whose normalized topic matches, if any.
func (s FactSheetSnapshot) Find(topic string) (Fact, bool) {
	want := NormalizeTopic(topic)
	for _, f := range s.Facts {
		if NormalizeTopic(f.Topic) == want {
			return f, true
		}
	}
	return Fact{}, false
}

// EpisodicRecord is an immutable experiential memory. Records are only ever
// removed by the reflection engine's prune step.
type EpisodicRecord struct {
	ID         string
	Content    string
	Embedding  []float32
	Timestamp  time.Time
	Importance float64
	Metadata   map[string]string
}

// ScoredEpisode pairs an episodic record with its similarity to a query
// embedding.
type ScoredEpisode struct {
	Record     EpisodicRecord
	Similarity float64
}

// ResolutionKind is the conflict resolver's decision for a candidate fact.
type ResolutionKind string

const (
	ResolutionInsert    ResolutionKind = "insert"
	ResolutionNoOp      ResolutionKind = "noop"
	ResolutionReconcile ResolutionKind = "reconcile"
)

// Resolution carries the resolver decision plus the fact to persist.
// Fact is unset for ResolutionNoOp.
type Resolution struct {
	Kind ResolutionKind
	Fact Fact
}

// ProcessResult reports what ProcessMessage did with a message.
type ProcessResult struct {
	Stored  bool
	Fact    *Fact
	Score   ImportanceScore
	Warning string
}

// EnrichedContext is the grounding engine's output: the original query with
// relevant prior knowledge prepended. NoContext means nothing matched and
// Context equals the raw query.
type EnrichedContext struct {
	Query     string
	Context   string
	Facts     []Fact
	Episodes  []EpisodicRecord
	NoContext bool
}

// ReflectionReport summarizes one reflection cycle.
type ReflectionReport struct {
	Consolidated int
	Pruned       int
	StaleMarked  int
	Skipped      bool // a cycle was already running; this trigger coalesced
	Duration     time.Duration
}

// NormalizeTopic lowercases and collapses whitespace so topic comparison is
// insensitive to casing and spacing.
func NormalizeTopic(topic string) string {
	return strings.Join(strings.Fields(strings.ToLower(topic)), " ")
}

// NormalizeContent canonicalizes fact content for the cheap equality path.
func NormalizeContent(content string) string {
	content = strings.ToLower(strings.TrimSpace(content))
	content = strings.Trim(content, ".!? ")
	return strings.Join(strings.Fields(content), " ")
}
