package memory

import (
	"context"
	"fmt"
	"strings"
)

// Classification is the raw verdict from the reasoning collaborator's
// message classifier.
type Classification struct {
	Score    float64
	Category string
}

// FactCandidate is an extracted fact before the store assigns timestamps.
type FactCandidate struct {
	Topic      string
	Content    string
	Entities   []string
	Category   FactCategory
	Confidence float64
	SourceTurn int
}

// Reasoner is the reasoning capability consumed by the pipeline. Calls may
// block for an external round trip; implementations must honor ctx. The
// pipeline never trusts the output: every result is validated caller-side.
type Reasoner interface {
	// Classify scores a message's importance given recent conversation turns.
	Classify(ctx context.Context, text string, recent []string) (Classification, error)

	// ExtractFacts turns an important message into zero or more candidates.
	ExtractFacts(ctx context.Context, text, category string, recent []string) ([]FactCandidate, error)

	// Reconcile merges two conflicting facts sharing a topic into one.
	Reconcile(ctx context.Context, existing, incoming Fact) (Fact, error)
}

// Embedder converts text to a fixed-dimension vector. The default chargram
// embedder is deterministic and offline; deployments can swap in an
// API-backed implementation.
type Embedder interface {
	ModelID() string
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// validateCandidate enforces the candidate schema. Used for extraction
// output and, identically, for reconciliation output: merged facts are
// untrusted data too.
func validateCandidate(c FactCandidate) error {
	if strings.TrimSpace(c.Topic) == "" {
		return fmt.Errorf("empty topic")
	}
	if strings.TrimSpace(c.Content) == "" {
		return fmt.Errorf("empty content")
	}
	if _, ok := ParseFactCategory(string(c.Category)); !ok {
		return fmt.Errorf("unknown category %q", c.Category)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range", c.Confidence)
	}
	return nil
}

func validateMergedFact(f Fact) error {
	return validateCandidate(FactCandidate{
		Topic:      f.Topic,
		Content:    f.Content,
		Category:   f.Category,
		Confidence: f.Confidence,
	})
}
