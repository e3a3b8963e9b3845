package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const maxEntitiesPerFact = 16

// Extractor turns an important message into structured fact candidates.
// A message may yield zero, one, or several candidates under different
// topics ("I moved to Paris and switched to Rust" yields two).
type Extractor struct {
	reasoner Reasoner
}

func NewExtractor(reasoner Reasoner) *Extractor {
	return &Extractor{reasoner: reasoner}
}

// Extract asks the reasoning collaborator for candidates and validates each
// one. Malformed collaborator output fails with ErrExtractionParse; the
// caller drops the message and the pipeline continues with the next one.
func (e *Extractor) Extract(ctx context.Context, msg Message, category string, recent []string) ([]FactCandidate, error) {
	raw, err := e.reasoner.ExtractFacts(ctx, msg.Text, category, recent)
	if err != nil {
		return nil, fmt.Errorf("extract turn %d: %w", msg.TurnIndex, errors.Join(ErrExtractionParse, err))
	}

	out := make([]FactCandidate, 0, len(raw))
	seen := map[string]struct{}{}
	for i, c := range raw {
		c.Topic = strings.TrimSpace(c.Topic)
		c.Content = strings.TrimSpace(c.Content)
		if c.Category == "" {
			if cat, ok := ParseFactCategory(category); ok {
				c.Category = cat
			}
		}
		if c.Confidence == 0 {
			c.Confidence = 0.7
		}
		if err := validateCandidate(c); err != nil {
			return nil, fmt.Errorf("extract turn %d candidate %d: %w", msg.TurnIndex, i, errors.Join(ErrExtractionParse, err))
		}
		if len(c.Entities) > maxEntitiesPerFact {
			c.Entities = c.Entities[:maxEntitiesPerFact]
		}
		c.SourceTurn = msg.TurnIndex

		key := NormalizeTopic(c.Topic)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}
