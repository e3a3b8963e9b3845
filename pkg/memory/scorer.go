package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Scorer classifies a message and assigns an importance score. It is a pure
// function of the message plus the recent turns the caller supplies; it
// holds no conversational state of its own.
type Scorer struct {
	reasoner  Reasoner
	threshold float64
}

func NewScorer(reasoner Reasoner, threshold float64) *Scorer {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.6
	}
	return &Scorer{reasoner: reasoner, threshold: threshold}
}

// Score classifies one message. On collaborator failure it returns
// ErrClassificationUnavailable; callers must treat the message as not
// important rather than retrying or storing it unvetted.
func (s *Scorer) Score(ctx context.Context, msg Message, recent []string) (ImportanceScore, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return ImportanceScore{Value: 0, Band: BandEphemeral, Category: "chitchat"}, nil
	}
	cls, err := s.reasoner.Classify(ctx, msg.Text, recent)
	if err != nil {
		return ImportanceScore{}, fmt.Errorf("classify turn %d: %w", msg.TurnIndex, errors.Join(ErrClassificationUnavailable, err))
	}
	value := clamp01(cls.Score)
	return ImportanceScore{
		Value:    value,
		Band:     BandFor(value),
		Category: strings.ToLower(strings.TrimSpace(cls.Category)),
	}, nil
}

// Important reports whether a score clears the extraction threshold.
func (s *Scorer) Important(score ImportanceScore) bool {
	return score.Value >= s.threshold
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
