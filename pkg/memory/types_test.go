package memory

import (
	"context"
	"testing"
)

func TestBandFor(t *testing.T) {
	cases := []struct {
		score float64
		want  ImportanceBand
	}{
		{0.95, BandCritical},
		{0.9, BandCritical},
		{0.89, BandStable},
		{0.7, BandStable},
		{0.69, BandTransitory},
		{0.4, BandTransitory},
		{0.39, BandEphemeral},
		{0.0, BandEphemeral},
	}
	for _, tc := range cases {
		if got := BandFor(tc.score); got != tc.want {
			t.Errorf("BandFor(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestNormalizeTopic(t *testing.T) {
	if NormalizeTopic("  Tech   Stack ") != "tech stack" {
		t.Fatal("topic normalization broken")
	}
	if NormalizeTopic("Tech Stack") != NormalizeTopic("tech stack") {
		t.Fatal("topic comparison must be case insensitive")
	}
}

func TestNormalizeContent(t *testing.T) {
	if NormalizeContent("Prefers dark mode!") != NormalizeContent("prefers dark mode") {
		t.Fatal("trailing punctuation must not break equality")
	}
}

func TestChargramEmbedderIsDeterministic(t *testing.T) {
	e := NewChargramEmbedder()
	ctx := context.Background()

	a, err := e.Embed(ctx, "user prefers dark mode")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := e.Embed(ctx, "user prefers dark mode")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if cosineSimilarity(a, b) < 0.9999 {
		t.Fatal("same text must embed identically")
	}
	if len(a) != e.Dimensions() {
		t.Fatalf("dims = %d, want %d", len(a), e.Dimensions())
	}

	c, err := e.Embed(ctx, "the weather in lisbon is sunny")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if cosineSimilarity(a, c) >= cosineSimilarity(a, b) {
		t.Fatal("unrelated text must score lower than identical text")
	}
}

func TestScoreEmptyMessageIsEphemeral(t *testing.T) {
	s := NewScorer(&stubReasoner{}, 0)
	score, err := s.Score(context.Background(), Message{Text: "   "}, nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score.Band != BandEphemeral || s.Important(score) {
		t.Fatalf("empty message scored %+v", score)
	}
}
