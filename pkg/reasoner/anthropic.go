// Package reasoner provides the Anthropic-backed implementation of the
// memory pipeline's reasoning interface: importance classification, fact
// extraction, and conflict reconciliation.
package reasoner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dotsetgreg/mnemo/pkg/memory"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 1024
)

// Config configures the Anthropic client.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int64
}

// Client implements memory.Reasoner against the Anthropic Messages API.
// All three operations send one message and expect strict JSON back;
// anything unparseable is returned as an error for the pipeline's
// fail-closed handling.
type Client struct {
	api       anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic reasoner: api key required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Client{
		api:       anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     anthropic.Model(cfg.Model),
		maxTokens: cfg.MaxTokens,
	}, nil
}

const classifySystem = `You classify conversation messages for a long-term memory system.

Score each message's importance from 0.0 to 1.0:
- Preferences, decisions, biographical facts, project details score high (0.7-1.0).
- Passing factual mentions score mid (0.4-0.7).
- Greetings, thanks, and chitchat score low (0.0-0.3).

Categories: preference, project, bio, fact, chitchat.

Examples:
- "I prefer dark mode" -> {"importance": 0.85, "category": "preference"}
- "This project uses FastAPI" -> {"importance": 0.8, "category": "project"}
- "My name is Sarah" -> {"importance": 0.95, "category": "bio"}
- "Hello!" -> {"importance": 0.05, "category": "chitchat"}

Return ONLY valid JSON: {"importance": <float>, "category": "<string>"}`

func (c *Client) Classify(ctx context.Context, text string, recent []string) (memory.Classification, error) {
	prompt := fmt.Sprintf("Message: %q", text)
	if ctxBlock := recentBlock(recent); ctxBlock != "" {
		prompt = ctxBlock + "\n\n" + prompt
	}
	raw, err := c.complete(ctx, classifySystem, prompt)
	if err != nil {
		return memory.Classification{}, err
	}
	return parseClassification(raw)
}

const extractSystem = `You extract structured facts from messages for a long-term memory system.

For each distinct fact in the message:
1. Identify the topic (e.g. "UI Preferences", "Tech Stack", "Personal Info").
2. State the key information concisely.
3. List entities mentioned (names, technologies, places).
4. Assign a category (preference, project, bio, fact) and a confidence from 0.0 to 1.0.

A message may contain several facts under different topics; emit one entry per fact. Emit an empty list when the message holds nothing worth remembering.

Examples:
- "I prefer dark mode in all my applications" ->
  [{"topic": "UI Preferences", "content": "Prefers dark mode in all applications", "entities": ["dark mode"], "category": "preference", "confidence": 0.9}]
- "I moved to Paris and switched to Rust" ->
  [{"topic": "Location", "content": "Lives in Paris", "entities": ["Paris"], "category": "bio", "confidence": 0.9},
   {"topic": "Programming Languages", "content": "Uses Rust", "entities": ["Rust"], "category": "preference", "confidence": 0.85}]

Return ONLY a valid JSON list.`

func (c *Client) ExtractFacts(ctx context.Context, text, category string, recent []string) ([]memory.FactCandidate, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Message category hint: %s\nMessage: %q", category, text)
	if ctxBlock := recentBlock(recent); ctxBlock != "" {
		b.WriteString("\n\n")
		b.WriteString(ctxBlock)
	}
	raw, err := c.complete(ctx, extractSystem, b.String())
	if err != nil {
		return nil, err
	}
	return parseFactList(raw)
}

const reconcileSystem = `You reconcile two conflicting facts on the same topic in a long-term memory system.

The new statement usually supersedes the old one, but preserve detail from the existing fact that the new statement does not contradict. If the statements genuinely coexist, merge them into one statement.

Return ONLY valid JSON:
{"content": "<merged statement>", "category": "<preference|project|bio|fact>", "confidence": <float>, "entities": ["..."]}`

func (c *Client) Reconcile(ctx context.Context, existing, incoming memory.Fact) (memory.Fact, error) {
	prompt := fmt.Sprintf(
		"Topic: %s\n\nExisting fact (recorded %s): %q\nNew statement: %q",
		existing.Topic, existing.UpdatedAt.Format("2006-01-02"), existing.Content, incoming.Content)
	raw, err := c.complete(ctx, reconcileSystem, prompt)
	if err != nil {
		return memory.Fact{}, err
	}
	merged, err := parseMergedFact(raw)
	if err != nil {
		return memory.Fact{}, err
	}
	merged.Topic = existing.Topic
	return merged, nil
}

func (c *Client) complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic request: %w", err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("anthropic request: empty response")
	}
	return b.String(), nil
}

func recentBlock(recent []string) string {
	if len(recent) == 0 {
		return ""
	}
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	var b strings.Builder
	b.WriteString("Recent conversation context:")
	for _, turn := range recent {
		b.WriteString("\n- ")
		b.WriteString(turn)
	}
	return b.String()
}

type classificationDTO struct {
	Importance float64 `json:"importance"`
	Category   string  `json:"category"`
}

type candidateDTO struct {
	Topic      string   `json:"topic"`
	Content    string   `json:"content"`
	Entities   []string `json:"entities"`
	Category   string   `json:"category"`
	Confidence float64  `json:"confidence"`
}

type mergedDTO struct {
	Content    string   `json:"content"`
	Category   string   `json:"category"`
	Confidence float64  `json:"confidence"`
	Entities   []string `json:"entities"`
}

func parseClassification(raw string) (memory.Classification, error) {
	body, err := extractJSON(raw, '{', '}')
	if err != nil {
		return memory.Classification{}, fmt.Errorf("parse classification: %w", err)
	}
	var dto classificationDTO
	if err := json.Unmarshal([]byte(body), &dto); err != nil {
		return memory.Classification{}, fmt.Errorf("parse classification: %w", err)
	}
	return memory.Classification{Score: dto.Importance, Category: dto.Category}, nil
}

func parseFactList(raw string) ([]memory.FactCandidate, error) {
	body, err := extractJSON(raw, '[', ']')
	if err != nil {
		// Some models emit a single object for a single fact.
		body, err = extractJSON(raw, '{', '}')
		if err != nil {
			return nil, fmt.Errorf("parse fact list: %w", err)
		}
		body = "[" + body + "]"
	}
	var dtos []candidateDTO
	if err := json.Unmarshal([]byte(body), &dtos); err != nil {
		return nil, fmt.Errorf("parse fact list: %w", err)
	}
	out := make([]memory.FactCandidate, 0, len(dtos))
	for _, dto := range dtos {
		cat, _ := memory.ParseFactCategory(dto.Category)
		out = append(out, memory.FactCandidate{
			Topic:      dto.Topic,
			Content:    dto.Content,
			Entities:   dto.Entities,
			Category:   cat,
			Confidence: dto.Confidence,
		})
	}
	return out, nil
}

func parseMergedFact(raw string) (memory.Fact, error) {
	body, err := extractJSON(raw, '{', '}')
	if err != nil {
		return memory.Fact{}, fmt.Errorf("parse merged fact: %w", err)
	}
	var dto mergedDTO
	if err := json.Unmarshal([]byte(body), &dto); err != nil {
		return memory.Fact{}, fmt.Errorf("parse merged fact: %w", err)
	}
	cat, _ := memory.ParseFactCategory(dto.Category)
	return memory.Fact{
		Content:    dto.Content,
		Category:   cat,
		Confidence: dto.Confidence,
		Entities:   dto.Entities,
	}, nil
}

// extractJSON pulls the outermost JSON value out of a model response that
// may carry prose around it.
func extractJSON(raw string, opener, closer byte) (string, error) {
	start := strings.IndexByte(raw, opener)
	end := strings.LastIndexByte(raw, closer)
	if start < 0 || end <= start {
		return "", fmt.Errorf("no %c...%c found in response", opener, closer)
	}
	return raw[start : end+1], nil
}
