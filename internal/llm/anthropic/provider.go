// Package anthropic implements the driven.LMProvider port against
// Anthropic's Messages API. Prompts are sent as a single user turn; the
// model is instructed to reply with a JSON object, which this package
// parses into the structured driven.LMAnalysis and driven.LMReview shapes.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"

	"github.com/prmonitor/core/internal/domain/port/driven"
)

var _ driven.LMProvider = (*Provider)(nil)

// Provider implements driven.LMProvider using the Anthropic Messages API.
type Provider struct {
	client  anthropic.Client
	model   anthropic.Model
	breaker *gobreaker.CircuitBreaker
}

// Config configures the Anthropic provider.
type Config struct {
	APIKey string
	Model  string // defaults to claude-sonnet-4-5 when empty.
}

// New creates a Provider. apiKey may also come from the ANTHROPIC_API_KEY
// environment variable, per the SDK's own default option resolution.
func New(cfg Config) *Provider {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	model := anthropic.Model(cfg.Model)
	if cfg.Model == "" {
		model = anthropic.ModelClaudeSonnet4_5
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "anthropic-lm-provider",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Provider{client: anthropic.NewClient(opts...), model: model, breaker: breaker}
}

// Name identifies this provider for analyzer/reviewer fallback logging.
func (p *Provider) Name() string { return "anthropic" }

// analysisEnvelope is the JSON shape the prompt asks the model to emit.
type analysisEnvelope struct {
	Category    string  `json:"category"`
	Confidence  float64 `json:"confidence"`
	RootCause   string  `json:"root_cause"`
	FixStrategy string  `json:"fix_strategy"`
}

// AnalyzeLogs submits req.Prompt and req.Logs to Claude and parses the
// structured verdict.
func (p *Provider) AnalyzeLogs(ctx context.Context, req driven.LMRequest) (driven.LMAnalysis, error) {
	instruction := req.Prompt + "\n\nReply with ONLY a JSON object of the form " +
		`{"category": "...", "confidence": 0.0, "root_cause": "...", "fix_strategy": "..."}` +
		".\n\nLogs:\n" + req.Logs

	text, err := p.complete(ctx, instruction)
	if err != nil {
		return driven.LMAnalysis{}, err
	}

	var env analysisEnvelope
	if err := json.Unmarshal([]byte(extractJSON(text)), &env); err != nil {
		return driven.LMAnalysis{}, fmt.Errorf("%w: anthropic response not valid JSON: %s", driven.ErrMalformedResponse, err)
	}

	return driven.LMAnalysis{
		Category:    env.Category,
		Confidence:  env.Confidence,
		RootCause:   env.RootCause,
		FixStrategy: env.FixStrategy,
	}, nil
}

// reviewEnvelope is the JSON shape the review prompt asks the model to emit.
type reviewEnvelope struct {
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Summary    string  `json:"summary"`
	Comments   []struct {
		File        string `json:"file"`
		Line        int    `json:"line"`
		Severity    string `json:"severity"`
		Message     string `json:"message"`
		Suggestion  string `json:"suggestion"`
		AutoFixable bool   `json:"auto_fixable"`
	} `json:"comments"`
}

// Review submits req.Prompt and req.Diff to Claude and parses the
// structured review verdict.
func (p *Provider) Review(ctx context.Context, req driven.LMReviewRequest) (driven.LMReview, error) {
	instruction := req.Prompt + "\n\nReply with ONLY a JSON object of the form " +
		`{"decision": "approve|request_changes|comment", "confidence": 0.0, "summary": "...", ` +
		`"comments": [{"file": "...", "line": 0, "severity": "critical|major|minor|info", "message": "...", "suggestion": "...", "auto_fixable": false}]}` +
		".\n\nDiff:\n" + req.Diff

	text, err := p.complete(ctx, instruction)
	if err != nil {
		return driven.LMReview{}, err
	}

	var env reviewEnvelope
	if err := json.Unmarshal([]byte(extractJSON(text)), &env); err != nil {
		return driven.LMReview{}, fmt.Errorf("%w: anthropic response not valid JSON: %s", driven.ErrMalformedResponse, err)
	}

	comments := make([]driven.LMReviewComment, 0, len(env.Comments))
	for _, c := range env.Comments {
		comments = append(comments, driven.LMReviewComment{
			File:        c.File,
			Line:        c.Line,
			Severity:    c.Severity,
			Message:     c.Message,
			Suggestion:  c.Suggestion,
			AutoFixable: c.AutoFixable,
		})
	}

	return driven.LMReview{
		Decision:   env.Decision,
		Confidence: env.Confidence,
		Comments:   comments,
		Summary:    env.Summary,
	}, nil
}

// complete sends a single-turn message through the circuit breaker and
// returns the concatenated text blocks of the reply.
func (p *Provider) complete(ctx context.Context, instruction string) (string, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     p.model,
			MaxTokens: 2048,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(instruction)),
			},
		})
		if err != nil {
			return "", fmt.Errorf("%w: anthropic messages.new: %s", driven.ErrTransientIO, err)
		}
		return msg.Content, nil
	})
	if err != nil {
		if isBreakerOpen(err) {
			return "", fmt.Errorf("%w: anthropic circuit open: %s", driven.ErrExternalServiceDown, err)
		}
		return "", err
	}

	blocks, _ := result.([]anthropic.ContentBlockUnion)
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(b.Text)
	}
	return sb.String(), nil
}

func isBreakerOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}

// extractJSON strips any surrounding Markdown code fence the model added
// despite being asked for raw JSON.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
