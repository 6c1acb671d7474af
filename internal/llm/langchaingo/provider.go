// Package langchaingo implements the driven.LMProvider port as the
// fallback provider the analyzer and reviewer try once when the primary
// Anthropic provider fails. It wraps langchaingo's model-agnostic
// llms.Model interface so swapping the backing model (OpenAI, a local
// Ollama instance, a second Anthropic key) is a constructor-time choice,
// not a code change.
package langchaingo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sony/gobreaker"
	"github.com/tmc/langchaingo/llms"

	"github.com/prmonitor/core/internal/domain/port/driven"
)

var _ driven.LMProvider = (*Provider)(nil)

// Provider implements driven.LMProvider over any langchaingo llms.Model,
// e.g. llms/openai.New(...) or llms/ollama.New(...).
type Provider struct {
	model   llms.Model
	name    string
	breaker *gobreaker.CircuitBreaker
}

// New wraps model, identified as name (used in analyzer/reviewer fallback
// log lines), as a driven.LMProvider.
func New(name string, model llms.Model) *Provider {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "langchaingo-lm-provider-" + name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Provider{model: model, name: name, breaker: breaker}
}

// Name identifies this provider for analyzer/reviewer fallback logging.
func (p *Provider) Name() string { return p.name }

type analysisEnvelope struct {
	Category    string  `json:"category"`
	Confidence  float64 `json:"confidence"`
	RootCause   string  `json:"root_cause"`
	FixStrategy string  `json:"fix_strategy"`
}

// AnalyzeLogs generates a completion and parses the structured verdict, the
// same contract the primary anthropic.Provider satisfies.
func (p *Provider) AnalyzeLogs(ctx context.Context, req driven.LMRequest) (driven.LMAnalysis, error) {
	prompt := req.Prompt + "\n\nReply with ONLY a JSON object of the form " +
		`{"category": "...", "confidence": 0.0, "root_cause": "...", "fix_strategy": "..."}` +
		".\n\nLogs:\n" + req.Logs

	text, err := p.complete(ctx, prompt)
	if err != nil {
		return driven.LMAnalysis{}, err
	}

	var env analysisEnvelope
	if err := json.Unmarshal([]byte(extractJSON(text)), &env); err != nil {
		return driven.LMAnalysis{}, fmt.Errorf("%w: %s response not valid JSON: %s", driven.ErrMalformedResponse, p.name, err)
	}
	return driven.LMAnalysis{
		Category:    env.Category,
		Confidence:  env.Confidence,
		RootCause:   env.RootCause,
		FixStrategy: env.FixStrategy,
	}, nil
}

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

// Review generates a completion and parses the structured review verdict.
func (p *Provider) Review(ctx context.Context, req driven.LMReviewRequest) (driven.LMReview, error) {
	prompt := req.Prompt + "\n\nReply with ONLY a JSON object of the form " +
		`{"decision": "approve|request_changes|comment", "confidence": 0.0, "summary": "...", ` +
		`"comments": [{"file": "...", "line": 0, "severity": "critical|major|minor|info", "message": "...", "suggestion": "...", "auto_fixable": false}]}` +
		".\n\nDiff:\n" + req.Diff

	text, err := p.complete(ctx, prompt)
	if err != nil {
		return driven.LMReview{}, err
	}

	var env reviewEnvelope
	if err := json.Unmarshal([]byte(extractJSON(text)), &env); err != nil {
		return driven.LMReview{}, fmt.Errorf("%w: %s response not valid JSON: %s", driven.ErrMalformedResponse, p.name, err)
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

func (p *Provider) complete(ctx context.Context, prompt string) (string, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		text, err := llms.GenerateFromSinglePrompt(ctx, p.model, prompt)
		if err != nil {
			return "", fmt.Errorf("%w: %s generate: %s", driven.ErrTransientIO, p.name, err)
		}
		return text, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", fmt.Errorf("%w: %s circuit open: %s", driven.ErrExternalServiceDown, p.name, err)
		}
		return "", err
	}
	text, _ := result.(string)
	return text, nil
}

func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
