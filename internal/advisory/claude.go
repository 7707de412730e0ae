package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"github.com/steveyegge/thermal/internal/types"
)

// DefaultModel is used when no model is configured
const DefaultModel = "claude-sonnet-4-5-20250929"

const defaultMaxTokens = 512

// ClaudeConfig configures a ClaudeAdvisor
type ClaudeConfig struct {
	APIKey    string // falls back to ANTHROPIC_API_KEY
	Model     string // falls back to DefaultModel
	MaxTokens int

	// Circuit breaker settings
	FailureThreshold int           // default: 3
	SuccessThreshold int           // default: 1
	OpenTimeout      time.Duration // default: 5m

	Logger *slog.Logger
}

// ClaudeAdvisor asks an Anthropic model for advice. It never retries: a
// failed call is a declined escalation, and repeated failures open the breaker.
type ClaudeAdvisor struct {
	client    *anthropic.Client
	model     string
	maxTokens int
	breaker   *CircuitBreaker
	logger    *slog.Logger
}

// NewClaudeAdvisor creates an advisor backed by the Anthropic API
func NewClaudeAdvisor(cfg ClaudeConfig) (*ClaudeAdvisor, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	failures := cfg.FailureThreshold
	if failures == 0 {
		failures = 3
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout == 0 {
		openTimeout = 5 * time.Minute
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	return &ClaudeAdvisor{
		client:    &client,
		model:     model,
		maxTokens: maxTokens,
		breaker:   NewCircuitBreaker(failures, cfg.SuccessThreshold, openTimeout, logger),
		logger:    logger,
	}, nil
}

// Breaker exposes the circuit breaker for status reporting
func (a *ClaudeAdvisor) Breaker() *CircuitBreaker {
	return a.breaker
}

// Advise sends one request to the model
func (a *ClaudeAdvisor) Advise(ctx context.Context, req Request) (*types.AdvisoryResponse, error) {
	if err := a.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeclined, err)
	}

	start := time.Now()
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(a.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildPrompt(req))),
		},
	})
	if err != nil {
		a.breaker.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("anthropic API call failed: %w", err)
	}

	var advice strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			advice.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(advice.String()) == "" {
		a.breaker.RecordSuccess()
		return nil, fmt.Errorf("%w: empty response", ErrDeclined)
	}
	a.breaker.RecordSuccess()

	latency := time.Since(start)
	a.logger.Debug("advisory call",
		"model", a.model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"duration", latency)

	return &types.AdvisoryResponse{
		ID:          uuid.New().String(),
		Tick:        req.Tick,
		Score:       req.Score,
		Advice:      strings.TrimSpace(advice.String()),
		Model:       a.model,
		RequestedAt: start,
		Latency:     latency,
	}, nil
}

// BuildPrompt renders the escalation request for the model
func BuildPrompt(req Request) string {
	var sb strings.Builder
	sb.WriteString("You are advising a pressure regulation engine. Its coherence score just ")
	fmt.Fprintf(&sb, "rose to %.3f at tick %d, crossing the escalation trigger.\n\n", req.Score, req.Tick)

	if req.Snapshot != nil {
		data, err := json.MarshalIndent(req.Snapshot, "", "  ")
		if err == nil {
			sb.WriteString("Current engine snapshot:\n```json\n")
			sb.Write(data)
			sb.WriteString("\n```\n\n")
		}
	}

	sb.WriteString("Reply with at most three short sentences of plain-text guidance: ")
	sb.WriteString("which pressure sources deserve attention and which release valves to open. ")
	sb.WriteString("Do not restate the numbers.")
	return sb.String()
}
