// Package llm is the single entry point to the language models. All
// callers go through the Gateway, which owns per-tier rate limits,
// wall-clock timeouts and response normalization.
package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/apperr"
)

// Result is a normalized model response: the JSON payload plus usage
// accounting for the metrics rows.
type Result struct {
	Value            json.RawMessage
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ElapsedMS        int64
}

// chatClient is the slice of the OpenAI client the gateway needs.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config mirrors the openai section of the application config.
type Config struct {
	APIKey        string
	BaseURL       string
	SmallModel    string
	LargeModel    string
	VisionModel   string
	SmallTimeout  time.Duration
	LargeTimeout  time.Duration
	SmallBucket   int
	LargeBucket   int
	BucketRefill  time.Duration
	BucketMaxWait time.Duration
}

// Gateway multiplexes the small, large and vision tiers over one client.
type Gateway struct {
	client      chatClient
	logger      *zap.Logger
	smallModel  string
	largeModel  string
	visionModel string

	smallTimeout time.Duration
	largeTimeout time.Duration

	smallBucket *tokenBucket
	largeBucket *tokenBucket
}

// New builds a gateway from config.
func New(cfg Config, logger *zap.Logger) *Gateway {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Gateway{
		client:       openai.NewClientWithConfig(clientCfg),
		logger:       logger,
		smallModel:   cfg.SmallModel,
		largeModel:   cfg.LargeModel,
		visionModel:  cfg.VisionModel,
		smallTimeout: cfg.SmallTimeout,
		largeTimeout: cfg.LargeTimeout,
		smallBucket:  newTokenBucket(cfg.SmallBucket, cfg.BucketRefill, cfg.BucketMaxWait),
		largeBucket:  newTokenBucket(cfg.LargeBucket, cfg.BucketRefill, cfg.BucketMaxWait),
	}
}

// ClassifySmall runs a JSON-mode completion on the fast tier.
func (g *Gateway) ClassifySmall(ctx context.Context, system, user string) (*Result, error) {
	return g.complete(ctx, g.smallModel, g.smallTimeout, g.smallBucket, textMessages(system, user))
}

// AnalyzeLarge runs a JSON-mode completion on the heavy tier.
func (g *Gateway) AnalyzeLarge(ctx context.Context, system, user string) (*Result, error) {
	return g.complete(ctx, g.largeModel, g.largeTimeout, g.largeBucket, textMessages(system, user))
}

// ExtractVision runs a JSON-mode completion on the vision tier with
// one or more JPEG page images attached.
func (g *Gateway) ExtractVision(ctx context.Context, system, prompt string, images [][]byte) (*Result, error) {
	if len(images) == 0 {
		return nil, apperr.New(apperr.KindValidation, "vision call requires at least one image")
	}
	parts := []openai.ChatMessagePart{{
		Type: openai.ChatMessagePartTypeText,
		Text: prompt,
	}}
	for _, img := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img),
				Detail: openai.ImageURLDetailHigh,
			},
		})
	}
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, MultiContent: parts},
	}
	return g.complete(ctx, g.visionModel, g.largeTimeout, g.largeBucket, messages)
}

func textMessages(system, user string) []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: user},
	}
}

// complete runs one completion with a single retry on rate limiting.
func (g *Gateway) complete(ctx context.Context, model string, timeout time.Duration, bucket *tokenBucket, messages []openai.ChatCompletionMessage) (*Result, error) {
	res, err := g.completeOnce(ctx, model, timeout, bucket, messages)
	if err != nil && apperr.Is(err, apperr.KindRateLimited) {
		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.KindUpstreamTimeout, "canceled before retry", ctx.Err())
		case <-time.After(2 * time.Second):
		}
		g.logger.Warn("retrying rate-limited model call", zap.String("model", model))
		return g.completeOnce(ctx, model, timeout, bucket, messages)
	}
	return res, err
}

func (g *Gateway) completeOnce(ctx context.Context, model string, timeout time.Duration, bucket *tokenBucket, messages []openai.ChatCompletionMessage) (*Result, error) {
	if err := bucket.Acquire(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return nil, classifyError(err, callCtx)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.New(apperr.KindUpstreamInvalid, "model returned no choices")
	}

	raw := normalizeJSON(resp.Choices[0].Message.Content)
	if !json.Valid(raw) {
		g.logger.Warn("model returned invalid JSON",
			zap.String("model", model),
			zap.Int("length", len(raw)))
		return nil, apperr.New(apperr.KindUpstreamInvalid, "model response is not valid JSON")
	}

	return &Result{
		Value:            raw,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		ElapsedMS:        elapsed,
	}, nil
}

// classifyError maps transport failures onto the error taxonomy.
func classifyError(err error, callCtx context.Context) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindUpstreamTimeout, "model call timed out", err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return apperr.Wrap(apperr.KindRateLimited, "model rate limited", err)
		case apiErr.HTTPStatusCode >= 500:
			return apperr.Wrap(apperr.KindUpstreamUnavailable, "model backend unavailable", err)
		default:
			return apperr.Wrap(apperr.KindUpstreamInvalid, fmt.Sprintf("model rejected request (%d)", apiErr.HTTPStatusCode), err)
		}
	}
	return apperr.Wrap(apperr.KindUpstreamUnavailable, "model call failed", err)
}

// normalizeJSON strips markdown fences some models wrap around JSON.
func normalizeJSON(content string) json.RawMessage {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	return json.RawMessage(s)
}
