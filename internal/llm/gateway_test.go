package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/apperr"
)

type stubClient struct {
	responses []openai.ChatCompletionResponse
	errs      []error
	calls     int
	lastReq   openai.ChatCompletionRequest
}

func (s *stubClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.lastReq = req
	i := s.calls
	s.calls++
	var resp openai.ChatCompletionResponse
	var err error
	if i < len(s.responses) {
		resp = s.responses[i]
	}
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return resp, err
}

func chatResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func testGateway(client chatClient) *Gateway {
	return &Gateway{
		client:       client,
		logger:       zap.NewNop(),
		smallModel:   "small",
		largeModel:   "large",
		visionModel:  "vision",
		smallTimeout: time.Second,
		largeTimeout: time.Second,
		smallBucket:  newTokenBucket(10, time.Minute, 10*time.Millisecond),
		largeBucket:  newTokenBucket(10, time.Minute, 10*time.Millisecond),
	}
}

func TestClassifySmall(t *testing.T) {
	stub := &stubClient{responses: []openai.ChatCompletionResponse{chatResponse(`{"ok": true}`)}}
	g := testGateway(stub)

	res, err := g.ClassifySmall(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok": true}`, string(res.Value))
	assert.Equal(t, 15, res.TotalTokens)
	assert.Equal(t, "small", stub.lastReq.Model)
	require.NotNil(t, stub.lastReq.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, stub.lastReq.ResponseFormat.Type)
}

func TestMarkdownFenceStripped(t *testing.T) {
	stub := &stubClient{responses: []openai.ChatCompletionResponse{
		chatResponse("```json\n{\"account\": \"a-1\"}\n```"),
	}}
	g := testGateway(stub)

	res, err := g.AnalyzeLarge(context.Background(), "sys", "user")
	require.NoError(t, err)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal(res.Value, &parsed))
	assert.Equal(t, "a-1", parsed["account"])
}

func TestInvalidJSONResponse(t *testing.T) {
	stub := &stubClient{responses: []openai.ChatCompletionResponse{chatResponse("not json at all")}}
	g := testGateway(stub)

	_, err := g.ClassifySmall(context.Background(), "sys", "user")
	assert.Equal(t, apperr.KindUpstreamInvalid, apperr.KindOf(err))
}

func TestRetryOnRateLimitOnly(t *testing.T) {
	rateErr := &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}
	stub := &stubClient{
		responses: []openai.ChatCompletionResponse{{}, chatResponse(`{"ok": 1}`)},
		errs:      []error{rateErr, nil},
	}
	g := testGateway(stub)

	res, err := g.ClassifySmall(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, 2, stub.calls)
	assert.NotNil(t, res.Value)
}

func TestNoRetryOnServerError(t *testing.T) {
	srvErr := &openai.APIError{HTTPStatusCode: http.StatusInternalServerError}
	stub := &stubClient{errs: []error{srvErr}}
	g := testGateway(stub)

	_, err := g.ClassifySmall(context.Background(), "sys", "user")
	assert.Equal(t, apperr.KindUpstreamUnavailable, apperr.KindOf(err))
	assert.Equal(t, 1, stub.calls)
}

func TestVisionRequiresImages(t *testing.T) {
	g := testGateway(&stubClient{})
	_, err := g.ExtractVision(context.Background(), "sys", "prompt", nil)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestVisionAttachesImages(t *testing.T) {
	stub := &stubClient{responses: []openai.ChatCompletionResponse{chatResponse(`{}`)}}
	g := testGateway(stub)

	_, err := g.ExtractVision(context.Background(), "sys", "prompt", [][]byte{{0xff, 0xd8}})
	require.NoError(t, err)
	require.Len(t, stub.lastReq.Messages, 2)
	parts := stub.lastReq.Messages[1].MultiContent
	require.Len(t, parts, 2)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, parts[1].Type)
}

func TestBucketExhausted(t *testing.T) {
	stub := &stubClient{responses: []openai.ChatCompletionResponse{chatResponse(`{}`)}}
	g := testGateway(stub)
	g.smallBucket = newTokenBucket(1, time.Hour, 10*time.Millisecond)

	_, err := g.ClassifySmall(context.Background(), "sys", "user")
	require.NoError(t, err)

	_, err = g.ClassifySmall(context.Background(), "sys", "user")
	assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))
}
