package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// StatusError wraps a non-2xx HTTP response from the provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: provider returned status %d: %s", e.StatusCode, e.Body)
}

// retryableStatuses is the non-exhaustive set from spec §6.2.
var retryableStatuses = map[int]bool{
	408: true, 425: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// IsRetryable classifies an error from Chat as a §7 UpstreamTransient cause:
// transport errors, timeouts, the listed retryable statuses, or a response
// envelope explicitly signaling provider overload.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return retryableStatuses[statusErr.StatusCode]
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

// wireMessage/wireRequest/wireResponse model the provider's JSON envelope.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
}

type wireChoice struct {
	Message wireMessage `json:"message"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
	Error   *struct {
		Overloaded bool   `json:"overloaded"`
		Message    string `json:"message"`
	} `json:"error"`
}

// Client is the HTTP Provider implementation. Authentication is a single
// static credential injected from the process environment (spec §6.2); no
// refresh protocol.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
}

// NewClient builds a Client against endpoint, authenticated with apiKey,
// bounding every call to timeout (llmTimeout, default 120s per spec §5).
func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		apiKey:     apiKey,
	}
}

// Chat performs one request-response RPC and concatenates every returned
// text segment into ChatResponse.Segments.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	wireMsgs := make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		wireMsgs[i] = wireMessage{Role: m.Role, Content: m.Content}
	}
	body, err := json.Marshal(wireRequest{Model: req.Model, Messages: wireMsgs})
	if err != nil {
		return ChatResponse{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ChatResponse{}, fmt.Errorf("llm: call timed out: %w", context.DeadlineExceeded)
		}
		return ChatResponse{}, fmt.Errorf("llm: transport error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ChatResponse{}, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var wr wireResponse
	if err := json.Unmarshal(respBody, &wr); err != nil {
		return ChatResponse{}, fmt.Errorf("llm: decode response: %w", err)
	}
	if wr.Error != nil && wr.Error.Overloaded {
		return ChatResponse{}, &StatusError{StatusCode: http.StatusServiceUnavailable, Body: wr.Error.Message}
	}

	segments := make([]string, 0, len(wr.Choices))
	for _, choice := range wr.Choices {
		segments = append(segments, choice.Message.Content)
	}

	return ChatResponse{
		Segments: segments,
		Usage: Usage{
			PromptTokens:     wr.Usage.PromptTokens,
			CompletionTokens: wr.Usage.CompletionTokens,
		},
	}, nil
}
