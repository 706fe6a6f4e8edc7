package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	loomerrors "loom/internal/errors"
	"loom/internal/logging"
)

// HTTPClient talks to an OpenAI-compatible chat completion endpoint over
// HTTPS with a bearer credential. One attempt per call; no retry logic here.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     logging.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a transport for the given endpoint and credential.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewLLMLogger("llm-http"),
	}
}

// wire types for the chat completions protocol

type wireChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	Delta        Message `json:"delta"`
	FinishReason string  `json:"finish_reason"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// Complete sends a non-streaming completion request.
func (c *HTTPClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	req.Stream = false

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("closing response body: %v", cerr)
		}
	}()

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, loomerrors.NewNetworkError(err, "reading completion response")
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decoding completion response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("completion response has no choices")
	}

	model := wire.Model
	if model == "" {
		model = req.Model
	}
	return &CompletionResponse{
		Content: wire.Choices[0].Message.Content,
		Model:   model,
		Usage:   wire.Usage,
	}, nil
}

// Stream sends a streaming completion request and returns a channel of text
// chunks. Cancelling ctx abandons the stream and releases the connection.
func (c *HTTPClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	req.Stream = true

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.checkStatus(resp); err != nil {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("closing response body: %v", cerr)
		}
		return nil, err
	}

	ch := make(chan StreamChunk, 16)
	go c.readStream(ctx, resp.Body, ch)
	return ch, nil
}

func (c *HTTPClient) readStream(ctx context.Context, body io.ReadCloser, ch chan<- StreamChunk) {
	defer close(ch)
	defer func() {
		if cerr := body.Close(); cerr != nil {
			c.logger.Warn("closing stream body: %v", cerr)
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			c.send(ctx, ch, StreamChunk{Done: true})
			return
		}

		var wire wireResponse
		if err := json.Unmarshal([]byte(payload), &wire); err != nil {
			c.logger.Warn("skipping malformed stream chunk: %v", err)
			continue
		}
		if len(wire.Choices) == 0 {
			continue
		}

		chunk := StreamChunk{Delta: wire.Choices[0].Delta.Content}
		if wire.Usage.TotalTokens > 0 {
			usage := wire.Usage
			chunk.Usage = &usage
		}
		if !c.send(ctx, ch, chunk) {
			return
		}
		if wire.Choices[0].FinishReason != "" {
			c.send(ctx, ch, StreamChunk{Done: true, Usage: chunk.Usage})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		c.send(ctx, ch, StreamChunk{Err: loomerrors.NewNetworkError(err, "reading stream")})
		return
	}
	c.send(ctx, ch, StreamChunk{Done: true})
}

func (c *HTTPClient) send(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *HTTPClient) post(ctx context.Context, req CompletionRequest) (*http.Response, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, loomerrors.NewNetworkError(err, "")
	}
	return resp, nil
}

func (c *HTTPClient) checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	c.logger.Error("HTTP error %d: %s", resp.StatusCode, string(body))

	cause := loomerrors.NewHTTPStatusError(resp.StatusCode, resp.Status, string(body))
	retryAfter := 0
	if header := resp.Header.Get("Retry-After"); header != "" {
		if secs, err := strconv.Atoi(header); err == nil {
			retryAfter = secs
		}
	}
	return loomerrors.ClassifyHTTPStatus(resp.StatusCode, retryAfter, cause)
}
