// Package llm provides a client for the local Ollama inference endpoint.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"time"
)

// Config holds configuration for the inference client.
type Config struct {
	// URL is the full generate endpoint, e.g. http://localhost:11434/api/generate.
	URL   string
	Model string
	// StreamTimeout bounds a full streamed chat completion.
	StreamTimeout time.Duration
	// SummaryTimeout bounds non-streamed summary generation; it is shorter
	// because summary failures are non-fatal.
	SummaryTimeout time.Duration
}

// DefaultConfig returns defaults matching a local Ollama install.
func DefaultConfig() Config {
	return Config{
		URL:            "http://localhost:11434/api/generate",
		Model:          "qwen2.5:1.5b",
		StreamTimeout:  300 * time.Second,
		SummaryTimeout: 120 * time.Second,
	}
}

// Client talks to the Ollama generate API.
type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *slog.Logger
}

// NewClient creates a client. The underlying http.Client carries no global
// timeout; per-call deadlines come from contexts so a streamed reply is not
// cut off by a transport-level limit.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{},
		logger: logger,
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Stream sends a prompt and yields text fragments as they arrive. Fragments
// are forwarded immediately; the iterator ends when the service reports
// done, the stream closes, or an error occurs. Cancelling ctx aborts the
// upstream call.
func (c *Client) Stream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.StreamTimeout)
		defer cancel()

		resp, err := c.post(ctx, generateRequest{Model: c.cfg.Model, Prompt: prompt, Stream: true})
		if err != nil {
			yield("", err)
			return
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				c.logger.Warn("failed to close inference response body", "error", err)
			}
		}()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk generateChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				// Skip undecodable lines rather than aborting the stream.
				c.logger.Warn("skipping malformed inference chunk", "error", err)
				continue
			}
			if chunk.Response != "" {
				if !yield(chunk.Response, nil) {
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("read inference stream: %w", err))
		}
	}
}

// Generate sends a prompt and returns the full response text. Used for
// summarization, with the shorter summary timeout.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SummaryTimeout)
	defer cancel()

	resp, err := c.post(ctx, generateRequest{Model: c.cfg.Model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close inference response body", "error", err)
		}
	}()

	var chunk generateChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return "", fmt.Errorf("decode inference response: %w", err)
	}
	return chunk.Response, nil
}

func (c *Client) post(ctx context.Context, req generateRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode inference request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close inference response body", "error", err)
		}
		return nil, fmt.Errorf("inference service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return resp, nil
}
