package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModelID = "gpt-4o-mini"
)

// Client wraps the HTTP calls to an OpenAI compatible chat completions API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
}

// NewClientFromEnv constructs a Client using environment variables.
//
// Expected variables:
//   - LLM_API_KEY: required API key for the provider
//   - LLM_BASE_URL: optional override for the API base URL (defaults to defaultBaseURL)
//   - LLM_MODEL_ID: optional override for the target model (defaults to defaultModelID)
func NewClientFromEnv() (*Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("chat: LLM_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("chat: invalid base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("LLM_MODEL_ID"))
	if modelID == "" {
		modelID = defaultModelID
	}

	httpClient := &http.Client{Timeout: 120 * time.Second}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		modelID:    modelID,
	}, nil
}

// DefaultModel reports the model used when a request carries no override.
func (c *Client) DefaultModel() string {
	if c == nil {
		return ""
	}
	return c.modelID
}

// Message represents a single turn in a chat completions payload.
type Message struct {
	Role    string
	Content string
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string              `json:"model"`
	Stream   bool                `json:"stream"`
	Messages []completionMessage `json:"messages"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Message completionMessage `json:"message"`
	} `json:"choices"`
	Usage *completionUsage `json:"usage"`
}

// StreamDelta is one incremental piece of a streamed completion.
type StreamDelta struct {
	Content      string
	FullContent  string
	FinishReason string
	Done         bool
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *completionUsage `json:"usage"`
}

// Usage captures token usage metrics returned by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result represents the content and usage information for a chat completion.
type Result struct {
	Content string
	Usage   *Usage
}

// CompleteText sends a single prompt and returns the reply text. Used by the
// ingestion pipeline for persona synthesis.
func (c *Client) CompleteText(ctx context.Context, prompt string) (string, error) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "", errors.New("chat: prompt cannot be empty")
	}

	result, err := c.Chat(ctx, "", []Message{
		{Role: "user", Content: trimmed},
	})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

func (c *Client) buildPayload(model string, stream bool, messages []Message) (*completionRequest, error) {
	resolved := strings.TrimSpace(model)
	if resolved == "" {
		resolved = c.modelID
	}

	payload := &completionRequest{
		Model:    resolved,
		Stream:   stream,
		Messages: make([]completionMessage, 0, len(messages)),
	}

	for _, msg := range messages {
		role := strings.TrimSpace(msg.Role)
		if role == "" {
			role = "user"
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		payload.Messages = append(payload.Messages, completionMessage{Role: role, Content: content})
	}

	if len(payload.Messages) == 0 {
		return nil, errors.New("chat: messages contain no content")
	}
	return payload, nil
}

func (c *Client) newRequest(ctx context.Context, payload *completionRequest) (*http.Request, error) {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("chat: encode request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("chat: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

// Chat sends the provided messages to the model and returns the first
// assistant reply with usage metrics. An empty model selects the default.
func (c *Client) Chat(ctx context.Context, model string, messages []Message) (Result, error) {
	if c == nil {
		return Result{}, errors.New("chat: client is nil")
	}
	if len(messages) == 0 {
		return Result{}, errors.New("chat: messages cannot be empty")
	}

	payload, err := c.buildPayload(model, false, messages)
	if err != nil {
		return Result{}, err
	}

	req, err := c.newRequest(ctx, payload)
	if err != nil {
		return Result{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("chat: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Result{}, fmt.Errorf("chat: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("chat: decode response: %w", err)
	}

	if len(decoded.Choices) == 0 {
		return Result{}, errors.New("chat: response contains no choices")
	}

	return Result{
		Content: strings.TrimSpace(decoded.Choices[0].Message.Content),
		Usage:   convertUsage(decoded.Usage),
	}, nil
}

// ChatStream sends the provided messages with streaming enabled and invokes
// handler for each delta. An empty model selects the default. When the stream
// breaks after tokens arrived, the returned Result still carries the content
// accumulated so far alongside the error, so callers can persist the partial
// answer.
func (c *Client) ChatStream(ctx context.Context, model string, messages []Message, handler func(StreamDelta) error) (Result, error) {
	if c == nil {
		return Result{}, errors.New("chat: client is nil")
	}
	if len(messages) == 0 {
		return Result{}, errors.New("chat: messages cannot be empty")
	}

	payload, err := c.buildPayload(model, true, messages)
	if err != nil {
		return Result{}, err
	}

	req, err := c.newRequest(ctx, payload)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("chat: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Result{}, fmt.Errorf("chat: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	// Some providers answer a stream request with a plain JSON body.
	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if strings.Contains(contentType, "application/json") {
		var decoded completionResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return Result{}, fmt.Errorf("chat: decode response: %w", err)
		}
		if len(decoded.Choices) == 0 {
			return Result{}, errors.New("chat: response contains no choices")
		}
		full := strings.TrimSpace(decoded.Choices[0].Message.Content)
		if handler != nil && full != "" {
			if err := handler(StreamDelta{Content: full, FullContent: full}); err != nil {
				return Result{Content: full, Usage: convertUsage(decoded.Usage)}, err
			}
		}
		if handler != nil {
			if err := handler(StreamDelta{FullContent: full, Done: true}); err != nil {
				return Result{Content: full, Usage: convertUsage(decoded.Usage)}, err
			}
		}
		return Result{Content: full, Usage: convertUsage(decoded.Usage)}, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var builder strings.Builder
	var usage *completionUsage

	flushDelta := func(delta StreamDelta) error {
		if handler == nil {
			return nil
		}
		return handler(delta)
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			if err := flushDelta(StreamDelta{FullContent: builder.String(), Done: true}); err != nil {
				return Result{Content: builder.String(), Usage: convertUsage(usage)}, err
			}
			return Result{Content: builder.String(), Usage: convertUsage(usage)}, nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			deltaText := choice.Delta.Content
			if deltaText != "" {
				builder.WriteString(deltaText)
				if err := flushDelta(StreamDelta{
					Content:      deltaText,
					FullContent:  builder.String(),
					FinishReason: choice.FinishReason,
				}); err != nil {
					return Result{Content: builder.String(), Usage: convertUsage(usage)}, err
				}
			}
			if deltaText == "" && choice.FinishReason != "" {
				if err := flushDelta(StreamDelta{
					FullContent:  builder.String(),
					FinishReason: choice.FinishReason,
				}); err != nil {
					return Result{Content: builder.String(), Usage: convertUsage(usage)}, err
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return Result{Content: builder.String(), Usage: convertUsage(usage)}, fmt.Errorf("chat: read stream: %w", err)
	}

	if err := flushDelta(StreamDelta{FullContent: builder.String(), Done: true}); err != nil {
		return Result{Content: builder.String(), Usage: convertUsage(usage)}, err
	}

	return Result{Content: builder.String(), Usage: convertUsage(usage)}, nil
}

func convertUsage(raw *completionUsage) *Usage {
	if raw == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     raw.PromptTokens,
		CompletionTokens: raw.CompletionTokens,
		TotalTokens:      raw.TotalTokens,
	}
}
