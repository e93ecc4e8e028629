package agentio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AnthropicCaller implements ModelCall against the Anthropic Messages API
// directly over net/http, generalizing the teacher's agents/anthropic
// client (its own hand-rolled client, not a vendored SDK) to the
// provider-agnostic Request/Response/Usage shapes this package defines.
type AnthropicCaller struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	HTTPClient *http.Client
}

// NewAnthropicCaller builds a caller with the teacher's defaults.
func NewAnthropicCaller(apiKey string) *AnthropicCaller {
	return &AnthropicCaller{
		APIKey:     apiKey,
		BaseURL:    "https://api.anthropic.com",
		APIVersion: "2023-06-01",
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

type anthropicSystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicMessage struct {
	Role    string                 `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicRequest struct {
	Model     string                 `json:"model"`
	MaxTokens int                    `json:"max_tokens"`
	System    []anthropicSystemBlock `json:"system,omitempty"`
	Messages  []anthropicMessage     `json:"messages"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Usage   struct {
		InputTokens        int64 `json:"input_tokens"`
		OutputTokens       int64 `json:"output_tokens"`
		CacheCreationInput int64 `json:"cache_creation_input_tokens"`
		CacheReadInput     int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// Call implements ModelCall by issuing a single, non-streaming Messages
// API request. Tool calls are not exercised here; the orchestrator's
// tool sandbox dispatches tool steps separately (internal/toolsandbox).
func (c *AnthropicCaller) Call(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxOutputTokens,
		System:    []anthropicSystemBlock{{Type: "text", Text: req.SystemPrompt}},
		Messages: []anthropicMessage{
			{Role: "user", Content: []anthropicContentBlock{{Type: "text", Text: req.UserPrompt}}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.APIKey)
	httpReq.Header.Set("anthropic-version", c.APIVersion)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read anthropic response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal anthropic response: %w", err)
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &Response{
		OutputText: text,
		Usage: Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
			CacheCreate:  parsed.Usage.CacheCreationInput,
			CacheRead:    parsed.Usage.CacheReadInput,
		},
	}, nil
}
