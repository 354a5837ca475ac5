// Package openai implements the CompletionProvider port over the OpenAI
// chat completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/planweave/planweave"
)

const defaultAPIURL = "https://api.openai.com/v1/chat/completions"

// Provider is an OpenAI-backed completion provider. It supports plain,
// schema-constrained, and tool-calling completion.
type Provider struct {
	apiKey     string
	apiURL     string
	httpClient *http.Client
	logger     planweave.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithAPIURL overrides the completions endpoint, for proxies and
// API-compatible servers.
func WithAPIURL(url string) Option {
	return func(p *Provider) {
		p.apiURL = url
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger planweave.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// New creates a Provider with the given API key.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	p := &Provider{
		apiKey:     apiKey,
		apiURL:     defaultAPIURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     planweave.NopLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

type wireRequest struct {
	Model          string                 `json:"model"`
	Messages       []wireMessage          `json:"messages"`
	Temperature    float64                `json:"temperature"`
	Tools          []wireTool             `json:"tools,omitempty"`
	ResponseFormat map[string]interface{} `json:"response_format,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete implements planweave.CompletionProvider.
func (p *Provider) Complete(ctx context.Context, req planweave.CompletionRequest) (*planweave.CompletionResponse, error) {
	body := wireRequest{
		Model:       req.Model,
		Messages:    toWireMessages(req.Messages),
		Temperature: req.Temperature,
	}

	for _, spec := range req.Tools {
		tool := wireTool{Type: "function"}
		tool.Function.Name = spec.Name
		tool.Function.Description = spec.Description
		tool.Function.Parameters = map[string]interface{}{
			"type":       "object",
			"properties": spec.Parameters,
			"required":   spec.Required,
		}
		body.Tools = append(body.Tools, tool)
	}

	if req.JSONSchema != nil {
		body.ResponseFormat = map[string]interface{}{
			"type": "json_schema",
			"json_schema": map[string]interface{}{
				"name":   "response",
				"schema": req.JSONSchema,
			},
		}
	}

	wireResp, err := p.send(ctx, body)
	if err != nil {
		return nil, err
	}

	if len(wireResp.Choices) == 0 {
		return nil, fmt.Errorf("completion returned no choices")
	}

	msg := wireResp.Choices[0].Message
	result := &planweave.CompletionResponse{Content: msg.Content}
	for _, call := range msg.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, planweave.CompletionToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return result, nil
}

func (p *Provider) send(ctx context.Context, body wireRequest) (*wireResponse, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var wireResp wireResponse
	if err := json.Unmarshal(raw, &wireResp); err != nil {
		return nil, fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		if wireResp.Error != nil {
			return nil, fmt.Errorf("API error (%s): %s", wireResp.Error.Type, wireResp.Error.Message)
		}
		return nil, fmt.Errorf("API returned status: %d", resp.StatusCode)
	}

	return &wireResp, nil
}

func toWireMessages(messages []planweave.Message) []wireMessage {
	wire := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			wc := wireToolCall{ID: call.ID, Type: "function"}
			wc.Function.Name = call.Name
			wc.Function.Arguments = call.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wc)
		}
		wire = append(wire, wm)
	}
	return wire
}
