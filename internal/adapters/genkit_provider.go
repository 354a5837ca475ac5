package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/planweave/planweave"
	"github.com/planweave/planweave/internal/modelout"
)

// GenkitProvider adapts a Genkit instance to the CompletionProvider port.
// Genkit's Generate API has no tool-call surface we can map directly, so
// tool invocation is emulated: the tool catalog is embedded in the prompt
// and the model is asked to answer with a tool_calls JSON envelope when it
// wants a tool run.
type GenkitProvider struct {
	g      *genkit.Genkit
	logger planweave.Logger
}

// GenkitProviderOption configures a GenkitProvider.
type GenkitProviderOption func(*GenkitProvider)

// WithGenkitLogger sets the structured logger.
func WithGenkitLogger(logger planweave.Logger) GenkitProviderOption {
	return func(p *GenkitProvider) {
		p.logger = logger
	}
}

// NewGenkitProvider creates a provider over an initialized Genkit instance.
func NewGenkitProvider(g *genkit.Genkit, opts ...GenkitProviderOption) (*GenkitProvider, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	p := &GenkitProvider{g: g, logger: planweave.NopLogger{}}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Complete implements planweave.CompletionProvider.
func (p *GenkitProvider) Complete(ctx context.Context, req planweave.CompletionRequest) (*planweave.CompletionResponse, error) {
	messages := make([]*ai.Message, 0, len(req.Messages)+2)
	for _, m := range req.Messages {
		messages = append(messages, toGenkitMessage(m))
	}

	if len(req.Tools) > 0 {
		messages = append(messages, &ai.Message{
			Role:    ai.RoleUser,
			Content: []*ai.Part{ai.NewTextPart(toolEnvelopeInstruction(req.Tools))},
		})
	}
	if req.JSONSchema != nil {
		schemaJSON, err := json.Marshal(req.JSONSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal response schema: %w", err)
		}
		messages = append(messages, &ai.Message{
			Role:    ai.RoleUser,
			Content: []*ai.Part{ai.NewTextPart("Respond with a single JSON object conforming to this schema, and nothing else:\n" + string(schemaJSON))},
		})
	}

	opts := []ai.GenerateOption{ai.WithMessages(messages...)}
	if req.Model != "" {
		opts = append(opts, ai.WithModelName(req.Model))
	}
	opts = append(opts, ai.WithConfig(&ai.GenerationCommonConfig{Temperature: req.Temperature}))

	resp, err := genkit.Generate(ctx, p.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("genkit generation failed: %w", err)
	}

	text := modelout.CleanThinkingTags(resp.Text())

	if len(req.Tools) > 0 {
		if calls := parseToolEnvelope(text); len(calls) > 0 {
			return &planweave.CompletionResponse{ToolCalls: calls}, nil
		}
	}

	return &planweave.CompletionResponse{Content: text}, nil
}

func toGenkitMessage(m planweave.Message) *ai.Message {
	content := m.Content
	switch m.Role {
	case "system":
		return &ai.Message{Role: ai.RoleSystem, Content: []*ai.Part{ai.NewTextPart(content)}}
	case "assistant":
		if len(m.ToolCalls) > 0 {
			// Replay emulated tool calls as plain model text so the
			// conversation stays coherent across turns.
			encoded, _ := json.Marshal(m.ToolCalls)
			content = strings.TrimSpace(content + "\n" + string(encoded))
		}
		return &ai.Message{Role: ai.RoleModel, Content: []*ai.Part{ai.NewTextPart(content)}}
	case "tool":
		return &ai.Message{Role: ai.RoleUser, Content: []*ai.Part{ai.NewTextPart("Tool result for call " + m.ToolCallID + ":\n" + content)}}
	default:
		return &ai.Message{Role: ai.RoleUser, Content: []*ai.Part{ai.NewTextPart(content)}}
	}
}

func toolEnvelopeInstruction(tools []planweave.ToolSpec) string {
	specs, _ := json.Marshal(tools)
	var b strings.Builder
	b.WriteString("You may use these tools:\n")
	b.Write(specs)
	b.WriteString("\n\nTo invoke tools, respond with ONLY a JSON object of the form ")
	b.WriteString(`{"tool_calls": [{"name": "<tool name>", "arguments": {<argument object>}}]}`)
	b.WriteString(". To answer directly, respond with plain text instead.")
	return b.String()
}

type toolEnvelope struct {
	ToolCalls []struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	} `json:"tool_calls"`
}

func parseToolEnvelope(text string) []planweave.CompletionToolCall {
	raw := modelout.ExtractJSON(text)
	if raw == "" {
		return nil
	}
	var envelope toolEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil || len(envelope.ToolCalls) == 0 {
		return nil
	}
	calls := make([]planweave.CompletionToolCall, 0, len(envelope.ToolCalls))
	for i, call := range envelope.ToolCalls {
		if call.Name == "" {
			continue
		}
		args, err := json.Marshal(call.Arguments)
		if err != nil {
			continue
		}
		calls = append(calls, planweave.CompletionToolCall{
			ID:        fmt.Sprintf("call_%d", i+1),
			Name:      call.Name,
			Arguments: string(args),
		})
	}
	return calls
}
