package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/planweave/planweave"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*Provider, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := New("test-key", WithAPIURL(server.URL), WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p, server
}

func TestCompletePlainContent(t *testing.T) {
	var captured wireRequest
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"role": "assistant", "content": "hello back"}},
			},
		})
	})

	resp, err := p.Complete(context.Background(), planweave.CompletionRequest{
		Model:       "gpt-4o",
		Temperature: 0.4,
		Messages: []planweave.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "hello back" {
		t.Errorf("content = %q", resp.Content)
	}
	if captured.Model != "gpt-4o" || len(captured.Messages) != 2 {
		t.Errorf("request = model %q, %d messages", captured.Model, len(captured.Messages))
	}
	if captured.Messages[0].Role != "system" {
		t.Errorf("first message role = %q", captured.Messages[0].Role)
	}
}

func TestCompleteToolCalls(t *testing.T) {
	var captured wireRequest
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "", "tool_calls": [
				{"id": "call_abc", "type": "function", "function": {"name": "search", "arguments": "{\"query\": \"apples\"}"}}
			]}}]
		}`))
	})

	resp, err := p.Complete(context.Background(), planweave.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []planweave.Message{{Role: "user", Content: "find apples"}},
		Tools: []planweave.ToolSpec{
			{
				Name:        "search",
				Description: "web search",
				Parameters:  map[string]interface{}{"query": map[string]interface{}{"type": "string"}},
				Required:    []string{"query"},
			},
		},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "call_abc" || call.Name != "search" {
		t.Errorf("call = %+v", call)
	}

	if len(captured.Tools) != 1 || captured.Tools[0].Function.Name != "search" {
		t.Errorf("advertised tools = %+v", captured.Tools)
	}
}

func TestCompleteSchemaConstrained(t *testing.T) {
	var captured wireRequest
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "{\"ok\": true}"}}]}`))
	})

	_, err := p.Complete(context.Background(), planweave.CompletionRequest{
		Model:      "gpt-4o",
		Messages:   []planweave.Message{{Role: "user", Content: "plan it"}},
		JSONSchema: map[string]interface{}{"type": "object"},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if captured.ResponseFormat == nil {
		t.Fatal("expected a response_format in the request")
	}
	if captured.ResponseFormat["type"] != "json_schema" {
		t.Errorf("response_format type = %v", captured.ResponseFormat["type"])
	}
}

func TestCompleteAPIError(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited", "type": "rate_limit_error"}}`))
	})

	_, err := p.Complete(context.Background(), planweave.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []planweave.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected an API error")
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	})

	_, err := p.Complete(context.Background(), planweave.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []planweave.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected an error for empty choices")
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected an error for a missing API key")
	}
}
