// Package tools provides the tool registry and a set of built-in demo
// tools used by the example server.
package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"

	"github.com/planweave/planweave"
	"github.com/planweave/planweave/internal/adapters"
)

// Registry is a thread-safe id-to-tool map satisfying
// planweave.ToolRegistry.
type Registry struct {
	mutex sync.RWMutex
	tools map[string]planweave.Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]planweave.Tool)}
}

// Register adds a tool, rejecting duplicate ids.
func (r *Registry) Register(tool planweave.Tool) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("tool with name '%s' already exists", tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Get implements planweave.ToolRegistry.
func (r *Registry) Get(id string) (planweave.Tool, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	tool, ok := r.tools[id]
	return tool, ok
}

// Specs implements planweave.ToolRegistry. Unknown ids are skipped.
func (r *Registry) Specs(ids []string) []planweave.ToolSpec {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	specs := make([]planweave.ToolSpec, 0, len(ids))
	for _, id := range ids {
		if tool, ok := r.tools[id]; ok {
			specs = append(specs, tool.Spec())
		}
	}
	return specs
}

// Catalog implements planweave.ToolRegistry.
func (r *Registry) Catalog() []planweave.ToolSpec {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	specs := make([]planweave.ToolSpec, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, tool.Spec())
	}
	return specs
}

// SetupTools builds a registry with the built-in demo tools. saveDir is
// where the save tool writes files.
func SetupTools(saveDir string) (*Registry, error) {
	registry := NewRegistry()

	builtin := []planweave.Tool{
		adapters.NewGoToolAdapter(
			"search",
			PerformSearch,
			adapters.WithDescription("Performs a web search for a given query."),
			adapters.WithParameter("query", "Search query string", true),
			adapters.WithValidator(validateSearchInput),
		),
		adapters.NewGoToolAdapter(
			"calculate",
			PerformCalculation,
			adapters.WithDescription("Evaluates a mathematical expression."),
			adapters.WithParameter("expression", "Expression to evaluate, e.g. '5*9'", true),
			adapters.WithValidator(validateCalculationInput),
		),
		adapters.NewGoToolAdapter(
			"save_file",
			saveFileTool(saveDir),
			adapters.WithDescription("Saves content to a named file and returns its location."),
			adapters.WithParameter("filename", "Name of the file to write", true),
			adapters.WithParameter("content", "Content to write; may reference a previous step with @action_id", true),
		),
	}
	for _, tool := range builtin {
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// PerformSearch simulates a web search.
func PerformSearch(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	query, ok := input["query"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid or missing 'query' argument")
	}
	return map[string]interface{}{
		"output": fmt.Sprintf("Simulated search results for query: %s", query),
	}, nil
}

// PerformCalculation evaluates a mathematical expression.
func PerformCalculation(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	exprStr, ok := input["expression"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid or missing 'expression' argument")
	}
	expression, err := govaluate.NewEvaluableExpression(exprStr)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", exprStr, err)
	}
	result, err := expression.Evaluate(nil)
	if err != nil {
		return nil, fmt.Errorf("evaluation of %q failed: %w", exprStr, err)
	}
	return map[string]interface{}{
		"output": fmt.Sprintf("%v", result),
	}, nil
}

func saveFileTool(dir string) func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	return func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		filename, ok := input["filename"].(string)
		if !ok || filename == "" {
			return nil, fmt.Errorf("invalid or missing 'filename' argument")
		}
		content, ok := input["content"].(string)
		if !ok {
			return nil, fmt.Errorf("invalid or missing 'content' argument")
		}
		// Reject path traversal out of the save directory.
		clean := filepath.Base(filename)
		if clean != filename {
			return nil, fmt.Errorf("filename must not contain path separators")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, clean)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"output": fmt.Sprintf("Saved %d bytes to %s", len(content), path),
			"path":   path,
		}, nil
	}
}

func validateSearchInput(input map[string]interface{}) error {
	query, ok := input["query"]
	if !ok {
		return fmt.Errorf("missing search query")
	}
	queryStr, ok := query.(string)
	if !ok {
		return fmt.Errorf("search query must be a string, got %T", query)
	}
	if len(queryStr) == 0 {
		return fmt.Errorf("search query cannot be empty")
	}
	if len(queryStr) > 1000 {
		return fmt.Errorf("search query too long (max 1000 characters)")
	}
	return nil
}

func validateCalculationInput(input map[string]interface{}) error {
	expr, ok := input["expression"]
	if !ok {
		return fmt.Errorf("missing expression")
	}
	exprStr, ok := expr.(string)
	if !ok {
		return fmt.Errorf("expression must be a string, got %T", expr)
	}
	if len(exprStr) == 0 {
		return fmt.Errorf("expression cannot be empty")
	}
	if len(exprStr) > 100 {
		return fmt.Errorf("expression too long (max 100 characters)")
	}
	if strings.ContainsAny(exprStr, ";`$") {
		return fmt.Errorf("expression contains forbidden characters")
	}
	return nil
}
