// Package prompt builds the model prompts used across plan generation,
// action execution, and output evaluation.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/planweave/planweave"
)

const toolSystemPrompt = `You are a task execution agent. Complete the task described below, using the provided tools when they are needed.

Rules:
- Call a tool when the task requires external data or side effects. Do not claim a tool was used when it was not.
- Any link, URI, or identifier produced by a tool call must appear in primary_output; a result left only in a tool response is lost.
- When you have the final answer, respond with a JSON object: {"primary_output": "<the deliverable>", "supporting_details": "<notes, optional>"}.
- primary_output must contain the actual deliverable, never a summary of it.`

const writerSystemPrompt = `You are a professional writer. Produce the requested content in full.

Rules:
- Write the complete deliverable, not an outline or a description of it.
- Respond with a JSON object: {"primary_output": "<the full text>", "supporting_details": "<notes, optional>"}.
- primary_output must contain the entire written piece.`

const coderSystemPrompt = `You are an expert software engineer. Produce complete, working code for the task below.

Rules:
- Output full code, never fragments with placeholders like "rest unchanged".
- Respond with a JSON object: {"primary_output": "<the complete code>", "supporting_details": "<usage notes, optional>"}.
- primary_output must contain only the deliverable code.`

// ForRole returns the system prompt for an execution role. Total over the
// role enum.
func ForRole(role planweave.ActionRole) string {
	switch role {
	case planweave.RoleWriter:
		return writerSystemPrompt
	case planweave.RoleCoder:
		return coderSystemPrompt
	default:
		return toolSystemPrompt
	}
}

const lightweightInstruction = `Context note: dependency outputs above are shown as metadata only, not full content. To pass a dependency's real content to a tool, use the reference token @action_id as the parameter value; it is expanded to the full content before the tool runs. The visible hint text is NOT the content.`

// LightweightInstruction is appended to the system prompt when an action
// runs with metadata-only dependency context.
func LightweightInstruction() string { return lightweightInstruction }

// ActionPrompt composes the user turn for one execution attempt.
func ActionPrompt(goal string, action *planweave.Action, contextBlock, requirements, feedback, guidance string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall goal: %s\n\n", goal)
	fmt.Fprintf(&b, "Your task (%s): %s\n", action.ID, action.Description)

	if len(action.Params) > 0 {
		params := make(map[string]interface{}, len(action.Params))
		for k, v := range action.Params {
			if k == planweave.GuidanceParam {
				continue
			}
			params[k] = v
		}
		if len(params) > 0 {
			if enc, err := json.Marshal(params); err == nil {
				fmt.Fprintf(&b, "\nTask parameters: %s\n", enc)
			}
		}
	}
	if contextBlock != "" {
		fmt.Fprintf(&b, "\nOutputs of prerequisite steps:\n%s\n", contextBlock)
	}
	if requirements != "" {
		fmt.Fprintf(&b, "\nRequirements:\n%s\n", requirements)
	}
	if feedback != "" {
		fmt.Fprintf(&b, "\nYour previous attempt was rejected. Address these problems:\n%s\n", feedback)
	}
	if guidance != "" {
		fmt.Fprintf(&b, "\nGuidance from the user:\n%s\n", guidance)
	}
	return b.String()
}

// RetryFeedback formats evaluator findings for injection into the next
// attempt's prompt.
func RetryFeedback(reflection *planweave.ReflectionResult) string {
	if reflection == nil {
		return ""
	}
	var b strings.Builder
	for _, issue := range reflection.Issues {
		fmt.Fprintf(&b, "- Issue: %s\n", issue)
	}
	for _, s := range reflection.Suggestions {
		fmt.Fprintf(&b, "- Suggestion: %s\n", s)
	}
	return b.String()
}

const plannerSystemPrompt = `You are a planning agent. Decompose the user's goal into a directed acyclic graph of actions.

Respond with a JSON object {"goal": string, "actions": [...]}. Each action has:
- "id": short snake_case identifier, unique in the plan
- "kind": one of "tool", "text", "code", "synthesis"
- "description": the task statement an execution agent will receive
- "dependencies": ids of actions whose outputs this action needs (may be empty)
- "params": optional key/value inputs; a value may reference another action's output with "@action_id"
- "tool_ids": for tool actions, the capability ids the action may invoke
- "model": optional logical role, one of "ACTION_MODEL", "WRITER_MODEL", "CODER_MODEL"

Structural rules, all mandatory:
1. Exactly one action has id "final_synthesis". It is the LAST action in the list and nothing depends on it.
2. The description of "final_synthesis" is a plain-text template assembling the deliverable from {action_id} placeholders. Every placeholder must name another action in the plan. Nested placeholders like {id.field} are forbidden. The template must not contain code or HTML.
3. Dependencies must form no cycles.
4. Reference only tools from the capability catalog below.`

// PlannerPrompt composes the plan-generation system prompt with the tool
// capability catalog.
func PlannerPrompt(catalog []planweave.ToolSpec) string {
	var b strings.Builder
	b.WriteString(plannerSystemPrompt)
	b.WriteString("\n\nCapability catalog:\n")
	if len(catalog) == 0 {
		b.WriteString("(no external tools available; use only text and code actions)\n")
	}
	for _, spec := range catalog {
		params := make([]string, 0, len(spec.Parameters))
		for name := range spec.Parameters {
			params = append(params, name)
		}
		fmt.Fprintf(&b, "- %s: %s (parameters: %s)\n", spec.Name, spec.Description, strings.Join(params, ", "))
	}
	return b.String()
}

// PlanSchema is the response schema constraining plan generation.
func PlanSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"goal": map[string]interface{}{"type": "string"},
			"actions": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"id":           map[string]interface{}{"type": "string"},
						"kind":         map[string]interface{}{"type": "string", "enum": []string{"tool", "text", "code", "synthesis"}},
						"description":  map[string]interface{}{"type": "string"},
						"dependencies": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
						"params":       map[string]interface{}{"type": "object"},
						"tool_ids":     map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
						"model":        map[string]interface{}{"type": "string"},
					},
					"required": []string{"id", "kind", "description"},
				},
			},
		},
		"required": []string{"goal", "actions"},
	}
}

const judgeSystemPrompt = `You are a strict quality judge for one step of a multi-step plan. Evaluate whether the step's output fulfills its stated objective.

Checks, in order of severity:
1. Field placement: the deliverable must be in primary_output. If the real content sits in supporting_details while primary_output holds only a title or summary, quality_score is at most 0.1.
2. Tool use: if the step was expected to call tools, verify it actually did. Claiming tool use that the call log does not show means quality_score below 0.3.
3. Tool incorporation: links, URIs, or data produced by tool calls must appear in primary_output; results left only in the call log are lost.
4. Completeness, correctness, and relevance to the step's objective.

Score bands: 0.9-1.0 flawless; 0.7-0.89 minor issues; 0.5-0.69 significant issues; 0.3-0.49 major problems; below 0.3 severely flawed.
is_successful is your independent overall judgment; it is not derived mechanically from the score.

Respond with a JSON object: {"is_successful": bool, "quality_score": number, "issues": [string], "suggestions": [string]}.`

// JudgePrompt composes the evaluation request for one attempt.
func JudgePrompt(goal string, action *planweave.Action, output *planweave.Output, toolCalls []planweave.ToolCall) (system, user string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall goal: %s\n\n", goal)
	fmt.Fprintf(&b, "Step objective (%s): %s\n", action.ID, action.Description)
	if len(action.ToolIDs) > 0 {
		fmt.Fprintf(&b, "Tools available to the step: %s\n", strings.Join(action.ToolIDs, ", "))
	}

	if enc, err := json.Marshal(output); err == nil {
		fmt.Fprintf(&b, "\nStep output:\n%s\n", enc)
	}

	if len(toolCalls) == 0 {
		b.WriteString("\nTool call log: none\n")
	} else {
		b.WriteString("\nTool call log:\n")
		for _, call := range toolCalls {
			args, _ := json.Marshal(call.Arguments)
			result, _ := json.Marshal(call.Result)
			fmt.Fprintf(&b, "- %s(%s) -> %s\n", call.Name, args, result)
		}
	}
	return judgeSystemPrompt, b.String()
}

// ReflectionSchema is the response schema constraining the judge.
func ReflectionSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"is_successful": map[string]interface{}{"type": "boolean"},
			"quality_score": map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
			"issues":        map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"suggestions":   map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
		"required": []string{"is_successful", "quality_score"},
	}
}

// ToolAssignmentPrompt asks which catalog tools a single action needs.
func ToolAssignmentPrompt(action *planweave.Action, catalog []planweave.ToolSpec) string {
	var b strings.Builder
	b.WriteString("Select the tools this task needs from the catalog. Respond with a JSON object {\"tool_ids\": [string]}; an empty list is valid.\n\n")
	fmt.Fprintf(&b, "Task: %s\n\nCatalog:\n", action.Description)
	for _, spec := range catalog {
		fmt.Fprintf(&b, "- %s: %s\n", spec.Name, spec.Description)
	}
	return b.String()
}

// LightweightConfirmPrompt asks for a YES/NO confirmation that an action
// only needs metadata about its dependencies' outputs.
func LightweightConfirmPrompt(action *planweave.Action) string {
	var b strings.Builder
	b.WriteString("A task in a multi-step plan receives the outputs of its prerequisite steps. Some tasks (moving files, archiving, organizing) only need to know that content exists and how to reference it, not the content itself.\n\n")
	fmt.Fprintf(&b, "Task: %s\nPrerequisite steps: %s\n\n", action.Description, strings.Join(action.Dependencies, ", "))
	b.WriteString("Would this task work correctly with only metadata (type, length, reference id) about each prerequisite output? Answer exactly YES or NO.")
	return b.String()
}

// EnhanceRequirementsPrompt asks for a numbered requirements list for one
// action, injected into its execution prompt.
func EnhanceRequirementsPrompt(goal string, action *planweave.Action) string {
	return fmt.Sprintf(`Write a short numbered list of concrete, verifiable requirements for completing this task well. Output only the list.

Overall goal: %s
Task: %s`, goal, action.Description)
}
