// Package llm provides the OpenAI-compatible chat transport and the
// LLM-backed node variants: the stateless request-per-execute node
// (OpenRouter and GLM flavors) and the stateful chat node with a
// tool-call loop.
package llm

import "encoding/json"

// Message is a single message in the OpenAI chat format.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: "system", Content: content}
}

// Tool wraps a function definition in the OpenAI tool format.
type Tool struct {
	Type     string   `json:"type"` // always "function"
	Function Function `json:"function"`
}

// Function describes a callable function for tool use.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and arguments (a JSON string).
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatRequest is the OpenAI chat completions request body. Extra holds
// caller-supplied sibling parameters merged over the typed fields at
// marshal time, so provider defaults can be overridden per call.
type ChatRequest struct {
	Model             string    `json:"model"`
	Messages          []Message `json:"messages"`
	Tools             []Tool    `json:"tools,omitempty"`
	ToolChoice        any       `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool     `json:"parallel_tool_calls,omitempty"`
	MaxTokens         int       `json:"max_tokens,omitempty"`
	Temperature       *float64  `json:"temperature,omitempty"`
	Thinking          *Thinking `json:"thinking,omitempty"`

	Extra map[string]any `json:"-"`
}

// Thinking is the GLM reasoning-mode flag.
type Thinking struct {
	Type string `json:"type"` // "enabled" or "disabled"
}

// MarshalJSON merges Extra over the typed fields. Extra keys win.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	type plain ChatRequest
	base, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// ChatResponse is the OpenAI chat completions response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// Usage contains token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Content returns the first choice's message content, or "".
func (r *ChatResponse) Content() string {
	if len(r.Choices) == 0 || r.Choices[0].Message == nil {
		return ""
	}
	return r.Choices[0].Message.Content
}

// FinishReason returns the first choice's finish reason, or "".
func (r *ChatResponse) FinishReason() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].FinishReason
}

// AssistantMessage returns the first choice's message, or an empty
// assistant message.
func (r *ChatResponse) AssistantMessage() Message {
	if len(r.Choices) == 0 || r.Choices[0].Message == nil {
		return Message{Role: "assistant"}
	}
	m := *r.Choices[0].Message
	if m.Role == "" {
		m.Role = "assistant"
	}
	return m
}
