package domain

import (
	"encoding/json"
	"time"
)

type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ModelDescriptor is a normalized catalog entry. Values returned by the
// catalog resolver are never mutated afterwards.
type ModelDescriptor struct {
	ID                  string   `json:"id"`
	DisplayName         string   `json:"display_name,omitempty"`
	Provider            string   `json:"provider"`
	Tier                Tier     `json:"tier"`
	Multiplier          *float64 `json:"multiplier,omitempty"`
	ContextWindowTokens *int     `json:"context_window_tokens,omitempty"`
}

// Clone returns a copy that shares no pointers with m.
func (m ModelDescriptor) Clone() ModelDescriptor {
	if m.Multiplier != nil {
		v := *m.Multiplier
		m.Multiplier = &v
	}
	if m.ContextWindowTokens != nil {
		v := *m.ContextWindowTokens
		m.ContextWindowTokens = &v
	}
	return m
}

// PremiumUnits is the number of premium requests one call consumes.
func (m ModelDescriptor) PremiumUnits() float64 {
	if m.Tier != TierPremium {
		return 0
	}
	if m.Multiplier == nil {
		return 1
	}
	return *m.Multiplier
}

type Turn struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Model      string    `json:"model,omitempty"`
	Pending    bool      `json:"pending"`
	Error      bool      `json:"error"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Turns        []Turn    `json:"turns"`
}

// PendingIndex returns the index of the trailing pending turn, or -1.
func (c *Conversation) PendingIndex() int {
	if len(c.Turns) == 0 {
		return -1
	}
	last := len(c.Turns) - 1
	if c.Turns[last].Pending {
		return last
	}
	return -1
}

// Clone returns a deep copy safe to hand to callers.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Turns = make([]Turn, len(c.Turns))
	copy(cp.Turns, c.Turns)
	return &cp
}

type ChatRequest struct {
	Model         string           `json:"model"`
	Messages      []Message        `json:"messages"`
	Temperature   *float64         `json:"temperature,omitempty"`
	MaxTokens     *int             `json:"max_tokens,omitempty"`
	Stream        bool             `json:"stream"`
	StreamOptions *StreamOptions   `json:"stream_options,omitempty"`
	Tools         []ToolDescriptor `json:"tools,omitempty"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolDescriptor struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int    `json:"index"`
	Delta        *Delta `json:"delta,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is one streamed fragment of a tool call. Fragments sharing
// an Index belong to the same call.
type ToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// QuotaRecord is derived on every read and never stored.
type QuotaRecord struct {
	Quota      *float64 `json:"quota"`
	Used       *float64 `json:"used"`
	Overage    float64  `json:"overage"`
	OverageUSD float64  `json:"overage_usd"`
}

// Ratio returns used/quota, or false when either side is unknown.
func (q QuotaRecord) Ratio() (float64, bool) {
	if q.Quota == nil || q.Used == nil || *q.Quota <= 0 {
		return 0, false
	}
	return *q.Used / *q.Quota, true
}
