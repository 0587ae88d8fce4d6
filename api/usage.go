package api

import "github.com/go-openapi/strfmt"

// Usage is the token consumption the provider reports for a completed run
// or message.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// MetricType names the dimension a usage metric records.
type MetricType string

const (
	MetricTokens   MetricType = "tokens"
	MetricMessages MetricType = "messages"
)

// UsageMetric is one append-only usage record. At most one record exists
// per (message, metric type) pair; the usage store enforces the dedupe.
type UsageMetric struct {
	AssistantID string          `json:"assistant_id"`
	SessionID   string          `json:"session_id"`
	ThreadID    string          `json:"thread_id"`
	MessageID   string          `json:"message_id"`
	Type        MetricType      `json:"metric_type"`
	Value       int64           `json:"value"`
	RecordedAt  strfmt.DateTime `json:"recorded_at"`
}
