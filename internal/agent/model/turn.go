package model

import (
	"time"

	"github.com/cloudwego/eino/schema"
)

// Route is the closed set of pipeline paths the classifier can select.
type Route string

const (
	// RouteRetrieval is the default retrieve -> synthesize -> execute ->
	// respond path.
	RouteRetrieval Route = "retrieval_pipeline"
	// RouteReport short-circuits into the structured-report generator.
	RouteReport Route = "structured_report_pipeline"
)

// Stage names one state of the pipeline state machine. Stages run in fixed
// forward order; each completed stage appends one StepRecord to the turn.
type Stage string

const (
	StageRetrieval          Stage = "RETRIEVAL"
	StageSynthesizeQuery    Stage = "SYNTHESIZE_QUERY"
	StageExecute            Stage = "EXECUTE"
	StageSynthesizeResponse Stage = "SYNTHESIZE_RESPONSE"
	StageGenerateReport     Stage = "GENERATE_REPORT"
)

// StepRecord describes one pipeline stage's outcome. It is used both for
// persistence on the assistant message and for streaming progress.
type StepRecord struct {
	Stage      Stage  `json:"stage"`
	Detail     string `json:"detail,omitempty"`
	CacheHit   bool   `json:"cache_hit"`
	DurationMS int64  `json:"duration_ms"`
}

// EventKind tags a streamed event.
type EventKind string

const (
	EventStepUpdate EventKind = "step_update"
	EventComplete   EventKind = "complete"
	EventError      EventKind = "error"
)

// Completion is the payload of the terminal complete event.
type Completion struct {
	ConversationID string   `json:"conversation_id"`
	Answer         string   `json:"answer"`
	SQLQuery       string   `json:"sql_query,omitempty"`
	Datasets       []string `json:"datasets,omitempty"`
	TokensUsed     int      `json:"tokens_used"`
	LatencyMS      int64    `json:"latency_ms"`
}

// Event is one element of the finite, ordered stream a turn produces. The
// stream is a sequence of step_update events terminated by exactly one
// complete or error event.
type Event struct {
	Kind       EventKind   `json:"event"`
	Step       *StepRecord `json:"step,omitempty"`
	Completion *Completion `json:"completion,omitempty"`
	ErrorKind  string      `json:"error_kind,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// QueryInput is the public entry payload for one turn.
type QueryInput struct {
	ConversationID string `json:"conversation_id,omitempty"`
	OwnerID        string `json:"owner_id"`
	Query          string `json:"query"`
}

// UsageTotals accumulates token usage across model invocations for one turn.
type UsageTotals struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TurnState is the per-request working object threaded through the pipeline.
// It is owned exclusively by one in-flight turn and never shared across
// concurrent requests; the stores are the only shared resources.
type TurnState struct {
	Query          string
	OwnerID        string
	ConversationID string
	Route          Route

	// Prior-turn context window, loaded once at entry.
	History []*schema.Message

	// Per-stage outputs.
	Fragments          []SchemaFragment
	ContextFingerprint string
	SQLQuery           string
	DatasetID          string
	Execution          *ExecutionResult
	Report             *ReportResult
	Answer             string

	Steps     []StepRecord
	Usage     UsageTotals
	StartedAt time.Time
}

// LatencyMS reports the elapsed wall time for the turn so far.
func (t *TurnState) LatencyMS(now time.Time) int64 {
	return now.Sub(t.StartedAt).Milliseconds()
}

// Datasets returns the distinct data-source identifiers this turn touched.
func (t *TurnState) Datasets() []string {
	if t.DatasetID == "" {
		return nil
	}
	return []string{t.DatasetID}
}

// AddUsage folds one model response's token usage into the turn totals.
func (t *TurnState) AddUsage(usage *schema.TokenUsage) {
	if usage == nil {
		return
	}
	t.Usage.PromptTokens += usage.PromptTokens
	t.Usage.CompletionTokens += usage.CompletionTokens
	t.Usage.TotalTokens += usage.TotalTokens
}
