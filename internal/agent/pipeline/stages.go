package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/insight-agent/server/internal/agent/model"
	"github.com/insight-agent/server/internal/agent/parsers"
	"github.com/insight-agent/server/internal/agent/prompts"
	errx "github.com/insight-agent/server/internal/core/error"
	"github.com/insight-agent/server/internal/store/cachestore"
	logx "github.com/insight-agent/server/pkg/logger"
)

// emitterKey carries the per-run event sink through the compiled graph, which
// is shared across requests and cannot hold per-run state itself.
type emitterKey struct{}

func withEmitter(ctx context.Context, fn func(model.Event)) context.Context {
	return context.WithValue(ctx, emitterKey{}, fn)
}

func emit(ctx context.Context, ev model.Event) {
	if fn, ok := ctx.Value(emitterKey{}).(func(model.Event)); ok && fn != nil {
		fn(ev)
	}
}

// Stages implements the pipeline stage bodies. Each stage mutates the shared
// TurnState, appends one StepRecord on success, and emits a step_update.
type Stages struct {
	retriever model.Retriever
	executor  model.Executor
	reports   model.ReportGenerator

	synthesisModel einomodel.BaseChatModel
	responseModel  einomodel.BaseChatModel

	cache *cachestore.Store
	cfg   model.PipelineConfig
	now   func() time.Time
}

// runStage times fn and records the step. A failing stage appends nothing;
// the turn's step list only ever contains completed stages.
func (s *Stages) runStage(ctx context.Context, state *model.TurnState, stage model.Stage, fn func() (detail string, cacheHit bool, err error)) error {
	start := s.now()
	detail, cacheHit, err := fn()
	if err != nil {
		logx.Error().Err(err).Str("stage", string(stage)).Msg("pipeline stage failed")
		return err
	}

	step := model.StepRecord{
		Stage:      stage,
		Detail:     detail,
		CacheHit:   cacheHit,
		DurationMS: s.now().Sub(start).Milliseconds(),
	}
	state.Steps = append(state.Steps, step)
	emit(ctx, model.Event{Kind: model.EventStepUpdate, Step: &step})
	return nil
}

// withRetry runs fn up to 1+RetryAttempts times with a short linear backoff.
// Context cancellation stops the loop immediately.
func (s *Stages) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			logx.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("retrying collaborator call")
			select {
			case <-ctx.Done():
				return err
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// Retrieval searches the schema index for fragments relevant to the query,
// consulting the cache first.
func (s *Stages) Retrieval(ctx context.Context, state *model.TurnState) (*model.TurnState, error) {
	err := s.runStage(ctx, state, model.StageRetrieval, func() (string, bool, error) {
		params := map[string]any{"query": state.Query, "top_k": s.cfg.TopK}

		var fragments []model.SchemaFragment
		hit := s.cache.Get(ctx, cachestore.CategoryRetrieval, params, &fragments)
		if !hit {
			err := s.withRetry(ctx, "retrieval", func() error {
				var err error
				fragments, err = s.retriever.Search(ctx, state.Query, s.cfg.TopK)
				return err
			})
			if err != nil {
				return "", false, errx.CollaboratorFailure(err, "schema retrieval")
			}
			// An empty result fails the stage below; caching it would pin
			// that failure for the category TTL.
			if len(fragments) > 0 {
				if err := s.cache.Set(ctx, cachestore.CategoryRetrieval, params, fragments); err != nil {
					logx.Warn().Err(err).Msg("failed to cache retrieval result")
				}
			}
		}

		if len(fragments) == 0 {
			return "", hit, errx.CollaboratorFailure(fmt.Errorf("no schema fragments matched the query"), "schema retrieval")
		}

		state.Fragments = fragments
		state.DatasetID = fragments[0].DatasetID
		state.ContextFingerprint = cachestore.Fingerprint(fragments)
		return fmt.Sprintf("%d fragments", len(fragments)), hit, nil
	})
	return state, err
}

// cachedSynthesis is the shape stored under the query-synthesis category.
type cachedSynthesis struct {
	SQLQuery string `json:"sql_query"`
}

// SynthesizeQuery turns the query plus retrieved schema into a single SQL
// statement. Output failing the structural check fails the turn; there is no
// silent fallback query.
func (s *Stages) SynthesizeQuery(ctx context.Context, state *model.TurnState) (*model.TurnState, error) {
	err := s.runStage(ctx, state, model.StageSynthesizeQuery, func() (string, bool, error) {
		historyBlock := formatHistory(state.History)
		params := map[string]any{
			"query":      state.Query,
			"dataset_id": state.DatasetID,
			"context":    state.ContextFingerprint,
			"history":    cachestore.Fingerprint(historyBlock),
		}

		var cached cachedSynthesis
		if s.cache.Get(ctx, cachestore.CategoryQuerySynthesis, params, &cached) && cached.SQLQuery != "" {
			state.SQLQuery = cached.SQLQuery
			return "cached statement", true, nil
		}

		userPrompt, err := prompts.RenderSQLPrompt(ctx, state.Query, historyBlock, state.Fragments)
		if err != nil {
			return "", false, err
		}

		raw, err := s.generate(ctx, s.synthesisModel, state, prompts.SQLSystemPrompt, userPrompt, nil)
		if err != nil {
			return "", false, errx.CollaboratorFailure(err, "query synthesis")
		}

		sqlQuery, err := parsers.ExtractSQL(raw)
		if err != nil {
			return "", false, errx.MalformedSynthesis(err)
		}
		sqlQuery = parsers.SanitizeIdentifiers(sqlQuery, columnNames(state.Fragments), tableName(state.Fragments))

		if err := s.cache.Set(ctx, cachestore.CategoryQuerySynthesis, params, cachedSynthesis{SQLQuery: sqlQuery}); err != nil {
			logx.Warn().Err(err).Msg("failed to cache synthesized query")
		}

		state.SQLQuery = sqlQuery
		return "synthesized statement", false, nil
	})
	return state, err
}

// Execute runs the synthesized statement against the live warehouse. Results
// are never cached.
func (s *Stages) Execute(ctx context.Context, state *model.TurnState) (*model.TurnState, error) {
	err := s.runStage(ctx, state, model.StageExecute, func() (string, bool, error) {
		var exec *model.ExecutionResult
		err := s.withRetry(ctx, "execute", func() error {
			var err error
			exec, err = s.executor.Execute(ctx, state.DatasetID, state.SQLQuery)
			return err
		})
		if err != nil {
			return "", false, errx.CollaboratorFailure(err, "warehouse execution")
		}

		state.Execution = exec
		return fmt.Sprintf("%d rows", exec.RowCount), false, nil
	})
	return state, err
}

// SynthesizeResponse produces the natural-language answer from the execution
// result, with recent history for conversational continuity.
func (s *Stages) SynthesizeResponse(ctx context.Context, state *model.TurnState) (*model.TurnState, error) {
	err := s.runStage(ctx, state, model.StageSynthesizeResponse, func() (string, bool, error) {
		userPrompt, err := prompts.RenderResponsePrompt(ctx, state.Query, state.SQLQuery, state.Execution)
		if err != nil {
			return "", false, err
		}

		answer, err := s.generate(ctx, s.responseModel, state, prompts.ResponseSystemPrompt, userPrompt, state.History)
		if err != nil {
			return "", false, errx.CollaboratorFailure(err, "response synthesis")
		}
		if strings.TrimSpace(answer) == "" {
			return "", false, errx.CollaboratorFailure(fmt.Errorf("model returned an empty answer"), "response synthesis")
		}

		state.Answer = answer
		return "", false, nil
	})
	return state, err
}

// GenerateReport is the structured-report path: the whole turn is delegated
// to the report service and its outcome becomes the answer.
func (s *Stages) GenerateReport(ctx context.Context, state *model.TurnState) (*model.TurnState, error) {
	err := s.runStage(ctx, state, model.StageGenerateReport, func() (string, bool, error) {
		var report *model.ReportResult
		err := s.withRetry(ctx, "generate_report", func() error {
			var err error
			report, err = s.reports.Generate(ctx, state.Query)
			return err
		})
		if err != nil {
			return "", false, errx.CollaboratorFailure(err, "report generation")
		}

		state.Report = report
		state.Answer = reportAnswer(report)
		return report.ReportType, false, nil
	})
	return state, err
}

// generate performs one chat completion with retries, folding token usage
// into the turn totals.
func (s *Stages) generate(ctx context.Context, m einomodel.BaseChatModel, state *model.TurnState, system, user string, history []*schema.Message) (string, error) {
	msgs := make([]*schema.Message, 0, len(history)+2)
	msgs = append(msgs, schema.SystemMessage(system))
	msgs = append(msgs, history...)
	msgs = append(msgs, schema.UserMessage(user))

	var resp *schema.Message
	err := s.withRetry(ctx, "chat completion", func() error {
		var err error
		resp, err = m.Generate(ctx, msgs)
		return err
	})
	if err != nil {
		return "", err
	}

	if resp.ResponseMeta != nil {
		state.AddUsage(resp.ResponseMeta.Usage)
	}
	return resp.Content, nil
}

func formatHistory(history []*schema.Message) string {
	if len(history) == 0 {
		return ""
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		if m == nil || strings.TrimSpace(m.Content) == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, strings.TrimSpace(m.Content)))
	}
	return strings.Join(lines, "\n")
}

func columnNames(fragments []model.SchemaFragment) []string {
	names := make([]string, 0, len(fragments))
	for _, f := range fragments {
		if f.ColumnName != "" {
			names = append(names, f.ColumnName)
		}
	}
	return names
}

func tableName(fragments []model.SchemaFragment) string {
	for _, f := range fragments {
		if f.TableName != "" {
			return f.TableName
		}
	}
	return ""
}

func reportAnswer(report *model.ReportResult) string {
	var b strings.Builder
	b.WriteString("Generated a ")
	if report.ReportType != "" {
		b.WriteString(report.ReportType)
		b.WriteString(" ")
	}
	b.WriteString("report.")
	if report.ReportURL != "" {
		b.WriteString(" Available at: ")
		b.WriteString(report.ReportURL)
	}
	return b.String()
}
