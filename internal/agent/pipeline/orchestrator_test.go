package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/insight-agent/server/internal/agent/model"
	"github.com/insight-agent/server/internal/agent/router"
	errx "github.com/insight-agent/server/internal/core/error"
	"github.com/insight-agent/server/internal/store/cachestore"
	"github.com/insight-agent/server/internal/store/convstore"
)

type fakeRetriever struct {
	fragments []model.SchemaFragment
	err       error
	calls     int
}

func (f *fakeRetriever) Search(ctx context.Context, query string, topK int) ([]model.SchemaFragment, error) {
	f.calls++
	return f.fragments, f.err
}

type fakeExecutor struct {
	result *model.ExecutionResult
	err    error
	calls  int
	gotSQL string
}

func (f *fakeExecutor) Execute(ctx context.Context, datasetID, sqlQuery string) (*model.ExecutionResult, error) {
	f.calls++
	f.gotSQL = sqlQuery
	return f.result, f.err
}

type fakeReports struct {
	result *model.ReportResult
	err    error
	calls  int
}

func (f *fakeReports) Generate(ctx context.Context, query string) (*model.ReportResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeChatModel struct {
	content string
	err     error
	calls   int
}

func (f *fakeChatModel) Generate(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	msg := schema.AssistantMessage(f.content, nil)
	msg.ResponseMeta = &schema.ResponseMeta{
		Usage: &schema.TokenUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}
	return msg, nil
}

func (f *fakeChatModel) Stream(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

type fixture struct {
	orchestrator  *Orchestrator
	conversations *convstore.Store
	cache         *cachestore.Store
	retriever     *fakeRetriever
	executor      *fakeExecutor
	reports       *fakeReports
	synthesis     *fakeChatModel
	response      *fakeChatModel
}

func defaultFragments() []model.SchemaFragment {
	return []model.SchemaFragment{
		{ID: "1", Score: 0.92, DatasetID: "ds-1", TableName: "properties", ColumnName: "record_property_name", ColumnType: "STRING"},
		{ID: "2", Score: 0.88, DatasetID: "ds-1", TableName: "properties", ColumnName: "record_pending_loss_date", ColumnType: "DATE"},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "pipeline.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	conversations := convstore.NewStore(db)
	require.NoError(t, conversations.AutoMigrate())
	cache := cachestore.NewStore(db)
	require.NoError(t, cache.AutoMigrate())

	f := &fixture{
		conversations: conversations,
		cache:         cache,
		retriever:     &fakeRetriever{fragments: defaultFragments()},
		executor: &fakeExecutor{result: &model.ExecutionResult{
			RowCount:    1,
			Columns:     []string{"count"},
			PreviewRows: [][]any{{42}},
		}},
		reports: &fakeReports{result: &model.ReportResult{
			ReportType: "strategic_overview",
			ReportURL:  "/reports/r-1.pdf",
		}},
		synthesis: &fakeChatModel{content: "```sql\nSELECT COUNT(*) FROM properties WHERE record_pending_loss_date >= '2025-09-01'\n```"},
		response:  &fakeChatModel{content: "We lost 42 properties in September."},
	}

	f.orchestrator, err = New(context.Background(), Config{
		Conversations:  conversations,
		Cache:          cache,
		Router:         router.New(nil),
		Retriever:      f.retriever,
		Executor:       f.executor,
		Reports:        f.reports,
		SynthesisModel: f.synthesis,
		ResponseModel:  f.response,
		Pipeline: model.PipelineConfig{
			HistoryWindow: 10,
			RetryAttempts: 0,
			PreviewRows:   20,
			TopK:          5,
		},
	})
	require.NoError(t, err)
	return f
}

func collect(t *testing.T, ch <-chan model.Event) []model.Event {
	t.Helper()
	var events []model.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestRunBlockingEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	completion, err := f.orchestrator.Run(ctx, model.QueryInput{
		OwnerID: "user-1",
		Query:   "How many properties did we lose in September?",
	})
	require.NoError(t, err)

	assert.Equal(t, "We lost 42 properties in September.", completion.Answer)
	assert.Contains(t, completion.SQLQuery, "SELECT COUNT(*)")
	assert.Equal(t, []string{"ds-1"}, completion.Datasets)
	assert.Equal(t, 240, completion.TokensUsed)
	assert.NotEmpty(t, completion.ConversationID)

	assert.Equal(t, 1, f.retriever.calls)
	assert.Equal(t, 1, f.synthesis.calls)
	assert.Equal(t, 1, f.executor.calls)
	assert.Equal(t, 1, f.response.calls)
	assert.Zero(t, f.reports.calls)

	// Both turn messages were persisted; the assistant message carries the
	// synthesized query and step telemetry.
	history, err := f.conversations.GetHistory(ctx, completion.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, convstore.RoleUser, history[0].Role)
	assert.Equal(t, "How many properties did we lose in September?", history[0].Content)
	assert.Equal(t, convstore.RoleAssistant, history[1].Role)
	assert.Contains(t, history[1].SQLQuery, "SELECT COUNT(*)")
	assert.Equal(t, convstore.StringList{"ds-1"}, history[1].DatasetsUsed)
	assert.Equal(t, 240, history[1].TokensUsed)

	var steps []model.StepRecord
	require.NoError(t, json.Unmarshal(history[1].Steps, &steps))
	require.Len(t, steps, 4)
	assert.Equal(t, model.StageRetrieval, steps[0].Stage)
	assert.Equal(t, model.StageSynthesizeQuery, steps[1].Stage)
	assert.Equal(t, model.StageExecute, steps[2].Stage)
	assert.Equal(t, model.StageSynthesizeResponse, steps[3].Stage)
}

func TestStreamEventOrder(t *testing.T) {
	f := newFixture(t)

	events := collect(t, f.orchestrator.Stream(context.Background(), model.QueryInput{
		OwnerID: "user-1",
		Query:   "How many properties did we lose in September?",
	}))

	require.Len(t, events, 5)
	wantStages := []model.Stage{
		model.StageRetrieval,
		model.StageSynthesizeQuery,
		model.StageExecute,
		model.StageSynthesizeResponse,
	}
	for i, stage := range wantStages {
		assert.Equal(t, model.EventStepUpdate, events[i].Kind)
		require.NotNil(t, events[i].Step)
		assert.Equal(t, stage, events[i].Step.Stage)
	}

	terminal := events[4]
	assert.Equal(t, model.EventComplete, terminal.Kind)
	require.NotNil(t, terminal.Completion)
	assert.Equal(t, "We lost 42 properties in September.", terminal.Completion.Answer)
}

func TestStreamRetrievalFailureEmitsSingleErrorEvent(t *testing.T) {
	f := newFixture(t)
	f.retriever.err = errors.New("vector store unreachable")
	f.retriever.fragments = nil

	events := collect(t, f.orchestrator.Stream(context.Background(), model.QueryInput{
		OwnerID: "user-1",
		Query:   "How many properties did we lose in September?",
	}))

	require.Len(t, events, 1)
	assert.Equal(t, model.EventError, events[0].Kind)
	assert.Equal(t, string(errx.KindCollaboratorFailure), events[0].ErrorKind)

	// No downstream collaborator ran.
	assert.Zero(t, f.synthesis.calls)
	assert.Zero(t, f.executor.calls)
	assert.Zero(t, f.response.calls)
}

func TestFailedTurnStillRecordsUserMessage(t *testing.T) {
	f := newFixture(t)
	f.retriever.err = errors.New("vector store unreachable")
	f.retriever.fragments = nil
	ctx := context.Background()

	id, err := f.conversations.CreateConversation(ctx, "user-1", nil)
	require.NoError(t, err)

	_, err = f.orchestrator.Run(ctx, model.QueryInput{
		ConversationID: id,
		OwnerID:        "user-1",
		Query:          "How many properties did we lose in September?",
	})
	require.Error(t, err)
	assert.Equal(t, errx.KindCollaboratorFailure, errx.KindOf(err))

	history, err := f.conversations.GetHistory(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, convstore.RoleUser, history[0].Role)
}

func TestMalformedSynthesisFailsTurn(t *testing.T) {
	f := newFixture(t)
	f.synthesis.content = "I cannot answer that question."

	events := collect(t, f.orchestrator.Stream(context.Background(), model.QueryInput{
		OwnerID: "user-1",
		Query:   "How many properties did we lose in September?",
	}))

	// The retrieval step completed before the failure.
	require.Len(t, events, 2)
	assert.Equal(t, model.EventStepUpdate, events[0].Kind)
	assert.Equal(t, model.StageRetrieval, events[0].Step.Stage)
	assert.Equal(t, model.EventError, events[1].Kind)
	assert.Equal(t, string(errx.KindMalformedSynthesis), events[1].ErrorKind)

	assert.Zero(t, f.executor.calls)
	assert.Zero(t, f.response.calls)
}

func TestReportRouteShortCircuitsPipeline(t *testing.T) {
	f := newFixture(t)

	events := collect(t, f.orchestrator.Stream(context.Background(), model.QueryInput{
		OwnerID: "user-1",
		Query:   "Generate a KPI report for the Dallas office",
	}))

	require.Len(t, events, 2)
	assert.Equal(t, model.EventStepUpdate, events[0].Kind)
	assert.Equal(t, model.StageGenerateReport, events[0].Step.Stage)
	assert.Equal(t, model.EventComplete, events[1].Kind)
	assert.Contains(t, events[1].Completion.Answer, "/reports/r-1.pdf")

	assert.Equal(t, 1, f.reports.calls)
	assert.Zero(t, f.retriever.calls)
	assert.Zero(t, f.executor.calls)
	assert.Zero(t, f.synthesis.calls)
}

func TestSecondIdenticalTurnHitsCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := model.QueryInput{
		OwnerID: "user-1",
		Query:   "How many properties did we lose in September?",
	}

	_, err := f.orchestrator.Run(ctx, in)
	require.NoError(t, err)

	events := collect(t, f.orchestrator.Stream(ctx, in))
	require.Len(t, events, 5)
	assert.True(t, events[0].Step.CacheHit, "retrieval should be served from cache")
	assert.True(t, events[1].Step.CacheHit, "synthesis should be served from cache")

	// Live stages always re-run.
	assert.Equal(t, 1, f.retriever.calls)
	assert.Equal(t, 1, f.synthesis.calls)
	assert.Equal(t, 2, f.executor.calls)
	assert.Equal(t, 2, f.response.calls)
}

func TestEmptyRetrievalResultIsNotCached(t *testing.T) {
	f := newFixture(t)
	f.retriever.fragments = nil
	ctx := context.Background()
	in := model.QueryInput{
		OwnerID: "user-1",
		Query:   "How many properties did we lose in September?",
	}

	_, err := f.orchestrator.Run(ctx, in)
	require.Error(t, err)
	assert.Equal(t, errx.KindCollaboratorFailure, errx.KindOf(err))

	// Once the index has data, the same query must retrieve live instead of
	// replaying the empty result from cache.
	f.retriever.fragments = defaultFragments()
	completion, err := f.orchestrator.Run(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "We lost 42 properties in September.", completion.Answer)
	assert.Equal(t, 2, f.retriever.calls)
}

func TestSynthesisCacheKeyedByHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orchestrator.Run(ctx, model.QueryInput{
		OwnerID: "user-1",
		Query:   "How many properties did we lose in September?",
	})
	require.NoError(t, err)

	// Same question inside the same conversation: the context window now
	// contains the prior turn, so the cached statement must not be reused.
	events := collect(t, f.orchestrator.Stream(ctx, model.QueryInput{
		ConversationID: first.ConversationID,
		OwnerID:        "user-1",
		Query:          "How many properties did we lose in September?",
	}))
	require.Len(t, events, 5)
	assert.True(t, events[0].Step.CacheHit, "retrieval is keyed by query alone")
	assert.False(t, events[1].Step.CacheHit, "synthesis is keyed by history too")
	assert.Equal(t, 2, f.synthesis.calls)
}

func TestEmptyQueryIsRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.orchestrator.Run(context.Background(), model.QueryInput{
		OwnerID: "user-1",
		Query:   "   ",
	})
	require.Error(t, err)
}

func TestDeletedConversationFailsBeforePipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.conversations.CreateConversation(ctx, "user-1", nil)
	require.NoError(t, err)
	require.NoError(t, f.conversations.SoftDelete(ctx, id))

	_, err = f.orchestrator.Run(ctx, model.QueryInput{
		ConversationID: id,
		OwnerID:        "user-1",
		Query:          "How many properties did we lose in September?",
	})
	assert.Equal(t, errx.KindNotFound, errx.KindOf(err))
	assert.Zero(t, f.retriever.calls)
}
