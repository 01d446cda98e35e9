package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"

	"github.com/insight-agent/server/internal/agent/model"
	"github.com/insight-agent/server/internal/agent/observers"
	"github.com/insight-agent/server/internal/agent/router"
	errx "github.com/insight-agent/server/internal/core/error"
	"github.com/insight-agent/server/internal/store/cachestore"
	"github.com/insight-agent/server/internal/store/convstore"
	logx "github.com/insight-agent/server/pkg/logger"
)

// Config wires the orchestrator's collaborators and stores.
type Config struct {
	Conversations *convstore.Store
	Cache         *cachestore.Store
	Router        *router.Router

	Retriever model.Retriever
	Executor  model.Executor
	Reports   model.ReportGenerator

	SynthesisModel einomodel.BaseChatModel
	ResponseModel  einomodel.BaseChatModel

	Pipeline model.PipelineConfig

	// Now overrides the time source, used by tests.
	Now func() time.Time
}

// Orchestrator drives one turn through the pipeline state machine and owns
// the turn's persistence contract: the user message is recorded at entry and
// the assistant message at completion, in both blocking and streaming modes.
type Orchestrator struct {
	runnable      compose.Runnable[*model.TurnState, *model.TurnState]
	conversations *convstore.Store
	cfg           model.PipelineConfig
	now           func() time.Time
}

// New validates the configuration, builds the stage graph, and compiles it
// once; the orchestrator is safe for concurrent use.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.Conversations == nil {
		return nil, errors.New("conversation store is nil")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cache store is nil")
	}
	if cfg.Retriever == nil || cfg.Executor == nil || cfg.Reports == nil {
		return nil, errors.New("collaborators are not fully configured")
	}
	if cfg.SynthesisModel == nil || cfg.ResponseModel == nil {
		return nil, errors.New("chat models are not fully configured")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	stages := &Stages{
		retriever:      cfg.Retriever,
		executor:       cfg.Executor,
		reports:        cfg.Reports,
		synthesisModel: cfg.SynthesisModel,
		responseModel:  cfg.ResponseModel,
		cache:          cfg.Cache,
		cfg:            cfg.Pipeline,
		now:            now,
	}

	runnable, err := buildGraph(ctx, stages, cfg.Router)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		runnable:      runnable,
		conversations: cfg.Conversations,
		cfg:           cfg.Pipeline,
		now:           now,
	}, nil
}

// Run executes one turn in blocking mode and returns the completion.
func (o *Orchestrator) Run(ctx context.Context, in model.QueryInput) (*model.Completion, error) {
	return o.execute(ctx, in, func(model.Event) {})
}

// Stream executes one turn and returns its event stream: zero or more
// step_update events followed by exactly one complete or error event. The
// channel is closed after the terminal event. Cancelling ctx abandons
// delivery but not the turn's persistence.
func (o *Orchestrator) Stream(ctx context.Context, in model.QueryInput) <-chan model.Event {
	ch := make(chan model.Event, 16)

	go func() {
		defer close(ch)
		send := func(ev model.Event) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}

		completion, err := o.execute(ctx, in, send)
		if err != nil {
			send(model.Event{
				Kind:      model.EventError,
				ErrorKind: string(errx.KindOf(err)),
				Error:     errx.UserMessage(err),
			})
			return
		}
		send(model.Event{Kind: model.EventComplete, Completion: completion})
	}()

	return ch
}

// execute is the shared turn body. Step events flow through emitFn; terminal
// events are the caller's responsibility.
func (o *Orchestrator) execute(ctx context.Context, in model.QueryInput, emitFn func(model.Event)) (*model.Completion, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, errx.New(errors.New("empty query"), errx.KindInternal, http.StatusBadRequest, "query must not be empty")
	}

	conversationID := in.ConversationID
	if conversationID == "" {
		var err error
		conversationID, err = o.conversations.CreateConversation(ctx, in.OwnerID, nil)
		if err != nil {
			return nil, err
		}
	}

	// Loading history also verifies the conversation is live.
	history, err := o.conversations.FormatForModel(ctx, conversationID, o.cfg.HistoryWindow)
	if err != nil {
		return nil, err
	}

	// The question is part of the record even when the turn fails.
	if _, err := o.conversations.AppendMessage(ctx, conversationID, convstore.RoleUser, query, nil); err != nil {
		return nil, err
	}

	state := &model.TurnState{
		Query:          query,
		OwnerID:        in.OwnerID,
		ConversationID: conversationID,
		History:        history,
		StartedAt:      o.now(),
	}

	runCtx := withEmitter(ctx, emitFn)
	if _, err := o.runnable.Invoke(runCtx, state, compose.WithCallbacks(observers.NewAllCallbacks())); err != nil {
		logx.Error().Err(err).
			Str("conversation_id", conversationID).
			Str("route", string(state.Route)).
			Msg("turn failed")
		return nil, err
	}

	completion := &model.Completion{
		ConversationID: conversationID,
		Answer:         state.Answer,
		SQLQuery:       state.SQLQuery,
		Datasets:       state.Datasets(),
		TokensUsed:     state.Usage.TotalTokens,
		LatencyMS:      state.LatencyMS(o.now()),
	}

	steps, err := json.Marshal(state.Steps)
	if err != nil {
		return nil, err
	}

	// Persistence survives client disconnects; a cancelled stream must not
	// lose the completed turn.
	persistCtx := context.WithoutCancel(ctx)
	_, err = o.conversations.AppendMessage(persistCtx, conversationID, convstore.RoleAssistant, state.Answer, &convstore.AssistantMeta{
		SQLQuery:     state.SQLQuery,
		DatasetsUsed: state.Datasets(),
		Steps:        steps,
		TokensUsed:   state.Usage.TotalTokens,
		LatencyMS:    completion.LatencyMS,
	})
	if err != nil {
		return nil, err
	}

	logx.Info().
		Str("conversation_id", conversationID).
		Str("route", string(state.Route)).
		Int("steps", len(state.Steps)).
		Int("tokens_used", completion.TokensUsed).
		Int64("latency_ms", completion.LatencyMS).
		Msg("turn completed")
	return completion, nil
}
