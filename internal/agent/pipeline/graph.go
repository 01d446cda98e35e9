package pipeline

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"

	"github.com/insight-agent/server/internal/agent/model"
	"github.com/insight-agent/server/internal/agent/router"
	logx "github.com/insight-agent/server/pkg/logger"
)

// Node names for the pipeline graph.
const (
	NodeRouter             = "router"
	NodeRetrieval          = "retrieval"
	NodeSynthesizeQuery    = "synthesize_query"
	NodeExecute            = "execute"
	NodeSynthesizeResponse = "synthesize_response"
	NodeGenerateReport     = "generate_report"
)

// graphBuilder assembles the pipeline state machine: a router entry node
// branching into either the retrieval path or the report path.
type graphBuilder struct {
	stages *Stages
	router *router.Router
	graph  *compose.Graph[*model.TurnState, *model.TurnState]
}

// buildGraph constructs and compiles the turn pipeline.
func buildGraph(ctx context.Context, stages *Stages, r *router.Router) (compose.Runnable[*model.TurnState, *model.TurnState], error) {
	if stages == nil {
		return nil, fmt.Errorf("stages are nil")
	}
	if r == nil {
		return nil, fmt.Errorf("router is nil")
	}

	b := &graphBuilder{
		stages: stages,
		router: r,
		graph:  compose.NewGraph[*model.TurnState, *model.TurnState](),
	}

	b.addNodes()
	b.addEdges()
	if err := b.addBranches(); err != nil {
		return nil, err
	}

	return b.compile(ctx)
}

func (b *graphBuilder) addNodes() {
	b.graph.AddLambdaNode(NodeRouter, compose.InvokableLambda(b.routeNode))
	b.graph.AddLambdaNode(NodeRetrieval, compose.InvokableLambda(b.stages.Retrieval))
	b.graph.AddLambdaNode(NodeSynthesizeQuery, compose.InvokableLambda(b.stages.SynthesizeQuery))
	b.graph.AddLambdaNode(NodeExecute, compose.InvokableLambda(b.stages.Execute))
	b.graph.AddLambdaNode(NodeSynthesizeResponse, compose.InvokableLambda(b.stages.SynthesizeResponse))
	b.graph.AddLambdaNode(NodeGenerateReport, compose.InvokableLambda(b.stages.GenerateReport))
}

func (b *graphBuilder) addEdges() {
	edges := [][2]string{
		{compose.START, NodeRouter},
		{NodeRetrieval, NodeSynthesizeQuery},
		{NodeSynthesizeQuery, NodeExecute},
		{NodeExecute, NodeSynthesizeResponse},
		{NodeSynthesizeResponse, compose.END},
		{NodeGenerateReport, compose.END},
	}
	for _, edge := range edges {
		b.graph.AddEdge(edge[0], edge[1])
	}
}

func (b *graphBuilder) addBranches() error {
	routeBranch := compose.NewGraphBranch(
		func(ctx context.Context, state *model.TurnState) (string, error) {
			if state.Route == model.RouteReport {
				return NodeGenerateReport, nil
			}
			return NodeRetrieval, nil
		},
		map[string]bool{
			NodeRetrieval:      true,
			NodeGenerateReport: true,
		},
	)
	if err := b.graph.AddBranch(NodeRouter, routeBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding route branch")
		return fmt.Errorf("error adding route branch: %w", err)
	}
	return nil
}

// routeNode classifies the query and stamps the chosen path on the turn.
func (b *graphBuilder) routeNode(ctx context.Context, state *model.TurnState) (*model.TurnState, error) {
	decision := b.router.Route(ctx, state.Query)
	state.Route = decision.Route

	logx.Debug().
		Str("route", string(decision.Route)).
		Str("method", decision.Method).
		Str("matched_keyword", decision.MatchedKeyword).
		Msg("query routed")
	return state, nil
}

func (b *graphBuilder) compile(ctx context.Context) (compose.Runnable[*model.TurnState, *model.TurnState], error) {
	runnable, err := b.graph.Compile(ctx, compose.WithMaxRunSteps(16))
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling pipeline graph")
		return nil, fmt.Errorf("error compiling pipeline graph: %w", err)
	}

	logx.Debug().Msg("Pipeline graph compiled successfully")
	return runnable, nil
}
