package router

import (
	"context"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/insight-agent/server/internal/agent/model"
	"github.com/insight-agent/server/internal/agent/prompts"
	logx "github.com/insight-agent/server/pkg/logger"
)

// reportKeywords are high-confidence triggers for the structured-report path.
// A substring match skips the classifier model entirely.
var reportKeywords = []string{
	"strategic overview",
	"portfolio analysis",
	"portfolio health",
	"kpi report",
	"performance report",
	"generate report",
	"critical analysis",
	"top performers",
	"operational focus",
	"underperforming",
	"portfolio summary",
	"performance overview",
	"property scorecard",
	"regional analysis",
	"office analysis",
}

// queryKeywords are high-confidence triggers for the retrieval path.
var queryKeywords = []string{
	"how many",
	"list all",
	"count of",
	"show all",
	"show me all",
	"what is the",
	"tell me about",
	"average",
	"total",
}

// Decision is one routing outcome with its provenance.
type Decision struct {
	Route          model.Route
	Method         string
	MatchedKeyword string
}

// Router classifies a query into a pipeline path: keyword tiers first, then
// the classifier model for ambiguous queries. Classification failures fall
// back to the retrieval path, never to an error.
type Router struct {
	classifier einomodel.BaseChatModel
}

func New(classifier einomodel.BaseChatModel) *Router {
	return &Router{classifier: classifier}
}

// Route picks the pipeline path for one user query.
func (r *Router) Route(ctx context.Context, query string) Decision {
	lowered := strings.ToLower(strings.TrimSpace(query))

	for _, kw := range reportKeywords {
		if strings.Contains(lowered, kw) {
			return Decision{Route: model.RouteReport, Method: "keyword", MatchedKeyword: kw}
		}
	}
	for _, kw := range queryKeywords {
		if strings.Contains(lowered, kw) {
			return Decision{Route: model.RouteRetrieval, Method: "keyword", MatchedKeyword: kw}
		}
	}

	return r.classify(ctx, query)
}

func (r *Router) classify(ctx context.Context, query string) Decision {
	if r.classifier == nil {
		return Decision{Route: model.RouteRetrieval, Method: "fallback"}
	}

	userPrompt, err := prompts.RenderRouterPrompt(ctx, query)
	if err != nil {
		logx.Warn().Err(err).Msg("router prompt render failed, using retrieval path")
		return Decision{Route: model.RouteRetrieval, Method: "fallback"}
	}

	resp, err := r.classifier.Generate(ctx, []*schema.Message{
		schema.SystemMessage(prompts.RouterSystemPrompt),
		schema.UserMessage(userPrompt),
	})
	if err != nil {
		logx.Warn().Err(err).Msg("route classification failed, using retrieval path")
		return Decision{Route: model.RouteRetrieval, Method: "fallback"}
	}

	answer := strings.ToLower(strings.TrimSpace(resp.Content))
	if strings.Contains(answer, "report") {
		return Decision{Route: model.RouteReport, Method: "llm"}
	}
	return Decision{Route: model.RouteRetrieval, Method: "llm"}
}
