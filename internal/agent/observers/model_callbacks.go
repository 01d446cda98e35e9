package observers

import (
	"context"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	"github.com/insight-agent/server/internal/agent/model"
	logx "github.com/insight-agent/server/pkg/logger"
)

// newModelHandler logs model invocations: prompt size on start, token usage
// and USD cost on end.
func newModelHandler() *callbackHelper.ModelCallbackHandler {
	return &callbackHelper.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *einomodel.CallbackInput) context.Context {
			ev := logx.Debug().Str("component", string(info.Type)).Str("node", info.Name)
			if input != nil {
				ev = ev.Int("messages", len(input.Messages))
				if um := lastUserContent(input.Messages); um != "" {
					ev = ev.Str("user", truncate(um, 300))
				}
			}
			ev.Msg("model call start")
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *einomodel.CallbackOutput) context.Context {
			ev := logx.Debug().Str("component", string(info.Type)).Str("node", info.Name)
			if output != nil && output.TokenUsage != nil {
				usage := &schema.TokenUsage{
					PromptTokens:     output.TokenUsage.PromptTokens,
					CompletionTokens: output.TokenUsage.CompletionTokens,
					TotalTokens:      output.TokenUsage.TotalTokens,
				}
				modelName := ""
				if output.Config != nil {
					modelName = output.Config.Model
				}
				_, _, total := model.ComputeCost(usage, model.ResolvePricing(modelName))
				ev = ev.
					Int("prompt_tokens", usage.PromptTokens).
					Int("completion_tokens", usage.CompletionTokens).
					Float64("cost_usd", total)
			}
			ev.Msg("model call end")
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Error().
				Str("component", string(info.Type)).
				Str("node", info.Name).
				Err(err).
				Msg("model call error")
			return ctx
		},
	}
}

func lastUserContent(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil {
			continue
		}
		if m.Role == schema.User {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
