package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/insight-agent/server/internal/agent/model"
)

//go:embed template/sql_prompt.txt
var sqlPromptTemplate string

//go:embed template/response_prompt.txt
var responsePromptTemplate string

//go:embed template/router_prompt.txt
var routerPromptTemplate string

// SQLSystemPrompt anchors the query-synthesis model on dialect rules that the
// user prompt repeats per column.
const SQLSystemPrompt = "You are a SQL expert. Always use the exact column names provided. " +
	"Never invent or guess column names. The warehouse dialect uses DOUBLE QUOTES for " +
	"identifiers with special characters, NOT backticks. For text filters, use ILIKE with " +
	"wildcards for case-insensitive partial matching. Generate read-only statements only."

// ResponseSystemPrompt frames the response-synthesis model.
const ResponseSystemPrompt = "You are a helpful data analyst assistant. Provide clear, " +
	"accurate answers based on query results."

// RouterSystemPrompt frames the classification model.
const RouterSystemPrompt = "You are a query classifier. Respond only with the single " +
	"word requested."

// RenderSQLPrompt renders the query-synthesis user prompt from the retrieved
// schema fragments and conversation context.
func RenderSQLPrompt(ctx context.Context, query, contextBlock string, fragments []model.SchemaFragment) (string, error) {
	if contextBlock == "" {
		contextBlock = "No prior context available."
	}
	return render(ctx, sqlPromptTemplate, map[string]any{
		"Query":     query,
		"Context":   contextBlock,
		"TableName": primaryTable(fragments),
		"Columns":   formatFragments(fragments),
	})
}

// RenderResponsePrompt renders the response-synthesis user prompt from the
// execution result preview.
func RenderResponsePrompt(ctx context.Context, query, sqlQuery string, exec *model.ExecutionResult) (string, error) {
	return render(ctx, responsePromptTemplate, map[string]any{
		"Query":    query,
		"SQLQuery": sqlQuery,
		"RowCount": exec.RowCount,
		"Results":  formatResults(exec),
	})
}

// RenderRouterPrompt renders the classification prompt for one user query.
func RenderRouterPrompt(ctx context.Context, query string) (string, error) {
	return render(ctx, routerPromptTemplate, map[string]any{
		"Query": query,
	})
}

// render formats one template via the Eino prompt component so prompt
// callbacks fire for observers.
func render(ctx context.Context, template string, vars map[string]any) (string, error) {
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(template),
	)
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("prompt render: empty result")
	}
	return msgs[0].Content, nil
}

// primaryTable picks the table of the best-scored fragment; fragments arrive
// ranked, so the first entry wins.
func primaryTable(fragments []model.SchemaFragment) string {
	for _, f := range fragments {
		if f.TableName != "" {
			return f.TableName
		}
		if f.DatasetID != "" {
			return f.DatasetID
		}
	}
	return "unknown"
}

func formatFragments(fragments []model.SchemaFragment) string {
	if len(fragments) == 0 {
		return "- (no columns retrieved)"
	}
	var b strings.Builder
	for i, f := range fragments {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(f.ColumnName)
		if f.ColumnType != "" {
			fmt.Fprintf(&b, " (%s)", f.ColumnType)
		}
		if f.Description != "" {
			b.WriteString(": ")
			b.WriteString(f.Description)
		}
		if f.Examples != "" {
			fmt.Fprintf(&b, " [examples: %s]", f.Examples)
		}
	}
	return b.String()
}

func formatResults(exec *model.ExecutionResult) string {
	if exec == nil || len(exec.PreviewRows) == 0 {
		return "No data returned"
	}
	var b strings.Builder
	b.WriteString(strings.Join(exec.Columns, " | "))
	for _, row := range exec.PreviewRows {
		b.WriteByte('\n')
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprint(v)
		}
		b.WriteString(strings.Join(cells, " | "))
	}
	return b.String()
}
