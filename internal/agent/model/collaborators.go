package model

import (
	"context"
)

// SchemaFragment is one ranked candidate from the schema-retrieval search:
// a warehouse column plus the metadata the synthesis prompt needs.
type SchemaFragment struct {
	ID          string  `json:"id"`
	Score       float64 `json:"score"`
	DatasetID   string  `json:"dataset_id"`
	DatasetName string  `json:"dataset_name,omitempty"`
	TableName   string  `json:"table_name"`
	ColumnName  string  `json:"column_name"`
	ColumnType  string  `json:"column_type,omitempty"`
	Description string  `json:"description,omitempty"`
	Examples    string  `json:"examples,omitempty"`
}

// ExecutionResult is the bounded summary of one remote query execution: the
// full row count plus a capped preview, never the full result set.
type ExecutionResult struct {
	RowCount    int      `json:"row_count"`
	Columns     []string `json:"columns"`
	PreviewRows [][]any  `json:"preview_rows"`
}

// ReportResult is the outcome of the structured-report path.
type ReportResult struct {
	ReportType string         `json:"report_type"`
	ReportURL  string         `json:"report_url"`
	SQLQueries []string       `json:"sql_queries,omitempty"`
	Stats      map[string]any `json:"stats,omitempty"`
}

// DatasetInfo is a warehouse dataset listing entry.
type DatasetInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Rows    int    `json:"rows"`
	Columns int    `json:"columns"`
}

// Retriever searches the schema index for fragments relevant to a query.
// Implementations must be pure given identical (query, topK) so results can
// be cached under a content-addressed key.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]SchemaFragment, error)
}

// Executor runs a synthesized query against the remote data source. Results
// are live and never cached.
type Executor interface {
	Execute(ctx context.Context, datasetID, sqlQuery string) (*ExecutionResult, error)
}

// ReportGenerator produces a structured report for the report pipeline path.
type ReportGenerator interface {
	Generate(ctx context.Context, query string) (*ReportResult, error)
}
