package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/insight-agent/server/internal/agent/model"
	logx "github.com/insight-agent/server/pkg/logger"
)

// Client calls the external report-generation service on the structured
// report path. Report generation is slow, so the timeout is generous.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(cfg model.ReportsConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutS) * time.Second,
		},
	}
}

type generateRequest struct {
	Query      string `json:"query"`
	ReportType string `json:"report_type"`
}

type generateResponse struct {
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	ReportType string         `json:"report_type"`
	ReportURL  string         `json:"report_url"`
	SQLQueries []string       `json:"sql_queries,omitempty"`
	Stats      map[string]any `json:"stats,omitempty"`
}

// Generate requests a structured report for the user's query. The report
// service decides the concrete report type from the query text.
func (c *Client) Generate(ctx context.Context, query string) (*model.ReportResult, error) {
	body, err := json.Marshal(generateRequest{Query: query})
	if err != nil {
		return nil, fmt.Errorf("encode report request: %w", err)
	}

	endpoint := c.baseURL + "/api/v1/reports/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call report service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("report service failed: status %d: %s", resp.StatusCode, snippet)
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode report response: %w", err)
	}
	if decoded.Status == "error" {
		return nil, fmt.Errorf("report generation failed: %s", decoded.Error)
	}

	logx.Debug().
		Str("report_type", decoded.ReportType).
		Msg("structured report generated")
	return &model.ReportResult{
		ReportType: decoded.ReportType,
		ReportURL:  decoded.ReportURL,
		SQLQueries: decoded.SQLQueries,
		Stats:      decoded.Stats,
	}, nil
}
