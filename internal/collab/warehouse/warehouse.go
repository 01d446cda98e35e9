package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/insight-agent/server/internal/agent/model"
	logx "github.com/insight-agent/server/pkg/logger"
)

// Client executes synthesized SQL against the remote warehouse's query API
// using client-credential authentication. Tokens are cached until shortly
// before expiry.
type Client struct {
	baseURL     string
	clientID    string
	secretKey   string
	previewRows int
	httpClient  *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New builds a warehouse client. previewRows caps the rows carried back on
// the ExecutionResult; the full row count is always reported.
func New(cfg model.WarehouseConfig, previewRows int) *Client {
	return &Client{
		baseURL:     cfg.BaseURL,
		clientID:    cfg.ClientID,
		secretKey:   cfg.SecretKey,
		previewRows: previewRows,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutS) * time.Second,
		},
	}
}

type queryRequest struct {
	SQL string `json:"sql"`
}

type queryResponse struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Execute runs one read query against a dataset and returns a bounded
// summary: total row count plus at most previewRows rows.
func (c *Client) Execute(ctx context.Context, datasetID, sqlQuery string) (*model.ExecutionResult, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(queryRequest{SQL: sqlQuery})
	if err != nil {
		return nil, fmt.Errorf("encode query request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/datasets/query/execute/%s", c.baseURL, url.PathEscape(datasetID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("warehouse query failed: status %d: %s", resp.StatusCode, snippet)
	}

	var decoded queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}

	result := &model.ExecutionResult{
		RowCount: len(decoded.Rows),
		Columns:  decoded.Columns,
	}
	preview := decoded.Rows
	if c.previewRows > 0 && len(preview) > c.previewRows {
		preview = preview[:c.previewRows]
	}
	result.PreviewRows = preview

	logx.Debug().
		Str("dataset_id", datasetID).
		Int("row_count", result.RowCount).
		Int("preview_rows", len(result.PreviewRows)).
		Msg("warehouse query executed")
	return result, nil
}

type datasetEntry struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Rows    int    `json:"rows"`
	Columns int    `json:"columns"`
}

// ListDatasets returns up to limit datasets visible to the configured client.
func (c *Client) ListDatasets(ctx context.Context, limit int) ([]model.DatasetInfo, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/datasets?limit=%d", c.baseURL, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build dataset list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dataset list failed: status %d", resp.StatusCode)
	}

	var decoded []datasetEntry
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode dataset list: %w", err)
	}

	datasets := make([]model.DatasetInfo, 0, len(decoded))
	for _, d := range decoded {
		datasets = append(datasets, model.DatasetInfo{
			ID:      d.ID,
			Name:    d.Name,
			Rows:    d.Rows,
			Columns: d.Columns,
		})
	}
	return datasets, nil
}

// token returns a cached access token, refreshing via the client-credentials
// grant when missing or within a minute of expiry. c.mu is held across the
// refresh round-trip: at most one refresh is in flight, and concurrent
// Executes wait for it instead of stampeding the token endpoint.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.accessToken, nil
	}

	endpoint := c.baseURL + "/oauth/token?grant_type=client_credentials&scope=data"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed: status %d", resp.StatusCode)
	}

	var decoded tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if decoded.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	c.accessToken = decoded.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(decoded.ExpiresIn) * time.Second)
	return c.accessToken, nil
}
