package tui

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fentz26/scriptd/internal/models"
	"github.com/fentz26/scriptd/internal/xjson"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the scriptd API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// ListExecutions fetches executions, newest first, optionally by status.
func (c *Client) ListExecutions(status models.ExecutionStatus) ([]ExecutionItem, error) {
	q := url.Values{}
	q.Set("limit", "200")
	if status != "" {
		q.Set("status", string(status))
	}

	var recs []models.ExecutionRecord
	if err := c.get("/executions?"+q.Encode(), &recs); err != nil {
		return nil, err
	}

	items := make([]ExecutionItem, len(recs))
	for i, r := range recs {
		items[i] = itemFromRecord(r)
	}
	return items, nil
}

// GetExecution fetches the record, polling view and audit trail of one execution.
func (c *Client) GetExecution(id string) (*ExecutionDetail, error) {
	var d ExecutionDetail
	if err := c.get("/executions/"+url.PathEscape(id), &d.Record); err != nil {
		return nil, err
	}
	if err := c.get("/executions/status?execution_id="+url.QueryEscape(id), &d.View); err != nil {
		return nil, err
	}
	// The trail is informational; a failure here should not hide the record.
	_ = c.get("/executions/"+url.PathEscape(id)+"/audit", &d.Audit)
	return &d, nil
}

// CancelExecution requests cancellation and returns the resulting view.
func (c *Client) CancelExecution(id string) (*models.StatusView, error) {
	var view models.StatusView
	if err := c.post("/executions/"+url.PathEscape(id)+"/cancel", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// SubmitExecution queues a script by name and returns the execution ID.
func (c *Client) SubmitExecution(name string, parameters map[string]any) (string, error) {
	body := map[string]any{
		"script_name": name,
		"parameters":  parameters,
		"caller_id":   "watch",
	}
	var resp struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := c.post("/executions", body, &resp); err != nil {
		return "", err
	}
	return resp.ExecutionID, nil
}

// GetWorkers fetches worker pool statistics.
func (c *Client) GetWorkers() (*WorkersStats, error) {
	var stats WorkersStats
	if err := c.get("/workers", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// CheckHealth checks if the daemon is healthy.
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := xjson.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}
	return health.OK, nil
}

func (c *Client) get(path string, out any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func (c *Client) post(path string, data, out any) error {
	var body io.Reader = http.NoBody
	if data != nil {
		jsonData, err := xjson.Marshal(data)
		if err != nil {
			return err
		}
		body = bytes.NewReader(jsonData)
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", body)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if xjson.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return xjson.Unmarshal(body, out)
}
