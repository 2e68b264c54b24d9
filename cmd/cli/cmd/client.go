package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"runplane/pkg/api"
)

// Client handles API calls to the runplane controller. Every response
// arrives wrapped in the controller's envelope.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a new client with the given base URL and token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// doJSON performs one request and unwraps the response envelope into out.
func (c *Client) doJSON(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	var envelope api.Envelope[json.RawMessage]
	if len(respBody) > 0 {
		json.Unmarshal(respBody, &envelope)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg := envelope.Error
		if msg == "" {
			msg = string(respBody)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// CreateOrg bootstraps an organization with its dev and prod environments.
func (c *Client) CreateOrg(name string) (*api.CreateOrgResponse, error) {
	var result api.CreateOrgResponse
	err := c.doJSON(http.MethodPost, "/api/v1/orgs", api.CreateOrgRequest{Name: name}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// TriggerTask triggers a run of the named task.
func (c *Client) TriggerTask(identifier string, req api.TriggerTaskRequest) (*api.TriggerTaskResponse, error) {
	var result api.TriggerTaskResponse
	path := fmt.Sprintf("/api/v1/tasks/%s/trigger", url.PathEscape(identifier))
	if err := c.doJSON(http.MethodPost, path, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetRun retrieves a run with its latest snapshot.
func (c *Client) GetRun(runID string) (*api.RunResponse, error) {
	var result api.RunResponse
	path := fmt.Sprintf("/api/v1/runs/%s", url.PathEscape(runID))
	if err := c.doJSON(http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelRun requests cancellation of a run.
func (c *Client) CancelRun(runID string) (*api.Snapshot, error) {
	var result api.Snapshot
	path := fmt.Sprintf("/api/v1/runs/%s/cancel", url.PathEscape(runID))
	if err := c.doJSON(http.MethodPost, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetLogs retrieves run log lines after the given cursor.
func (c *Client) GetLogs(runID string, afterID int64) ([]api.LogEntry, error) {
	var result api.GetLogsResponse
	path := fmt.Sprintf("/api/v1/runs/%s/logs?after_id=%d", url.PathEscape(runID), afterID)
	if err := c.doJSON(http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Logs, nil
}

// QueueStats retrieves length and concurrency numbers for one queue.
func (c *Client) QueueStats(queue, concurrencyKey string) (*api.QueueStatsResponse, error) {
	var result api.QueueStatsResponse
	values := url.Values{"queue": {queue}}
	if concurrencyKey != "" {
		values.Set("concurrency_key", concurrencyKey)
	}
	path := "/api/v1/queues/stats?" + values.Encode()
	if err := c.doJSON(http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListDeadLetter retrieves the environment's dead-lettered runs.
func (c *Client) ListDeadLetter() ([]api.DeadLetterMessage, error) {
	var result []api.DeadLetterMessage
	if err := c.doJSON(http.MethodGet, "/api/v1/dead-letter", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// RedriveDeadLetter moves one dead-lettered run back onto its queue.
func (c *Client) RedriveDeadLetter(messageID string) (*api.RedriveResponse, error) {
	var result api.RedriveResponse
	path := fmt.Sprintf("/api/v1/dead-letter/%s/redrive", url.PathEscape(messageID))
	if err := c.doJSON(http.MethodPost, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CompleteWaitpoint completes a MANUAL waitpoint.
func (c *Client) CompleteWaitpoint(waitpointID string, req api.CompleteWaitpointRequest) (*api.WaitpointResponse, error) {
	var result api.WaitpointResponse
	path := fmt.Sprintf("/api/v1/waitpoints/%s/complete", url.PathEscape(waitpointID))
	if err := c.doJSON(http.MethodPost, path, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
