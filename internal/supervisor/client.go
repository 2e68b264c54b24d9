// Package supervisor is the worker-side client for the controller's
// supervisor API. Every run-scoped call quotes the snapshot id the
// worker believes is current; the controller rejects calls quoting a
// superseded one and returns the authoritative latest snapshot.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"runplane/pkg/api"
)

// Options tunes the HTTP behavior of the client.
type Options struct {
	// CallTimeout bounds a single HTTP round trip.
	CallTimeout time.Duration
	// MaxAttempts bounds retries of transient failures per call.
	MaxAttempts int
	// RetryBaseDelay is the first backoff step; it doubles per attempt
	// with jitter.
	RetryBaseDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 250 * time.Millisecond
	}
	return o
}

// Client talks to the controller's supervisor endpoints.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	opts       Options
}

// New creates a supervisor client authenticating with the worker bearer
// token.
func New(baseURL, token string, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: opts.CallTimeout},
		opts:       opts,
	}
}

// APIError is a non-2xx response from the controller after retries were
// exhausted.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// StaleSnapshotError means the call quoted a superseded snapshot. The
// worker must reconcile against Latest instead of retrying blindly.
type StaleSnapshotError struct {
	Message string
	Latest  api.Snapshot
}

func (e *StaleSnapshotError) Error() string {
	return fmt.Sprintf("stale snapshot: %s (latest is %s %s)",
		e.Message, e.Latest.ID, e.Latest.ExecutionStatus)
}

// Connect introduces this worker instance to the controller.
func (c *Client) Connect(ctx context.Context, req api.ConnectRequest) (*api.ConnectResponse, error) {
	return do[*api.ConnectResponse](ctx, c, http.MethodPost, "/connect", req)
}

// Dequeue asks for up to MaxRunCount admissible runs. An empty response
// is normal; poll with backoff.
func (c *Client) Dequeue(ctx context.Context, req api.DequeueRequest) ([]api.DequeuedMessage, error) {
	resp, err := do[*api.DequeueResponse](ctx, c, http.MethodPost, "/dequeue", req)
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// DequeueForDeployment is the deployment-pinned dequeue variant: only
// runs resolving to the given deployment are returned.
func (c *Client) DequeueForDeployment(ctx context.Context, deploymentID string, req api.DequeueRequest) ([]api.DequeuedMessage, error) {
	path := fmt.Sprintf("/deployments/%s/dequeue", deploymentID)
	resp, err := do[*api.DequeueResponse](ctx, c, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// HeartbeatWorker keeps the worker instance registered.
func (c *Client) HeartbeatWorker(ctx context.Context, workerInstanceID string) error {
	_, err := do[struct{}](ctx, c, http.MethodPost, "/heartbeat",
		api.HeartbeatWorkerRequest{WorkerInstanceID: workerInstanceID})
	return err
}

// HeartbeatRun extends the run's lease.
func (c *Client) HeartbeatRun(ctx context.Context, runID, snapshotID string) (*api.Snapshot, error) {
	path := fmt.Sprintf("/runs/%s/snapshots/%s/heartbeat", runID, snapshotID)
	return do[*api.Snapshot](ctx, c, http.MethodPost, path, nil)
}

// StartAttempt reports that the worker is beginning an attempt.
func (c *Client) StartAttempt(ctx context.Context, runID, snapshotID string) (*api.StartAttemptResponse, error) {
	path := fmt.Sprintf("/runs/%s/snapshots/%s/attempts/start", runID, snapshotID)
	return do[*api.StartAttemptResponse](ctx, c, http.MethodPost, path, nil)
}

// CompleteAttempt reports how an attempt ended. The worker must branch
// on the returned CompleteAttemptStatus to decide whether to keep the
// run's resources warm.
func (c *Client) CompleteAttempt(ctx context.Context, runID, snapshotID string, result api.AttemptResult) (*api.CompleteAttemptResponse, error) {
	path := fmt.Sprintf("/runs/%s/snapshots/%s/attempts/complete", runID, snapshotID)
	return do[*api.CompleteAttemptResponse](ctx, c, http.MethodPost, path, result)
}

// LatestSnapshot fetches the authoritative latest snapshot for a run.
func (c *Client) LatestSnapshot(ctx context.Context, runID string) (*api.Snapshot, error) {
	path := fmt.Sprintf("/runs/%s/snapshots/latest", runID)
	return do[*api.Snapshot](ctx, c, http.MethodGet, path, nil)
}

// WaitForDuration suspends the run on a timer waitpoint.
func (c *Client) WaitForDuration(ctx context.Context, runID, snapshotID string, duration time.Duration) (*api.WaitForDurationResponse, error) {
	path := fmt.Sprintf("/runs/%s/snapshots/%s/wait/duration", runID, snapshotID)
	return do[*api.WaitForDurationResponse](ctx, c, http.MethodPost, path,
		api.WaitForDurationRequest{Duration: duration})
}

// ShipLogs sends a batch of attempt output lines for a run.
func (c *Client) ShipLogs(ctx context.Context, runID, content string) error {
	path := fmt.Sprintf("/runs/%s/logs", runID)
	_, err := do[struct{}](ctx, c, http.MethodPost, path, api.AddLogRequest{Content: content})
	return err
}

// do runs one supervisor call with bounded retry. Transient failures
// (network errors, 5xx) back off exponentially with jitter; 4xx
// responses are returned immediately as typed errors.
func do[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var zero T

	var reqBody []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return zero, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = b
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepBackoff(ctx, c.opts.RetryBaseDelay, attempt-1); err != nil {
				return zero, err
			}
		}

		result, retryable, err := c.roundTrip(ctx, method, path, reqBody)
		if err == nil {
			var data T
			if len(result) > 0 {
				if uerr := json.Unmarshal(result, &data); uerr != nil {
					return zero, fmt.Errorf("failed to parse response: %w", uerr)
				}
			}
			return data, nil
		}
		if !retryable {
			return zero, err
		}
		lastErr = err
	}
	return zero, fmt.Errorf("supervisor call %s %s failed after %d attempts: %w",
		method, path, c.opts.MaxAttempts, lastErr)
}

// roundTrip performs one HTTP exchange and unwraps the response
// envelope. It reports whether a failure is worth retrying.
func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte) (json.RawMessage, bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}

	var envelope api.Envelope[json.RawMessage]
	if len(respBody) > 0 {
		if uerr := json.Unmarshal(respBody, &envelope); uerr != nil && resp.StatusCode < 300 {
			return nil, false, fmt.Errorf("failed to parse response: %w", uerr)
		}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, true, &APIError{StatusCode: resp.StatusCode, Message: envelopeError(envelope, respBody)}
	case resp.StatusCode == http.StatusConflict:
		// Staleness rejection. The envelope's data is the latest snapshot.
		staleErr := &StaleSnapshotError{Message: envelopeError(envelope, respBody)}
		if len(envelope.Data) > 0 {
			_ = json.Unmarshal(envelope.Data, &staleErr.Latest)
		}
		return nil, false, staleErr
	case resp.StatusCode >= 300:
		return nil, false, &APIError{StatusCode: resp.StatusCode, Message: envelopeError(envelope, respBody)}
	}
	return envelope.Data, false, nil
}

func envelopeError(envelope api.Envelope[json.RawMessage], raw []byte) string {
	if envelope.Error != "" {
		return envelope.Error
	}
	return string(raw)
}

func sleepBackoff(ctx context.Context, base time.Duration, step int) error {
	delay := base << (step - 1)
	// Full jitter keeps a fleet of workers from retrying in lockstep.
	delay = time.Duration(rand.Int63n(int64(delay)) + int64(delay)/2)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
