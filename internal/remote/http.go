package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harborline/tasksync/internal/model"
)

const defaultRequestTimeout = 15 * time.Second

// HTTPClient talks JSON to the task service. Safe for concurrent use,
// though the engine is the only caller in practice.
type HTTPClient struct {
	baseURL        string
	token          string
	deviceID       string
	requestTimeout time.Duration
	httpClient     *http.Client
	logger         *slog.Logger
}

// HTTPOption tweaks an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithRequestTimeout bounds each individual request.
func WithRequestTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithHTTPTransport swaps the underlying http.Client, mostly for tests.
func WithHTTPTransport(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// NewHTTPClient builds a client for the task service at baseURL. token may
// be empty for unauthenticated local servers. deviceID rides along on every
// write so the server can attribute mutations to an installation.
func NewHTTPClient(baseURL, token, deviceID string, logger *slog.Logger, opts ...HTTPOption) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	c := &HTTPClient{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		token:          token,
		deviceID:       deviceID,
		requestTimeout: defaultRequestTimeout,
		httpClient:     &http.Client{},
		logger:         logger.With("component", "remote"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createRequest struct {
	ID       string      `json:"id"`
	Delta    model.Delta `json:"delta"`
	DeviceID string      `json:"device_id"`
}

type updateRequest struct {
	Delta           model.Delta `json:"delta"`
	ExpectedVersion int64       `json:"expected_version"`
	DeviceID        string      `json:"device_id"`
}

func (c *HTTPClient) CreateTask(ctx context.Context, id string, delta model.Delta) (model.Task, error) {
	var task model.Task
	err := c.do(ctx, http.MethodPost, "/v1/tasks", createRequest{
		ID:       id,
		Delta:    delta,
		DeviceID: c.deviceID,
	}, &task)
	if err != nil {
		return model.Task{}, fmt.Errorf("create task %s: %w", id, err)
	}
	return task, nil
}

func (c *HTTPClient) UpdateTask(ctx context.Context, id string, delta model.Delta, expectedVersion int64) (model.Task, error) {
	var task model.Task
	err := c.do(ctx, http.MethodPatch, "/v1/tasks/"+url.PathEscape(id), updateRequest{
		Delta:           delta,
		ExpectedVersion: expectedVersion,
		DeviceID:        c.deviceID,
	}, &task)
	if err != nil {
		return model.Task{}, fmt.Errorf("update task %s: %w", id, err)
	}
	return task, nil
}

func (c *HTTPClient) DeleteTask(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/v1/tasks/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (c *HTTPClient) PullChanges(ctx context.Context, since time.Time) (PullResult, error) {
	path := "/v1/changes"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var result PullResult
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return PullResult{}, fmt.Errorf("pull changes: %w", err)
	}
	return result, nil
}

// do runs one request with the per-request timeout and maps the response
// into the error taxonomy. A 409 body carries the server's current record.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection failures and timeouts are the offline case.
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		var current model.Task
		if decodeErr := json.NewDecoder(resp.Body).Decode(&current); decodeErr != nil {
			// A conflict without a readable record cannot be resolved
			// locally; retry and let the next attempt fetch it.
			return &TransientError{Err: fmt.Errorf("conflict body: %w", decodeErr)}
		}
		return &ConflictError{Current: current}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Debug("remote call rejected",
			"method", method, "path", path, "status", resp.StatusCode)
		return classifyStatus(resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransientError{Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
