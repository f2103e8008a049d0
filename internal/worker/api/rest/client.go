package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	brokercore "github.com/opentransit/gridbroker/internal/broker/core"
)

// Client is the HTTP client for the broker's worker endpoints. Every poll
// carries the worker's full self-report; the broker uses it both to match
// work and to track liveness.
type Client struct {
	baseURL string
	report  brokercore.WorkerStatusReport
	http    *http.Client
}

func NewClient(baseURL string, report brokercore.WorkerStatusReport, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		report:  report,
		http:    &http.Client{Timeout: timeout},
	}
}

type pollResponse struct {
	Tasks []brokercore.TaskDescriptor `json:"tasks"`
}

func (c *Client) Poll(ctx context.Context) ([]brokercore.TaskDescriptor, error) {
	var resp pollResponse
	if err := c.post(ctx, "/internal/poll", c.report, &resp); err != nil {
		return nil, fmt.Errorf("polling for work: %w", err)
	}
	return resp.Tasks, nil
}

func (c *Client) ReportResult(ctx context.Context, res brokercore.WorkResult) error {
	if err := c.post(ctx, "/internal/result", res, nil); err != nil {
		return fmt.Errorf("reporting result for job %s task %d: %w", res.JobID, res.TaskIndex, err)
	}
	return nil
}

func (c *Client) Unregister(ctx context.Context) error {
	body := map[string]string{
		"dataset_id":     c.report.DatasetID,
		"worker_version": c.report.WorkerVersion,
	}
	if err := c.post(ctx, "/internal/unregister", body, nil); err != nil {
		return fmt.Errorf("unregistering: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("broker returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
