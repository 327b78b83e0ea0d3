// Package finish notifies the downstream flow service that an interview
// session completed. The controller calls it exactly once per session.
package finish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/containerd/errdefs"
)

// Report describes a completed session to the flow service.
type Report struct {
	InterviewID     string `json:"interview_id"`
	JobID           string `json:"job_id"`
	JobApplyID      string `json:"job_apply_id"`
	InterviewNodeID string `json:"interview_node_id"`
	IsCanceled      bool   `json:"is_canceled"`
}

// Client posts session completion reports.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates a finish-flow client. url is the full endpoint.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

// Complete reports one finished session.
func (c *Client) Complete(ctx context.Context, report Report) error {
	if report.InterviewID == "" {
		return fmt.Errorf("interview id is required: %w", errdefs.ErrInvalidArgument)
	}

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal finish report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build finish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("finish flow unreachable for %s: %w", report.InterviewID, errdefs.ErrUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("finish flow returned %d for %s: %s",
			resp.StatusCode, report.InterviewID, bytes.TrimSpace(payload))
	}
	return nil
}
