// Package provision talks to the provisioning service that owns room
// credentials and the interviewer agent's lifecycle.
package provision

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

// Credentials are the room join parameters issued for one interview.
type Credentials struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Token  string `json:"token"`
	AppID  string `json:"app_id"`
}

// Client calls the provisioning service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a provisioning client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Credentials requests room join credentials for an interview.
func (c *Client) Credentials(ctx context.Context, interviewID string) (*Credentials, error) {
	if interviewID == "" {
		return nil, fmt.Errorf("interview id is required: %w", errdefs.ErrInvalidArgument)
	}

	body, err := json.Marshal(map[string]string{"interview_id": interviewID})
	if err != nil {
		return nil, fmt.Errorf("marshal credentials request: %w", err)
	}

	var creds Credentials
	if err := c.post(ctx, "/v1/rooms/credentials", body, &creds); err != nil {
		return nil, fmt.Errorf("fetch room credentials for %s: %w", interviewID, err)
	}
	if creds.RoomID == "" || creds.Token == "" {
		return nil, fmt.Errorf("provisioning returned incomplete credentials: %w", errdefs.ErrInternal)
	}
	return &creds, nil
}

// StartAgent asks the provisioning service to place the interviewer agent
// into a room.
func (c *Client) StartAgent(ctx context.Context, interviewID, roomID string) error {
	body, err := json.Marshal(map[string]string{
		"interview_id": interviewID,
		"room_id":      roomID,
	})
	if err != nil {
		return fmt.Errorf("marshal agent start request: %w", err)
	}
	if err := c.post(ctx, "/v1/agent/start", body, nil); err != nil {
		return fmt.Errorf("start agent for %s: %w", interviewID, err)
	}
	return nil
}

// StopAgent removes the interviewer agent from a room.
func (c *Client) StopAgent(ctx context.Context, interviewID, roomID string) error {
	body, err := json.Marshal(map[string]string{
		"interview_id": interviewID,
		"room_id":      roomID,
	})
	if err != nil {
		return fmt.Errorf("marshal agent stop request: %w", err)
	}
	if err := c.post(ctx, "/v1/agent/stop", body, nil); err != nil {
		return fmt.Errorf("stop agent for %s: %w", interviewID, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provisioning unreachable: %w", errdefs.ErrUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provisioning returned %d: %s: %w",
			resp.StatusCode, bytes.TrimSpace(payload), classifyStatus(resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode provisioning response: %w", err)
		}
	}
	return nil
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusNotFound:
		return errdefs.ErrNotFound
	case code == http.StatusConflict:
		return errdefs.ErrConflict
	case code >= 400 && code < 500:
		return errdefs.ErrInvalidArgument
	case code == http.StatusServiceUnavailable:
		return errdefs.ErrUnavailable
	default:
		return errdefs.ErrInternal
	}
}
