package conversion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxDownloadBytes = 64 << 20

// Client talks to the remote conversion API over HTTP.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient constructs a Client with a per-request timeout.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateJob submits the import → convert → export task graph.
func (c *Client) CreateJob(ctx context.Context, req JobRequest) (Job, error) {
	body, err := json.Marshal(newJobRequest(req.SourceURL, req.Filename, req.InputFormat, req.OutputFormat, req.Tag))
	if err != nil {
		return Job{}, fmt.Errorf("marshal job: %w", err)
	}
	var env jobEnvelope
	if err := c.do(ctx, http.MethodPost, c.BaseURL+"/v2/jobs", bytes.NewReader(body), &env); err != nil {
		return Job{}, fmt.Errorf("create job: %w", err)
	}
	if env.Data.ID == "" {
		return Job{}, errors.New("create job: response carried no job id")
	}
	return env.Data.job(), nil
}

// GetJob fetches the current state of a job.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var env jobEnvelope
	if err := c.do(ctx, http.MethodGet, c.BaseURL+"/v2/jobs/"+id, nil, &env); err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return env.Data.job(), nil
}

// Download fetches an exported file.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download result: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	if len(data) > maxDownloadBytes {
		return nil, fmt.Errorf("download result: exceeds %d bytes", maxDownloadBytes)
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
