// Package transfer is the client of the HPC facility's dataset transfer
// service: initiating transfers, polling their progress, and canceling
// them. Requests authenticate with OAuth2 client-credentials bearer
// tokens, cached process-wide and refreshed ahead of expiry.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Status of a transfer task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	// StatusUnknown is reported when the service has lost track of the
	// task. It is not terminal: a later poll may recover its status.
	StatusUnknown Status = "unknown"
	// StatusTimeout is synthesized by AwaitCompletion when a task
	// doesn't reach a terminal status within its deadline. The service
	// itself never reports it.
	StatusTimeout Status = "timeout"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusTimeout:
		return true
	}
	return false
}

// Task is the service's view of one dataset transfer.
type Task struct {
	TaskID           string    `json:"taskId"`
	Status           Status    `json:"status"`
	BytesTransferred int64     `json:"bytesTransferred"`
	FilesTransferred int64     `json:"filesTransferred"`
	CompletedAt      time.Time `json:"completedAt,omitempty"`
	// LastStatus is set only on synthesized timeout tasks, recording
	// the last status the service reported.
	LastStatus Status `json:"lastStatus,omitempty"`
}

// InitiateRequest asks the service to begin transferring a dataset.
type InitiateRequest struct {
	JobID         uuid.UUID `json:"jobId"`
	DatasetURI    string    `json:"datasetUri"`
	DatasetSizeGB float64   `json:"datasetSizeGb"`
}

// Client is the transfer surface the bridge orchestrator drives.
type Client interface {
	Initiate(ctx context.Context, req InitiateRequest) (*Task, error)
	Poll(ctx context.Context, taskID string) (*Task, error)
	Cancel(ctx context.Context, taskID string) error
}

// Config of an HTTPClient.
type Config struct {
	// BaseURL of the transfer service, e.g. https://dtn.ornl.example.
	BaseURL string
	// TokenURL of the OAuth2 client-credentials endpoint. Empty
	// disables authentication (local development only).
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// Timeout bounds each HTTP request. Defaults to 30s.
	Timeout time.Duration
}

// HTTPClient implements Client over the service's REST API.
type HTTPClient struct {
	base string
	http *http.Client
}

// NewClient builds an HTTPClient. |ctx| scopes background token fetches.
func NewClient(ctx context.Context, cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("transfer service BaseURL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	var httpClient = &http.Client{Timeout: cfg.Timeout}
	if cfg.TokenURL != "" {
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, errors.New("transfer service client credentials are required")
		}
		httpClient.Transport = &oauth2.Transport{
			Source: newTokenSource(ctx, clientcredentials.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				TokenURL:     cfg.TokenURL,
				Scopes:       cfg.Scopes,
			}),
		}
	}
	return &HTTPClient{
		base: strings.TrimSuffix(cfg.BaseURL, "/"),
		http: httpClient,
	}, nil
}

var _ Client = (*HTTPClient)(nil)

// Initiate begins a dataset transfer and returns its task.
func (c *HTTPClient) Initiate(ctx context.Context, req InitiateRequest) (*Task, error) {
	var body, err = json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding initiate request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/api/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var task *Task
	task, err = c.do(httpReq, http.StatusCreated, http.StatusOK)
	countRPC("initiate", err)
	return task, err
}

// Poll fetches the task's current status.
func (c *HTTPClient) Poll(ctx context.Context, taskID string) (*Task, error) {
	var httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/api/v1/transfers/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, err
	}

	var task *Task
	task, err = c.do(httpReq, http.StatusOK)
	countRPC("poll", err)
	return task, err
}

// Cancel asks the service to abort the task. Canceling a task which
// already finished is not an error.
func (c *HTTPClient) Cancel(ctx context.Context, taskID string) error {
	var httpReq, err = http.NewRequestWithContext(ctx, http.MethodDelete,
		c.base+"/api/v1/transfers/"+url.PathEscape(taskID), nil)
	if err != nil {
		return err
	}

	var resp *http.Response
	if resp, err = c.http.Do(httpReq); err != nil {
		countRPC("cancel", err)
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		err = nil
	default:
		err = fmt.Errorf("transfer service DELETE %s: %s", taskID, resp.Status)
	}
	countRPC("cancel", err)
	return err
}

func (c *HTTPClient) do(req *http.Request, want ...int) (*Task, error) {
	var resp, err = c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var accepted bool
	for _, code := range want {
		accepted = accepted || resp.StatusCode == code
	}
	if !accepted {
		var snippet, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("transfer service %s %s: %s (%s)",
			req.Method, req.URL.Path, resp.Status, bytes.TrimSpace(snippet))
	}

	var task = new(Task)
	if err = json.NewDecoder(resp.Body).Decode(task); err != nil {
		return nil, fmt.Errorf("decoding transfer response: %w", err)
	}
	return task, nil
}

// Defaults of AwaitCompletion.
const (
	DefaultAwaitTimeout = time.Hour
	DefaultPollInterval = 15 * time.Second
)

// AwaitCompletion polls the task until it reaches a terminal status or
// |timeout| elapses. On timeout it returns a synthesized task with
// StatusTimeout, whose LastStatus records the last reported substate.
// Poll errors are logged and retried until the deadline.
func AwaitCompletion(ctx context.Context, c Client, taskID string, timeout, interval time.Duration) (*Task, error) {
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	var deadline = time.NewTimer(timeout)
	defer deadline.Stop()
	var tick = time.NewTicker(interval)
	defer tick.Stop()

	var last = StatusUnknown
	for {
		var task, err = c.Poll(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.WithFields(log.Fields{"task": taskID, "err": err}).Warn("transfer poll failed")
		} else if task.Status.Terminal() {
			return task, nil
		} else {
			last = task.Status
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return &Task{TaskID: taskID, Status: StatusTimeout, LastStatus: last}, nil
		case <-tick.C:
		}
	}
}
