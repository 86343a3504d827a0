package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// APIError represents an error returned by the admin API (status >= 400).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// Task represents an asynchronous operation on the server.
type Task struct {
	ID              string `json:"id"`
	Kind            string `json:"kind"`
	Status          string `json:"status"`
	ProgressMessage string `json:"progress_message,omitempty"`
	Error           string `json:"error,omitempty"`

	client *AdminClient // Reference to the client for polling.
}

// AdminClient talks to the admin HTTP API of tyrantd.
type AdminClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAdmin creates a client for the admin API at host:port.
func NewAdmin(host string, port int) *AdminClient {
	return &AdminClient{
		baseURL:    fmt.Sprintf("http://%s:%d", host, port),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// jsonRequest executes one request. It handles JSON serialization, the
// HTTP call and error replies.
func (c *AdminClient) jsonRequest(method, endpoint string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal JSON payload: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		if json.Unmarshal(respBody, &errResp) == nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: errResp["error"]}
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	return respBody, nil
}

func (c *AdminClient) startTask(endpoint string, payload any) (*Task, error) {
	respBody, err := c.jsonRequest(http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(respBody, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	task.client = c
	return &task, nil
}

// Save writes a snapshot and truncates the AOF.
func (c *AdminClient) Save() error {
	_, err := c.jsonRequest(http.MethodPost, "/system/save", nil)
	return err
}

// AOFRewrite starts compacting the AOF and returns the task.
func (c *AdminClient) AOFRewrite() (*Task, error) {
	return c.startTask("/system/aof-rewrite", nil)
}

// Copy starts writing a backup to path on the server host.
func (c *AdminClient) Copy(path string) (*Task, error) {
	return c.startTask("/system/copy", map[string]string{"path": path})
}

// VerifyIndexes checks every index against the stored tuples.
func (c *AdminClient) VerifyIndexes() error {
	_, err := c.jsonRequest(http.MethodPost, "/system/verify-indexes", nil)
	return err
}

// Stat returns the server statistics.
func (c *AdminClient) Stat() (map[string]string, error) {
	respBody, err := c.jsonRequest(http.MethodGet, "/stat", nil)
	if err != nil {
		return nil, err
	}
	var st map[string]string
	if err := json.Unmarshal(respBody, &st); err != nil {
		return nil, fmt.Errorf("failed to decode stat: %w", err)
	}
	return st, nil
}

// GetTaskStatus fetches the state of a task.
func (c *AdminClient) GetTaskStatus(taskID string) (*Task, error) {
	respBody, err := c.jsonRequest(http.MethodGet, "/system/tasks/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(respBody, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	task.client = c
	return &task, nil
}

// Refresh updates the task's status by querying the server.
func (t *Task) Refresh() error {
	if t.client == nil {
		return fmt.Errorf("client is not associated with the task")
	}
	updatedTask, err := t.client.GetTaskStatus(t.ID)
	if err != nil {
		return err
	}
	t.Status = updatedTask.Status
	t.ProgressMessage = updatedTask.ProgressMessage
	t.Error = updatedTask.Error
	return nil
}

// Wait blocks until the task is completed, checking its status at regular intervals.
func (t *Task) Wait(interval, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			return fmt.Errorf("timeout exceeded while waiting for task %s", t.ID)
		case <-ticker.C:
			if err := t.Refresh(); err != nil {
				return err
			}
			switch t.Status {
			case "completed":
				return nil
			case "failed":
				return fmt.Errorf("task %s failed with error: %s", t.ID, t.Error)
			case "running", "started":
				// Continue waiting.
			default:
				return fmt.Errorf("unknown task status: %s", t.Status)
			}
		}
	}
}
