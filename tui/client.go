package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// QueueInfo is a queue row as served by the API
type QueueInfo struct {
	ID               string     `json:"id"`
	NegotiationID    string     `json:"negotiationId"`
	Status           string     `json:"status"`
	TotalSimulations int        `json:"totalSimulations"`
	CompletedCount   int        `json:"completedCount"`
	FailedCount      int        `json:"failedCount"`
	MaxConcurrent    int        `json:"maxConcurrent"`
	ActualCostUSD    float64    `json:"actualCostUsd"`
	CreatedAt        time.Time  `json:"createdAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// WorkerInfo is one live worker process
type WorkerInfo struct {
	RunID         string    `json:"runId"`
	QueueID       string    `json:"queueId"`
	NegotiationID string    `json:"negotiationId"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"startedAt"`
	Rounds        int       `json:"rounds"`
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryRSS     uint64    `json:"memoryRss"`
}

// StoreStats mirrors the store's aggregate counters
type StoreStats struct {
	Negotiations int            `json:"negotiations"`
	Queues       int            `json:"queues"`
	ActiveQueues int            `json:"activeQueues"`
	Runs         int            `json:"runs"`
	RunsByStatus map[string]int `json:"runsByStatus"`
}

// HostInfo is the server's hardware load snapshot
type HostInfo struct {
	CPUModel   string  `json:"cpuModel"`
	CPUCores   int     `json:"cpuCores"`
	CPUPercent float64 `json:"cpuPercent"`
	MemTotalMB float64 `json:"memTotalMb"`
	MemUsedMB  float64 `json:"memUsedMb"`
	MemPercent float64 `json:"memPercent"`
	LoadAvg1   float64 `json:"loadAvg1"`
	LoadAvg5   float64 `json:"loadAvg5"`
	LoadAvg15  float64 `json:"loadAvg15"`
}

// SystemStatus is the /api/system/status response
type SystemStatus struct {
	Status           string       `json:"status"`
	UptimeSeconds    int64        `json:"uptimeSeconds"`
	Store            StoreStats   `json:"store"`
	ProcessingQueues []string     `json:"processingQueues"`
	RunningWorkers   int          `json:"runningWorkers"`
	Workers          []WorkerInfo `json:"workers"`
	DroppedEvents    int64        `json:"droppedEvents"`
	Host             HostInfo     `json:"host"`
}

// DataSource is the server surface the dashboard reads and drives.
// Satisfied by Client; tests substitute a fake.
type DataSource interface {
	Queues() ([]QueueInfo, error)
	SystemStatus() (*SystemStatus, error)
	StartQueue(queueID string) error
	PauseQueue(queueID string) error
	ResumeQueue(queueID string) error
	StopQueue(queueID string) error
}

// Client talks to a running negosim server over its HTTP API
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the given base URL, e.g.
// "http://localhost:8080"
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Queues lists every queue on the server
func (c *Client) Queues() ([]QueueInfo, error) {
	var resp struct {
		Queues []QueueInfo `json:"queues"`
	}
	if err := c.get("/api/queues", &resp); err != nil {
		return nil, err
	}
	return resp.Queues, nil
}

// SystemStatus fetches the server's health and load snapshot
func (c *Client) SystemStatus() (*SystemStatus, error) {
	var status SystemStatus
	if err := c.get("/api/system/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// StartQueue puts a pending queue into dispatch rotation
func (c *Client) StartQueue(queueID string) error {
	return c.post("/api/queue/" + queueID + "/start")
}

// PauseQueue suppresses dispatch for a running queue
func (c *Client) PauseQueue(queueID string) error {
	return c.post("/api/queue/" + queueID + "/pause")
}

// ResumeQueue puts a paused queue back into rotation
func (c *Client) ResumeQueue(queueID string) error {
	return c.post("/api/queue/" + queueID + "/resume")
}

// StopQueue terminally stops a queue, aborting in-flight workers
func (c *Client) StopQueue(queueID string) error {
	return c.post("/api/queue/" + queueID + "/stop")
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(path string) error {
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(nil))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

// apiError surfaces the server's error message instead of a bare status
func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s", body.Error)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}
