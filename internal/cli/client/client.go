// Package client is a thin HTTP client for the worker and dispatcher
// operations APIs. One Client speaks to one daemon; commands construct it
// from the matching base URL flag.
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/batchline-systems/batchline/internal/deadletter"
	"github.com/batchline-systems/batchline/internal/models"
)

type Client struct {
	baseURL string
	client  *http.Client
}

// DeadLetterResponse mirrors the worker's GET /api/v1/dlq body.
type DeadLetterResponse struct {
	Events []deadletter.ParkedEvent `json:"events"`
	Stats  map[string]interface{}   `json:"stats"`
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) doRequest(method, path string) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")

	return c.client.Do(req)
}

// get issues a GET and decodes a 200 body into out.
func (c *Client) get(path string, out interface{}) error {
	resp, err := c.doRequest(http.MethodGet, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, string(bodyBytes))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func listQuery(page, limit int, filters map[string]string) string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	for key, val := range filters {
		if val != "" {
			q.Set(key, val)
		}
	}
	return q.Encode()
}

// Worker API.

func (c *Client) ListJobs(page, limit int, filters map[string]string) (*models.ListJobsResponse, error) {
	var jobsResp models.ListJobsResponse
	if err := c.get("/api/v1/jobs?"+listQuery(page, limit, filters), &jobsResp); err != nil {
		return nil, err
	}
	return &jobsResp, nil
}

func (c *Client) GetJob(id string) (*models.IngestJob, error) {
	var job models.IngestJob
	if err := c.get("/api/v1/jobs/"+url.PathEscape(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) ReplayJob(id string) (*models.ReplayResponse, error) {
	return c.replay("/api/v1/jobs/" + url.PathEscape(id) + "/replay")
}

func (c *Client) ListFiles(page, limit int, status string) (*models.ListFilesResponse, error) {
	var filesResp models.ListFilesResponse
	query := listQuery(page, limit, map[string]string{"status": status})
	if err := c.get("/api/v1/files?"+query, &filesResp); err != nil {
		return nil, err
	}
	return &filesResp, nil
}

func (c *Client) ListDeadLetters(limit int) (*DeadLetterResponse, error) {
	var dlqResp DeadLetterResponse
	path := fmt.Sprintf("/api/v1/dlq?limit=%d", limit)
	if err := c.get(path, &dlqResp); err != nil {
		return nil, err
	}
	return &dlqResp, nil
}

// Dispatcher API.

func (c *Client) ListDeliveries(page, limit int, filters map[string]string) (*models.ListDeliveriesResponse, error) {
	var delResp models.ListDeliveriesResponse
	if err := c.get("/api/v1/deliveries?"+listQuery(page, limit, filters), &delResp); err != nil {
		return nil, err
	}
	return &delResp, nil
}

func (c *Client) GetDelivery(id string) (*models.DeliveryDetailResponse, error) {
	var detail models.DeliveryDetailResponse
	if err := c.get("/api/v1/deliveries/"+url.PathEscape(id), &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

func (c *Client) ReplayDelivery(id string) (*models.ReplayResponse, error) {
	return c.replay("/api/v1/deliveries/" + url.PathEscape(id) + "/replay")
}

// replay issues the POST shared by both replay endpoints. The daemons answer
// 202 on acceptance; anything else carries an error body.
func (c *Client) replay(path string) (*models.ReplayResponse, error) {
	resp, err := c.doRequest(http.MethodPost, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s: %s", resp.Status, string(bodyBytes))
	}

	var replayResp models.ReplayResponse
	if err := json.NewDecoder(resp.Body).Decode(&replayResp); err != nil {
		return nil, err
	}
	return &replayResp, nil
}
