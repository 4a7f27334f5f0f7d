// Package agent runs the measurement loop on the machine wired to the
// weighing device: claim a job, wait for a stable reading, commit it.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kkaryeong/reagent-ology/errors"
)

// Client talks to the server's queue and measurement endpoints
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// ClaimedJob is the server's answer to a claim
type ClaimedJob struct {
	ID     string `json:"id"`
	TagUID string `json:"tag_uid"`
}

type claimResponse struct {
	OK  bool        `json:"ok"`
	Job *ClaimedJob `json:"job"`
}

// ClaimNext asks the server for the oldest pending job. Returns nil when
// the queue is empty.
func (c *Client) ClaimNext(ctx context.Context, agent string) (*ClaimedJob, error) {
	var resp claimResponse
	path := "/queue/next?agent=" + url.QueryEscape(agent)
	if err := c.post(ctx, path, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "Client", "ClaimNext", "claim job")
	}
	return resp.Job, nil
}

type measureRequest struct {
	TagUID       string  `json:"tag_uid"`
	GrossWeightG float64 `json:"gross_weight_g"`
	Source       string  `json:"source"`
	Note         string  `json:"note"`
}

type measureResponse struct {
	OK  bool `json:"ok"`
	Log *struct {
		ID int64 `json:"id"`
	} `json:"log"`
}

// Measure commits a stable gross reading for the tag and returns the id of
// the usage log the server wrote.
func (c *Client) Measure(ctx context.Context, tag string, grossG float64, source, note string) (*int64, error) {
	req := measureRequest{TagUID: tag, GrossWeightG: grossG, Source: source, Note: note}

	var resp measureResponse
	if err := c.post(ctx, "/measure", req, &resp); err != nil {
		return nil, errors.Wrap(err, "Client", "Measure", "commit measurement")
	}
	if resp.Log == nil {
		return nil, nil
	}
	return &resp.Log.ID, nil
}

type finishRequest struct {
	ResultLogID *int64 `json:"result_log_id,omitempty"`
}

// Finish marks the job done on the server
func (c *Client) Finish(ctx context.Context, jobID string, resultLogID *int64) error {
	path := fmt.Sprintf("/queue/%s/done", jobID)
	if err := c.post(ctx, path, finishRequest{ResultLogID: resultLogID}, nil); err != nil {
		return errors.Wrap(err, "Client", "Finish", "mark job done")
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.WrapInvalid(err, "Client", "post", "encode request")
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, reqBody)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "post", "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Client", "post", "send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.WrapNotFound(errors.New(readErrorMessage(resp.Body)),
			"Client", "post", "server rejected request")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		err := errors.New(readErrorMessage(resp.Body))
		if resp.StatusCode >= http.StatusInternalServerError ||
			resp.StatusCode == http.StatusServiceUnavailable {
			return errors.WrapTransient(err, "Client", "post", "server unavailable")
		}
		return errors.WrapInvalid(err, "Client", "post", "server rejected request")
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.WrapTransient(err, "Client", "post", "decode response")
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return "request failed"
}
