package bulk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ryabkov82/crm-bulk-upsert/internal/job"
)

const (
	jsonContentType = "application/json; charset=UTF-8"
	csvContentType  = "text/csv; charset=UTF-8"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	InstanceURL string `json:"instance_url"`
}

// jobInfo is the job document of the async API
type jobInfo struct {
	ID                     string `json:"id,omitempty"`
	Operation              string `json:"operation,omitempty"`
	Object                 string `json:"object,omitempty"`
	ExternalIDFieldName    string `json:"externalIdFieldName,omitempty"`
	ContentType            string `json:"contentType,omitempty"`
	State                  string `json:"state,omitempty"`
	NumberBatchesTotal     int    `json:"numberBatchesTotal,omitempty"`
	NumberBatchesCompleted int    `json:"numberBatchesCompleted,omitempty"`
	NumberBatchesFailed    int    `json:"numberBatchesFailed,omitempty"`
	NumberRecordsProcessed int    `json:"numberRecordsProcessed,omitempty"`
	NumberRecordsFailed    int    `json:"numberRecordsFailed,omitempty"`
}

// batchInfo is the batch document of the async API
type batchInfo struct {
	ID                     string `json:"id"`
	JobID                  string `json:"jobId"`
	State                  string `json:"state"`
	StateMessage           string `json:"stateMessage,omitempty"`
	NumberRecordsProcessed int    `json:"numberRecordsProcessed"`
	NumberRecordsFailed    int    `json:"numberRecordsFailed"`
}

type batchInfoList struct {
	BatchInfo []batchInfo `json:"batchInfo"`
}

// status converts the wire document. The API spells one state "Not Processed".
func (b batchInfo) status() job.BatchStatus {
	return job.BatchStatus{
		BatchID:          b.ID,
		JobID:            b.JobID,
		State:            job.BatchState(strings.ReplaceAll(b.State, " ", "")),
		StateMessage:     b.StateMessage,
		RecordsProcessed: b.NumberRecordsProcessed,
		RecordsFailed:    b.NumberRecordsFailed,
	}
}

func (c *Client) asyncPath(format string, args ...interface{}) string {
	return fmt.Sprintf("/services/async/%s", c.opts.APIVersion) + fmt.Sprintf(format, args...)
}

// Login performs the OAuth2 password grant and stores the session
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", c.opts.UserID)
	form.Set("password", c.opts.Password)
	if c.opts.ClientID != "" {
		form.Set("client_id", c.opts.ClientID)
	}
	if c.opts.ClientSecret != "" {
		form.Set("client_secret", c.opts.ClientSecret)
	}
	tokenURL := strings.TrimRight(c.opts.Endpoint, "/") + "/services/oauth2/token"

	resp, err := c.do(ctx, OpLogin, false, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	var tok tokenResponse
	if err := decodeJSON(resp, &tok); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if tok.AccessToken == "" || tok.InstanceURL == "" {
		return fmt.Errorf("login: token response without access_token or instance_url")
	}
	c.SetSession(Session{AccessToken: tok.AccessToken, InstanceURL: tok.InstanceURL})
	return nil
}

// CreateJob opens an upsert job
func (c *Client) CreateJob(ctx context.Context, object, externalIDField string) (*job.Job, error) {
	body, err := json.Marshal(jobInfo{
		Operation:           "upsert",
		Object:              object,
		ExternalIDFieldName: externalIDField,
		ContentType:         "CSV",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal error: %w", err)
	}

	resp, err := c.do(ctx, OpCreateJob, false, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, c.asyncPath("/job"), body, jsonContentType)
	})
	if err != nil {
		return nil, err
	}

	var info jobInfo
	if err := decodeJSON(resp, &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, fmt.Errorf("job created without an id")
	}
	return &job.Job{
		ID:              info.ID,
		Object:          info.Object,
		Operation:       info.Operation,
		ExternalIDField: info.ExternalIDFieldName,
		ContentType:     info.ContentType,
		State:           job.JobState(info.State),
		CreatedAt:       time.Now(),
	}, nil
}

// CreateBatch uploads a CSV payload as a new batch of the job
func (c *Client) CreateBatch(ctx context.Context, jobID string, payload []byte) (job.BatchStatus, error) {
	body := payload
	if c.opts.Gzip {
		compressed, err := compress(payload)
		if err != nil {
			return job.BatchStatus{}, err
		}
		body = compressed
	}

	resp, err := c.do(ctx, OpCreateBatch, false, func(ctx context.Context) (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodPost, c.asyncPath("/job/%s/batch", jobID), body, csvContentType)
		if err != nil {
			return nil, err
		}
		if c.opts.Gzip {
			req.Header.Set("Content-Encoding", "gzip")
		}
		return req, nil
	})
	if err != nil {
		return job.BatchStatus{}, err
	}

	var info batchInfo
	if err := decodeJSON(resp, &info); err != nil {
		return job.BatchStatus{}, err
	}
	if info.ID == "" {
		return job.BatchStatus{}, fmt.Errorf("batch created without an id")
	}
	return info.status(), nil
}

// CloseJob marks the job Closed so no further batches are accepted
func (c *Client) CloseJob(ctx context.Context, jobID string) error {
	return c.setJobState(ctx, OpCloseJob, jobID, job.JobClosed)
}

// AbortJob marks the job Aborted
func (c *Client) AbortJob(ctx context.Context, jobID string) error {
	return c.setJobState(ctx, OpAbortJob, jobID, job.JobAborted)
}

func (c *Client) setJobState(ctx context.Context, op, jobID string, state job.JobState) error {
	body, err := json.Marshal(jobInfo{State: string(state)})
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	resp, err := c.do(ctx, op, false, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, c.asyncPath("/job/%s", jobID), body, jsonContentType)
	})
	if err != nil {
		return err
	}

	var info jobInfo
	if err := decodeJSON(resp, &info); err != nil {
		return err
	}
	if info.State != "" && info.State != string(state) {
		return fmt.Errorf("job %s is %s, expected %s", jobID, info.State, state)
	}
	return nil
}

// BatchStatuses returns the status of every batch of the job
func (c *Client) BatchStatuses(ctx context.Context, jobID string) ([]job.BatchStatus, error) {
	// single attempt: a failed query is one failed poll, retried by the caller after its poll interval
	resp, err := c.do(ctx, OpBatchStatuses, false, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, c.asyncPath("/job/%s/batch", jobID), nil, "")
	})
	if err != nil {
		return nil, err
	}

	var list batchInfoList
	if err := decodeJSON(resp, &list); err != nil {
		return nil, err
	}
	statuses := make([]job.BatchStatus, 0, len(list.BatchInfo))
	for _, b := range list.BatchInfo {
		statuses = append(statuses, b.status())
	}
	return statuses, nil
}

// BatchResult opens the CSV result feed of a batch. The caller closes it.
func (c *Client) BatchResult(ctx context.Context, jobID, batchID string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, OpBatchResult, true, func(ctx context.Context) (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodGet, c.asyncPath("/job/%s/batch/%s/result", jobID, batchID), nil, "")
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/csv")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// JobStatus returns the authoritative job summary
func (c *Client) JobStatus(ctx context.Context, jobID string) (job.JobStatus, error) {
	resp, err := c.do(ctx, OpJobStatus, true, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, c.asyncPath("/job/%s", jobID), nil, "")
	})
	if err != nil {
		return job.JobStatus{}, err
	}

	var info jobInfo
	if err := decodeJSON(resp, &info); err != nil {
		return job.JobStatus{}, err
	}
	return job.JobStatus{
		ID:               info.ID,
		State:            job.JobState(info.State),
		BatchesTotal:     info.NumberBatchesTotal,
		BatchesCompleted: info.NumberBatchesCompleted,
		BatchesFailed:    info.NumberBatchesFailed,
		RecordsProcessed: info.NumberRecordsProcessed,
		RecordsFailed:    info.NumberRecordsFailed,
	}, nil
}

type saveResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Errors  []struct {
		StatusCode string `json:"statusCode"`
		Message    string `json:"message"`
	} `json:"errors"`
}

// CreateRecord creates one record through the REST API and returns its id
func (c *Client) CreateRecord(ctx context.Context, sobject string, fields map[string]interface{}) (string, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal error: %w", err)
	}
	path := fmt.Sprintf("/services/data/v%s/sobjects/%s", c.opts.APIVersion, sobject)

	resp, err := c.do(ctx, OpCreateRecord, false, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, path, body, jsonContentType)
	})
	if err != nil {
		return "", err
	}

	var res saveResult
	if err := decodeJSON(resp, &res); err != nil {
		return "", err
	}
	if !res.Success {
		if len(res.Errors) > 0 {
			return "", fmt.Errorf("create %s: %s: %s", sobject, res.Errors[0].StatusCode, res.Errors[0].Message)
		}
		return "", fmt.Errorf("create %s failed", sobject)
	}
	return res.ID, nil
}
