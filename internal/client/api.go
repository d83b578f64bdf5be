package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"plyr/pkg/models"
)

// Request headers understood by the queue server.
const (
	HeaderUserID   = "X-User-Id"
	HeaderDeviceID = "X-Device-Id"
)

// QueueAPI is the server surface the sync components use.
type QueueAPI interface {
	GetQueue(ctx context.Context) (models.QueueState, error)
	PutQueue(ctx context.Context, req models.WriteRequest) (models.WriteResponse, error)
}

// APIError is a non-2xx answer from the queue server.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("queue api: %d %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("queue api: %d %s", e.StatusCode, e.Message)
}

// Transient reports whether retrying the same request may succeed.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// IsTransient classifies a sync error: API errors by status, cancellation as
// permanent, and anything else (connection refused, timeouts, resets) as
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var verr *models.ValidationError
	return !errors.As(err, &verr)
}

// CodeVersionAhead is the error code of a write whose expected version is
// higher than the server's.
const CodeVersionAhead = "EXPECTED_VERSION_AHEAD"

// IsVersionAhead reports whether err is a write rejected because the server
// is behind the expected version.
func IsVersionAhead(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeVersionAhead
}

// APIClient talks to the queue server over HTTP as one user and device.
type APIClient struct {
	baseURL    string
	userID     string
	deviceID   string
	httpClient *http.Client

	mutex  sync.Mutex
	etag   string
	cached models.QueueState
}

// NewAPIClient creates a client for the server at baseURL.
func NewAPIClient(baseURL, userID, deviceID string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userID:     userID,
		deviceID:   deviceID,
		httpClient: httpClient,
	}
}

// GetQueue fetches the canonical record. The last seen ETag is sent along and
// a 304 answer returns the cached record.
func (c *APIClient) GetQueue(ctx context.Context) (models.QueueState, error) {
	req, err := c.newRequest(ctx, http.MethodGet, nil)
	if err != nil {
		return models.QueueState{}, err
	}

	c.mutex.Lock()
	etag := c.etag
	c.mutex.Unlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.QueueState{}, fmt.Errorf("failed to fetch queue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		return c.cached.Clone(), nil
	}
	if resp.StatusCode != http.StatusOK {
		return models.QueueState{}, decodeAPIError(resp)
	}

	var state models.QueueState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return models.QueueState{}, fmt.Errorf("failed to decode queue: %w", err)
	}
	c.remember(resp.Header.Get("ETag"), state)
	return state, nil
}

// PutQueue submits a snapshot. A superseded write is a successful call with
// Accepted false.
func (c *APIClient) PutQueue(ctx context.Context, body models.WriteRequest) (models.WriteResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return models.WriteResponse{}, fmt.Errorf("failed to encode write: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPut, bytes.NewReader(data))
	if err != nil {
		return models.WriteResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.WriteResponse{}, fmt.Errorf("failed to write queue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.WriteResponse{}, decodeAPIError(resp)
	}

	var out models.WriteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.WriteResponse{}, fmt.Errorf("failed to decode write response: %w", err)
	}
	c.remember(resp.Header.Get("ETag"), out.QueueState)
	return out, nil
}

func (c *APIClient) newRequest(ctx context.Context, method string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/queue", body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(HeaderUserID, c.userID)
	if c.deviceID != "" {
		req.Header.Set(HeaderDeviceID, c.deviceID)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *APIClient) remember(etag string, state models.QueueState) {
	if etag == "" {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.etag = etag
	c.cached = state.Clone()
}

// decodeAPIError reads either error body shape the server produces: the
// {success:false, error} envelope or the {valid:false, errors:[...]} list.
func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	var body struct {
		Error  string `json:"error"`
		Errors []struct {
			Field   string `json:"field"`
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"errors"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			apiErr.Message = body.Error
		}
		if len(body.Errors) > 0 {
			apiErr.Message = fmt.Sprintf("%s: %s", body.Errors[0].Field, body.Errors[0].Message)
			apiErr.Code = body.Errors[0].Code
		}
	}
	return apiErr
}
