package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DeviceHeader carries the client's device id on every request.
const DeviceHeader = "X-Clinsync-Device"

type pushRequest struct {
	Items []PushItem `json:"items"`
}

type pushResponse struct {
	Outcomes []PushOutcome `json:"outcomes"`
}

type changesResponse struct {
	Records []Record `json:"records"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPClient is an Endpoint reached over JSON/HTTP.
type HTTPClient struct {
	baseURL    string
	deviceID   string
	httpClient *http.Client
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.httpClient.Timeout = d }
}

// WithDeviceID identifies this replica to the server.
func WithDeviceID(id string) Option {
	return func(c *HTTPClient) { c.deviceID = id }
}

// NewHTTPClient creates a client for the server at baseURL
// (e.g. "http://localhost:8650").
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Push implements Endpoint.
func (c *HTTPClient) Push(ctx context.Context, items []PushItem) ([]PushOutcome, error) {
	var resp pushResponse
	if err := c.postJSON(ctx, "/v1/push", pushRequest{Items: items}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Outcomes) != len(items) {
		return nil, fmt.Errorf("%w: push returned %d outcomes for %d items", ErrUnavailable, len(resp.Outcomes), len(items))
	}
	return resp.Outcomes, nil
}

// Changes implements Endpoint.
func (c *HTTPClient) Changes(ctx context.Context, since *time.Time, limit int) ([]Record, error) {
	q := url.Values{}
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	q.Set("limit", strconv.Itoa(limit))

	var resp changesResponse
	if err := c.getJSON(ctx, "/v1/changes?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.deviceID != "" {
		req.Header.Set(DeviceHeader, c.deviceID)
	}
	return req, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, path, out)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("remote: marshal: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *HTTPClient) do(req *http.Request, path string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return fmt.Errorf("remote: %s %s: %w", req.Method, path, ctxErr)
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, req.Method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseError(resp, req.Method, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: decode: %v", ErrUnavailable, req.Method, path, err)
	}
	return nil
}

func parseError(resp *http.Response, method, path string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
	}

	kind := ErrBadRequest
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		kind = ErrUnavailable
	}
	return fmt.Errorf("%w: %s %s: HTTP %d: %s", kind, method, path, resp.StatusCode, msg)
}
