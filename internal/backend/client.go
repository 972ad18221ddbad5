// Package backend talks to the ingestion service's upload and status
// endpoints over HTTP.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/JakeFAU/ingest-progress/internal/discovery"
	"github.com/JakeFAU/ingest-progress/internal/ingest"
	"github.com/JakeFAU/ingest-progress/internal/metrics"
)

const (
	uploadPath            = "/upload/"
	maxResponseBytes      = 4 << 20
	defaultSampleInterval = 200 * time.Millisecond
)

// Config controls how the Client reaches the backend.
type Config struct {
	BaseURL string
	// Timeout bounds each HTTP exchange; zero leaves uploads unbounded.
	Timeout time.Duration
	// SampleInterval is the minimum spacing of transfer callbacks.
	SampleInterval time.Duration
	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
	Clock      ingest.Clock
}

// Client implements ingest.Backend.
type Client struct {
	base           *url.URL
	http           *http.Client
	sampleInterval time.Duration
	now            func() time.Time
}

var _ ingest.Backend = (*Client)(nil)

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q must be http or https", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	interval := cfg.SampleInterval
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock.Now
	}
	return &Client{base: base, http: httpClient, sampleInterval: interval, now: now}, nil
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

// Message returns the response body when present, otherwise fallback with
// the status code substituted for %d.
func (e *StatusError) Message(fallback string) string {
	if body := strings.TrimSpace(e.Body); body != "" {
		return body
	}
	return fmt.Sprintf(fallback, e.Code)
}

// AsStatusError unwraps err into a *StatusError.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Initiate streams upload as the "file" field of a multipart POST and decodes
// the job id from the response. onProgress, when non-nil, receives paced
// cumulative byte counts and always a final sample once the body is drained.
func (c *Client) Initiate(ctx context.Context, upload ingest.Upload, onProgress ingest.TransferFunc) (ingest.Initiation, error) {
	if upload.Body == nil {
		return ingest.Initiation{}, errors.New("upload body is nil")
	}
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	body := newCountingReader(upload.Body, upload.Size, c.sampleInterval, c.now, onProgress)

	go func() {
		part, err := form.CreateFormFile("file", upload.Name)
		if err == nil {
			_, err = io.Copy(part, body)
		}
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(uploadPath), pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return ingest.Initiation{}, fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	raw, err := c.do(req, "upload")
	// Unblocks the writer goroutine if the transport stopped reading early.
	_ = pr.CloseWithError(errors.New("upload request finished"))
	if err != nil {
		return ingest.Initiation{}, err
	}
	return decodeInitiation(raw)
}

// Status fetches the current status payload for jobID.
func (c *Client) Status(ctx context.Context, jobID string) (ingest.Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(uploadPath+url.PathEscape(jobID)), nil)
	if err != nil {
		return nil, fmt.Errorf("create status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	raw, err := c.do(req, "status")
	if err != nil {
		return nil, err
	}
	payload, err := decodePayload(raw)
	if err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	if payload == nil {
		payload = ingest.Payload{}
	}
	return payload, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) do(req *http.Request, endpoint string) ([]byte, error) {
	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveBackendRequest(c.base.String(), endpoint, 0, c.now().Sub(start))
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	metrics.ObserveBackendRequest(c.base.String(), endpoint, resp.StatusCode, c.now().Sub(start))
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func decodePayload(raw []byte) (ingest.Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload ingest.Payload
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func decodeInitiation(raw []byte) (ingest.Initiation, error) {
	payload, err := decodePayload(raw)
	if err != nil {
		return ingest.Initiation{}, fmt.Errorf("decode upload response: %w", err)
	}
	init := ingest.Initiation{Raw: payload}
	for _, key := range []string{"job_id", "id"} {
		if id, ok := jobID(payload[key]); ok {
			init.JobID = id
			break
		}
	}
	if pct, ok := discovery.Number(payload["percent"]); ok {
		init.Percent = &pct
	}
	return init, nil
}

// jobID accepts string and numeric ids.
func jobID(v any) (string, bool) {
	switch v.(type) {
	case string, json.Number, float64, int, int64:
	default:
		return "", false
	}
	id, err := cast.ToStringE(v)
	if err != nil {
		return "", false
	}
	id = strings.TrimSpace(id)
	return id, id != ""
}
