package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/httpclient"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/observability"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/source"
)

// ErrUnauthorized is returned when the server rejects the worker secret.
var ErrUnauthorized = errors.New("worker secret rejected")

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4096

// AssignedJob is the part of a claimed job the worker needs.
type AssignedJob struct {
	ID               string `json:"id"`
	SourceID         string `json:"source_id"`
	ProfileID        string `json:"profile_id"`
	Filename         string `json:"filename,omitempty"`
	SourceDurationMs int64  `json:"source_duration_ms,omitempty"`
}

// Assignment is a claimed job and where to download its source.
type Assignment struct {
	Job    AssignedJob     `json:"job"`
	Source source.Location `json:"source"`
}

// DurationMs returns the best known source duration.
func (a *Assignment) DurationMs() int64 {
	if a.Source.DurationMs > 0 {
		return a.Source.DurationMs
	}
	return a.Job.SourceDurationMs
}

// Client speaks the worker protocol to the coordinating server.
type Client struct {
	baseURL  string
	workerID string
	secret   observability.Secret
	http     *httpclient.Client
}

// NewClient creates a protocol client for workerID.
func NewClient(baseURL, workerID, secret string, hc *httpclient.Client) *Client {
	if hc == nil {
		hc = httpclient.New(httpclient.DefaultConfig())
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		workerID: workerID,
		secret:   observability.Secret(secret),
		http:     hc,
	}
}

// WorkerID returns the id this client reports as.
func (c *Client) WorkerID() string {
	return c.workerID
}

// Register announces the worker and its capability descriptor.
func (c *Client) Register(ctx context.Context, name, capabilities string) error {
	body := map[string]string{
		"id":           c.workerID,
		"name":         name,
		"capabilities": capabilities,
	}
	resp, err := c.send(ctx, http.MethodPost, "/api/v1/workers/register", body)
	if err != nil {
		return err
	}
	drainClose(resp)
	return nil
}

// Heartbeat reports liveness and the number of running jobs.
func (c *Client) Heartbeat(ctx context.Context, activeJobs int) error {
	resp, err := c.send(ctx, http.MethodPost, c.workerPath("heartbeat"), map[string]int{"active_jobs": activeJobs})
	if err != nil {
		return err
	}
	drainClose(resp)
	return nil
}

// Claim asks for the oldest pending job. It returns (nil, nil) when the
// queue is empty.
func (c *Client) Claim(ctx context.Context) (*Assignment, error) {
	resp, err := c.send(ctx, http.MethodPost, c.workerPath("claim"), nil)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	var a Assignment
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return nil, fmt.Errorf("decoding claim: %w", err)
	}
	return &a, nil
}

// DownloadSource writes the job's source to path. The duration header, when
// present, fills in a duration the claim did not carry.
func (c *Client) DownloadSource(ctx context.Context, a *Assignment, path string) (int64, error) {
	target := a.Source.URL
	if target == "" {
		target = c.baseURL + c.jobPath(a.Job.ID, "source")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, fmt.Errorf("creating source request: %w", err)
	}
	if a.Source.Header != "" {
		req.Header.Set(a.Source.Header, string(a.Source.Credential))
	}
	c.authorize(req)

	resp, err := c.do(req)
	if err != nil {
		return 0, err
	}
	defer drainClose(resp)

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating source file: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("downloading source: %w", err)
	}

	if a.Source.DurationMs == 0 {
		var ms int64
		if _, scanErr := fmt.Sscan(resp.Header.Get(source.DurationHeader), &ms); scanErr == nil && ms > 0 {
			a.Source.DurationMs = ms
		}
	}
	return n, nil
}

// ReportProgress records encoder progress. models.ErrGone means the job was
// cancelled and the encoder must stop.
func (c *Client) ReportProgress(ctx context.Context, jobID string, progress int) error {
	resp, err := c.send(ctx, http.MethodPost, c.jobPath(jobID, "progress"), map[string]int{"progress": progress})
	if err != nil {
		return err
	}
	drainClose(resp)
	return nil
}

// UploadArtifact sends the finished output and returns the name the server
// stored it under along with its size.
func (c *Client) UploadArtifact(ctx context.Context, jobID, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return "", 0, fmt.Errorf("reading artifact size: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+c.jobPath(jobID, "artifact"), f)
	if err != nil {
		_ = f.Close()
		return "", 0, fmt.Errorf("creating artifact request: %w", err)
	}
	req.ContentLength = info.Size()
	req.GetBody = func() (io.ReadCloser, error) {
		return os.Open(path)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.authorize(req)

	resp, err := c.do(req)
	if err != nil {
		return "", 0, err
	}
	defer drainClose(resp)

	var out struct {
		OutputPath string `json:"output_path"`
		FileSize   int64  `json:"file_size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("decoding artifact response: %w", err)
	}
	return out.OutputPath, out.FileSize, nil
}

// Complete finalizes a job whose artifact was uploaded.
func (c *Client) Complete(ctx context.Context, jobID, outputPath string, size int64) error {
	body := struct {
		OutputPath string `json:"output_path"`
		FileSize   int64  `json:"file_size"`
	}{outputPath, size}
	resp, err := c.send(ctx, http.MethodPost, c.jobPath(jobID, "complete"), body)
	if err != nil {
		return err
	}
	drainClose(resp)
	return nil
}

// ReportError records a terminal failure.
func (c *Client) ReportError(ctx context.Context, jobID, message string) error {
	if len(message) > maxErrorBody {
		message = message[:maxErrorBody]
	}
	resp, err := c.send(ctx, http.MethodPost, c.jobPath(jobID, "error"), map[string]string{"message": message})
	if err != nil {
		return err
	}
	drainClose(resp)
	return nil
}

func (c *Client) workerPath(action string) string {
	return "/api/v1/workers/" + url.PathEscape(c.workerID) + "/" + action
}

func (c *Client) jobPath(jobID, action string) string {
	return "/api/v1/workers/" + url.PathEscape(c.workerID) + "/jobs/" + url.PathEscape(jobID) + "/" + action
}

func (c *Client) authorize(req *http.Request) {
	if c.secret != "" && req.Header.Get(source.WorkerSecretHeader) == "" {
		req.Header.Set(source.WorkerSecretHeader, string(c.secret))
	}
}

// send issues a JSON request. A nil body sends no payload.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	return c.do(req)
}

// do sends req and converts error statuses into errors.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusBadRequest {
		return resp, nil
	}
	defer drainClose(resp)
	return nil, statusError(req, resp)
}

// statusError maps a protocol status to the matching domain error so callers
// can use errors.Is.
func statusError(req *http.Request, resp *http.Response) error {
	msg := errorMessage(resp.Body)
	var base error
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		base = ErrUnauthorized
	case http.StatusForbidden:
		base = models.ErrOwnershipViolation
	case http.StatusNotFound:
		base = models.ErrNotFound
	case http.StatusConflict:
		base = models.ErrInvalidTransition
	case http.StatusGone:
		base = models.ErrGone
	case http.StatusServiceUnavailable:
		base = models.ErrResourceUnavailable
	default:
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, msg)
	}
	if msg == "" {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, base)
	}
	return fmt.Errorf("%s %s: %w: %s", req.Method, req.URL.Path, base, msg)
}

// errorMessage extracts the message from either error body shape the server
// writes: {"error": ...} from raw routes or problem details from the API.
func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return strings.TrimSpace(string(data))
	}
	switch {
	case body.Error != "":
		return body.Error
	case body.Detail != "":
		return body.Detail
	default:
		return body.Title
	}
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}
