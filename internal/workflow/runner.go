package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yungbote/neurobridge-genclient/internal/platform/logger"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// StatusReport is the coarse point-in-time status of a run.
type StatusReport struct {
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// JobRunner is the server-side collaborator that executes workflow runs.
type JobRunner interface {
	Trigger(ctx context.Context, body any) (string, error)
	Stream(ctx context.Context, runID string, startIndex int) (io.ReadCloser, error)
	Status(ctx context.Context, runID string) (StatusReport, error)
}

type HTTPRunnerOptions struct {
	TriggerURL string
	StatusURL  string
	PollingURL string

	BearerToken string
	Headers     map[string]string

	// RequestTimeout bounds trigger and poll requests. Streams are bounded
	// only by their context.
	RequestTimeout time.Duration

	HTTPClient *http.Client
	Logger     *logger.Logger
}

// HTTPRunner talks to the job runner over HTTP.
type HTTPRunner struct {
	triggerURL string
	statusURL  string
	pollingURL string

	requestTimeout time.Duration

	rc  *resty.Client
	log *logger.Logger
}

func NewHTTPRunner(opts HTTPRunnerOptions) (*HTTPRunner, error) {
	triggerURL := strings.TrimSpace(opts.TriggerURL)
	statusURL := strings.TrimSpace(opts.StatusURL)
	pollingURL := strings.TrimSpace(opts.PollingURL)
	if triggerURL == "" || statusURL == "" || pollingURL == "" {
		return nil, fmt.Errorf("%w: trigger, status and polling urls are required", ErrInvalidConfig)
	}

	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	rc := resty.NewWithClient(hc).
		SetLogger(log.SugaredLogger).
		SetHeader("User-Agent", "neurobridge-genclient")
	if token := strings.TrimSpace(opts.BearerToken); token != "" {
		rc.SetAuthToken(token)
	}
	for k, v := range opts.Headers {
		if strings.TrimSpace(k) == "" {
			continue
		}
		rc.SetHeader(k, v)
	}

	return &HTTPRunner{
		triggerURL:     triggerURL,
		statusURL:      statusURL,
		pollingURL:     pollingURL,
		requestTimeout: timeout,
		rc:             rc,
		log:            log.With("component", "HTTPRunner"),
	}, nil
}

// NewHTTPRunnerFromConfig builds a runner for the URLs in cfg.
func NewHTTPRunnerFromConfig(cfg Config, opts HTTPRunnerOptions) (*HTTPRunner, error) {
	opts.TriggerURL = cfg.TriggerURL
	opts.StatusURL = cfg.StatusURL
	opts.PollingURL = cfg.PollingURL
	return NewHTTPRunner(opts)
}

func (r *HTTPRunner) Trigger(ctx context.Context, body any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()

	req := r.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if body != nil {
		req.SetBody(body)
	} else {
		req.SetBody(map[string]any{})
	}

	resp, err := req.Post(r.triggerURL)
	if err != nil {
		return "", fmt.Errorf("trigger request: %w", err)
	}
	if !isSuccess(resp.StatusCode()) {
		return "", parseHTTPError(resp.StatusCode(), resp.Body())
	}

	var out struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	runID := strings.TrimSpace(out.RunID)
	if runID == "" {
		return "", ErrMissingRunID
	}
	return runID, nil
}

func (r *HTTPRunner) Stream(ctx context.Context, runID string, startIndex int) (io.ReadCloser, error) {
	resp, err := r.rc.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "application/x-ndjson, text/plain").
		SetQueryParams(map[string]string{
			"runId":      runID,
			"startIndex": strconv.Itoa(startIndex),
		}).
		Get(r.statusURL)
	if err != nil {
		return nil, fmt.Errorf("open status stream: %w", err)
	}
	body := resp.RawBody()
	if !isSuccess(resp.StatusCode()) {
		var raw []byte
		if body != nil {
			raw, _ = io.ReadAll(io.LimitReader(body, 1<<20))
			_ = body.Close()
		}
		return nil, parseHTTPError(resp.StatusCode(), raw)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: empty stream body", ErrMalformedResponse)
	}
	return body, nil
}

func (r *HTTPRunner) Status(ctx context.Context, runID string) (StatusReport, error) {
	ctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()

	resp, err := r.rc.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetQueryParam("runId", runID).
		Get(r.pollingURL)
	if err != nil {
		return StatusReport{}, fmt.Errorf("poll status: %w", err)
	}
	if !isSuccess(resp.StatusCode()) {
		return StatusReport{}, parseHTTPError(resp.StatusCode(), resp.Body())
	}

	var out StatusReport
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return StatusReport{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	switch out.Status {
	case RunRunning, RunCompleted, RunFailed:
		return out, nil
	default:
		return StatusReport{}, fmt.Errorf("%w: unknown run status %q", ErrMalformedResponse, out.Status)
	}
}
