// Package client implements the sandbox client (C7): a stream-driven RPC
// to the external sandbox runner, with graceful degradation when the
// runner rejects an action and client-side timeout shaping derived from
// the plan's own step budgets.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tonaudit/controlplane/internal/resilience"
	"github.com/tonaudit/controlplane/internal/safepath"
)

// maxResponseBody caps a single NDJSON line and non-streaming JSON body.
const maxResponseBody int64 = 10 << 20

var invalidStepActionRe = regexp.MustCompile(`invalid step action: ([^\s"]+)`)

// FileInput is one file handed to the runner.
type FileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// StepInput is one plan step as submitted to the runner.
type StepInput struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	TimeoutMs int64  `json:"timeoutMs"`
	Optional  bool   `json:"optional"`
}

// Metadata carries observability-only context; the sandbox runner is
// stateless per call.
type Metadata struct {
	ProjectID     string `json:"projectId"`
	RevisionID    string `json:"revisionId"`
	Adapter       string `json:"adapter"`
	BootstrapMode string `json:"bootstrapMode"`
	SeedTemplate  string `json:"seedTemplate,omitempty"`
}

// ExecuteRequest is the §6 POST /execute body.
type ExecuteRequest struct {
	Files    []FileInput `json:"files"`
	Steps    []StepInput `json:"steps"`
	Metadata Metadata    `json:"metadata"`
}

// StreamEvent is one event off the NDJSON stream (or the single JSON
// object returned when streaming is not negotiated).
type StreamEvent struct {
	Event   string          `json:"event"`
	StepID  string          `json:"stepId,omitempty"`
	Status  string          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// ProgressCallback receives every stream event synchronously, in arrival
// order; the caller decides how (or whether) to broadcast it further.
type ProgressCallback func(StreamEvent)

// StepResult is one completed step's outcome.
type StepResult struct {
	StepID     string `json:"stepId"`
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs"`
}

// Result is the final, possibly degraded, outcome of Execute.
type Result struct {
	Results            []StepResult
	UnsupportedActions []string
}

// SandboxUnavailable wraps a network/timeout error talking to the
// runner. It is non-retryable at this layer: the verify handler records
// a sandbox-failed progress event and finalizes verification as failed.
type SandboxUnavailable struct {
	Cause error
}

func (e *SandboxUnavailable) Error() string { return "sandbox: unavailable: " + e.Cause.Error() }
func (e *SandboxUnavailable) Unwrap() error { return e.Cause }

// Client talks to one sandbox runner endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	breaker  *resilience.CircuitBreaker
}

// New builds a Client for endpoint, validating it is not a private or
// loopback target (SSRF prevention) up front.
func New(endpoint string, breaker *resilience.CircuitBreaker) (*Client, error) {
	if err := safepath.ValidateURL(endpoint); err != nil {
		return nil, fmt.Errorf("sandbox/client: %w", err)
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker()
	}
	return &Client{endpoint: endpoint, http: &http.Client{}, breaker: breaker}, nil
}

// requestTimeout computes sum(step.timeoutMs) + 15s, floored at 120s and
// capped 10s below the job's deadline.
func requestTimeout(steps []StepInput, jobDeadline time.Time) time.Duration {
	var sum time.Duration
	for _, s := range steps {
		sum += time.Duration(s.TimeoutMs) * time.Millisecond
	}
	timeout := sum + 15*time.Second
	if timeout < 120*time.Second {
		timeout = 120 * time.Second
	}
	if !jobDeadline.IsZero() {
		if cap := time.Until(jobDeadline) - 10*time.Second; cap > 0 && timeout > cap {
			timeout = cap
		}
	}
	return timeout
}

// Execute POSTs files and steps to the runner, degrading gracefully on a
// 400 "invalid step action" response by stripping that action and
// resubmitting. onProgress is invoked once per stream event.
func (c *Client) Execute(ctx context.Context, files []FileInput, steps []StepInput, meta Metadata, jobDeadline time.Time, onProgress ProgressCallback) (*Result, error) {
	if !c.breaker.Allow() {
		return nil, &SandboxUnavailable{Cause: &resilience.ErrCircuitOpen{Service: "sandbox-runner"}}
	}

	remaining := append([]StepInput{}, steps...)
	var unsupported []string
	var results []StepResult

	for {
		if len(remaining) == 0 {
			return &Result{Results: results, UnsupportedActions: unsupported}, nil
		}

		timeout := requestTimeout(remaining, jobDeadline)
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		stepResults, rejectedAction, err := c.attempt(reqCtx, files, remaining, meta, onProgress)
		cancel()

		if err != nil {
			c.breaker.RecordFailure()
			return nil, &SandboxUnavailable{Cause: err}
		}

		if rejectedAction != "" {
			unsupported = append(unsupported, rejectedAction)
			remaining = stripAction(remaining, rejectedAction)
			continue
		}

		c.breaker.RecordSuccess()
		results = append(results, stepResults...)
		return &Result{Results: results, UnsupportedActions: unsupported}, nil
	}
}

// attempt makes one POST /execute call. It returns either step results
// (success), a rejected action name (degradable 400), or a hard error
// (network/timeout — not retried at this layer).
func (c *Client) attempt(ctx context.Context, files []FileInput, steps []StepInput, meta Metadata, onProgress ProgressCallback) ([]StepResult, string, error) {
	body, err := json.Marshal(ExecuteRequest{Files: files, Steps: steps, Metadata: meta})
	if err != nil {
		return nil, "", fmt.Errorf("sandbox/client: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("sandbox/client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson, application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("sandbox/client: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		raw, _ := safepath.LimitedReadAll(resp.Body, maxResponseBody)
		if m := invalidStepActionRe.FindSubmatch(raw); m != nil {
			action := string(m[1])
			if stepsContainAction(steps, action) {
				return nil, action, nil
			}
		}
		return nil, "", fmt.Errorf("sandbox/client: status 400: %s", raw)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := safepath.LimitedReadAll(resp.Body, maxResponseBody)
		return nil, "", fmt.Errorf("sandbox/client: status %d: %s", resp.StatusCode, raw)
	}

	contentType := resp.Header.Get("Content-Type")
	if isNDJSON(contentType) {
		return c.consumeStream(resp.Body, onProgress)
	}
	return c.consumeSingle(resp.Body, onProgress)
}

func (c *Client) consumeStream(body io.Reader, onProgress ProgressCallback) ([]StepResult, string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), int(maxResponseBody))

	var results []StepResult
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, "", fmt.Errorf("sandbox/client: decode stream event: %w", err)
		}
		if onProgress != nil {
			onProgress(ev)
		}
		switch ev.Event {
		case "step-finished":
			results = append(results, StepResult{StepID: ev.StepID, Status: ev.Status})
		case "completed":
			return results, "", nil
		case "error":
			return nil, "", fmt.Errorf("sandbox/client: stream error: %s", ev.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, "", fmt.Errorf("sandbox/client: read stream: %w", err)
	}
	return results, "", nil
}

func (c *Client) consumeSingle(body io.Reader, onProgress ProgressCallback) ([]StepResult, string, error) {
	raw, err := safepath.LimitedReadAll(body, maxResponseBody)
	if err != nil {
		return nil, "", fmt.Errorf("sandbox/client: read response: %w", err)
	}
	var payload struct {
		Event   string       `json:"event"`
		Results []StepResult `json:"results"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, "", fmt.Errorf("sandbox/client: decode response: %w", err)
	}
	if onProgress != nil {
		onProgress(StreamEvent{Event: payload.Event})
	}
	return payload.Results, "", nil
}

func isNDJSON(contentType string) bool {
	return strings.Contains(contentType, "ndjson")
}

func stepsContainAction(steps []StepInput, action string) bool {
	for _, s := range steps {
		if s.Action == action {
			return true
		}
	}
	return false
}

func stripAction(steps []StepInput, action string) []StepInput {
	out := make([]StepInput, 0, len(steps))
	for _, s := range steps {
		if s.Action != action {
			out = append(out, s)
		}
	}
	return out
}
