// Package llm wraps the external LLM completion API (§6 collaborator):
// retry on transient errors, then fall back to a secondary model, with the
// primary failure captured as a persisted artifact rather than failing the
// audit stage outright.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tonaudit/controlplane/internal/objectstore"
	"github.com/tonaudit/controlplane/internal/resilience"
)

// Request is one completion call: a prompt plus the JSON schema the
// response must conform to.
type Request struct {
	ModelID string
	Prompt  string
	Schema  json.RawMessage
}

// Completer is the raw provider SDK surface the core consumes. It is the
// one function a concrete provider adapter must implement.
type Completer interface {
	Complete(ctx context.Context, req Request) (json.RawMessage, error)
}

// TransientError marks a Completer error as retryable (rate limit,
// timeout, 5xx from the provider).
type TransientError struct{ Cause error }

func (e *TransientError) Error() string { return "llm: transient: " + e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }

func isRetryable(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// Client drives a primary/fallback completion with artifact persistence.
type Client struct {
	completer Completer
	artifacts objectstore.Store
	policy    resilience.Policy
}

// New builds a Client. artifacts is where prompt/result/primary-error
// blobs are written, per the §6 storage-key layout.
func New(completer Completer, artifacts objectstore.Store) *Client {
	return &Client{
		completer: completer,
		artifacts: artifacts,
		// "handler retries twice on retryable errors, then falls back"
		policy: resilience.Exponential(3, 2*time.Second, isRetryable),
	}
}

// Result is the outcome of CompleteWithFallback: the model that actually
// produced the response, and whether the fallback model was used.
type Result struct {
	ModelID      string
	UsedFallback bool
	Response     json.RawMessage
}

// CompleteWithFallback retries the primary model, then falls back to the
// fallback model on exhaustion. The primary's prompt, result (or error),
// are persisted as artifacts under artifactPrefix regardless of outcome;
// a primary failure does not fail the call if the fallback succeeds.
func (c *Client) CompleteWithFallback(ctx context.Context, primaryModelID, fallbackModelID, prompt string, schema json.RawMessage, artifactPrefix string) (*Result, error) {
	_ = c.putArtifact(ctx, artifactPrefix+"/prompt.txt", []byte(prompt), "text/plain")

	primaryReq := Request{ModelID: primaryModelID, Prompt: prompt, Schema: schema}
	var response json.RawMessage
	var primaryErr error

	err := c.policy.DoExponential(ctx, func(ctx context.Context) error {
		resp, err := c.completer.Complete(ctx, primaryReq)
		if err != nil {
			primaryErr = err
			return err
		}
		response = resp
		return nil
	})
	if err == nil {
		_ = c.putArtifact(ctx, artifactPrefix+"/model-result.json", response, "application/json")
		return &Result{ModelID: primaryModelID, UsedFallback: false, Response: response}, nil
	}

	_ = c.putArtifact(ctx, artifactPrefix+"/primary-error.json", primaryErrorArtifact(primaryErr), "application/json")

	if fallbackModelID == "" || fallbackModelID == primaryModelID {
		return nil, fmt.Errorf("llm: primary model failed and no distinct fallback configured: %w", primaryErr)
	}

	fallbackResp, err := c.completer.Complete(ctx, Request{ModelID: fallbackModelID, Prompt: prompt, Schema: schema})
	if err != nil {
		return nil, fmt.Errorf("llm: primary and fallback both failed: primary=%v fallback=%w", primaryErr, err)
	}
	_ = c.putArtifact(ctx, artifactPrefix+"/model-result.json", fallbackResp, "application/json")
	return &Result{ModelID: fallbackModelID, UsedFallback: true, Response: fallbackResp}, nil
}

func (c *Client) putArtifact(ctx context.Context, key string, data []byte, contentType string) error {
	if c.artifacts == nil {
		return nil
	}
	return c.artifacts.Put(ctx, key, data, contentType)
}

func primaryErrorArtifact(err error) []byte {
	payload := struct {
		Error string `json:"error"`
	}{Error: err.Error()}
	out, _ := json.Marshal(payload)
	return out
}
