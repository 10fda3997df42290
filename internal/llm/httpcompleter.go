package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tonaudit/controlplane/internal/safepath"
)

// HTTPCompleter is a minimal Completer backed by a single HTTP endpoint
// that accepts {modelId, prompt, schema} and returns the raw JSON
// response. It stands in for whatever provider SDK a deployment actually
// wires in; the Client above never depends on it directly.
type HTTPCompleter struct {
	endpoint string
	http     *http.Client
}

// NewHTTPCompleter builds an HTTPCompleter for endpoint, rejecting
// loopback/private targets up front the same way the sandbox client does.
func NewHTTPCompleter(endpoint string) (*HTTPCompleter, error) {
	if err := safepath.ValidateURL(endpoint); err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	return &HTTPCompleter{endpoint: endpoint, http: &http.Client{Timeout: 2 * time.Minute}}, nil
}

type httpCompleteRequest struct {
	ModelID string          `json:"modelId"`
	Prompt  string          `json:"prompt"`
	Schema  json.RawMessage `json:"schema,omitempty"`
}

func (c *HTTPCompleter) Complete(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(httpCompleteRequest{ModelID: req.ModelID, Prompt: req.Prompt, Schema: req.Schema})
	if err != nil {
		return nil, fmt.Errorf("llm: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &TransientError{Cause: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &TransientError{Cause: fmt.Errorf("llm: provider status %d: %s", resp.StatusCode, string(payload))}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm: provider status %d: %s", resp.StatusCode, string(payload))
	}
	return json.RawMessage(payload), nil
}
