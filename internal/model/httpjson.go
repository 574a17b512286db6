package model

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/pkg/schema"
)

const maxResponseBytes = 8 << 20

// HTTPProvider posts {model, prompt, stream:false} to a JSON endpoint and
// extracts the generated text with the request's jq path.
type HTTPProvider struct {
	name     string
	endpoint string
	token    string
	client   *http.Client
	jq       *expressions.GoJQEngine
}

// NewHTTPProvider creates a provider posting to endpoint. A non-empty token
// is sent as a bearer credential.
func NewHTTPProvider(name, endpoint, token string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{
		name:     name,
		endpoint: endpoint,
		token:    token,
		client:   client,
		jq:       expressions.NewGoJQEngine(),
	}
}

func (p *HTTPProvider) Name() string { return p.name }

type httpRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

func (p *HTTPProvider) Complete(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(httpRequest{Model: req.Model, Prompt: req.Prompt})
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read model response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", schema.NewErrorf(schema.ErrCodeInvocation,
			"model %q: HTTP %d: %s", req.Model, resp.StatusCode, truncate(string(raw), 200))
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeInvocation,
			"model %q returned invalid JSON: %s", req.Model, err).WithCause(err)
	}

	path := req.ResponsePath
	if path == "" {
		path = DefaultResponsePath
	}
	out, err := p.jq.Query(ctx, path, decoded)
	if err != nil {
		return "", err
	}
	text, ok := out.(string)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeInvocation,
			"model %q: response path %s yielded %T, want string", req.Model, path, out)
	}
	return text, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Provider = (*HTTPProvider)(nil)
