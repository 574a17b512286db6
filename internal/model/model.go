// Package model invokes language models by id. A Router maps each known
// model id to a provider; Breaker adds per-model circuit breaking.
package model

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/pkg/schema"
)

// Default model ids accepted by definitions when no catalog is configured.
const (
	ModelKimiK2p5        = "kimi-k2p5"
	ModelKimiK2Instruct  = "kimi-k2-instruct-0905"
	DefaultResponsePath  = ".response"
	DefaultInvokeTimeout = 2 * time.Minute
)

// Invoker sends one prompt to a model and returns the generated text.
type Invoker interface {
	Invoke(ctx context.Context, model, prompt string) (string, error)
}

// Catalog answers whether a model id is known.
type Catalog interface {
	Has(model string) bool
	Models() []string
}

// Request is what a provider receives for one invocation.
type Request struct {
	Model        string // provider-side model name
	Prompt       string
	ResponsePath string // jq path for providers that return arbitrary JSON
}

// Provider talks to one model backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Spec binds a model id to a provider.
type Spec struct {
	ID           string `mapstructure:"id" json:"id"`
	Provider     string `mapstructure:"provider" json:"provider"`
	RemoteName   string `mapstructure:"remote_name" json:"remote_name,omitempty"`
	ResponsePath string `mapstructure:"response_path" json:"response_path,omitempty"`
}

type route struct {
	provider Provider
	req      Request
}

// Router dispatches invocations by model id and bounds each call by a timeout.
type Router struct {
	routes  map[string]route
	timeout time.Duration
	logger  *slog.Logger
}

// NewRouter builds a router from model specs. Every spec must name a
// registered provider.
func NewRouter(providers map[string]Provider, specs []Spec, timeout time.Duration, logger *slog.Logger) (*Router, error) {
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	r := &Router{routes: make(map[string]route, len(specs)), timeout: timeout, logger: logging.OrDefault(logger)}
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "model spec without id")
		}
		p, ok := providers[spec.Provider]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"model %q references unknown provider %q", spec.ID, spec.Provider)
		}
		if _, dup := r.routes[spec.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "model %q configured twice", spec.ID)
		}
		remote := spec.RemoteName
		if remote == "" {
			remote = spec.ID
		}
		path := spec.ResponsePath
		if path == "" {
			path = DefaultResponsePath
		}
		r.routes[spec.ID] = route{provider: p, req: Request{Model: remote, ResponsePath: path}}
	}
	return r, nil
}

// Has reports whether model is routable.
func (r *Router) Has(model string) bool {
	_, ok := r.routes[model]
	return ok
}

// Models returns the known model ids, sorted.
func (r *Router) Models() []string {
	ids := make([]string, 0, len(r.routes))
	for id := range r.routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Invoke routes prompt to model's provider.
func (r *Router) Invoke(ctx context.Context, model, prompt string) (string, error) {
	rt, ok := r.routes[model]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeInvocation, "unknown model %q", model)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req := rt.req
	req.Prompt = prompt
	start := time.Now()
	text, err := rt.provider.Complete(ctx, req)
	r.logger.DebugContext(ctx, "model invoked",
		slog.String("model", model),
		slog.String("provider", rt.provider.Name()),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("ok", err == nil),
	)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", schema.NewErrorf(schema.ErrCodeInvocation,
				"model %q timed out after %s", model, r.timeout).WithCause(err)
		}
		if schema.ErrorCode(err) != "" {
			return "", err
		}
		return "", schema.NewError(schema.ErrCodeInvocation, err.Error()).WithCause(err)
	}
	return text, nil
}

var (
	_ Invoker = (*Router)(nil)
	_ Catalog = (*Router)(nil)
)
