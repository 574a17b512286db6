// Package modeltest provides a scripted model.Invoker for tests.
package modeltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Reply is one scripted model response: Text, or Err when set.
type Reply struct {
	Text string
	Err  error
}

// Call records one invocation.
type Call struct {
	Model  string
	Prompt string
}

// Invoker replays scripted replies per model in order. When a model's
// script is exhausted, Fallback (if set) answers; otherwise an error is
// returned.
type Invoker struct {
	mu       sync.Mutex
	scripts  map[string][]Reply
	calls    []Call
	Fallback func(model, prompt string) (string, error)
	// Block, when non-nil, is waited on before every reply.
	Block chan struct{}
}

// New creates an empty scripted invoker.
func New() *Invoker {
	return &Invoker{scripts: make(map[string][]Reply)}
}

// Script appends replies for model.
func (m *Invoker) Script(model string, replies ...Reply) *Invoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[model] = append(m.scripts[model], replies...)
	return m
}

// Text appends plain text replies for model.
func (m *Invoker) Text(model string, texts ...string) *Invoker {
	replies := make([]Reply, len(texts))
	for i, t := range texts {
		replies[i] = Reply{Text: t}
	}
	return m.Script(model, replies...)
}

// Fail appends an error reply for model.
func (m *Invoker) Fail(model, msg string) *Invoker {
	return m.Script(model, Reply{Err: errors.New(msg)})
}

func (m *Invoker) Invoke(ctx context.Context, model, prompt string) (string, error) {
	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, Call{Model: model, Prompt: prompt})
	script := m.scripts[model]
	if len(script) > 0 {
		m.scripts[model] = script[1:]
	}
	fallback := m.Fallback
	m.mu.Unlock()

	if len(script) > 0 {
		return script[0].Text, script[0].Err
	}
	if fallback != nil {
		return fallback(model, prompt)
	}
	return "", fmt.Errorf("modeltest: no reply scripted for model %q", model)
}

// Calls returns a copy of every recorded invocation.
func (m *Invoker) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsFor returns the prompts sent to model.
func (m *Invoker) CallsFor(model string) []string {
	var prompts []string
	for _, c := range m.Calls() {
		if c.Model == model {
			prompts = append(prompts, c.Prompt)
		}
	}
	return prompts
}
