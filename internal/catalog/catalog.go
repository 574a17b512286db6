// Package catalog stores validated workflow definitions.
package catalog

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/validation"
	"github.com/rendis/agentflow/pkg/schema"
)

const defaultListLimit = 100

// Catalog validates definitions before they are stored. Definitions are
// immutable once created.
type Catalog struct {
	store     store.Store
	validator validation.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Catalog over s.
func New(s store.Store, v validation.Validator, logger *slog.Logger) *Catalog {
	return &Catalog{
		store:     s,
		validator: v,
		logger:    logging.OrDefault(logger),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Define validates a raw JSON definition and stores it under a fresh id.
// Validation failures return a VALIDATION_ERROR whose details carry every
// issue. Warnings are returned alongside a stored definition.
func (c *Catalog) Define(ctx context.Context, raw []byte) (*schema.WorkflowDefinition, []schema.ValidationIssue, error) {
	def, result := c.validator.ValidateDocument(raw)
	if !result.Valid() {
		return nil, nil, result.ToError()
	}

	def.ID = uuid.New().String()
	def.CreatedAt = c.now()
	if err := c.store.CreateWorkflow(ctx, def); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeStore, "store workflow").WithCause(err)
	}

	c.logger.InfoContext(logging.WithWorkflowID(ctx, def.ID), "workflow defined",
		slog.String("name", def.Name),
		slog.Int("steps", len(def.Steps)),
		slog.Int("warnings", len(result.Warnings)),
	)
	return def, result.Warnings, nil
}

// Get returns the definition with id, or NOT_FOUND.
func (c *Catalog) Get(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	return c.store.GetWorkflow(ctx, id)
}

// List returns definitions, newest first.
func (c *Catalog) List(ctx context.Context, name string, limit int) ([]*schema.WorkflowDefinition, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return c.store.ListWorkflows(ctx, store.WorkflowFilter{Name: name, Limit: limit})
}
