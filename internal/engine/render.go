package engine

import (
	"strings"

	"github.com/rendis/agentflow/pkg/schema"
)

// Render substitutes context for every {{context}} placeholder in tmpl.
// A template without placeholders is returned verbatim.
func Render(tmpl, context string) string {
	return strings.ReplaceAll(tmpl, schema.ContextPlaceholder, context)
}
