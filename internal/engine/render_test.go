package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    string
		context string
		want    string
	}{
		{"single placeholder", "value: {{context}}", "5", "value: 5"},
		{"every occurrence", "{{context}} and {{context}}", "x", "x and x"},
		{"no placeholder is verbatim", "static prompt", "ignored", "static prompt"},
		{"empty context", "[{{context}}]", "", "[]"},
		{"near misses untouched", "{{ context }} {context}", "x", "{{ context }} {context}"},
		{"context containing token is not re-expanded", "a {{context}} b", "{{context}}", "a {{context}} b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.tmpl, tt.context))
		})
	}
}
