// Command agentflow runs multi-step LLM workflows behind an HTTP API and an
// MCP server.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
