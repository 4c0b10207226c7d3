// Claimpay MCP Server - Exposes Claimpay capabilities as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/claimpay/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:      envOrDefault("CLAIMPAY_API_URL", "http://localhost:8080"),
		APIKey:      os.Getenv("CLAIMPAY_API_KEY"),
		AccountAddr: os.Getenv("CLAIMPAY_ACCOUNT_ADDRESS"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "CLAIMPAY_API_KEY is required")
		os.Exit(1)
	}
	if cfg.AccountAddr == "" {
		fmt.Fprintln(os.Stderr, "CLAIMPAY_ACCOUNT_ADDRESS is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
