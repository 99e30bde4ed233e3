// agentdir MCP server: exposes directory lookup and trust verification as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/agentdir/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:      envOrDefault("AGENTDIR_API_URL", "http://localhost:8080"),
		APIKey:      os.Getenv("AGENTDIR_API_KEY"),
		AdminSecret: os.Getenv("AGENTDIR_ADMIN_SECRET"),
	}

	if cfg.APIKey == "" && cfg.AdminSecret == "" {
		fmt.Fprintln(os.Stderr, "note: neither AGENTDIR_API_KEY nor AGENTDIR_ADMIN_SECRET is set; verification results will not be saved")
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
