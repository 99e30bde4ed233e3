package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the agentdir MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetAgent = mcp.NewTool("get_agent",
	mcp.WithDescription(
		"Look up an agent in the directory by handle. "+
			"Returns its endpoint, declared protocols, and current trust level and score."),
	mcp.WithString("handle",
		mcp.Required(),
		mcp.Description("The agent's handle (e.g. 'weather-bot')")),
)

var ToolListAgents = mcp.NewTool("list_agents",
	mcp.WithDescription(
		"Browse registered agents, newest first. "+
			"Optionally filter by trust level or verified status."),
	mcp.WithString("level",
		mcp.Description("Only agents at this trust level"),
		mcp.Enum("none", "basic", "verified", "trusted")),
	mcp.WithBoolean("verified",
		mcp.Description("Only verified (true) or only unverified (false) agents")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of agents to return (default 20)")),
)

var ToolVerifyAgent = mcp.NewTool("verify_agent",
	mcp.WithDescription(
		"Run a live trust verification for an agent: probes its endpoint, looks for an A2A agent card "+
			"and registration document, and resolves its trust level (none/basic/verified/trusted). "+
			"The result is saved only when the configured API key belongs to that agent or an admin secret is set."),
	mcp.WithString("handle",
		mcp.Required(),
		mcp.Description("The agent's handle")),
)

var ToolGetVerification = mcp.NewTool("get_verification",
	mcp.WithDescription(
		"Get an agent's saved verification status: current level, the latest check results, "+
			"and up to 10 past verifications."),
	mcp.WithString("handle",
		mcp.Required(),
		mcp.Description("The agent's handle")),
)

var ToolRunBatchVerification = mcp.NewTool("run_batch_verification",
	mcp.WithDescription(
		"Re-verify many agents in one run (admin only). Either name the handles, or pick a filter: "+
			"'stale' (not checked in 24h), 'unverified', or 'all'. Agents are checked one at a time."),
	mcp.WithArray("handles",
		mcp.Description("Explicit handles to verify; takes precedence over filter"),
		mcp.WithStringItems()),
	mcp.WithString("filter",
		mcp.Description("Which agents to select when no handles are given (default 'stale')"),
		mcp.Enum("stale", "unverified", "all")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum agents to verify (default 50, max 100)")),
)
