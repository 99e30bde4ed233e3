package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/agentdir/internal/registry"
	"github.com/mbd888/agentdir/internal/trust"
	"github.com/mbd888/agentdir/internal/verification"
)

const defaultListLimit = 20

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *DirectoryClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *DirectoryClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetAgent looks up one agent.
func (h *Handlers) HandleGetAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle := req.GetString("handle", "")
	if handle == "" {
		return mcp.NewToolResultError("handle is required"), nil
	}

	raw, err := h.client.GetAgent(ctx, handle)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get agent: %v", err)), nil
	}

	var agent registry.Agent
	if err := json.Unmarshal(raw, &agent); err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(formatAgent(&agent)), nil
}

// HandleListAgents browses the directory.
func (h *Handlers) HandleListAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	level := req.GetString("level", "")
	if level != "" && !trust.Level(level).Valid() {
		return mcp.NewToolResultError("level must be one of none, basic, verified, trusted"), nil
	}

	var verified *bool
	if v, ok := req.GetArguments()["verified"].(bool); ok {
		verified = &v
	}
	limit := req.GetInt("limit", defaultListLimit)

	raw, err := h.client.ListAgents(ctx, level, verified, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list agents: %v", err)), nil
	}

	text, err := formatAgentList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agents: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// verifyResponse mirrors POST /v1/agents/:handle/verify.
type verifyResponse struct {
	Handle        string        `json:"handle"`
	PreviousLevel trust.Level   `json:"previousLevel"`
	Persisted     bool          `json:"persisted"`
	RecordID      string        `json:"recordId"`
	Message       string        `json:"message"`
	Result        *trust.Result `json:"result"`
}

// HandleVerifyAgent runs a live verification.
func (h *Handlers) HandleVerifyAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle := req.GetString("handle", "")
	if handle == "" {
		return mcp.NewToolResultError("handle is required"), nil
	}

	raw, err := h.client.VerifyAgent(ctx, handle)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Verification failed: %v", err)), nil
	}

	var resp verifyResponse
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Result == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(formatVerification(&resp)), nil
}

// HandleGetVerification fetches saved verification status.
func (h *Handlers) HandleGetVerification(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle := req.GetString("handle", "")
	if handle == "" {
		return mcp.NewToolResultError("handle is required"), nil
	}

	raw, err := h.client.GetVerification(ctx, handle)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get verification status: %v", err)), nil
	}

	var view verification.StatusView
	if err := json.Unmarshal(raw, &view); err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(formatStatus(&view)), nil
}

// batchResponse mirrors POST /v1/admin/verify/batch.
type batchResponse struct {
	trust.BatchReport
	Complete bool   `json:"complete"`
	Message  string `json:"message"`
}

// HandleRunBatchVerification runs an admin batch.
func (h *Handlers) HandleRunBatchVerification(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter, err := trust.ParseFilter(req.GetString("filter", ""))
	if err != nil {
		return mcp.NewToolResultError("filter must be one of stale, unverified, all"), nil
	}
	limit := req.GetInt("limit", 0)
	if limit < 0 {
		return mcp.NewToolResultError("limit must not be negative"), nil
	}

	raw, err := h.client.RunBatch(ctx, trust.BatchRequest{
		Handles: stringSlice(req.GetArguments()["handles"]),
		Filter:  filter,
		Limit:   limit,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Batch verification failed: %v", err)), nil
	}

	var resp batchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(formatBatch(&resp)), nil
}

// --- Formatters ---

func formatAgent(a *registry.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", a.Name, a.Handle)
	if a.Description != "" {
		fmt.Fprintf(&b, "  %s\n", a.Description)
	}
	fmt.Fprintf(&b, "Endpoint: %s\n", a.Endpoint)
	if len(a.Protocols) > 0 {
		fmt.Fprintf(&b, "Protocols: %s\n", strings.Join(a.Protocols, ", "))
	}
	fmt.Fprintf(&b, "Trust: %s (score %d)", levelOrNone(a.TrustLevel), a.TrustScore)
	if a.Verified {
		b.WriteString(", verified")
	}
	b.WriteString("\n")
	if a.LastVerifiedAt != nil {
		fmt.Fprintf(&b, "Last verified: %s\n", formatTime(*a.LastVerifiedAt))
	} else {
		b.WriteString("Never verified\n")
	}
	if a.NextVerificationAt != nil {
		fmt.Fprintf(&b, "Next check due: %s\n", formatTime(*a.NextVerificationAt))
	}
	return b.String()
}

func formatAgentList(raw json.RawMessage) (string, error) {
	var page struct {
		Agents  []registry.Agent `json:"agents"`
		HasMore bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return "", err
	}
	if len(page.Agents) == 0 {
		return "No agents found.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d agent(s):\n\n", len(page.Agents))
	for i, a := range page.Agents {
		fmt.Fprintf(&b, "%d. %s (%s) - %s, score %d\n", i+1, a.Name, a.Handle, levelOrNone(a.TrustLevel), a.TrustScore)
		fmt.Fprintf(&b, "   %s\n", a.Endpoint)
	}
	if page.HasMore {
		b.WriteString("\nMore agents available; raise the limit to see them.\n")
	}
	return b.String(), nil
}

func formatVerification(resp *verifyResponse) string {
	res := resp.Result
	var b strings.Builder

	status := "PASSED"
	if !res.Passed {
		status = "FAILED"
	}
	fmt.Fprintf(&b, "Verification %s for %s\n", status, resp.Handle)
	fmt.Fprintf(&b, "Level: %s -> %s (score %d)\n", levelOrNone(resp.PreviousLevel), levelOrNone(res.Level), res.Score)
	b.WriteString(formatChecks(res.Checks))

	if res.EligibleForUpgrade != "" {
		fmt.Fprintf(&b, "\nEligible for upgrade to %s", res.EligibleForUpgrade)
		if len(res.UpgradeBlockers) > 0 {
			fmt.Fprintf(&b, " once resolved: %s", strings.Join(res.UpgradeBlockers, "; "))
		}
		b.WriteString("\n")
	}
	if !res.NextCheckAt.IsZero() {
		fmt.Fprintf(&b, "Next check due: %s\n", formatTime(res.NextCheckAt))
	}

	if resp.Persisted {
		fmt.Fprintf(&b, "\nSaved as %s.\n", resp.RecordID)
	} else if resp.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", resp.Message)
	}
	return b.String()
}

func formatChecks(checks []trust.Check) string {
	var b strings.Builder
	for _, c := range checks {
		marker := "[ ]"
		switch c.Status {
		case trust.StatusPass:
			marker = "[x]"
		case trust.StatusFail:
			marker = "[!]"
		}
		req := ""
		if c.Required {
			req = " (required)"
		}
		fmt.Fprintf(&b, "  %s %s%s: %s\n", marker, c.Name, req, c.Message)
	}
	return b.String()
}

func formatStatus(v *verification.StatusView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\n", v.Handle)
	fmt.Fprintf(&b, "Trust: %s (score %d)", levelOrNone(v.TrustLevel), v.TrustScore)
	if v.Verified {
		b.WriteString(", verified")
	}
	b.WriteString("\n")

	if v.Latest == nil {
		b.WriteString("Never verified.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Last verified: %s\n", formatTime(v.Latest.CheckedAt))
	b.WriteString(formatChecks(v.Latest.Checks))
	if len(v.Latest.Blockers) > 0 {
		fmt.Fprintf(&b, "Upgrade blockers: %s\n", strings.Join(v.Latest.Blockers, "; "))
	}

	if len(v.History) > 1 {
		b.WriteString("\nHistory:\n")
		for _, rec := range v.History {
			fmt.Fprintf(&b, "  %s  %s  score %d\n", formatTime(rec.CheckedAt), levelOrNone(rec.Level), rec.Score)
		}
	}
	return b.String()
}

func formatBatch(resp *batchResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch verification: %d verified, %d failed, %d total\n",
		resp.Verified, resp.Failed, resp.Total)
	if !resp.Complete && resp.Message != "" {
		fmt.Fprintf(&b, "%s\n", resp.Message)
	}
	for _, r := range resp.Results {
		if r.Error != "" {
			fmt.Fprintf(&b, "  %s: error: %s\n", r.Handle, r.Error)
			continue
		}
		fmt.Fprintf(&b, "  %s: %s -> %s (score %d)\n",
			r.Handle, levelOrNone(r.PreviousLevel), levelOrNone(r.NewLevel), r.Score)
	}
	return b.String()
}

// stringSlice reads a JSON array argument, skipping non-string items.
func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func levelOrNone(l trust.Level) trust.Level {
	if l == "" {
		return trust.LevelNone
	}
	return l
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// formatJSON pretty-prints raw JSON, falling back to the raw string.
func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
