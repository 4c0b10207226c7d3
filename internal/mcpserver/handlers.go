package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *ClaimpayClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *ClaimpayClient) *Handlers {
	return &Handlers{client: client}
}

// HandleSubmitClaim files a new claim.
func (h *Handlers) HandleSubmitClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	description := req.GetString("description", "")
	if description == "" {
		return mcp.NewToolResultError("description is required"), nil
	}
	evidence := stringSlice(req.GetArguments()["evidence"])

	raw, err := h.client.SubmitClaim(ctx, amount, description, evidence)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit claim: %v", err)), nil
	}

	text, err := formatClaim(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse claim: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetClaim fetches a claim's state.
func (h *Handlers) HandleGetClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	claimID := req.GetString("claim_id", "")
	if claimID == "" {
		return mcp.NewToolResultError("claim_id is required"), nil
	}

	raw, err := h.client.GetClaim(ctx, claimID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get claim: %v", err)), nil
	}

	text, err := formatClaim(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse claim: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListClaims browses claims by claimant or status.
func (h *Handlers) HandleListClaims(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	claimant := req.GetString("claimant", "")
	status := req.GetString("status", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListClaims(ctx, claimant, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list claims: %v", err)), nil
	}

	text, err := formatClaimList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse claims: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleEvaluateClaim runs an evaluation pass.
func (h *Handlers) HandleEvaluateClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	claimID := req.GetString("claim_id", "")
	if claimID == "" {
		return mcp.NewToolResultError("claim_id is required"), nil
	}

	raw, err := h.client.EvaluateClaim(ctx, claimID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Evaluation failed: %v", err)), nil
	}

	text, err := formatClaim(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse claim: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAttachEvidence adds documents to a claim.
func (h *Handlers) HandleAttachEvidence(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	claimID := req.GetString("claim_id", "")
	if claimID == "" {
		return mcp.NewToolResultError("claim_id is required"), nil
	}
	evidence := stringSlice(req.GetArguments()["evidence"])
	if len(evidence) == 0 {
		return mcp.NewToolResultError("evidence is required"), nil
	}

	raw, err := h.client.AttachEvidence(ctx, claimID, evidence)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to attach evidence: %v", err)), nil
	}

	text, err := formatClaim(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse claim: %v", err)), nil
	}
	return mcp.NewToolResultText("Evidence attached, claim re-queued for evaluation.\n\n" + text), nil
}

// HandleCheckEscrow inspects a claim's escrow account.
func (h *Handlers) HandleCheckEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	claimID := req.GetString("claim_id", "")
	if claimID == "" {
		return mcp.NewToolResultError("claim_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, claimID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check escrow: %v", err)), nil
	}

	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleDepositEscrow funds a claim's escrow.
func (h *Handlers) HandleDepositEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	claimID := req.GetString("claim_id", "")
	if claimID == "" {
		return mcp.NewToolResultError("claim_id is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}

	raw, err := h.client.DepositEscrow(ctx, claimID, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Deposit failed: %v", err)), nil
	}

	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Deposited %s USDC into escrow for %s.\n\n%s", amount, claimID, text)), nil
}

// HandleSettleClaim runs the wallet settlement flow.
func (h *Handlers) HandleSettleClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	claimID := req.GetString("claim_id", "")
	if claimID == "" {
		return mcp.NewToolResultError("claim_id is required"), nil
	}

	raw, err := h.client.SettleClaim(ctx, claimID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Settlement failed: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	if cancelled, _ := resp["cancelled"].(bool); cancelled {
		return mcp.NewToolResultText(
			"Settlement cancelled by the wallet owner.\n" +
				"The claim remains approved; settlement can be retried later."), nil
	}

	var sb strings.Builder
	sb.WriteString("Claim settled.\n")
	if id, ok := resp["claimId"].(string); ok {
		fmt.Fprintf(&sb, "  Claim: %s\n", id)
	}
	if tx, ok := resp["txHash"].(string); ok && tx != "" {
		fmt.Fprintf(&sb, "  Transaction: %s\n", tx)
	}
	if amt, ok := resp["amount"].(string); ok && amt != "" {
		fmt.Fprintf(&sb, "  Paid: %s USDC\n", amt)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleOverrideDecision replaces an automated decision.
func (h *Handlers) HandleOverrideDecision(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	claimID := req.GetString("claim_id", "")
	if claimID == "" {
		return mcp.NewToolResultError("claim_id is required"), nil
	}
	outcome := req.GetString("outcome", "")
	if outcome != "approve" && outcome != "reject" {
		return mcp.NewToolResultError("outcome must be 'approve' or 'reject'"), nil
	}
	approvedAmount := req.GetString("approved_amount", "")
	if outcome == "approve" && approvedAmount == "" {
		return mcp.NewToolResultError("approved_amount is required when approving"), nil
	}
	reason := req.GetString("reason", "")

	raw, err := h.client.OverrideDecision(ctx, claimID, outcome, approvedAmount, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Override failed: %v", err)), nil
	}

	text, err := formatClaim(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse claim: %v", err)), nil
	}
	return mcp.NewToolResultText("Decision overridden.\n\n" + text), nil
}

// --- Formatting helpers ---

func formatClaim(raw json.RawMessage) (string, error) {
	m, err := unwrapClaim(raw)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Claim %s\n", getString(m, "id", "claimId"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(m, "status"))
	fmt.Fprintf(&sb, "  Claimant: %s\n", getString(m, "claimantAddr", "claimant"))
	fmt.Fprintf(&sb, "  Claimed: %s USDC\n", getString(m, "amount"))
	if v := getString(m, "decision"); v != "" {
		fmt.Fprintf(&sb, "  Decision: %s", v)
		if conf, ok := getFloat(m, "confidence"); ok {
			fmt.Fprintf(&sb, " (confidence %.2f)", conf)
		}
		sb.WriteString("\n")
	}
	if v := getString(m, "approvedAmount"); v != "" {
		fmt.Fprintf(&sb, "  Approved: %s USDC\n", v)
	}
	if v := getString(m, "txHash"); v != "" {
		fmt.Fprintf(&sb, "  Settlement tx: %s\n", v)
	}
	return sb.String(), nil
}

func unwrapClaim(raw json.RawMessage) (map[string]any, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if claim, ok := resp["claim"].(map[string]any); ok {
		return claim, nil
	}
	return resp, nil
}

func formatClaimList(raw json.RawMessage) (string, error) {
	var resp struct {
		Claims []map[string]any `json:"claims"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Claims == nil {
		if err := json.Unmarshal(raw, &resp.Claims); err != nil {
			return "", fmt.Errorf("unexpected claims response format")
		}
	}

	if len(resp.Claims) == 0 {
		return "No claims found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d claim(s):\n\n", len(resp.Claims))
	for i, c := range resp.Claims {
		fmt.Fprintf(&sb, "%d. %s [%s] %s USDC",
			i+1, getString(c, "id", "claimId"), getString(c, "status"), getString(c, "amount"))
		if v := getString(c, "approvedAmount"); v != "" {
			fmt.Fprintf(&sb, " (approved %s)", v)
		}
		sb.WriteString("\n")
		if v := getString(c, "description"); v != "" {
			fmt.Fprintf(&sb, "   %s\n", truncate(v, 120))
		}
	}
	return sb.String(), nil
}

func formatEscrow(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	acct := resp
	if a, ok := resp["account"].(map[string]any); ok {
		acct = a
	}

	var sb strings.Builder
	sb.WriteString("Escrow account:\n")
	fmt.Fprintf(&sb, "  Claim: %s\n", getString(acct, "claimId"))
	fmt.Fprintf(&sb, "  Balance: %s USDC\n", getString(acct, "balance"))
	if v := getString(acct, "totalDeposited"); v != "" {
		fmt.Fprintf(&sb, "  Total deposited: %s USDC\n", v)
	}
	if settled, _ := acct["settled"].(bool); settled {
		fmt.Fprintf(&sb, "  Settled: yes (%s USDC to %s)\n",
			getString(acct, "settledAmount"), getString(acct, "recipientAddr", "recipient"))
	} else {
		sb.WriteString("  Settled: no\n")
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// stringSlice coerces a tool argument into a []string.
func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
