package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Claimpay MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolSubmitClaim = mcp.NewTool("submit_claim",
	mcp.WithDescription(
		"File a new insurance claim on Claimpay. "+
			"Returns the claim id and initial status. The claim starts in 'submitted' "+
			"and moves through evaluation before any payout can happen."),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Claimed amount in USDC (e.g. '1200.50')")),
	mcp.WithString("description",
		mcp.Required(),
		mcp.Description("What happened and what is being claimed")),
	mcp.WithArray("evidence",
		mcp.Description("Optional list of evidence document references (URLs or document ids)")),
)

var ToolGetClaim = mcp.NewTool("get_claim",
	mcp.WithDescription(
		"Fetch a claim's full state: status, decision, approved amount, "+
			"settlement transaction hash if settled."),
	mcp.WithString("claim_id",
		mcp.Required(),
		mcp.Description("The claim id (e.g. 'clm_1234...')")),
)

var ToolListClaims = mcp.NewTool("list_claims",
	mcp.WithDescription(
		"Browse claims on Claimpay. Filter by claimant address or by status "+
			"(submitted, evaluating, awaiting_data, needs_review, approved, settled, rejected). "+
			"With no filters, returns claims waiting for human review."),
	mcp.WithString("claimant",
		mcp.Description("Filter by claimant address (e.g. '0x1234...')")),
	mcp.WithString("status",
		mcp.Description("Filter by claim status"),
		mcp.Enum("submitted", "evaluating", "awaiting_data", "needs_review", "approved", "settled", "rejected")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of claims to return (default 20)")),
)

var ToolEvaluateClaim = mcp.NewTool("evaluate_claim",
	mcp.WithDescription(
		"Run the automated evaluation pass on a claim. The evaluator may approve, "+
			"reject, ask for more evidence (awaiting_data), or park the claim for "+
			"human review (needs_review)."),
	mcp.WithString("claim_id",
		mcp.Required(),
		mcp.Description("The claim id to evaluate")),
)

var ToolAttachEvidence = mcp.NewTool("attach_evidence",
	mcp.WithDescription(
		"Attach supporting documents to a claim. The claim re-enters evaluation "+
			"so the new evidence is considered."),
	mcp.WithString("claim_id",
		mcp.Required(),
		mcp.Description("The claim id")),
	mcp.WithArray("evidence",
		mcp.Required(),
		mcp.Description("Evidence document references to attach")),
)

var ToolCheckEscrow = mcp.NewTool("check_escrow",
	mcp.WithDescription(
		"Check the escrow account backing a claim: current balance, total deposited, "+
			"and whether the claim has already been settled."),
	mcp.WithString("claim_id",
		mcp.Required(),
		mcp.Description("The claim id whose escrow to inspect")),
)

var ToolDepositEscrow = mcp.NewTool("deposit_escrow",
	mcp.WithDescription(
		"Deposit USDC into the escrow account backing a claim. Settlement can only "+
			"pay out what the escrow holds, so insurers fund escrow before settling."),
	mcp.WithString("claim_id",
		mcp.Required(),
		mcp.Description("The claim id to fund")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in USDC to deposit (e.g. '1000')")),
)

var ToolSettleClaim = mcp.NewTool("settle_claim",
	mcp.WithDescription(
		"Settle an approved claim: runs the wallet challenge sequence (approve, "+
			"deposit, release as needed), confirms the on-chain transaction, and "+
			"marks the claim settled. If the wallet owner declines a step the claim "+
			"stays approved and settlement can be retried later."),
	mcp.WithString("claim_id",
		mcp.Required(),
		mcp.Description("The approved claim id to settle")),
)

var ToolOverrideDecision = mcp.NewTool("override_decision",
	mcp.WithDescription(
		"Replace a claim's automated decision with a human one. Overrides work on "+
			"any claim that is not yet settled, including rejected ones. Approving "+
			"requires an approved amount no larger than the claimed amount."),
	mcp.WithString("claim_id",
		mcp.Required(),
		mcp.Description("The claim id to override")),
	mcp.WithString("outcome",
		mcp.Required(),
		mcp.Description("The human decision"),
		mcp.Enum("approve", "reject")),
	mcp.WithString("approved_amount",
		mcp.Description("Approved payout in USDC, required when outcome is 'approve'")),
	mcp.WithString("reason",
		mcp.Description("Why the automated decision was overridden")),
)
