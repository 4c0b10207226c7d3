package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Claimpay platform.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	APIKey      string // API key, e.g. "sk_..."
	AccountAddr string // Caller's address, e.g. "0x..."
}

// ClaimpayClient is a pure HTTP client for the Claimpay platform API.
type ClaimpayClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewClaimpayClient creates a new client for the Claimpay platform.
func NewClaimpayClient(cfg Config) *ClaimpayClient {
	return &ClaimpayClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *ClaimpayClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// SubmitClaim files a new insurance claim.
func (c *ClaimpayClient) SubmitClaim(ctx context.Context, amount, description string, evidence []string) (json.RawMessage, error) {
	body := map[string]any{
		"claimantAddr": c.cfg.AccountAddr,
		"amount":       amount,
		"description":  description,
	}
	if len(evidence) > 0 {
		body["evidence"] = evidence
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/claims", nil, body)
}

// GetClaim fetches a single claim by id.
func (c *ClaimpayClient) GetClaim(ctx context.Context, claimID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/claims/"+claimID, nil, nil)
}

// ListClaims lists claims by claimant or by status.
func (c *ClaimpayClient) ListClaims(ctx context.Context, claimant, status string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if claimant != "" {
		q.Set("claimant", claimant)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/claims", q, nil)
}

// EvaluateClaim asks the platform to run an evaluation pass on a claim.
func (c *ClaimpayClient) EvaluateClaim(ctx context.Context, claimID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/claims/"+claimID+"/evaluate", nil, nil)
}

// AttachEvidence adds supporting documents to a claim and re-queues it.
func (c *ClaimpayClient) AttachEvidence(ctx context.Context, claimID string, evidence []string) (json.RawMessage, error) {
	body := map[string]any{"evidence": evidence}
	return c.doRequest(ctx, http.MethodPost, "/v1/claims/"+claimID+"/evidence", nil, body)
}

// GetEscrow returns the escrow account state for a claim.
func (c *ClaimpayClient) GetEscrow(ctx context.Context, claimID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrow/"+claimID, nil, nil)
}

// DepositEscrow funds the escrow account backing a claim.
func (c *ClaimpayClient) DepositEscrow(ctx context.Context, claimID, amount string) (json.RawMessage, error) {
	body := map[string]string{
		"depositorAddr": c.cfg.AccountAddr,
		"amount":        amount,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrow/"+claimID+"/deposits", nil, body)
}

// SettleClaim runs the wallet-driven settlement flow for an approved claim.
func (c *ClaimpayClient) SettleClaim(ctx context.Context, claimID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/claims/"+claimID+"/settle", nil, nil)
}

// OverrideDecision replaces a claim's automated decision with a human one.
func (c *ClaimpayClient) OverrideDecision(ctx context.Context, claimID, outcome, approvedAmount, reason string) (json.RawMessage, error) {
	body := map[string]string{"outcome": outcome}
	if approvedAmount != "" {
		body["approvedAmount"] = approvedAmount
	}
	if reason != "" {
		body["reason"] = reason
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/claims/"+claimID+"/override", nil, body)
}
