package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/claimpay/internal/circuitbreaker"
	"github.com/mbd888/claimpay/internal/security"
)

// ErrSignerUnavailable is returned while the signer circuit is open.
var ErrSignerUnavailable = errors.New("signing service unavailable")

const breakerKey = "signer"

// HTTPSigner forwards challenges to an external wallet-signing service and
// blocks until the user confirms or cancels in the signing UI. The request
// can take arbitrarily long, so the HTTP client carries a generous timeout
// and callers control the real deadline through ctx.
//
// A circuit breaker guards the service: after repeated transport failures
// new attempts fail fast instead of holding settlement flows open for the
// full client timeout. Cancellations and HTTP-level rejections count as
// successful round trips.
type HTTPSigner struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTPSigner creates a signer against baseURL. The URL is validated
// against private/loopback targets since it is operator-supplied config.
func NewHTTPSigner(baseURL string) (*HTTPSigner, error) {
	if err := security.ValidateEndpointURL(baseURL); err != nil {
		return nil, fmt.Errorf("signer URL: %w", err)
	}
	return &HTTPSigner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Minute},
		breaker: circuitbreaker.New(3, 30*time.Second),
	}, nil
}

type executeRequest struct {
	ChallengeID   string `json:"challengeId"`
	Step          string `json:"step"`
	UserToken     string `json:"userToken,omitempty"`
	EncryptionKey string `json:"encryptionKey,omitempty"`
}

// Execute implements Signer. A 409 from the signing service means the user
// declined; that maps to the cancellation outcome, not an error.
func (s *HTTPSigner) Execute(ctx context.Context, ch *Challenge) (json.RawMessage, error) {
	if ch == nil {
		return nil, ErrNoChallenge
	}
	if !s.breaker.Allow(breakerKey) {
		return nil, ErrSignerUnavailable
	}

	body, err := json.Marshal(executeRequest{
		ChallengeID:   ch.ID,
		Step:          string(ch.Step),
		UserToken:     ch.UserToken,
		EncryptionKey: ch.EncryptionKey,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/challenges/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("signer request: %w", err)
	}
	defer resp.Body.Close()
	s.breaker.RecordSuccess(breakerKey)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("signer response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil, ErrCancelled
	case resp.StatusCode >= 400:
		err := fmt.Errorf("signer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		if IsCancellation(err) {
			return nil, ErrCancelled
		}
		return nil, err
	}

	return json.RawMessage(raw), nil
}
