package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mbd888/claimpay/internal/circuitbreaker"
)

// newTestSigner bypasses NewHTTPSigner because the URL validation rejects
// loopback addresses, which is exactly where httptest servers live.
func newTestSigner(url string) *HTTPSigner {
	return &HTTPSigner{
		baseURL: url,
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: circuitbreaker.New(3, time.Minute),
	}
}

func testChallenge() *Challenge {
	return &Challenge{
		Step:      StepRelease,
		ID:        "ch-1",
		UserToken: "tok",
	}
}

func TestNewHTTPSignerRejectsLoopback(t *testing.T) {
	if _, err := NewHTTPSigner("http://127.0.0.1:9999"); err == nil {
		t.Fatal("expected loopback signer URL to be rejected")
	}
	if _, err := NewHTTPSigner("ftp://signer.example.com"); err == nil {
		t.Fatal("expected non-http scheme to be rejected")
	}
}

func TestExecuteReturnsRawResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/challenges/execute" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req["challengeId"] != "ch-1" || req["step"] != "release" {
			t.Errorf("challenge did not round-trip: %v", req)
		}
		w.Write([]byte(`{"transactionId":"0xabc"}`))
	}))
	defer srv.Close()

	raw, err := newTestSigner(srv.URL).Execute(context.Background(), testChallenge())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var result map[string]string
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("bad raw result: %v", err)
	}
	if result["transactionId"] != "0xabc" {
		t.Errorf("expected transaction id in result, got %v", result)
	}
}

func TestExecuteConflictMeansCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	_, err := newTestSigner(srv.URL).Execute(context.Background(), testChallenge())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestExecuteCancellationInErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`user_rejected the request`))
	}))
	defer srv.Close()

	_, err := newTestSigner(srv.URL).Execute(context.Background(), testChallenge())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled from rejection body, got %v", err)
	}
}

func TestExecuteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`signer exploded`))
	}))
	defer srv.Close()

	_, err := newTestSigner(srv.URL).Execute(context.Background(), testChallenge())
	if err == nil || errors.Is(err, ErrCancelled) {
		t.Fatalf("expected a real error, got %v", err)
	}
}

func TestExecuteNilChallenge(t *testing.T) {
	_, err := newTestSigner("http://unused").Execute(context.Background(), nil)
	if !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("expected ErrNoChallenge, got %v", err)
	}
}

func TestBreakerCutsOffDeadSigner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // every request now fails at the transport level

	signer := newTestSigner(url)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := signer.Execute(ctx, testChallenge()); err == nil {
			t.Fatal("expected transport error against closed server")
		}
	}

	_, err := signer.Execute(ctx, testChallenge())
	if !errors.Is(err, ErrSignerUnavailable) {
		t.Fatalf("expected ErrSignerUnavailable after repeated failures, got %v", err)
	}
}

func TestErrorStatusCountsAsContact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// HTTP-level errors mean the service is reachable; the circuit stays closed.
	signer := newTestSigner(srv.URL)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := signer.Execute(ctx, testChallenge()); errors.Is(err, ErrSignerUnavailable) {
			t.Fatal("circuit must not open on HTTP error responses")
		}
	}
}
