package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/claimpay/internal/metrics"
	"github.com/mbd888/claimpay/internal/retry"
)

// ErrTxUnresolved is returned when neither the signing result nor the chain
// fallback yields a settlement transaction id. It is retriable: the claim
// stays approved and the whole flow can run again safely.
var ErrTxUnresolved = errors.New("settlement: could not determine transaction id")

// FallbackLookup resolves a settlement tx from chain observation rather
// than the client's view. The settlement watcher implements it.
type FallbackLookup interface {
	LatestSettlementTx(claimID string) (string, bool)
}

// txIDKeys are the field names wallet SDKs have been seen using for the
// transaction identifier, in descending likelihood.
var txIDKeys = []string{"transactionId", "transactionHash", "txHash", "id"}

// extractor probes one known result shape for a transaction id.
type extractor func(raw map[string]interface{}) string

// fromTopLevel: {"transactionId": "0x..."}
func fromTopLevel(raw map[string]interface{}) string {
	return firstKey(raw)
}

// fromTransaction: {"transaction": {"id": "0x..."}}
func fromTransaction(raw map[string]interface{}) string {
	if tx, ok := raw["transaction"].(map[string]interface{}); ok {
		return firstKey(tx)
	}
	return ""
}

// fromDataWrapper: {"data": {"transactionId": "0x..."}}
func fromDataWrapper(raw map[string]interface{}) string {
	if data, ok := raw["data"].(map[string]interface{}); ok {
		if id := firstKey(data); id != "" {
			return id
		}
		return fromTransaction(data)
	}
	return ""
}

func firstKey(m map[string]interface{}) string {
	for _, key := range txIDKeys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Reconciler determines which on-chain transaction represents a completed
// settlement. The signing SDK's callback shape is not contractually stable
// across versions, so extraction is an ordered chain of known shapes with a
// chain-watcher fallback rather than a single accessor.
type Reconciler struct {
	extractors []extractor
	fallback   FallbackLookup
	policy     retry.Policy
	logger     *slog.Logger
}

// NewReconciler creates a reconciler. The fallback may be nil when no
// watcher is running; extraction then has no recovery path.
func NewReconciler(fallback FallbackLookup, policy retry.Policy, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		extractors: []extractor{fromTopLevel, fromTransaction, fromDataWrapper},
		fallback:   fallback,
		policy:     policy,
		logger:     logger,
	}
}

// Resolve returns the settlement transaction id for a claim given the raw
// final signing result. Probes known result shapes in priority order, then
// falls back to the watcher's chain-derived view. The fallback is retried
// because the watcher may not have polled past the settlement block yet.
func (r *Reconciler) Resolve(ctx context.Context, claimID string, raw json.RawMessage) (string, error) {
	if len(raw) > 0 {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err == nil {
			for _, extract := range r.extractors {
				if id := extract(m); id != "" {
					metrics.ReconciliationsTotal.WithLabelValues("result").Inc()
					return id, nil
				}
			}
		}
		r.logger.Warn("signing result carried no recognizable transaction id",
			"claimId", claimID)
	}

	if r.fallback == nil {
		return "", ErrTxUnresolved
	}

	var txID string
	err := r.policy.Do(ctx, func() error {
		id, ok := r.fallback.LatestSettlementTx(claimID)
		if !ok {
			return fmt.Errorf("no settlement observed yet for %s", claimID)
		}
		txID = id
		return nil
	})
	if err != nil {
		metrics.ReconciliationsTotal.WithLabelValues("unresolved").Inc()
		return "", ErrTxUnresolved
	}

	metrics.ReconciliationsTotal.WithLabelValues("fallback").Inc()
	r.logger.Info("settlement tx resolved from chain fallback",
		"claimId", claimID, "tx", txID)
	return txID, nil
}
