package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/claimpay/internal/usdc"
)

// ClaimSettled(uint256 indexed claimId, uint256 amount, address recipient)
var claimSettledSig = crypto.Keccak256Hash([]byte("ClaimSettled(uint256,uint256,address)"))

// Settlement is a ClaimSettled event observed on-chain.
type Settlement struct {
	ClaimID    string // empty when the claim was never tracked by this process
	TxHash     string
	Amount     string
	Recipient  string
	Block      uint64
	ObservedAt time.Time
}

// SettlementSink receives settlements for tracked claims.
type SettlementSink interface {
	SettlementObserved(claimID string, s Settlement)
}

// WatcherConfig for the settlement watcher.
type WatcherConfig struct {
	PollInterval time.Duration
	StartBlock   uint64 // 0 = latest
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{PollInterval: 15 * time.Second}
}

// Watcher polls the escrow contract for ClaimSettled events. It is the
// chain-truth source the reconciler falls back to when a signing result
// omits the transaction id.
type Watcher struct {
	client     EthClient
	escrowAddr common.Address
	config     WatcherConfig
	sink       SettlementSink
	logger     *slog.Logger

	mu        sync.Mutex
	tracked   map[string]string      // claim key hex -> claim id
	latest    map[string]*Settlement // claim key hex -> most recent settlement
	processed map[string]bool        // tx hash -> handled
	lastBlock uint64
	started   bool

	stop chan struct{}
	done chan struct{}
}

// NewWatcher creates a settlement watcher on top of an existing chain client.
func NewWatcher(client *Client, cfg WatcherConfig, sink SettlementSink, logger *slog.Logger) *Watcher {
	return &Watcher{
		client:     client.client,
		escrowAddr: client.escrowAddr,
		config:     cfg,
		sink:       sink,
		logger:     logger,
		tracked:    make(map[string]string),
		latest:     make(map[string]*Settlement),
		processed:  make(map[string]bool),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Track registers a claim id so later events resolve back to it. The
// coordinator calls this before starting a settlement attempt.
func (w *Watcher) Track(claimID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tracked[keyHex(claimID)] = claimID
}

// LatestSettlementTx returns the most recent on-chain settlement
// transaction observed for a claim, if any.
func (w *Watcher) LatestSettlementTx(claimID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.latest[keyHex(claimID)]
	if !ok {
		return "", false
	}
	return s.TxHash, true
}

// Start begins polling for settlement events.
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		block, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("settlement watcher started",
		"escrow", w.escrowAddr.Hex(),
		"startBlock", w.lastBlock,
	)

	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit. Safe to
// call after a failed Start, when no poll loop is running.
func (w *Watcher) Stop() {
	close(w.stop)
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.checkForSettlements(ctx); err != nil {
				w.logger.Error("settlement check failed", "error", err)
			}
		}
	}
}

func (w *Watcher) checkForSettlements(ctx context.Context) error {
	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get block number: %w", err)
	}

	// Nothing new
	if currentBlock <= w.lastBlock {
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.lastBlock + 1),
		ToBlock:   new(big.Int).SetUint64(currentBlock),
		Addresses: []common.Address{w.escrowAddr},
		Topics:    [][]common.Hash{{claimSettledSig}},
	}

	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}

	for _, vLog := range logs {
		if err := w.processSettlement(vLog); err != nil {
			w.logger.Error("failed to process settlement event", "tx", vLog.TxHash.Hex(), "error", err)
		}
	}

	w.lastBlock = currentBlock
	return nil
}

func (w *Watcher) processSettlement(vLog types.Log) error {
	txHash := vLog.TxHash.Hex()

	w.mu.Lock()
	if w.processed[txHash] {
		w.mu.Unlock()
		return nil
	}
	w.processed[txHash] = true
	w.mu.Unlock()

	// On failure, unmark so the event is retried on the next poll cycle.
	var succeeded bool
	defer func() {
		if !succeeded {
			w.mu.Lock()
			delete(w.processed, txHash)
			w.mu.Unlock()
		}
	}()

	// Topics[1] = claimId (indexed); Data = amount (uint256) ++ recipient (address)
	if len(vLog.Topics) < 2 || len(vLog.Data) < 64 {
		return fmt.Errorf("malformed ClaimSettled event")
	}

	key := vLog.Topics[1].Hex()
	amount := new(big.Int).SetBytes(vLog.Data[:32])
	recipient := common.BytesToAddress(vLog.Data[32:64])

	w.mu.Lock()
	claimID := w.tracked[key]
	s := &Settlement{
		ClaimID:    claimID,
		TxHash:     txHash,
		Amount:     usdc.Format(amount),
		Recipient:  recipient.Hex(),
		Block:      vLog.BlockNumber,
		ObservedAt: time.Now(),
	}
	w.latest[key] = s
	w.mu.Unlock()

	w.logger.Info("claim settlement observed",
		"claimId", claimID,
		"amount", s.Amount,
		"recipient", s.Recipient,
		"tx", txHash,
	)

	if w.sink != nil && claimID != "" {
		w.sink.SettlementObserved(claimID, *s)
	}

	succeeded = true
	return nil
}

func keyHex(claimID string) string {
	return common.BytesToHash(crypto.Keccak256([]byte(claimID))).Hex()
}
