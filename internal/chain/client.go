// Package chain handles all blockchain interactions: reads against the
// escrow contract, USDC custody transfers backing the ledger, and the
// relayed approveClaim path used for auto-settlement.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/claimpay/internal/circuitbreaker"
	"github.com/mbd888/claimpay/internal/usdc"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrNoSigningKey      = errors.New("chain: no signing key configured")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrTxFailed          = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
)

// TxError wraps transaction failures with context.
type TxError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Escrow contract surface, claims keyed by uint256.
const escrowABI = `[
	{"inputs":[{"name":"claimId","type":"uint256"},{"name":"amount","type":"uint256"}],"name":"depositEscrow","outputs":[],"type":"function"},
	{"inputs":[{"name":"claimId","type":"uint256"},{"name":"settlementAmount","type":"uint256"},{"name":"recipient","type":"address"}],"name":"approveClaim","outputs":[],"type":"function"},
	{"inputs":[{"name":"claimId","type":"uint256"}],"name":"getEscrowBalance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"claimId","type":"uint256"}],"name":"isSettled","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"claimId","type":"uint256"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"recipient","type":"address"}],"name":"ClaimSettled","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"claimId","type":"uint256"},{"indexed":true,"name":"depositor","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"EscrowDeposited","type":"event"}
]`

// Minimal ERC20 surface for custody transfers and allowance checks.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimit for contract calls when estimation fails.
	DefaultGasLimit = uint64(200000)

	// DefaultConfirmationTimeout for waiting on transactions.
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// Config for creating a chain client.
type Config struct {
	RPCURL         string
	PrivateKey     string // optional; required only for the relay/custody path
	ChainID        int64
	USDCContract   string
	EscrowContract string
}

// Option configures the client.
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(ec EthClient) Option {
	return func(c *Client) { c.client = ec }
}

// TxResult contains details of a sent or mined transaction.
type TxResult struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Nonce       uint64
}

// Client talks to the escrow and USDC contracts on Base.
type Client struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	usdcAddr   common.Address
	escrowAddr common.Address
	usdcABI    abi.ABI
	escrowABI  abi.ABI
	breaker    *circuitbreaker.Breaker
}

// New creates a chain client. A signing key is optional: read-only
// deployments omit it and lose only the relay/custody operations.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("chain: chain ID required")
	}
	if cfg.EscrowContract == "" {
		return nil, errors.New("chain: escrow contract address required")
	}

	parsedUSDC, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse ERC20 ABI: %w", err)
	}
	parsedEscrow, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow ABI: %w", err)
	}

	c := &Client{
		chainID:    big.NewInt(cfg.ChainID),
		usdcAddr:   common.HexToAddress(cfg.USDCContract),
		escrowAddr: common.HexToAddress(cfg.EscrowContract),
		usdcABI:    parsedUSDC,
		escrowABI:  parsedEscrow,
		breaker:    circuitbreaker.New(5, 15*time.Second),
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		pub, ok := key.Public().(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
		}
		c.privateKey = key
		c.address = crypto.PubkeyToAddress(*pub)
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		ec, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = ec
	}

	return c, nil
}

// Address returns the custody wallet address, or the zero address when
// no signing key is configured.
func (c *Client) Address() string {
	return c.address.Hex()
}

// ClaimKey derives the uint256 contract key for a string claim id.
func ClaimKey(claimID string) *big.Int {
	return new(big.Int).SetBytes(crypto.Keccak256([]byte(claimID)))
}

// EscrowBalance reads the claim's on-chain escrow balance in smallest units.
func (c *Client) EscrowBalance(ctx context.Context, claimID string) (*big.Int, error) {
	out, err := c.callEscrow(ctx, "getEscrowBalance", ClaimKey(claimID))
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

// IsSettled reads the claim's on-chain settled flag.
func (c *Client) IsSettled(ctx context.Context, claimID string) (bool, error) {
	out, err := c.callEscrow(ctx, "isSettled", ClaimKey(claimID))
	if err != nil {
		return false, err
	}
	return len(out) > 0 && out[len(out)-1] == 1, nil
}

func (c *Client) callEscrow(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	data, err := c.escrowABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.callContract(ctx, ethereum.CallMsg{
		To:   &c.escrowAddr,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return out, nil
}

// callContract routes view calls through the RPC circuit breaker so a dead
// node fails fast instead of stalling every settlement precondition check.
func (c *Client) callContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := c.breaker.Do("rpc", func() error {
		var callErr error
		out, callErr = c.client.CallContract(ctx, msg, nil)
		return callErr
	})
	return out, err
}

// Allowance reads how much USDC owner has approved the escrow contract to pull.
func (c *Client) Allowance(ctx context.Context, owner string) (*big.Int, error) {
	data, err := c.usdcABI.Pack("allowance", common.HexToAddress(owner), c.escrowAddr)
	if err != nil {
		return nil, fmt.Errorf("pack allowance: %w", err)
	}
	out, err := c.callContract(ctx, ethereum.CallMsg{
		To:   &c.usdcAddr,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("call allowance: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

// BalanceOf reads an address's USDC balance in smallest units.
func (c *Client) BalanceOf(ctx context.Context, addr string) (*big.Int, error) {
	data, err := c.usdcABI.Pack("balanceOf", common.HexToAddress(addr))
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := c.callContract(ctx, ethereum.CallMsg{
		To:   &c.usdcAddr,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

// ApproveClaim sends the relayed approveClaim transaction releasing
// settlementAmount (decimal USDC string) to the recipient. Used by the
// auto-settle path; insurer-driven settlements sign this step in the
// wallet instead.
func (c *Client) ApproveClaim(ctx context.Context, claimID, settlementAmount, recipient string) (*TxResult, error) {
	amt, ok := usdc.Parse(settlementAmount)
	if !ok {
		return nil, fmt.Errorf("chain: invalid settlement amount %q", settlementAmount)
	}
	data, err := c.escrowABI.Pack("approveClaim", ClaimKey(claimID), amt, common.HexToAddress(recipient))
	if err != nil {
		return nil, &TxError{Op: "pack approveClaim", Err: err}
	}
	return c.sendTx(ctx, c.escrowAddr, data)
}

// Pull moves amount (decimal USDC string) from the depositor into platform
// custody via transferFrom; the depositor must have approved it beforehand.
// Implements the escrow ledger's TokenMover.
func (c *Client) Pull(ctx context.Context, from, amount string) (string, error) {
	amt, ok := usdc.Parse(amount)
	if !ok {
		return "", fmt.Errorf("chain: invalid amount %q", amount)
	}
	data, err := c.usdcABI.Pack("transferFrom", common.HexToAddress(from), c.address, amt)
	if err != nil {
		return "", &TxError{Op: "pack transferFrom", Err: err}
	}
	res, err := c.sendTx(ctx, c.usdcAddr, data)
	if err != nil {
		return "", err
	}
	return res.TxHash, nil
}

// Payout moves amount (decimal USDC string) from platform custody to the
// recipient. Implements the escrow ledger's TokenMover.
func (c *Client) Payout(ctx context.Context, to, amount string) (string, error) {
	amt, ok := usdc.Parse(amount)
	if !ok {
		return "", fmt.Errorf("chain: invalid amount %q", amount)
	}
	data, err := c.usdcABI.Pack("transfer", common.HexToAddress(to), amt)
	if err != nil {
		return "", &TxError{Op: "pack transfer", Err: err}
	}
	res, err := c.sendTx(ctx, c.usdcAddr, data)
	if err != nil {
		return "", err
	}
	return res.TxHash, nil
}

func (c *Client) sendTx(ctx context.Context, to common.Address, data []byte) (*TxResult, error) {
	if c.privateKey == nil {
		return nil, ErrNoSigningKey
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, &TxError{Op: "nonce", Err: err}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TxError{Op: "gas_price", Err: err}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, &TxError{Op: "sign", Err: err}
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TxError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return &TxResult{
		TxHash: signedTx.Hash().Hex(),
		Nonce:  nonce,
	}, nil
}

// WaitForConfirmation polls for a transaction receipt until mined or timeout.
func (c *Client) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*TxResult, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep waiting
				continue
			}
			if receipt.Status == 0 {
				return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ErrTxFailed}
			}
			return &TxResult{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// Close closes the underlying RPC client.
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
