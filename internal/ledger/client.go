// Package ledger wraps the go-ethereum RPC client with the handful of reads
// and writes the marketplace client needs, translating transport failures
// into RPC errors and reverts into contract errors.
package ledger

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "mechx/internal/errors"
)

// Backend is the subset of go-ethereum client methods the ledger relies on.
// Both *ethclient.Client and simulated.Client satisfy it.
type Backend interface {
	gethcore.ChainIDReader
	gethcore.BlockNumberReader
	gethcore.ContractCaller
	gethcore.LogFilterer
	gethcore.TransactionSender
	gethcore.GasEstimator
	gethcore.GasPricer1559
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client is a ledger handle shared by every component of one submission.
type Client struct {
	backend   Backend
	rpcClient *gethrpc.Client
	afterSend func()

	mu      sync.Mutex
	chainID *big.Int
}

// Dial connects to the JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "chain rpc url not configured")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRPCFailure, err, "dial chain node")
	}
	return &Client{backend: ethclient.NewClient(rpcClient), rpcClient: rpcClient}, nil
}

// New wraps an existing backend.
func New(backend Backend) *Client {
	return &Client{backend: backend}
}

// NewSimulated wraps a go-ethereum simulated backend. Every sent transaction
// is sealed into a block immediately so receipts become available.
func NewSimulated(backend *simulated.Backend) *Client {
	return &Client{
		backend:   backend.Client(),
		afterSend: func() { backend.Commit() },
	}
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c == nil || c.rpcClient == nil {
		return
	}
	c.rpcClient.Close()
}

// ChainID returns the chain id, fetched once.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, rpcError(err, "read chain id")
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, rpcError(err, "read block number")
	}
	return n, nil
}

// BalanceAt returns the native balance of account at the latest block.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, rpcError(err, "read balance")
	}
	return balance, nil
}

// PendingNonceAt returns the next nonce for account including pending transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, rpcError(err, "read pending nonce")
	}
	return nonce, nil
}

// Call executes a read-only contract call at the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		if IsRevert(err) {
			return nil, xerrors.Wrap(xerrors.CodeContractFailure, err, "contract call reverted",
				xerrors.WithMetadata("contract", to.Hex()))
		}
		return nil, rpcError(err, "contract call")
	}
	return out, nil
}

// FilterLogs runs a log query.
func (c *Client) FilterLogs(ctx context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error) {
	logs, err := c.backend.FilterLogs(ctx, q)
	if err != nil {
		return nil, rpcError(err, "filter logs")
	}
	return logs, nil
}

// EstimateGas estimates the gas needed by msg.
func (c *Client) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error) {
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		if IsRevert(err) {
			return 0, xerrors.Wrap(xerrors.CodeContractFailure, err, "gas estimation reverted")
		}
		return 0, rpcError(err, "estimate gas")
	}
	return gas, nil
}

// SuggestFees returns an EIP-1559 tip and fee cap. The cap leaves room for
// the base fee to double before the transaction becomes unincludable.
func (c *Client) SuggestFees(ctx context.Context) (tip, feeCap *big.Int, err error) {
	tip, err = c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, rpcError(err, "suggest gas tip")
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, rpcError(err, "read latest header")
	}
	baseFee := big.NewInt(0)
	if head.BaseFee != nil {
		baseFee = head.BaseFee
	}
	feeCap = new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))
	return tip, feeCap, nil
}

// SendTransaction broadcasts a signed transaction. The node's rejection
// message is preserved in the returned error chain.
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return xerrors.Wrap(xerrors.CodeTransactionFailure, err, "send transaction",
			xerrors.WithMetadata("nonce", fmt.Sprintf("%d", tx.Nonce())))
	}
	if c.afterSend != nil {
		c.afterSend()
	}
	return nil
}

// TransactionReceipt returns the receipt of a mined transaction, or
// (nil, nil) when the transaction is not yet mined.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if stdErrors.Is(err, gethcore.NotFound) {
			return nil, nil
		}
		return nil, rpcError(err, "read transaction receipt")
	}
	return receipt, nil
}

// WaitMined polls for the receipt of hash until it is mined or ctx ends.
// A mined but failed transaction is reported as a transaction error.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash, interval time.Duration) (*coretypes.Receipt, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := c.TransactionReceipt(ctx, hash)
		if err != nil && !xerrors.RetryableError(err) {
			return nil, err
		}
		if receipt != nil {
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return receipt, xerrors.New(xerrors.CodeTransactionFailure, "transaction reverted",
					xerrors.WithRetryable(false),
					xerrors.WithMetadata("tx_hash", hash.Hex()))
			}
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "timed out waiting for transaction to be mined",
				xerrors.WithMetadata("tx_hash", hash.Hex()))
		case <-ticker.C:
		}
	}
}

// IsRevert reports whether err is an EVM execution revert.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	var dataErr gethrpc.DataError
	if stdErrors.As(err, &dataErr) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func rpcError(err error, msg string) error {
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, msg)
	}
	return xerrors.Wrap(xerrors.CodeRPCFailure, err, msg)
}
