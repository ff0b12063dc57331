// Package execution decides how transactions are signed and sent: directly
// from a key-controlled account, or through a Gnosis Safe the key owns.
package execution

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "mechx/internal/errors"
)

// Mode selects the execution strategy.
type Mode string

const (
	// ModeClient sends transactions from the key's own account.
	ModeClient Mode = "client"
	// ModeAgent routes transactions through the agent's Safe.
	ModeAgent Mode = "agent"
)

const (
	CodeTransactionFailed       xerrors.Code = "TRANSACTION_FAILED"
	CodeMultisigExecutionFailed xerrors.Code = "MULTISIG_EXECUTION_FAILED"
)

func init() {
	xerrors.Register(CodeTransactionFailed, xerrors.Attributes{
		Kind:      xerrors.KindTransaction,
		Message:   "transaction failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeMultisigExecutionFailed, xerrors.Attributes{
		Kind:      xerrors.KindTransaction,
		Message:   "multisig execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Ledger is the chain access an execution strategy needs. *ledger.Client
// implements it.
type Ledger interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestFees(ctx context.Context) (tip, feeCap *big.Int, err error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Call is a contract call or value transfer to execute.
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// TxParams fixes the outer transaction's nonce and fees. Retries of the same
// logical transaction reuse Nonce and only raise the fees.
type TxParams struct {
	Nonce     uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
	GasLimit  uint64
	// SafeNonce is the Safe nonce reserved for the inner transaction in
	// agent mode. Retries sign the same SafeNonce.
	SafeNonce *big.Int
}

// Strategy signs and sends transactions on behalf of the requester.
// Implementations are DirectKey and Multisig.
type Strategy interface {
	Mode() Mode
	// SenderAddress is the account the marketplace sees as requester.
	SenderAddress() common.Address
	// NextNonce returns the sender's next nonce: the account nonce for a
	// direct key, the Safe nonce for a multisig.
	NextNonce(ctx context.Context) (uint64, error)
	// PrepareTx suggests fees and then reserves the nonces of one logical
	// transaction.
	PrepareTx(ctx context.Context) (TxParams, error)
	// Abandon releases the nonces of params when no transaction using them
	// reached the node, so the next PrepareTx does not leave a gap. It
	// reports whether the nonces were released.
	Abandon(ctx context.Context, params TxParams) (bool, error)
	ExecuteTransaction(ctx context.Context, call Call, params TxParams) (common.Hash, error)
	ExecuteTransfer(ctx context.Context, to common.Address, amount *big.Int, params TxParams) (common.Hash, error)
	// SignMessage returns an EIP-191 personal signature with v in {27, 28}.
	SignMessage(data []byte) ([]byte, error)

	sealed()
}

// Config selects and configures a Strategy.
type Config struct {
	Mode        Mode
	Key         *ecdsa.PrivateKey
	SafeAddress common.Address
	Ledger      Ledger
	Nonces      Allocator
	GasLimit    uint64
}

// New builds the strategy for cfg.Mode. It makes no network calls.
func New(cfg Config) (Strategy, error) {
	if cfg.Key == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "private key not loaded")
	}
	if cfg.Ledger == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "ledger handle required")
	}
	if cfg.Nonces == nil {
		cfg.Nonces = NewNonceAllocator()
	}
	direct := &DirectKey{
		key:      cfg.Key,
		from:     crypto.PubkeyToAddress(cfg.Key.PublicKey),
		ledger:   cfg.Ledger,
		nonces:   cfg.Nonces,
		gasLimit: cfg.GasLimit,
	}

	switch mode := Mode(strings.ToLower(string(cfg.Mode))); mode {
	case ModeClient, "":
		return direct, nil
	case ModeAgent:
		if cfg.SafeAddress == (common.Address{}) {
			return nil, xerrors.New(xerrors.CodeConfiguration, "agent mode requires a safe address")
		}
		return newMultisig(direct, cfg.SafeAddress), nil
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, "unknown execution mode "+string(cfg.Mode))
	}
}

// Send prepares and executes a single call without retries. A failed send
// gives its nonces back.
func Send(ctx context.Context, s Strategy, call Call) (common.Hash, error) {
	params, err := s.PrepareTx(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := s.ExecuteTransaction(ctx, call, params)
	if err != nil {
		_, _ = s.Abandon(context.WithoutCancel(ctx), params)
		return common.Hash{}, err
	}
	return hash, nil
}

// LoadKey reads a hex-encoded secp256k1 private key file.
func LoadKey(path string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.LoadECDSA(strings.TrimSpace(path))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "load private key "+path)
	}
	return key, nil
}

func personalSign(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(data), key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "sign message")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
