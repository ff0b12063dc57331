package execution

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	xerrors "mechx/internal/errors"
)

// DirectKey signs with the private key and sends from its own account.
type DirectKey struct {
	key      *ecdsa.PrivateKey
	from     common.Address
	ledger   Ledger
	nonces   Allocator
	gasLimit uint64
}

func (*DirectKey) sealed() {}

// Mode implements Strategy.
func (*DirectKey) Mode() Mode { return ModeClient }

// SenderAddress implements Strategy.
func (d *DirectKey) SenderAddress() common.Address { return d.from }

// NextNonce implements Strategy. The allocator is seeded from the pending
// nonce on first use.
func (d *DirectKey) NextNonce(ctx context.Context) (uint64, error) {
	return Next(ctx, d.nonces, d.nonceKey(), func(ctx context.Context) (uint64, error) {
		return d.ledger.PendingNonceAt(ctx, d.from)
	})
}

func (d *DirectKey) nonceKey() string { return "account:" + d.from.Hex() }

// PrepareTx implements Strategy. Fees are fetched first so a failing fee
// oracle never consumes a nonce.
func (d *DirectKey) PrepareTx(ctx context.Context) (TxParams, error) {
	tip, feeCap, err := d.ledger.SuggestFees(ctx)
	if err != nil {
		return TxParams{}, err
	}
	nonce, err := d.NextNonce(ctx)
	if err != nil {
		return TxParams{}, err
	}
	return TxParams{Nonce: nonce, GasTipCap: tip, GasFeeCap: feeCap, GasLimit: d.gasLimit}, nil
}

// Abandon implements Strategy. The nonce is kept when the node already
// counts it as pending.
func (d *DirectKey) Abandon(ctx context.Context, params TxParams) (bool, error) {
	pending, err := d.ledger.PendingNonceAt(ctx, d.from)
	if err != nil {
		return false, xerrors.Wrap(CodeTransactionFailed, err, "read pending nonce")
	}
	if pending > params.Nonce {
		return false, nil
	}
	if err := d.nonces.Release(ctx, d.nonceKey(), params.Nonce, 1); err != nil {
		return false, err
	}
	return true, nil
}

// ExecuteTransaction implements Strategy.
func (d *DirectKey) ExecuteTransaction(ctx context.Context, call Call, params TxParams) (common.Hash, error) {
	hash, err := d.send(ctx, call, params)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(CodeTransactionFailed, err, "",
			xerrors.WithMetadata("to", call.To.Hex()))
	}
	return hash, nil
}

// ExecuteTransfer implements Strategy.
func (d *DirectKey) ExecuteTransfer(ctx context.Context, to common.Address, amount *big.Int, params TxParams) (common.Hash, error) {
	return d.ExecuteTransaction(ctx, Call{To: to, Value: amount}, params)
}

// SignMessage implements Strategy.
func (d *DirectKey) SignMessage(data []byte) ([]byte, error) {
	return personalSign(d.key, data)
}

func (d *DirectKey) send(ctx context.Context, call Call, params TxParams) (common.Hash, error) {
	chainID, err := d.ledger.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}
	to := call.To

	gas := params.GasLimit
	if gas == 0 {
		estimated, err := d.ledger.EstimateGas(ctx, gethcore.CallMsg{From: d.from, To: &to, Data: call.Data, Value: value})
		if err != nil {
			return common.Hash{}, err
		}
		gas = estimated * 12 / 10
	}

	tx, err := coretypes.SignNewTx(d.key, coretypes.LatestSignerForChainID(chainID), &coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     params.Nonce,
		GasTipCap: params.GasTipCap,
		GasFeeCap: params.GasFeeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      call.Data,
	})
	if err != nil {
		return common.Hash{}, err
	}
	if err := d.ledger.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}
