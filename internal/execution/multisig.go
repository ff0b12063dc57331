package execution

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"mechx/internal/contracts"
	xerrors "mechx/internal/errors"
)

// Multisig executes calls through a 1-of-n Gnosis Safe owned by the key.
// The key's account pays for the outer execTransaction.
type Multisig struct {
	signer *DirectKey
	safe   *contracts.Safe
}

func newMultisig(signer *DirectKey, safeAddress common.Address) *Multisig {
	return &Multisig{signer: signer, safe: contracts.NewSafe(safeAddress, signer.ledger)}
}

func (*Multisig) sealed() {}

// Mode implements Strategy.
func (*Multisig) Mode() Mode { return ModeAgent }

// SenderAddress implements Strategy.
func (m *Multisig) SenderAddress() common.Address { return m.safe.Address() }

// Signer returns the owner account that signs and pays for executions.
func (m *Multisig) Signer() common.Address { return m.signer.from }

// NextNonce implements Strategy. Safe nonces come from the shared allocator,
// seeded from the Safe's nonce(), so concurrent executions sign distinct
// nonces.
func (m *Multisig) NextNonce(ctx context.Context) (uint64, error) {
	return Next(ctx, m.signer.nonces, m.nonceKey(), func(ctx context.Context) (uint64, error) {
		nonce, err := m.safe.Nonce(ctx)
		if err != nil {
			return 0, xerrors.Wrap(CodeMultisigExecutionFailed, err, "read safe nonce")
		}
		return nonce.Uint64(), nil
	})
}

func (m *Multisig) nonceKey() string { return "safe:" + m.safe.Address().Hex() }

// PrepareTx implements Strategy. The outer nonce and fees belong to the
// signer's transaction; SafeNonce to the inner one.
func (m *Multisig) PrepareTx(ctx context.Context) (TxParams, error) {
	params, err := m.signer.PrepareTx(ctx)
	if err != nil {
		return TxParams{}, err
	}
	safeNonce, err := m.NextNonce(ctx)
	if err != nil {
		_, _ = m.signer.Abandon(ctx, params)
		return TxParams{}, err
	}
	params.SafeNonce = new(big.Int).SetUint64(safeNonce)
	return params, nil
}

// Abandon implements Strategy. The Safe nonce is only released together
// with an outer nonce that never reached the node.
func (m *Multisig) Abandon(ctx context.Context, params TxParams) (bool, error) {
	released, err := m.signer.Abandon(ctx, params)
	if err != nil || !released || params.SafeNonce == nil {
		return released, err
	}
	if err := m.signer.nonces.Release(ctx, m.nonceKey(), params.SafeNonce.Uint64(), 1); err != nil {
		return false, err
	}
	return true, nil
}

// ExecuteTransaction implements Strategy.
func (m *Multisig) ExecuteTransaction(ctx context.Context, call Call, params TxParams) (common.Hash, error) {
	hash, err := m.execute(ctx, call, params)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(CodeMultisigExecutionFailed, err, "",
			xerrors.WithMetadata("safe", m.safe.Address().Hex()),
			xerrors.WithMetadata("to", call.To.Hex()))
	}
	return hash, nil
}

// ExecuteTransfer implements Strategy.
func (m *Multisig) ExecuteTransfer(ctx context.Context, to common.Address, amount *big.Int, params TxParams) (common.Hash, error) {
	return m.ExecuteTransaction(ctx, Call{To: to, Value: amount}, params)
}

// SignMessage implements Strategy.
func (m *Multisig) SignMessage(data []byte) ([]byte, error) {
	return m.signer.SignMessage(data)
}

func (m *Multisig) execute(ctx context.Context, call Call, params TxParams) (common.Hash, error) {
	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}
	safeNonce := params.SafeNonce
	if safeNonce == nil {
		n, err := m.NextNonce(ctx)
		if err != nil {
			return common.Hash{}, err
		}
		safeNonce = new(big.Int).SetUint64(n)
	}
	safeTxHash, err := m.safe.TransactionHash(ctx, call.To, value, call.Data, safeNonce)
	if err != nil {
		return common.Hash{}, err
	}
	sig, err := crypto.Sign(safeTxHash.Bytes(), m.signer.key)
	if err != nil {
		return common.Hash{}, err
	}
	sig[crypto.RecoveryIDOffset] += 27

	input, err := m.safe.PackExecTransaction(call.To, value, call.Data, sig)
	if err != nil {
		return common.Hash{}, err
	}
	return m.signer.send(ctx, Call{To: m.safe.Address(), Data: input}, params)
}
