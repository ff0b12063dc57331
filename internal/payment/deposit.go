package payment

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"mechx/internal/contracts"
	xerrors "mechx/internal/errors"
	"mechx/internal/execution"
)

// WaitFunc blocks until a transaction is mined.
type WaitFunc func(ctx context.Context, hash common.Hash) error

// Deposit tops up the sender's prepaid balance at the strategy's balance
// tracker. Token deposits are preceded by an approval when needed; wait is
// called on the approval before the deposit is sent.
func Deposit(ctx context.Context, s Strategy, exec execution.Strategy, amount *big.Int, wait WaitFunc) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "deposit amount must be positive")
	}

	var call execution.Call
	switch s.Kind() {
	case KindNative:
		input, err := contracts.PackNativeDeposit()
		if err != nil {
			return common.Hash{}, err
		}
		call = execution.Call{To: s.BalanceTracker(), Data: input, Value: amount}
	case KindToken:
		approval, err := s.ApproveIfNeeded(ctx, exec, amount)
		if err != nil {
			return common.Hash{}, err
		}
		if approval != nil && wait != nil {
			if err := wait(ctx, *approval); err != nil {
				return common.Hash{}, err
			}
		}
		input, err := contracts.PackTokenDeposit(amount)
		if err != nil {
			return common.Hash{}, err
		}
		call = execution.Call{To: s.BalanceTracker(), Data: input}
	case KindSubscription:
		return common.Hash{}, xerrors.New(xerrors.CodePaymentFailure,
			"subscription balances are topped up by purchasing a subscription, not by deposit")
	default:
		return common.Hash{}, unknownType(s.PaymentType())
	}

	return execution.Send(ctx, exec, call)
}
