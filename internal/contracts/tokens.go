package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ERC20Balance returns the token balance of account.
func ERC20Balance(ctx context.Context, caller Caller, token, account common.Address) (*big.Int, error) {
	return callUint(ctx, caller, ERC20ABI, token, "balanceOf", account)
}

// ERC20Allowance returns how much spender may transfer on behalf of owner.
func ERC20Allowance(ctx context.Context, caller Caller, token, owner, spender common.Address) (*big.Int, error) {
	return callUint(ctx, caller, ERC20ABI, token, "allowance", owner, spender)
}

// PackERC20Approve encodes approve(spender, amount).
func PackERC20Approve(spender common.Address, amount *big.Int) ([]byte, error) {
	return pack(ERC20ABI, "approve", spender, amount)
}

// ERC1155Balance returns the balance of token id held by account.
func ERC1155Balance(ctx context.Context, caller Caller, token, account common.Address, id *big.Int) (*big.Int, error) {
	return callUint(ctx, caller, ERC1155ABI, token, "balanceOf", account, id)
}

// RequesterBalance returns the prepaid balance held by a balance tracker.
func RequesterBalance(ctx context.Context, caller Caller, tracker, requester common.Address) (*big.Int, error) {
	return callUint(ctx, caller, NativeTrackerABI, tracker, "mapRequesterBalances", requester)
}

// PackNativeDeposit encodes the payable deposit() of a native tracker.
func PackNativeDeposit() ([]byte, error) {
	return pack(NativeTrackerABI, "deposit")
}

// PackTokenDeposit encodes deposit(amount) of a token tracker.
func PackTokenDeposit(amount *big.Int) ([]byte, error) {
	return pack(TokenTrackerABI, "deposit", amount)
}

// Subscription returns the subscription NFT contract and token id used by a
// subscription balance tracker.
func Subscription(ctx context.Context, caller Caller, tracker common.Address) (common.Address, *big.Int, error) {
	values, err := call(ctx, caller, SubscriptionTrackerABI, tracker, "subscriptionNFT")
	if err != nil {
		return common.Address{}, nil, err
	}
	nft, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, nil, shapeError("subscriptionNFT", values[0])
	}
	id, err := callUint(ctx, caller, SubscriptionTrackerABI, tracker, "subscriptionTokenId")
	if err != nil {
		return common.Address{}, nil, err
	}
	return nft, id, nil
}
