package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Safe binds the Gnosis Safe ABI to one multisig.
type Safe struct {
	address common.Address
	caller  Caller
}

// NewSafe returns a Safe binding at address.
func NewSafe(address common.Address, caller Caller) *Safe {
	return &Safe{address: address, caller: caller}
}

// Address returns the Safe address.
func (s *Safe) Address() common.Address { return s.address }

// Nonce returns the Safe's next transaction nonce.
func (s *Safe) Nonce(ctx context.Context) (*big.Int, error) {
	return callUint(ctx, s.caller, SafeABI, s.address, "nonce")
}

// TransactionHash returns the hash the owners sign for a plain CALL with no
// gas refund.
func (s *Safe) TransactionHash(ctx context.Context, to common.Address, value *big.Int, data []byte, nonce *big.Int) (common.Hash, error) {
	zero := big.NewInt(0)
	values, err := call(ctx, s.caller, SafeABI, s.address, "getTransactionHash",
		to, value, data, uint8(0), zero, zero, zero, common.Address{}, common.Address{}, nonce)
	if err != nil {
		return common.Hash{}, err
	}
	hash, ok := values[0].([32]byte)
	if !ok {
		return common.Hash{}, shapeError("getTransactionHash", values[0])
	}
	return hash, nil
}

// PackExecTransaction encodes execTransaction for a plain CALL.
func (s *Safe) PackExecTransaction(to common.Address, value *big.Int, data []byte, signatures []byte) ([]byte, error) {
	zero := big.NewInt(0)
	return pack(SafeABI, "execTransaction",
		to, value, data, uint8(0), zero, zero, zero, common.Address{}, common.Address{}, signatures)
}

func callUint(ctx context.Context, caller Caller, parsed abi.ABI, to common.Address, method string, args ...any) (*big.Int, error) {
	values, err := call(ctx, caller, parsed, to, method, args...)
	if err != nil {
		return nil, err
	}
	n, ok := values[0].(*big.Int)
	if !ok {
		return nil, shapeError(method, values[0])
	}
	return n, nil
}
