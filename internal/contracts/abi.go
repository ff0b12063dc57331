// Package contracts encodes calls to, and decodes results and events from,
// the marketplace, mech, balance tracker, token and Safe contracts.
package contracts

import (
	"bytes"
	"context"
	"embed"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "mechx/internal/errors"
)

//go:embed abi/*.json
var abiFiles embed.FS

var (
	MarketplaceABI         = mustLoad("marketplace.json")
	MechABI                = mustLoad("mech.json")
	NativeTrackerABI       = mustLoad("balance_tracker.json")
	TokenTrackerABI        = mustLoad("balance_tracker_token.json")
	SubscriptionTrackerABI = mustLoad("balance_tracker_nvm.json")
	ERC20ABI               = mustLoad("erc20.json")
	ERC1155ABI             = mustLoad("erc1155.json")
	SafeABI                = mustLoad("safe.json")
)

// Caller performs read-only contract calls. *ledger.Client implements it.
type Caller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

func mustLoad(name string) abi.ABI {
	raw, err := abiFiles.ReadFile("abi/" + name)
	if err != nil {
		panic(fmt.Sprintf("contracts: read %s: %v", name, err))
	}
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("contracts: parse %s: %v", name, err))
	}
	return parsed
}

// pack encodes a method call, reporting failures as contract errors.
func pack(parsed abi.ABI, method string, args ...any) ([]byte, error) {
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeContractFailure, err, "encode "+method)
	}
	return input, nil
}

// call packs, executes and unpacks a view call.
func call(ctx context.Context, caller Caller, parsed abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	input, err := pack(parsed, method, args...)
	if err != nil {
		return nil, err
	}
	out, err := caller.Call(ctx, to, input)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, xerrors.New(xerrors.CodeContractFailure,
			fmt.Sprintf("%s returned no data, is %s a contract?", method, to.Hex()),
			xerrors.WithMetadata("contract", to.Hex()))
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeContractFailure, err, "decode "+method,
			xerrors.WithMetadata("contract", to.Hex()))
	}
	if len(values) != len(parsed.Methods[method].Outputs) {
		return nil, xerrors.New(xerrors.CodeContractFailure, "unexpected result shape for "+method)
	}
	return values, nil
}

func shapeError(method string, value any) error {
	return xerrors.New(xerrors.CodeContractFailure, fmt.Sprintf("%s: unexpected value type %T", method, value))
}
