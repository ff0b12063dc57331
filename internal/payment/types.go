// Package payment implements the marketplace payment models: native coin,
// ERC-20 token and subscription. A Strategy checks the payer's balance,
// approves token spending and reports the balance tracker that settles the
// request.
package payment

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "mechx/internal/errors"
)

// Payment type tags as stored by mechs and the marketplace.
var (
	TypeNative       = common.HexToHash("0xba699a34be8fe0e7725e93dcbce1701b0211a8ca61330aaeb8a05bf2ec7abed1")
	TypeToken        = common.HexToHash("0x3679d66ef546e66ce9057c4a052f317b135bc8e8c509638f7966edfd4fcf45e9")
	TypeUSDCToken    = common.HexToHash("0x6406bb5f31a732f898e1ce9fdd988a80a808d36ab5d9a4a4805a8be8d197d5e3")
	TypeNativeNVM    = common.HexToHash("0x803dd08fe79d91027fc9024e254a0942372b92f3ccabc1bd19f4a5c2b251c316")
	TypeTokenNVMUSDC = common.HexToHash("0x0d6fd99afa9c4c580fab5e341922c2a5c4b61d880da60506193d7bf88944dd14")
)

// Kind groups payment types by how they are settled.
type Kind int

const (
	KindNative Kind = iota + 1
	KindToken
	KindSubscription
)

func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindToken:
		return "token"
	case KindSubscription:
		return "subscription"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type typeInfo struct {
	name  string
	kind  Kind
	token string
}

var registry = map[common.Hash]typeInfo{
	TypeNative:       {name: "native", kind: KindNative},
	TypeToken:        {name: "token", kind: KindToken, token: "olas"},
	TypeUSDCToken:    {name: "usdc_token", kind: KindToken, token: "usdc"},
	TypeNativeNVM:    {name: "native_nvm", kind: KindSubscription},
	TypeTokenNVMUSDC: {name: "token_nvm_usdc", kind: KindSubscription},
}

const (
	CodeUnknownPaymentType  xerrors.Code = "UNKNOWN_PAYMENT_TYPE"
	CodeTokenNotConfigured  xerrors.Code = "TOKEN_NOT_CONFIGURED"
	CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_BALANCE"
)

func init() {
	xerrors.Register(CodeUnknownPaymentType, xerrors.Attributes{
		Kind:     xerrors.KindValidation,
		Message:  "unknown payment type",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTokenNotConfigured, xerrors.Attributes{
		Kind:     xerrors.KindConfiguration,
		Message:  "payment token not configured for chain",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Kind:     xerrors.KindPayment,
		Message:  "insufficient balance",
		Severity: xerrors.SeverityInfo,
	})
}

// KindOf returns the settlement kind of a payment type tag.
func KindOf(tag common.Hash) (Kind, error) {
	info, ok := registry[tag]
	if !ok {
		return 0, unknownType(tag)
	}
	return info.kind, nil
}

// Name returns the short name of a payment type tag, or its hex form.
func Name(tag common.Hash) string {
	if info, ok := registry[tag]; ok {
		return info.name
	}
	return tag.Hex()
}

// ParseType accepts a payment type name (native, token, usdc_token,
// native_nvm, token_nvm_usdc, case-insensitive) or a 0x-prefixed tag.
func ParseType(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		tag := common.HexToHash(s)
		if _, ok := registry[tag]; !ok || len(s) != 66 {
			return common.Hash{}, unknownType(tag)
		}
		return tag, nil
	}
	for tag, info := range registry {
		if strings.EqualFold(info.name, s) {
			return tag, nil
		}
	}
	return common.Hash{}, xerrors.New(CodeUnknownPaymentType, fmt.Sprintf("unknown payment type %q", s))
}

func unknownType(tag common.Hash) error {
	return xerrors.New(CodeUnknownPaymentType, "unknown payment type "+tag.Hex(),
		xerrors.WithMetadata("payment_type", tag.Hex()))
}
