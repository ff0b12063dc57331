// Package requestid derives marketplace request identifiers locally.
//
// The derivation reproduces MechMarketplace.getRequestId: an EIP-712 typed
// data hash over the request fields, bound to the marketplace domain. Both the
// on-chain submission path (as a cross-check against the emitted ids) and the
// off-chain path (as the primary source of ids) go through Compute.
package requestid

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "mechx/internal/errors"
)

const (
	// DefaultDomainName is the EIP-712 domain name used by the marketplace.
	DefaultDomainName = "MechMarketplace"
	// DefaultDomainVersion is the EIP-712 domain version used by the marketplace.
	DefaultDomainVersion = "1.0.0"
)

var (
	domainTypeHash  = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	requestTypeHash = crypto.Keccak256Hash([]byte("Request(address mech,address requester,bytes data,uint256 deliveryRate,bytes32 paymentType,uint256 nonce)"))

	domainArgs  = mustArguments("bytes32", "bytes32", "bytes32", "uint256", "address")
	requestArgs = mustArguments("bytes32", "address", "address", "bytes32", "uint256", "bytes32", "uint256")
)

// Domain binds identifiers to one marketplace deployment.
type Domain struct {
	Name        string
	Version     string
	ChainID     *big.Int
	Marketplace common.Address
}

// NewDomain returns the marketplace domain with the default name and version.
func NewDomain(chainID *big.Int, marketplace common.Address) Domain {
	return Domain{
		Name:        DefaultDomainName,
		Version:     DefaultDomainVersion,
		ChainID:     chainID,
		Marketplace: marketplace,
	}
}

// Params are the request fields hashed into the identifier.
type Params struct {
	PriorityMech    common.Address
	Requester       common.Address
	ContentHash     []byte
	MaxDeliveryRate *big.Int
	PaymentType     common.Hash
	Nonce           *big.Int
}

// Separator returns the EIP-712 domain separator.
func (d Domain) Separator() (common.Hash, error) {
	if d.ChainID == nil || d.ChainID.Sign() < 0 {
		return common.Hash{}, invalid("chain id must be set and non-negative")
	}
	name, version := d.Name, d.Version
	if name == "" {
		name = DefaultDomainName
	}
	if version == "" {
		version = DefaultDomainVersion
	}
	encoded, err := domainArgs.Pack(
		domainTypeHash,
		crypto.Keccak256Hash([]byte(name)),
		crypto.Keccak256Hash([]byte(version)),
		d.ChainID,
		d.Marketplace,
	)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode domain")
	}
	return crypto.Keccak256Hash(encoded), nil
}

// Compute returns the request identifier for p under domain d.
func Compute(d Domain, p Params) (common.Hash, error) {
	separator, err := d.Separator()
	if err != nil {
		return common.Hash{}, err
	}
	return computeWithSeparator(separator, p)
}

// ComputeBatch derives identifiers for a batch submitted in one transaction.
// The marketplace assigns consecutive nonces starting at firstNonce.
func ComputeBatch(d Domain, priorityMech, requester common.Address, contentHashes [][]byte, rate *big.Int, paymentType common.Hash, firstNonce *big.Int) ([]common.Hash, error) {
	separator, err := d.Separator()
	if err != nil {
		return nil, err
	}
	if firstNonce == nil {
		return nil, invalid("nonce must be set")
	}
	ids := make([]common.Hash, 0, len(contentHashes))
	for i, hash := range contentHashes {
		id, err := computeWithSeparator(separator, Params{
			PriorityMech:    priorityMech,
			Requester:       requester,
			ContentHash:     hash,
			MaxDeliveryRate: rate,
			PaymentType:     paymentType,
			Nonce:           new(big.Int).Add(firstNonce, big.NewInt(int64(i))),
		})
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func computeWithSeparator(separator common.Hash, p Params) (common.Hash, error) {
	if len(p.ContentHash) != common.HashLength {
		return common.Hash{}, invalid(fmt.Sprintf("content hash must be %d bytes, got %d", common.HashLength, len(p.ContentHash)))
	}
	if p.MaxDeliveryRate == nil || p.MaxDeliveryRate.Sign() < 0 {
		return common.Hash{}, invalid("delivery rate must be set and non-negative")
	}
	if p.Nonce == nil || p.Nonce.Sign() < 0 {
		return common.Hash{}, invalid("nonce must be set and non-negative")
	}
	encoded, err := requestArgs.Pack(
		requestTypeHash,
		p.PriorityMech,
		p.Requester,
		crypto.Keccak256Hash(p.ContentHash),
		p.MaxDeliveryRate,
		p.PaymentType,
		p.Nonce,
	)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode request")
	}
	structHash := crypto.Keccak256(encoded)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, separator.Bytes(), structHash), nil
}

// Decimal renders an identifier the way the off-chain endpoints expect it.
func Decimal(id common.Hash) string {
	return new(big.Int).SetBytes(id.Bytes()).String()
}

// Parse accepts an identifier as 0x-prefixed hex or as a decimal integer.
func Parse(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		raw, err := hexutil.Decode(s)
		if err != nil || len(raw) > common.HashLength {
			return common.Hash{}, invalid("request id is not a 32-byte hex value: " + s)
		}
		return common.BytesToHash(raw), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 256 {
		return common.Hash{}, invalid("request id is not a uint256: " + s)
	}
	return common.BigToHash(v), nil
}

func invalid(msg string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, msg, xerrors.WithMetadata("component", "requestid"))
}

func mustArguments(types ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(types))
	for _, name := range types {
		typ, err := abi.NewType(name, "", nil)
		if err != nil {
			panic(fmt.Sprintf("requestid: abi type %s: %v", name, err))
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args
}
