package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	xerrors "mechx/internal/errors"
)

// RequestStatus mirrors the marketplace's request status enum.
type RequestStatus uint8

const (
	StatusDoesNotExist RequestStatus = iota
	StatusWaiting
	StatusTimedOut
	StatusDelivered
)

func (s RequestStatus) String() string {
	switch s {
	case StatusDoesNotExist:
		return "does_not_exist"
	case StatusWaiting:
		return "waiting"
	case StatusTimedOut:
		return "timed_out"
	case StatusDelivered:
		return "delivered"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// RequestInfo is the marketplace's bookkeeping for one request id.
type RequestInfo struct {
	PriorityMech    common.Address
	DeliveryMech    common.Address
	Requester       common.Address
	ResponseTimeout *big.Int
	DeliveryRate    *big.Int
	PaymentType     common.Hash
}

// Marketplace binds the marketplace ABI to one deployment.
type Marketplace struct {
	address common.Address
	caller  Caller
}

// NewMarketplace returns a marketplace binding at address.
func NewMarketplace(address common.Address, caller Caller) *Marketplace {
	return &Marketplace{address: address, caller: caller}
}

// Address returns the marketplace address.
func (m *Marketplace) Address() common.Address { return m.address }

// PackRequest encodes a single request call.
func (m *Marketplace) PackRequest(data []byte, maxDeliveryRate *big.Int, paymentType common.Hash, priorityMech common.Address, responseTimeout *big.Int, paymentData []byte) ([]byte, error) {
	return pack(MarketplaceABI, "request", data, maxDeliveryRate, paymentType, priorityMech, responseTimeout, paymentData)
}

// PackRequestBatch encodes a batch request call.
func (m *Marketplace) PackRequestBatch(datas [][]byte, maxDeliveryRate *big.Int, paymentType common.Hash, priorityMech common.Address, responseTimeout *big.Int, paymentData []byte) ([]byte, error) {
	return pack(MarketplaceABI, "requestBatch", datas, maxDeliveryRate, paymentType, priorityMech, responseTimeout, paymentData)
}

// RequestID asks the contract to derive a request id.
func (m *Marketplace) RequestID(ctx context.Context, mech, requester common.Address, data []byte, deliveryRate *big.Int, paymentType common.Hash, nonce *big.Int) (common.Hash, error) {
	values, err := call(ctx, m.caller, MarketplaceABI, m.address, "getRequestId", mech, requester, data, deliveryRate, paymentType, nonce)
	if err != nil {
		return common.Hash{}, err
	}
	id, ok := values[0].([32]byte)
	if !ok {
		return common.Hash{}, shapeError("getRequestId", values[0])
	}
	return common.Hash(id), nil
}

// RequestStatus returns the status of a request id.
func (m *Marketplace) RequestStatus(ctx context.Context, id common.Hash) (RequestStatus, error) {
	values, err := call(ctx, m.caller, MarketplaceABI, m.address, "getRequestStatus", id)
	if err != nil {
		return StatusDoesNotExist, err
	}
	status, ok := values[0].(uint8)
	if !ok {
		return StatusDoesNotExist, shapeError("getRequestStatus", values[0])
	}
	return RequestStatus(status), nil
}

// RequestInfo returns the stored info for a request id. Requests not yet
// claimed by a mech have a zero DeliveryMech.
func (m *Marketplace) RequestInfo(ctx context.Context, id common.Hash) (RequestInfo, error) {
	values, err := call(ctx, m.caller, MarketplaceABI, m.address, "mapRequestIdInfos", id)
	if err != nil {
		return RequestInfo{}, err
	}
	var info RequestInfo
	var ok bool
	if info.PriorityMech, ok = values[0].(common.Address); !ok {
		return RequestInfo{}, shapeError("mapRequestIdInfos", values[0])
	}
	if info.DeliveryMech, ok = values[1].(common.Address); !ok {
		return RequestInfo{}, shapeError("mapRequestIdInfos", values[1])
	}
	if info.Requester, ok = values[2].(common.Address); !ok {
		return RequestInfo{}, shapeError("mapRequestIdInfos", values[2])
	}
	if info.ResponseTimeout, ok = values[3].(*big.Int); !ok {
		return RequestInfo{}, shapeError("mapRequestIdInfos", values[3])
	}
	if info.DeliveryRate, ok = values[4].(*big.Int); !ok {
		return RequestInfo{}, shapeError("mapRequestIdInfos", values[4])
	}
	pt, ok := values[5].([32]byte)
	if !ok {
		return RequestInfo{}, shapeError("mapRequestIdInfos", values[5])
	}
	info.PaymentType = pt
	return info, nil
}

// Nonce returns the requester's next marketplace nonce.
func (m *Marketplace) Nonce(ctx context.Context, requester common.Address) (*big.Int, error) {
	values, err := call(ctx, m.caller, MarketplaceABI, m.address, "mapNonces", requester)
	if err != nil {
		return nil, err
	}
	nonce, ok := values[0].(*big.Int)
	if !ok {
		return nil, shapeError("mapNonces", values[0])
	}
	return nonce, nil
}

// BalanceTracker returns the balance tracker registered for a payment type.
func (m *Marketplace) BalanceTracker(ctx context.Context, paymentType common.Hash) (common.Address, error) {
	values, err := call(ctx, m.caller, MarketplaceABI, m.address, "mapPaymentTypeBalanceTrackers", paymentType)
	if err != nil {
		return common.Address{}, err
	}
	tracker, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, shapeError("mapPaymentTypeBalanceTrackers", values[0])
	}
	if tracker == (common.Address{}) {
		return common.Address{}, xerrors.New(xerrors.CodeConfiguration,
			"no balance tracker registered for payment type "+paymentType.Hex())
	}
	return tracker, nil
}

// ParseRequestIDs extracts the request ids emitted by this marketplace in a
// transaction receipt, in emission order.
func (m *Marketplace) ParseRequestIDs(receipt *coretypes.Receipt) ([]common.Hash, error) {
	event := MarketplaceABI.Events["MarketplaceRequest"]
	var ids []common.Hash
	for _, log := range receipt.Logs {
		if log.Address != m.address || len(log.Topics) == 0 || log.Topics[0] != event.ID {
			continue
		}
		values, err := event.Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeContractFailure, err, "decode MarketplaceRequest")
		}
		if len(values) != 3 {
			return nil, xerrors.New(xerrors.CodeContractFailure, "unexpected MarketplaceRequest shape")
		}
		raw, ok := values[1].([][32]byte)
		if !ok {
			return nil, shapeError("MarketplaceRequest", values[1])
		}
		for _, id := range raw {
			ids = append(ids, common.Hash(id))
		}
	}
	if len(ids) == 0 {
		return nil, xerrors.New(xerrors.CodeContractFailure, "no MarketplaceRequest event in receipt",
			xerrors.WithMetadata("tx_hash", receipt.TxHash.Hex()))
	}
	return ids, nil
}
