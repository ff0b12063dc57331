package contracts

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"

	xerrors "mechx/internal/errors"
)

const defaultMechCacheSize = 256

// MechInfo is the on-chain metadata of a mech.
type MechInfo struct {
	PaymentType     common.Hash
	MaxDeliveryRate *big.Int
	ServiceID       *big.Int
}

// Deliver is a decoded Deliver event.
type Deliver struct {
	Mech         common.Address
	Multisig     common.Address
	RequestID    common.Hash
	DeliveryRate *big.Int
	Data         []byte
	BlockNumber  uint64
	TxHash       common.Hash
}

// MechRegistry reads mech metadata and caches it per mech address.
// Metadata is immutable for a deployed mech.
type MechRegistry struct {
	caller Caller
	infos  *lru.Cache[common.Address, MechInfo]
}

// NewMechRegistry returns a registry with an LRU cache of size entries.
func NewMechRegistry(caller Caller, size int) *MechRegistry {
	if size <= 0 {
		size = defaultMechCacheSize
	}
	infos, err := lru.New[common.Address, MechInfo](size)
	if err != nil {
		panic(err)
	}
	return &MechRegistry{caller: caller, infos: infos}
}

// Info returns the payment type, max delivery rate and service id of mech.
func (r *MechRegistry) Info(ctx context.Context, mech common.Address) (MechInfo, error) {
	if info, ok := r.infos.Get(mech); ok {
		return info, nil
	}

	values, err := call(ctx, r.caller, MechABI, mech, "paymentType")
	if err != nil {
		return MechInfo{}, err
	}
	pt, ok := values[0].([32]byte)
	if !ok {
		return MechInfo{}, shapeError("paymentType", values[0])
	}
	values, err = call(ctx, r.caller, MechABI, mech, "maxDeliveryRate")
	if err != nil {
		return MechInfo{}, err
	}
	rate, ok := values[0].(*big.Int)
	if !ok {
		return MechInfo{}, shapeError("maxDeliveryRate", values[0])
	}
	values, err = call(ctx, r.caller, MechABI, mech, "serviceId")
	if err != nil {
		return MechInfo{}, err
	}
	serviceID, ok := values[0].(*big.Int)
	if !ok {
		return MechInfo{}, shapeError("serviceId", values[0])
	}

	info := MechInfo{PaymentType: pt, MaxDeliveryRate: rate, ServiceID: serviceID}
	r.infos.Add(mech, info)
	return info, nil
}

// DeliverEvent returns the Deliver event definition of the mech ABI.
func DeliverEvent() abi.Event {
	return MechABI.Events["Deliver"]
}

// DecodeDeliver decodes a Deliver log.
func DecodeDeliver(log coretypes.Log) (Deliver, error) {
	event := DeliverEvent()
	if len(log.Topics) < 3 || log.Topics[0] != event.ID {
		return Deliver{}, xerrors.New(xerrors.CodeContractFailure, "log is not a Deliver event")
	}
	values, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return Deliver{}, xerrors.Wrap(xerrors.CodeContractFailure, err, "decode Deliver")
	}
	if len(values) != 3 {
		return Deliver{}, xerrors.New(xerrors.CodeContractFailure, "unexpected Deliver shape")
	}
	id, ok := values[0].([32]byte)
	if !ok {
		return Deliver{}, shapeError("Deliver", values[0])
	}
	rate, ok := values[1].(*big.Int)
	if !ok {
		return Deliver{}, shapeError("Deliver", values[1])
	}
	data, ok := values[2].([]byte)
	if !ok {
		return Deliver{}, shapeError("Deliver", values[2])
	}
	return Deliver{
		Mech:         common.BytesToAddress(log.Topics[1].Bytes()),
		Multisig:     common.BytesToAddress(log.Topics[2].Bytes()),
		RequestID:    id,
		DeliveryRate: rate,
		Data:         data,
		BlockNumber:  log.BlockNumber,
		TxHash:       log.TxHash,
	}, nil
}
