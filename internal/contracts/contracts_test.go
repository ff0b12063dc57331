package contracts_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"mechx/internal/contracts"
	"mechx/internal/contracts/contractstest"
	xerrors "mechx/internal/errors"
)

var (
	marketplaceAddr = common.HexToAddress("0x735FAAb1c4Ec41128c367AFb5c3baC73509f70bB")
	mechAddr        = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa01")
	requesterAddr   = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb02")
	nativeTag       = common.HexToHash("0xba699a34be8fe0e7725e93dcbce1701b0211a8ca61330aaeb8a05bf2ec7abed1")
)

func TestEventTopicsMatchSignatures(t *testing.T) {
	require.Equal(t, crypto.Keccak256Hash([]byte("Deliver(address,address,bytes32,uint256,bytes)")), contracts.DeliverEvent().ID)
	require.Equal(t,
		"0xb1ea35a385d4517ac7b3fb0eac4f62db4f0c5b4cf8b7aef789bbd1db097edb25",
		contracts.MarketplaceABI.Events["MarketplaceRequest"].ID.Hex())
}

func TestMechRegistryCachesInfo(t *testing.T) {
	caller := contractstest.New()
	caller.Return(mechAddr, contracts.MechABI, "paymentType", nativeTag)
	caller.Return(mechAddr, contracts.MechABI, "maxDeliveryRate", big.NewInt(1000))
	caller.Return(mechAddr, contracts.MechABI, "serviceId", big.NewInt(42))

	registry := contracts.NewMechRegistry(caller, 8)
	for i := 0; i < 3; i++ {
		info, err := registry.Info(context.Background(), mechAddr)
		require.NoError(t, err)
		require.Equal(t, nativeTag, info.PaymentType)
		require.Equal(t, int64(1000), info.MaxDeliveryRate.Int64())
		require.Equal(t, int64(42), info.ServiceID.Int64())
	}
	require.Equal(t, 1, caller.Calls(mechAddr, contracts.MechABI, "paymentType"))
}

func TestMechRegistryNotAContract(t *testing.T) {
	caller := contractstest.New()
	caller.HandleRaw(mechAddr, contracts.MechABI, "paymentType", func([]any) ([]byte, error) { return nil, nil })

	_, err := contracts.NewMechRegistry(caller, 0).Info(context.Background(), mechAddr)
	require.Error(t, err)
	require.Equal(t, xerrors.KindContract, xerrors.KindOf(err))
}

func TestMarketplaceRequestInfo(t *testing.T) {
	caller := contractstest.New()
	id := common.HexToHash("0x01")
	delivery := common.HexToAddress("0xcc")
	caller.Handle(marketplaceAddr, contracts.MarketplaceABI, "mapRequestIdInfos", func(args []any) ([]any, error) {
		require.Equal(t, [32]byte(id), args[0])
		return []any{mechAddr, delivery, requesterAddr, big.NewInt(300), big.NewInt(10), nativeTag}, nil
	})
	caller.Return(marketplaceAddr, contracts.MarketplaceABI, "getRequestStatus", uint8(3))
	caller.Return(marketplaceAddr, contracts.MarketplaceABI, "mapNonces", big.NewInt(7))

	m := contracts.NewMarketplace(marketplaceAddr, caller)
	info, err := m.RequestInfo(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, delivery, info.DeliveryMech)
	require.Equal(t, nativeTag, info.PaymentType)

	status, err := m.RequestStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, contracts.StatusDelivered, status)
	require.Equal(t, "delivered", status.String())

	nonce, err := m.Nonce(context.Background(), requesterAddr)
	require.NoError(t, err)
	require.Equal(t, int64(7), nonce.Int64())
}

func TestMarketplaceRequestInfoShortResponse(t *testing.T) {
	caller := contractstest.New()
	caller.HandleRaw(marketplaceAddr, contracts.MarketplaceABI, "mapRequestIdInfos", func([]any) ([]byte, error) {
		return common.LeftPadBytes([]byte{0x01}, 32), nil
	})

	_, err := contracts.NewMarketplace(marketplaceAddr, caller).RequestInfo(context.Background(), common.Hash{})
	require.Error(t, err)
	require.Equal(t, xerrors.KindContract, xerrors.KindOf(err))
}

func TestParseRequestIDs(t *testing.T) {
	event := contracts.MarketplaceABI.Events["MarketplaceRequest"]
	ids := [][32]byte{common.HexToHash("0x01"), common.HexToHash("0x02")}
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(2), ids, [][]byte{{0x01}, {0x02}})
	require.NoError(t, err)

	receipt := &coretypes.Receipt{Logs: []*coretypes.Log{
		{Address: common.HexToAddress("0xdead"), Topics: []common.Hash{event.ID}, Data: data},
		{
			Address: marketplaceAddr,
			Topics:  []common.Hash{event.ID, common.BytesToHash(mechAddr.Bytes()), common.BytesToHash(requesterAddr.Bytes())},
			Data:    data,
		},
	}}

	got, err := contracts.NewMarketplace(marketplaceAddr, nil).ParseRequestIDs(receipt)
	require.NoError(t, err)
	require.Equal(t, []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02")}, got)

	_, err = contracts.NewMarketplace(marketplaceAddr, nil).ParseRequestIDs(&coretypes.Receipt{})
	require.Equal(t, xerrors.KindContract, xerrors.KindOf(err))
}

func TestDecodeDeliver(t *testing.T) {
	event := contracts.DeliverEvent()
	data, err := event.Inputs.NonIndexed().Pack(common.HexToHash("0x05"), big.NewInt(9), []byte("result"))
	require.NoError(t, err)
	multisig := common.HexToAddress("0xee")

	d, err := contracts.DecodeDeliver(coretypes.Log{
		Topics:      []common.Hash{event.ID, common.BytesToHash(mechAddr.Bytes()), common.BytesToHash(multisig.Bytes())},
		Data:        data,
		BlockNumber: 12,
	})
	require.NoError(t, err)
	require.Equal(t, mechAddr, d.Mech)
	require.Equal(t, multisig, d.Multisig)
	require.Equal(t, common.HexToHash("0x05"), d.RequestID)
	require.Equal(t, []byte("result"), d.Data)
	require.Equal(t, uint64(12), d.BlockNumber)

	_, err = contracts.DecodeDeliver(coretypes.Log{Topics: []common.Hash{common.HexToHash("0x01")}})
	require.Error(t, err)
}

func TestSafeTransactionHash(t *testing.T) {
	safeAddr := common.HexToAddress("0x5afe")
	caller := contractstest.New()
	caller.Return(safeAddr, contracts.SafeABI, "nonce", big.NewInt(4))
	caller.Handle(safeAddr, contracts.SafeABI, "getTransactionHash", func(args []any) ([]any, error) {
		require.Len(t, args, 10)
		require.Equal(t, uint8(0), args[3])
		require.Equal(t, int64(4), args[9].(*big.Int).Int64())
		return []any{common.HexToHash("0xabc")}, nil
	})

	safe := contracts.NewSafe(safeAddr, caller)
	nonce, err := safe.Nonce(context.Background())
	require.NoError(t, err)
	hash, err := safe.TransactionHash(context.Background(), marketplaceAddr, big.NewInt(0), []byte{0x01}, nonce)
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0xabc"), hash)

	input, err := safe.PackExecTransaction(marketplaceAddr, big.NewInt(0), []byte{0x01}, make([]byte, 65))
	require.NoError(t, err)
	require.Equal(t, contracts.SafeABI.Methods["execTransaction"].ID, input[:4])
}
