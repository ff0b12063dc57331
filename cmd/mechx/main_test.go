package main

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"mechx/internal/delivery"
	xerrors "mechx/internal/errors"
	"mechx/internal/mech"
)

func TestExitCodeByKind(t *testing.T) {
	cases := map[int]error{
		exitOK:              nil,
		exitUnknown:         errors.New("boom"),
		exitValidation:      xerrors.New(xerrors.CodeInvalidArgument, "bad"),
		exitConfiguration:   xerrors.New(xerrors.CodeConfiguration, "bad"),
		exitRPC:             xerrors.New(xerrors.CodeRPCFailure, "down"),
		exitTransaction:     xerrors.New(xerrors.CodeRetriesExhausted, "gave up"),
		exitDeliveryTimeout: xerrors.New(xerrors.CodeDeliveryTimeout, "late"),
		exitStorage:         xerrors.New(xerrors.CodeStorageFailure, "disk"),
	}
	for want, err := range cases {
		require.Equal(t, want, exitCode(err), "%v", err)
	}
}

func TestDeliveryErrorOnlyWhenNothingArrived(t *testing.T) {
	ids := []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02")}

	empty := &mech.Result{RequestIDs: ids, Deliveries: delivery.Result{}}
	err := deliveryError(empty)
	require.Error(t, err)
	require.Equal(t, xerrors.KindDeliveryTimeout, xerrors.KindOf(err))
	xe, ok := xerrors.From(err)
	require.True(t, ok)
	require.Equal(t, ids[0].Hex()+","+ids[1].Hex(), xe.Metadata()["request_ids"])

	partial := &mech.Result{RequestIDs: ids, Deliveries: delivery.Result{
		ids[0]: {RequestID: ids[0], Status: delivery.StatusDelivered},
	}}
	require.NoError(t, deliveryError(partial))
}

func TestParseAttributes(t *testing.T) {
	attrs, err := parseAttributes([]string{"temperature=0.2", "model=gpt", `tags=["a","b"]`})
	require.NoError(t, err)
	require.Equal(t, 0.2, attrs["temperature"])
	require.Equal(t, "gpt", attrs["model"])
	require.Equal(t, []any{"a", "b"}, attrs["tags"])

	_, err = parseAttributes([]string{"novalue"})
	require.Equal(t, xerrors.KindValidation, xerrors.KindOf(err))

	attrs, err = parseAttributes(nil)
	require.NoError(t, err)
	require.Nil(t, attrs)
}
