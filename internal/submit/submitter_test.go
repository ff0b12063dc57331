package submit

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	xerrors "mechx/internal/errors"
	"mechx/internal/execution"
	"mechx/pkg/logger"
)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func newSubmitter(cfg Config, clock *fakeClock) *Submitter {
	return New(cfg, WithClock(clock.Now, clock.Sleep), WithLogger(logger.Discard()))
}

func params() execution.TxParams {
	return execution.TxParams{Nonce: 7, GasTipCap: big.NewInt(8), GasFeeCap: big.NewInt(80), GasLimit: 21_000}
}

func TestSubmitSucceedsAfterTransientFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := newSubmitter(Config{Attempts: 3, Timeout: time.Minute, Sleep: 2 * time.Second}, clock)

	var calls atomic.Int32
	var nonces []uint64
	sub, err := s.Submit(context.Background(), params(), func(_ context.Context, p execution.TxParams) (common.Hash, error) {
		nonces = append(nonces, p.Nonce)
		if calls.Add(1) < 3 {
			return common.Hash{}, errors.New("connection reset by peer")
		}
		return common.HexToHash("0xabc"), nil
	})
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0xabc"), sub.TxHash)
	require.Equal(t, 3, sub.Attempts)
	require.Equal(t, []uint64{7, 7, 7}, nonces)
	require.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, clock.sleeps)
	require.Equal(t, int64(8), sub.Params.GasTipCap.Int64(), "fees only move on fee rejections")
}

func TestSubmitExhaustsAttempts(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := newSubmitter(Config{Attempts: 4, Timeout: time.Hour, Sleep: time.Second}, clock)

	var calls atomic.Int32
	sub, err := s.Submit(context.Background(), params(), func(context.Context, execution.TxParams) (common.Hash, error) {
		calls.Add(1)
		return common.Hash{}, errors.New("nonce too low")
	})
	require.Nil(t, sub)
	require.Error(t, err)
	require.Equal(t, xerrors.KindTransaction, xerrors.KindOf(err))
	require.Contains(t, err.Error(), "nonce too low")
	require.Equal(t, int32(4), calls.Load())
	require.Len(t, clock.sleeps, 3)
}

func TestSubmitStopsAtTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := newSubmitter(Config{Attempts: 100, Timeout: 5 * time.Second, Sleep: 2 * time.Second}, clock)

	var calls atomic.Int32
	_, err := s.Submit(context.Background(), params(), func(context.Context, execution.TxParams) (common.Hash, error) {
		calls.Add(1)
		return common.Hash{}, errors.New("503 service unavailable")
	})
	require.Error(t, err)
	// attempts at t=0s, 2s and 4s; the last wait is cut to the deadline
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, time.Second}, clock.sleeps)
}

func TestSubmitBumpsFeesOnReplacementError(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := newSubmitter(Config{Attempts: 3, Timeout: time.Minute}, clock)

	var seen []execution.TxParams
	sub, err := s.Submit(context.Background(), params(), func(_ context.Context, p execution.TxParams) (common.Hash, error) {
		seen = append(seen, p)
		if len(seen) == 1 {
			return common.Hash{}, errors.New("replacement transaction underpriced")
		}
		return common.HexToHash("0x01"), nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	require.Equal(t, seen[0].Nonce, seen[1].Nonce)
	require.Equal(t, int64(10), seen[1].GasTipCap.Int64())
	require.Equal(t, int64(91), seen[1].GasFeeCap.Int64())
	require.Equal(t, seen[1], sub.Params)
	require.Empty(t, clock.sleeps, "zero sleep configured")
}

func TestSubmitStopsOnValidationError(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := newSubmitter(Config{Attempts: 5, Sleep: time.Second}, clock)

	var calls atomic.Int32
	_, err := s.Submit(context.Background(), params(), func(context.Context, execution.TxParams) (common.Hash, error) {
		calls.Add(1)
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "bad calldata")
	})
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestSubmitHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(Config{Attempts: 3, Sleep: time.Hour}, WithLogger(logger.Discard()))

	_, err := s.Submit(ctx, params(), func(context.Context, execution.TxParams) (common.Hash, error) {
		cancel()
		return common.Hash{}, errors.New("timeout")
	})
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, xerrors.KindTransaction, xerrors.KindOf(err))
}

func TestIsFeeReplacement(t *testing.T) {
	require.True(t, IsFeeReplacement(errors.New("Transaction underpriced")))
	require.True(t, IsFeeReplacement(xerrors.Wrap(xerrors.CodeTransactionFailure, errors.New("max fee per gas less than block base fee: address 0x.."), "")))
	require.False(t, IsFeeReplacement(errors.New("insufficient funds for gas * price + value")))
	require.False(t, IsFeeReplacement(nil))
}

func TestBumpFees(t *testing.T) {
	p := BumpFees(execution.TxParams{GasTipCap: big.NewInt(1_000_000_000), GasFeeCap: nil})
	require.Equal(t, int64(1_125_000_001), p.GasTipCap.Int64())
	require.Equal(t, int64(1), p.GasFeeCap.Int64())
}
