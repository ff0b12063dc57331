package execution

import (
	"context"
	"errors"
	"math/big"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"mechx/internal/contracts"
	"mechx/internal/contracts/contractstest"
	xerrors "mechx/internal/errors"
	"mechx/internal/ledger"
)

func TestNonceAllocatorFetchesOnce(t *testing.T) {
	alloc := NewNonceAllocator()
	var fetches atomic.Int32
	fetch := func(context.Context) (uint64, error) {
		fetches.Add(1)
		return 10, nil
	}

	first, err := Next(context.Background(), alloc, "a", fetch)
	require.NoError(t, err)
	require.Equal(t, uint64(10), first)

	start, err := alloc.Reserve(context.Background(), "a", 3, fetch)
	require.NoError(t, err)
	require.Equal(t, uint64(11), start)

	next, err := Next(context.Background(), alloc, "a", fetch)
	require.NoError(t, err)
	require.Equal(t, uint64(14), next)
	require.Equal(t, int32(1), fetches.Load())

	other, err := Next(context.Background(), alloc, "b", func(context.Context) (uint64, error) { return 0, nil })
	require.NoError(t, err)
	require.Equal(t, uint64(0), other)
}

func TestNonceAllocatorConcurrentUnique(t *testing.T) {
	alloc := NewNonceAllocator()
	fetch := func(context.Context) (uint64, error) {
		time.Sleep(time.Millisecond)
		return 5, nil
	}

	const workers = 64
	var (
		mu   sync.Mutex
		seen = make(map[uint64]struct{}, workers)
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := Next(context.Background(), alloc, "shared", fetch)
			require.NoError(t, err)
			mu.Lock()
			seen[n] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, workers)
	for n := range seen {
		require.GreaterOrEqual(t, n, uint64(5))
	}
}

func TestNonceAllocatorErrors(t *testing.T) {
	alloc := NewNonceAllocator()
	boom := errors.New("rpc down")
	_, err := Next(context.Background(), alloc, "a", func(context.Context) (uint64, error) { return 0, boom })
	require.ErrorIs(t, err, boom)

	_, err = alloc.Reserve(context.Background(), "a", 0, nil)
	require.Equal(t, xerrors.KindValidation, xerrors.KindOf(err))
}

func TestRedisNonceAllocator(t *testing.T) {
	addr := os.Getenv("MECHX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MECHX_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	prefix := "mechx:test:" + time.Now().Format("150405.000000") + ":"
	alloc := NewRedisNonceAllocator(client, prefix)
	fetch := func(context.Context) (uint64, error) { return 3, nil }

	first, err := alloc.Reserve(context.Background(), "k", 2, fetch)
	require.NoError(t, err)
	require.Equal(t, uint64(3), first)
	next, err := Next(context.Background(), alloc, "k", fetch)
	require.NoError(t, err)
	require.Equal(t, uint64(5), next)

	require.NoError(t, alloc.Release(context.Background(), "k", 5, 1))
	next, err = Next(context.Background(), alloc, "k", fetch)
	require.NoError(t, err)
	require.Equal(t, uint64(5), next)

	require.NoError(t, alloc.Release(context.Background(), "k", 3, 2))
	exists, err := client.Exists(context.Background(), prefix+"k").Result()
	require.NoError(t, err)
	require.Zero(t, exists)
	_ = client.Del(context.Background(), prefix+"k").Err()
}

type stubLedger struct {
	caller      *contractstest.Caller
	mu          sync.Mutex
	sent        []*coretypes.Transaction
	feeFailures int
	sendErr     error
}

func (l *stubLedger) ChainID(context.Context) (*big.Int, error) { return big.NewInt(100), nil }
func (l *stubLedger) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return 3 + uint64(len(l.sent)), nil
}
func (l *stubLedger) SuggestFees(context.Context) (*big.Int, *big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.feeFailures > 0 {
		l.feeFailures--
		return nil, nil, errors.New("fee oracle unavailable")
	}
	return big.NewInt(1), big.NewInt(10), nil
}
func (l *stubLedger) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 100_000, nil
}
func (l *stubLedger) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, tx)
	return nil
}
func (l *stubLedger) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return l.caller.Call(ctx, to, data)
}

func TestNewValidatesConfiguration(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	l := &stubLedger{caller: contractstest.New()}

	cases := map[string]Config{
		"missing key":        {Mode: ModeClient, Ledger: l},
		"missing ledger":     {Mode: ModeClient, Key: key},
		"agent without safe": {Mode: ModeAgent, Key: key, Ledger: l},
		"unknown mode":       {Mode: "hybrid", Key: key, Ledger: l},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(cfg)
			require.Error(t, err)
			require.Equal(t, xerrors.KindConfiguration, xerrors.KindOf(err))
		})
	}

	s, err := New(Config{Mode: ModeClient, Key: key, Ledger: l})
	require.NoError(t, err)
	require.IsType(t, &DirectKey{}, s)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.SenderAddress())

	safe := common.HexToAddress("0x5afe")
	s, err = New(Config{Mode: ModeAgent, Key: key, Ledger: l, SafeAddress: safe})
	require.NoError(t, err)
	require.IsType(t, &Multisig{}, s)
	require.Equal(t, safe, s.SenderAddress())
	require.Equal(t, ModeAgent, s.Mode())
}

func TestSignMessageRecoversSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := New(Config{Key: key, Ledger: &stubLedger{caller: contractstest.New()}})
	require.NoError(t, err)

	msg := common.HexToHash("0xca2701443e0043a87f0f1fe35eaca28886d27a4496361f4c78e4083754963fbb").Bytes()
	sig, err := s.SignMessage(msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.Contains(t, []byte{27, 28}, sig[64])

	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(msg), raw)
	require.NoError(t, err)
	require.Equal(t, s.SenderAddress(), crypto.PubkeyToAddress(*pub))
}

func TestDirectKeyOnSimulatedChain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	backend := simulated.NewBackend(coretypes.GenesisAlloc{from: {Balance: big.NewInt(1_000_000_000_000_000_000)}})
	t.Cleanup(func() { _ = backend.Close() })
	client := ledger.NewSimulated(backend)

	s, err := New(Config{Mode: ModeClient, Key: key, Ledger: client, GasLimit: 21_000})
	require.NoError(t, err)

	first, err := s.PrepareTx(ctx)
	require.NoError(t, err)
	to := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	hash, err := s.ExecuteTransfer(ctx, to, big.NewInt(777), first)
	require.NoError(t, err)

	receipt, err := client.WaitMined(ctx, hash, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, coretypes.ReceiptStatusSuccessful, receipt.Status)

	second, err := s.PrepareTx(ctx)
	require.NoError(t, err)
	require.Equal(t, first.Nonce+1, second.Nonce)

	balance, err := client.BalanceAt(ctx, to)
	require.NoError(t, err)
	require.Equal(t, int64(777), balance.Int64())
}

func TestMultisigExecutesThroughSafe(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey)
	safeAddr := common.HexToAddress("0x5afe")
	target := common.HexToAddress("0x735FAAb1c4Ec41128c367AFb5c3baC73509f70bB")
	safeTxHash := common.HexToHash("0x1234")

	caller := contractstest.New()
	caller.Return(safeAddr, contracts.SafeABI, "nonce", big.NewInt(9))
	caller.Handle(safeAddr, contracts.SafeABI, "getTransactionHash", func(args []any) ([]any, error) {
		require.Equal(t, target, args[0])
		require.Equal(t, int64(9), args[9].(*big.Int).Int64())
		return []any{safeTxHash}, nil
	})
	l := &stubLedger{caller: caller}

	s, err := New(Config{Mode: ModeAgent, Key: key, Ledger: l, SafeAddress: safeAddr})
	require.NoError(t, err)

	params, err := s.PrepareTx(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(3), params.Nonce)
	require.Equal(t, int64(9), params.SafeNonce.Int64())

	_, err = s.ExecuteTransaction(context.Background(), Call{To: target, Data: []byte{0xde, 0xad}}, params)
	require.NoError(t, err)
	require.Len(t, l.sent, 1)

	tx := l.sent[0]
	require.Equal(t, safeAddr, *tx.To())
	method := contracts.SafeABI.Methods["execTransaction"]
	require.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad}, args[2])

	sig := append([]byte(nil), args[9].([]byte)...)
	sig[64] -= 27
	pub, err := crypto.SigToPub(safeTxHash.Bytes(), sig)
	require.NoError(t, err)
	require.Equal(t, owner, crypto.PubkeyToAddress(*pub))

	nonce, err := s.NextNonce(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(10), nonce)
}

func TestMultisigConcurrentExecutionsSignDistinctSafeNonces(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	safeAddr := common.HexToAddress("0x5afe")

	var mu sync.Mutex
	var signed []int64
	caller := contractstest.New()
	caller.Return(safeAddr, contracts.SafeABI, "nonce", big.NewInt(9))
	caller.Handle(safeAddr, contracts.SafeABI, "getTransactionHash", func(args []any) ([]any, error) {
		mu.Lock()
		defer mu.Unlock()
		signed = append(signed, args[9].(*big.Int).Int64())
		return []any{common.HexToHash("0x1234")}, nil
	})
	l := &stubLedger{caller: caller}
	s, err := New(Config{Mode: ModeAgent, Key: key, Ledger: l, SafeAddress: safeAddr})
	require.NoError(t, err)

	var wg sync.WaitGroup
	params := make([]TxParams, 2)
	errs := make([]error, 2)
	for i := range params {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := s.PrepareTx(context.Background())
			if err != nil {
				errs[i] = err
				return
			}
			params[i] = p
			_, errs[i] = s.ExecuteTransaction(context.Background(), Call{To: common.HexToAddress("0x01")}, p)
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.ElementsMatch(t, []int64{9, 10}, signed)
	require.NotEqual(t, params[0].Nonce, params[1].Nonce)

	retry, err := s.ExecuteTransaction(context.Background(), Call{To: common.HexToAddress("0x01")}, params[0])
	require.NoError(t, err)
	require.NotEqual(t, common.Hash{}, retry)
	require.Equal(t, params[0].SafeNonce.Int64(), signed[2])
}

func TestPrepareTxKeepsNonceWhenFeesFail(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	l := &stubLedger{caller: contractstest.New(), feeFailures: 1}
	s, err := New(Config{Key: key, Ledger: l})
	require.NoError(t, err)

	_, err = s.PrepareTx(context.Background())
	require.Error(t, err)

	params, err := s.PrepareTx(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(3), params.Nonce)
}

func TestAbandonReleasesUnsentNonce(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	l := &stubLedger{caller: contractstest.New()}
	s, err := New(Config{Key: key, Ledger: l, GasLimit: 21_000})
	require.NoError(t, err)
	ctx := context.Background()

	params, err := s.PrepareTx(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), params.Nonce)
	released, err := s.Abandon(ctx, params)
	require.NoError(t, err)
	require.True(t, released)

	params, err = s.PrepareTx(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), params.Nonce)

	_, err = s.ExecuteTransfer(ctx, common.HexToAddress("0x02"), big.NewInt(1), params)
	require.NoError(t, err)
	released, err = s.Abandon(ctx, params)
	require.NoError(t, err)
	require.False(t, released)

	next, err := s.PrepareTx(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4), next.Nonce)
}

func TestSendGivesNonceBackOnFailure(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	l := &stubLedger{caller: contractstest.New(), sendErr: errors.New("connection refused")}
	s, err := New(Config{Key: key, Ledger: l, GasLimit: 21_000})
	require.NoError(t, err)
	ctx := context.Background()
	call := Call{To: common.HexToAddress("0x02"), Value: big.NewInt(1)}

	_, err = Send(ctx, s, call)
	require.Equal(t, xerrors.KindTransaction, xerrors.KindOf(err))

	l.mu.Lock()
	l.sendErr = nil
	l.mu.Unlock()
	_, err = Send(ctx, s, call)
	require.NoError(t, err)

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.sent, 1)
	require.Equal(t, uint64(3), l.sent[0].Nonce())
}

func TestMultisigAbandonReleasesSafeNonce(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	safeAddr := common.HexToAddress("0x5afe")
	caller := contractstest.New()
	caller.Return(safeAddr, contracts.SafeABI, "nonce", big.NewInt(9))
	s, err := New(Config{Mode: ModeAgent, Key: key, Ledger: &stubLedger{caller: caller}, SafeAddress: safeAddr})
	require.NoError(t, err)
	ctx := context.Background()

	params, err := s.PrepareTx(ctx)
	require.NoError(t, err)
	released, err := s.Abandon(ctx, params)
	require.NoError(t, err)
	require.True(t, released)

	again, err := s.PrepareTx(ctx)
	require.NoError(t, err)
	require.Equal(t, params.Nonce, again.Nonce)
	require.Equal(t, params.SafeNonce.Int64(), again.SafeNonce.Int64())
}

func TestNonceAllocatorRelease(t *testing.T) {
	ctx := context.Background()
	alloc := NewNonceAllocator()
	var fetches atomic.Int32
	fetch := func(context.Context) (uint64, error) {
		fetches.Add(1)
		return 5, nil
	}

	first, err := alloc.Reserve(ctx, "k", 2, fetch)
	require.NoError(t, err)
	require.Equal(t, uint64(5), first)
	require.NoError(t, alloc.Release(ctx, "k", first, 2))
	again, err := alloc.Reserve(ctx, "k", 1, fetch)
	require.NoError(t, err)
	require.Equal(t, uint64(5), again)
	require.Equal(t, int32(1), fetches.Load())

	_, err = alloc.Reserve(ctx, "k", 1, fetch)
	require.NoError(t, err)
	require.NoError(t, alloc.Release(ctx, "k", again, 1))
	reseeded, err := alloc.Reserve(ctx, "k", 1, fetch)
	require.NoError(t, err)
	require.Equal(t, uint64(5), reseeded)
	require.Equal(t, int32(2), fetches.Load())

	require.NoError(t, alloc.Release(ctx, "unknown", 1, 1))
}

func TestMultisigFailureIsMultisigError(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := New(Config{Mode: ModeAgent, Key: key, Ledger: &stubLedger{caller: contractstest.New()}, SafeAddress: common.HexToAddress("0x5afe")})
	require.NoError(t, err)

	_, err = s.ExecuteTransaction(context.Background(), Call{To: common.HexToAddress("0x01")}, TxParams{})
	require.Error(t, err)
	require.Equal(t, CodeMultisigExecutionFailed, xerrors.CodeOf(err))
	require.Equal(t, xerrors.KindTransaction, xerrors.KindOf(err))
}
