package mech

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"mechx/internal/delivery"
	xerrors "mechx/internal/errors"
	"mechx/internal/execution"
	"mechx/internal/requestid"
)

const abandonTimeout = 10 * time.Second

func (o *Orchestrator) runOnchain(ctx context.Context, j *job, offchainURL string) error {
	fromBlock, err := o.ledger.BlockNumber(ctx)
	if err != nil {
		return err
	}
	input, err := o.packRequest(j)
	if err != nil {
		return err
	}
	call := execution.Call{
		To:    o.chain.Marketplace,
		Data:  input,
		Value: j.strategy.RequestValue(j.totalCost(), j.req.UsePrepaid),
	}

	n := uint64(len(j.uploads))
	first, err := o.reserveMarketplaceNonces(ctx, j, n)
	if err != nil {
		return err
	}
	params, err := o.exec.PrepareTx(ctx)
	if err != nil {
		o.releaseMarketplaceNonces(ctx, j, first, n)
		return err
	}
	if params.GasLimit == 0 {
		params.GasLimit = o.chain.GasLimit
	}

	sub, err := o.submitter.Submit(ctx, params, func(ctx context.Context, p execution.TxParams) (common.Hash, error) {
		return o.exec.ExecuteTransaction(ctx, call, p)
	})
	if err != nil {
		o.abandon(ctx, j, params, first, n)
		return err
	}
	j.result.TxHash = sub.TxHash
	j.result.ExplorerURL = o.chain.ExplorerURL(sub.TxHash)
	o.audit.Info("mech request sent",
		slog.String("tx_hash", sub.TxHash.Hex()),
		slog.String("mech", j.req.PriorityMech.Hex()),
		slog.String("sender", j.sender.Hex()),
		slog.Int("requests", len(j.uploads)),
		slog.Int("attempts", sub.Attempts))

	receipt, err := o.ledger.WaitMined(ctx, sub.TxHash, o.receiptInterval)
	if receipt != nil && receipt.Status != coretypes.ReceiptStatusSuccessful {
		o.releaseMarketplaceNonces(ctx, j, first, n)
		return xerrors.New(xerrors.CodeContractFailure, "marketplace request reverted",
			xerrors.WithMetadata("tx_hash", sub.TxHash.Hex()))
	}
	if err != nil {
		return err
	}
	ids, err := o.marketplace.ParseRequestIDs(receipt)
	if err != nil {
		return err
	}
	j.result.RequestIDs = ids
	o.crossCheck(j, new(big.Int).SetUint64(first), ids)

	watchers := []delivery.WatchFunc{
		func(ctx context.Context) delivery.Result {
			w := delivery.NewOnchainWatcher(o.marketplace, o.ledger, o.watchConfig(j.req), o.logger)
			return w.Watch(ctx, j.req.PriorityMech, ids, fromBlock)
		},
	}
	if offchainURL != "" {
		client, err := o.dialOffchain(offchainURL)
		if err != nil {
			o.logger.Warn("off-chain endpoint unavailable, watching chain only", slog.String("error", err.Error()))
		} else {
			watchers = append(watchers, func(ctx context.Context) delivery.Result {
				w := delivery.NewOffchainWatcher(client, j.req.PriorityMech, ids, o.watchConfig(j.req), o.logger)
				return w.Watch(ctx)
			})
		}
	}
	j.result.Deliveries = delivery.Race(ctx, ids, watchers...)
	return nil
}

// reserveMarketplaceNonces reserves n marketplace nonces for the sender.
// The range starts at the contract's nonce the first time a sender is seen.
func (o *Orchestrator) reserveMarketplaceNonces(ctx context.Context, j *job, n uint64) (uint64, error) {
	return o.nonces.Reserve(ctx, j.marketplaceKey(o.chain.Marketplace), n, func(ctx context.Context) (uint64, error) {
		nonce, err := o.marketplace.Nonce(ctx, j.sender)
		if err != nil {
			return 0, err
		}
		return nonce.Uint64(), nil
	})
}

func (o *Orchestrator) releaseMarketplaceNonces(ctx context.Context, j *job, first, n uint64) {
	if err := o.nonces.Release(context.WithoutCancel(ctx), j.marketplaceKey(o.chain.Marketplace), first, n); err != nil {
		o.logger.Warn("marketplace nonce release failed",
			slog.String("sender", j.sender.Hex()),
			slog.String("error", err.Error()))
	}
}

// abandon gives back the nonces of a request transaction that never reached
// the node. Once the node has seen it, the marketplace range stays consumed.
func (o *Orchestrator) abandon(ctx context.Context, j *job, params execution.TxParams, first, n uint64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	released, err := o.exec.Abandon(ctx, params)
	if err != nil {
		o.logger.Warn("transaction nonce release failed",
			slog.Uint64("nonce", params.Nonce),
			slog.String("error", err.Error()))
		return
	}
	if released {
		o.releaseMarketplaceNonces(ctx, j, first, n)
	}
}

func (o *Orchestrator) packRequest(j *job) ([]byte, error) {
	responseTimeout := j.req.ResponseTimeout
	if responseTimeout == 0 {
		responseTimeout = o.chain.ResponseTimeout
	}
	seconds := big.NewInt(int64(responseTimeout / time.Second))
	digests := j.digests()
	if len(digests) == 1 {
		return o.marketplace.PackRequest(digests[0], j.info.MaxDeliveryRate, j.info.PaymentType, j.req.PriorityMech, seconds, nil)
	}
	return o.marketplace.PackRequestBatch(digests, j.info.MaxDeliveryRate, j.info.PaymentType, j.req.PriorityMech, seconds, nil)
}

// crossCheck compares the ids emitted by the marketplace with the locally
// derived ones. The emitted ids are authoritative. Overlapping submissions
// from the same sender may be mined out of reservation order, so the check
// only runs for a submission that had the sender to itself.
func (o *Orchestrator) crossCheck(j *job, nonce *big.Int, emitted []common.Hash) {
	if j.flight != nil && !j.flight.alone() {
		o.logger.Debug("request id cross-check skipped, concurrent submissions from sender",
			slog.String("sender", j.sender.Hex()))
		return
	}
	expected, err := requestid.ComputeBatch(j.domain, j.req.PriorityMech, j.sender, j.digests(),
		j.info.MaxDeliveryRate, j.info.PaymentType, nonce)
	if err != nil {
		o.logger.Warn("local request id derivation failed", slog.String("error", err.Error()))
		return
	}
	if len(expected) != len(emitted) {
		o.logger.Warn("marketplace emitted unexpected number of request ids",
			slog.Int("expected", len(expected)), slog.Int("emitted", len(emitted)))
		return
	}
	for i := range expected {
		if expected[i] != emitted[i] {
			o.logger.Warn("request id mismatch between marketplace and local derivation",
				slog.Int("index", i),
				slog.String("emitted", emitted[i].Hex()),
				slog.String("derived", expected[i].Hex()))
		}
	}
}
