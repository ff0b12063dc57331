package mech

import (
	"context"
	"log/slog"
	"math/big"

	"mechx/internal/content"
	"mechx/internal/delivery"
	"mechx/internal/offchain"
	"mechx/internal/requestid"
)

// runOffchain signs locally derived request ids and hands them to the mech's
// endpoint. No transaction is sent; the mech settles against the prepaid
// balance.
func (o *Orchestrator) runOffchain(ctx context.Context, j *job, url string) error {
	client, err := o.dialOffchain(url)
	if err != nil {
		return err
	}

	n := uint64(len(j.uploads))
	first, err := o.reserveMarketplaceNonces(ctx, j, n)
	if err != nil {
		return err
	}
	firstNonce := new(big.Int).SetUint64(first)

	ids, err := requestid.ComputeBatch(j.domain, j.req.PriorityMech, j.sender, j.digests(),
		j.info.MaxDeliveryRate, j.info.PaymentType, firstNonce)
	if err != nil {
		o.releaseMarketplaceNonces(ctx, j, first, n)
		return err
	}
	j.result.RequestIDs = ids

	batch := offchain.Batch{
		Sender:       j.sender,
		DeliveryRate: j.info.MaxDeliveryRate,
		Requests:     make([]offchain.SignedRequest, len(ids)),
	}
	for i, id := range ids {
		sig, err := o.exec.SignMessage(id.Bytes())
		if err != nil {
			o.releaseMarketplaceNonces(ctx, j, first, n)
			return err
		}
		batch.Requests[i] = offchain.SignedRequest{
			RequestID: id,
			Signature: sig,
			IPFSHash:  content.HexString(j.uploads[i].cid),
			Nonce:     new(big.Int).Add(firstNonce, big.NewInt(int64(i))),
			IPFSData:  j.uploads[i].raw,
		}
	}

	ack, err := client.SendSignedRequests(ctx, batch)
	if err != nil {
		return err
	}
	j.result.Ack = ack
	o.audit.Info("off-chain mech request sent",
		slog.String("endpoint", url),
		slog.String("mech", j.req.PriorityMech.Hex()),
		slog.String("sender", j.sender.Hex()),
		slog.Uint64("first_nonce", first),
		slog.Int("requests", len(ids)))

	w := delivery.NewOffchainWatcher(client, j.req.PriorityMech, ids, o.watchConfig(j.req), o.logger)
	j.result.Deliveries = delivery.Race(ctx, ids, w.Watch)
	return nil
}
