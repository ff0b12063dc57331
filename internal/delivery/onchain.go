package delivery

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"mechx/internal/content"
	"mechx/internal/contracts"
	xerrors "mechx/internal/errors"
	"mechx/internal/requestid"
)

// RequestInfoReader reads marketplace request info. *contracts.Marketplace
// implements it.
type RequestInfoReader interface {
	RequestInfo(ctx context.Context, id common.Hash) (contracts.RequestInfo, error)
}

// LogReader reads chain height and logs. *ledger.Client implements it.
type LogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error)
}

const maxConcurrentMechPolls = 4

// OnchainWatcher waits for Deliver events. It first waits for the
// marketplace to record the delivery mech of every request, then for each
// mech's Deliver events carrying the request ids.
type OnchainWatcher struct {
	marketplace RequestInfoReader
	logs        LogReader
	cfg         Config
	logger      *slog.Logger
}

// NewOnchainWatcher returns a watcher polling at cfg.PollInterval.
func NewOnchainWatcher(marketplace RequestInfoReader, logs LogReader, cfg Config, l *slog.Logger) *OnchainWatcher {
	if l == nil {
		l = slog.Default()
	}
	return &OnchainWatcher{
		marketplace: marketplace,
		logs:        logs,
		cfg:         cfg.withDefaults(),
		logger:      l,
	}
}

type mechCursor struct {
	ids  map[common.Hash]struct{}
	next uint64
}

// Watch observes ids until all are delivered, cfg.Timeout elapses or ctx
// ends, and returns the deliveries seen so far. Deliver logs are only read
// once every request has a delivery mech. fromBlock must be a block at or
// before the one that included the request, so deliveries made while other
// requests were still unclaimed are found. A malformed marketplace response
// aborts the watch with an empty result.
func (w *OnchainWatcher) Watch(ctx context.Context, priorityMech common.Address, ids []common.Hash, fromBlock uint64) Result {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	ids = uniqueIDs(ids)
	result := make(Result, len(ids))
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	cursors, ok := w.awaitAssignments(ctx, ticker, ids, fromBlock)
	if !ok {
		return result
	}
	for {
		w.pollMechs(ctx, priorityMech, cursors, result)
		if len(result) == len(ids) {
			return result
		}
		select {
		case <-ctx.Done():
			w.logger.Info("on-chain watch stopped",
				slog.Int("delivered", len(result)), slog.Int("requested", len(ids)))
			return result
		case <-ticker.C:
		}
	}
}

// awaitAssignments polls request info until every id has a delivery mech and
// groups the ids by that mech. It reports false on timeout or a malformed
// marketplace response.
func (w *OnchainWatcher) awaitAssignments(ctx context.Context, ticker *time.Ticker, ids []common.Hash, fromBlock uint64) (map[common.Address]*mechCursor, bool) {
	unassigned := make(map[common.Hash]struct{}, len(ids))
	for _, id := range ids {
		unassigned[id] = struct{}{}
	}
	cursors := make(map[common.Address]*mechCursor)

	for {
		for id := range unassigned {
			info, err := w.marketplace.RequestInfo(ctx, id)
			if err != nil {
				if xerrors.KindOf(err) == xerrors.KindContract {
					w.logger.Warn("unexpected request info, abandoning on-chain watch",
						slog.String("request_id", id.Hex()), slog.String("error", err.Error()))
					return nil, false
				}
				w.logger.Debug("request info poll failed", slog.String("request_id", id.Hex()), slog.String("error", err.Error()))
				continue
			}
			if info.DeliveryMech == (common.Address{}) {
				continue
			}
			delete(unassigned, id)
			c, ok := cursors[info.DeliveryMech]
			if !ok {
				c = &mechCursor{ids: make(map[common.Hash]struct{}), next: fromBlock}
				cursors[info.DeliveryMech] = c
			}
			c.ids[id] = struct{}{}
		}
		if len(unassigned) == 0 {
			return cursors, true
		}

		select {
		case <-ctx.Done():
			w.logger.Info("on-chain watch stopped before every request was claimed",
				slog.Int("claimed", len(ids)-len(unassigned)), slog.Int("requested", len(ids)))
			return nil, false
		case <-ticker.C:
		}
	}
}

func (w *OnchainWatcher) pollMechs(ctx context.Context, priorityMech common.Address, cursors map[common.Address]*mechCursor, result Result) {
	latest, err := w.logs.BlockNumber(ctx)
	if err != nil {
		w.logger.Debug("block number poll failed", slog.String("error", err.Error()))
		return
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentMechPolls)
	for mech, cursor := range cursors {
		if len(cursor.ids) == 0 || cursor.next > latest {
			continue
		}
		g.Go(func() error {
			found, err := w.fetchDeliveries(gctx, mech, cursor.next, latest)
			if err != nil {
				w.logger.Debug("deliver log poll failed", slog.String("mech", mech.Hex()), slog.String("error", err.Error()))
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, d := range found {
				if _, want := cursor.ids[d.RequestID]; !want {
					continue
				}
				if _, seen := result[d.RequestID]; seen {
					continue
				}
				status := StatusDelivered
				if d.Mech != priorityMech {
					status = StatusSteppedIn
				}
				result[d.RequestID] = Delivery{
					RequestID:     d.RequestID,
					DeliveryMech:  d.Mech,
					ResultPointer: content.ResultPointer(d.Data, requestid.Decimal(d.RequestID)),
					Data:          d.Data,
					Status:        status,
					BlockNumber:   d.BlockNumber,
					TxHash:        d.TxHash,
					Source:        SourceOnchain,
				}
				delete(cursor.ids, d.RequestID)
			}
			cursor.next = latest + 1
			return nil
		})
	}
	_ = g.Wait()
}

func (w *OnchainWatcher) fetchDeliveries(ctx context.Context, mech common.Address, from, to uint64) ([]contracts.Deliver, error) {
	logs, err := w.logs.FilterLogs(ctx, gethcore.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{mech},
		Topics:    [][]common.Hash{{contracts.DeliverEvent().ID}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]contracts.Deliver, 0, len(logs))
	for _, log := range logs {
		d, err := contracts.DecodeDeliver(log)
		if err != nil {
			w.logger.Debug("skipping undecodable deliver log", slog.String("tx_hash", log.TxHash.Hex()), slog.String("error", err.Error()))
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
