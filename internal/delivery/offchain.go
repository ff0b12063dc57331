package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"mechx/internal/requestid"
)

// InfoFetcher fetches the off-chain result for a request id given in decimal
// form. An empty body means the result is not available yet.
// *offchain.Client implements it.
type InfoFetcher interface {
	FetchInfo(ctx context.Context, decimalID string) ([]byte, error)
}

const maxConcurrentFetches = 8

// OffchainWatcher polls a mech's HTTP endpoint for a fixed set of request
// ids.
type OffchainWatcher struct {
	fetcher InfoFetcher
	mech    common.Address
	ids     []common.Hash
	decimal map[common.Hash]string
	cfg     Config
	logger  *slog.Logger
}

// NewOffchainWatcher returns a watcher for ids served by mech.
func NewOffchainWatcher(fetcher InfoFetcher, mech common.Address, ids []common.Hash, cfg Config, l *slog.Logger) *OffchainWatcher {
	if l == nil {
		l = slog.Default()
	}
	ids = uniqueIDs(ids)
	decimal := make(map[common.Hash]string, len(ids))
	for _, id := range ids {
		decimal[id] = requestid.Decimal(id)
	}
	return &OffchainWatcher{
		fetcher: fetcher,
		mech:    mech,
		ids:     ids,
		decimal: decimal,
		cfg:     cfg.withDefaults(),
		logger:  l,
	}
}

// Watch polls until every id has a result, cfg.Timeout elapses or ctx ends.
// Fetch failures count as "not yet available".
func (w *OffchainWatcher) Watch(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	result := make(Result, len(w.ids))
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.poll(ctx, result)
		if len(result) == len(w.ids) {
			return result
		}
		select {
		case <-ctx.Done():
			w.logger.Info("off-chain watch stopped",
				slog.Int("delivered", len(result)), slog.Int("requested", len(w.ids)))
			return result
		case <-ticker.C:
		}
	}
}

func (w *OffchainWatcher) poll(ctx context.Context, result Result) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for _, id := range w.ids {
		if _, done := result[id]; done {
			continue
		}
		g.Go(func() error {
			body, err := w.fetcher.FetchInfo(gctx, w.decimal[id])
			if err != nil {
				w.logger.Debug("off-chain fetch failed", slog.String("request_id", id.Hex()), slog.String("error", err.Error()))
				return nil
			}
			if !hasPayload(body) {
				return nil
			}
			mu.Lock()
			result[id] = Delivery{
				RequestID:    id,
				DeliveryMech: w.mech,
				Data:         bytes.Clone(body),
				Status:       StatusDelivered,
				Source:       SourceOffchain,
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// hasPayload reports whether body is a JSON document carrying a value.
func hasPayload(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return false
	}
	switch string(trimmed) {
	case "null", "{}", "[]", `""`:
		return false
	}
	return true
}
