// Package app assembles the chain runtime shared by the mechx CLI and the
// mechxd daemon: ledger connection, execution strategy, nonce allocator,
// content store and orchestrator.
package app

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"

	"mechx/internal/chain"
	"mechx/internal/config"
	"mechx/internal/content"
	xerrors "mechx/internal/errors"
	"mechx/internal/execution"
	"mechx/internal/ledger"
	"mechx/internal/mech"
	"mechx/internal/observability/metrics"
	"mechx/internal/payment"
	"mechx/internal/submit"
	"mechx/pkg/logger"
)

// App is one connected chain runtime for one sender.
type App struct {
	Config       *config.Config
	Chain        chain.Config
	Ledger       *ledger.Client
	Exec         execution.Strategy
	Nonces       execution.Allocator
	Orchestrator *mech.Orchestrator

	redis  *redis.Client
	logger *slog.Logger
}

// Build connects to the configured chain and wires the orchestrator. extra
// options are applied after the configured ones.
func Build(ctx context.Context, cfg *config.Config, extra ...mech.Option) (*App, error) {
	defs, err := chain.LoadDefinitions(cfg.Chain.DefinitionsPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "load chain definitions")
	}
	chainCfg, err := defs.Lookup(cfg.Chain.Name, cfg.Chain.RPCURL)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Chain: chainCfg, logger: logger.Named("app")}

	a.Nonces, err = a.nonceAllocator(ctx)
	if err != nil {
		return nil, err
	}

	key, err := execution.LoadKey(cfg.Wallet.PrivateKeyPath)
	if err != nil {
		a.Close()
		return nil, err
	}

	var safe common.Address
	if cfg.Wallet.SafeAddress != "" {
		if !common.IsHexAddress(cfg.Wallet.SafeAddress) {
			a.Close()
			return nil, xerrors.New(xerrors.CodeConfiguration, "invalid safe address "+cfg.Wallet.SafeAddress)
		}
		safe = common.HexToAddress(cfg.Wallet.SafeAddress)
	}

	a.Ledger, err = ledger.Dial(ctx, chainCfg.RPCURL)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Exec, err = execution.New(execution.Config{
		Mode:        execution.Mode(cfg.Wallet.Mode),
		Key:         key,
		SafeAddress: safe,
		Ledger:      a.Ledger,
		Nonces:      a.Nonces,
		GasLimit:    chainCfg.GasLimit,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	store, err := content.NewIPFS(cfg.IPFSConfig())
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := []mech.Option{
		mech.WithNonceAllocator(a.Nonces),
		mech.WithSubmitter(submit.New(cfg.SubmitConfig(), submit.WithLogger(logger.Named("submit")))),
		mech.WithDefaultOffchainURL(cfg.Delivery.OffchainURL),
		mech.WithDeliveryConfig(cfg.DeliveryConfig()),
		mech.WithReceiptInterval(cfg.ReceiptInterval()),
		mech.WithContentFetch(cfg.Delivery.FetchContents),
		mech.WithObserver(metrics.Engine{}),
		mech.WithLogger(logger.Named("mech")),
		mech.WithAuditLogger(logger.Audit()),
	}
	a.Orchestrator, err = mech.New(chainCfg, a.Ledger, a.Exec, store, append(opts, extra...)...)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.logger.Info("chain runtime ready",
		slog.String("chain", chainCfg.Name),
		slog.String("mode", string(a.Exec.Mode())),
		slog.String("sender", a.Exec.SenderAddress().Hex()),
		slog.String("nonce_driver", cfg.Nonce.Driver))
	return a, nil
}

func (a *App) nonceAllocator(ctx context.Context) (execution.Allocator, error) {
	switch a.Config.Nonce.Driver {
	case "", "memory":
		return execution.NewNonceAllocator(), nil
	case "redis":
		rc := a.Config.Nonce.Redis
		if rc.Address == "" {
			return nil, xerrors.New(xerrors.CodeConfiguration, "nonce.redis.address is required")
		}
		client := redis.NewClient(&redis.Options{Addr: rc.Address, Password: rc.Password, DB: rc.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "connect nonce redis")
		}
		a.redis = client
		return execution.NewRedisNonceAllocator(client, a.Config.Nonce.Prefix), nil
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, "unsupported nonce driver "+a.Config.Nonce.Driver)
	}
}

// Sender returns the requester address.
func (a *App) Sender() common.Address { return a.Exec.SenderAddress() }

// Payment returns the payment strategy for a payment type tag on this
// chain.
func (a *App) Payment(ctx context.Context, tag common.Hash) (payment.Strategy, error) {
	return payment.New(ctx, tag, payment.Deps{
		Chain:       a.Chain,
		Caller:      a.Ledger,
		Balances:    a.Ledger,
		Marketplace: a.Orchestrator.Marketplace(),
	})
}

// Deposit tops up the sender's prepaid balance and waits for the deposit
// to be mined.
func (a *App) Deposit(ctx context.Context, tag common.Hash, amount *big.Int) (common.Hash, error) {
	strategy, err := a.Payment(ctx, tag)
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := payment.Deposit(ctx, strategy, a.Exec, amount, a.WaitMined)
	if err != nil {
		return common.Hash{}, err
	}
	if err := a.WaitMined(ctx, hash); err != nil {
		return hash, err
	}
	logger.Audit().Info("prepaid deposit",
		slog.String("tx_hash", hash.Hex()),
		slog.String("payment_type", payment.Name(tag)),
		slog.String("sender", a.Sender().Hex()),
		slog.String("amount", amount.String()))
	return hash, nil
}

// WaitMined blocks until hash is mined and fails when it reverted.
func (a *App) WaitMined(ctx context.Context, hash common.Hash) error {
	receipt, err := a.Ledger.WaitMined(ctx, hash, receiptInterval(a.Config))
	if err != nil {
		return err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return xerrors.New(xerrors.CodeTransactionFailure, "transaction reverted",
			xerrors.WithMetadata("tx_hash", hash.Hex()))
	}
	return nil
}

// Close releases the ledger and redis connections.
func (a *App) Close() error {
	var errs []error
	if a.Ledger != nil {
		a.Ledger.Close()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}

func receiptInterval(cfg *config.Config) time.Duration {
	if d := cfg.ReceiptInterval(); d > 0 {
		return d
	}
	return 2 * time.Second
}
