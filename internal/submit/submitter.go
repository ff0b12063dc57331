// Package submit sends a transaction with bounded retries. Every attempt
// reuses the nonce allocated for the first one, so at most one of them can
// be mined; fees are raised when the node rejects an attempt as underpriced.
package submit

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jpillora/backoff"

	xerrors "mechx/internal/errors"
	"mechx/internal/execution"
	"mechx/pkg/logger"
)

const (
	DefaultAttempts = 5
	DefaultTimeout  = 5 * time.Minute
	DefaultSleep    = 5 * time.Second
)

// Config bounds the retry loop.
type Config struct {
	// Attempts is the maximum number of sends.
	Attempts int
	// Timeout bounds the whole loop; no attempt starts after it elapses.
	Timeout time.Duration
	// Sleep is the pause between attempts.
	Sleep time.Duration
	// Factor grows the pause between attempts; 1 keeps it constant.
	Factor float64
	// MaxSleep caps the pause when Factor > 1.
	MaxSleep time.Duration
}

// SendFunc performs one attempt with the given transaction parameters.
type SendFunc func(ctx context.Context, params execution.TxParams) (common.Hash, error)

// Submission describes a transaction accepted by the node.
type Submission struct {
	TxHash   common.Hash
	Attempts int
	Params   execution.TxParams
}

// Submitter runs the retry loop.
type Submitter struct {
	cfg    Config
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// Option customises a Submitter.
type Option func(*Submitter)

// WithClock replaces the time source and sleeper.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Submitter) {
		if now != nil {
			s.now = now
		}
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Submitter) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Submitter with defaults applied to cfg.
func New(cfg Config, opts ...Option) *Submitter {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Sleep < 0 {
		cfg.Sleep = 0
	}
	if cfg.Factor < 1 {
		cfg.Factor = 1
	}
	if cfg.MaxSleep < cfg.Sleep {
		cfg.MaxSleep = cfg.Sleep
	}
	s := &Submitter{
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepContext,
		logger: logger.Named("submit"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit calls send until it succeeds, the attempts run out or the timeout
// elapses. It returns (nil, err) with a transaction error when every
// attempt failed, and never panics.
func (s *Submitter) Submit(ctx context.Context, params execution.TxParams, send SendFunc) (*Submission, error) {
	deadline := s.now().Add(s.cfg.Timeout)
	pause := &backoff.Backoff{Min: s.cfg.Sleep, Max: s.cfg.MaxSleep, Factor: s.cfg.Factor}

	var lastErr error
	attempt := 0
	for attempt < s.cfg.Attempts {
		if attempt > 0 && !s.now().Before(deadline) {
			break
		}
		attempt++

		hash, err := send(ctx, params)
		if err == nil {
			s.logger.Info("transaction sent",
				slog.String("tx_hash", hash.Hex()),
				slog.Uint64("nonce", params.Nonce),
				slog.Int("attempt", attempt))
			return &Submission{TxHash: hash, Attempts: attempt, Params: params}, nil
		}
		lastErr = err

		if kind := xerrors.KindOf(err); kind == xerrors.KindValidation || kind == xerrors.KindConfiguration {
			break
		}
		if IsFeeReplacement(err) {
			params = BumpFees(params)
		}
		s.logger.Warn("transaction attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.cfg.Attempts),
			slog.Uint64("nonce", params.Nonce),
			slog.String("error", err.Error()))

		if attempt >= s.cfg.Attempts {
			break
		}
		var wait time.Duration
		if s.cfg.Sleep > 0 {
			wait = pause.Duration()
		}
		if remaining := deadline.Sub(s.now()); wait > remaining {
			wait = remaining
		}
		if wait > 0 {
			if err := s.sleep(ctx, wait); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeRetriesExhausted, err, "submission cancelled",
					xerrors.WithMetadata("attempts", fmt.Sprint(attempt)))
			}
		}
	}

	return nil, xerrors.Wrap(xerrors.CodeRetriesExhausted, lastErr,
		fmt.Sprintf("transaction not sent after %d attempts", attempt),
		xerrors.WithMetadata("nonce", fmt.Sprint(params.Nonce)))
}

var feeReplacementMessages = []string{
	"replacement transaction underpriced",
	"transaction underpriced",
	"fee too low",
	"max fee per gas less than block base fee",
	"fee cap less than block base fee",
}

// IsFeeReplacement reports whether err is a node rejecting a transaction for
// paying too little to replace or enter the pool.
func IsFeeReplacement(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range feeReplacementMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// BumpFees raises tip and fee cap by 12.5% plus one wei, enough for a
// same-nonce replacement to be accepted.
func BumpFees(p execution.TxParams) execution.TxParams {
	p.GasTipCap = bump(p.GasTipCap)
	p.GasFeeCap = bump(p.GasFeeCap)
	return p
}

func bump(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(1)
	}
	out := new(big.Int).Mul(v, big.NewInt(9))
	out.Div(out, big.NewInt(8))
	return out.Add(out, big.NewInt(1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
