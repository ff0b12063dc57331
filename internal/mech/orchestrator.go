// Package mech submits priced requests to mechs through the marketplace and
// waits for their deliveries. Orchestrator.Submit is the single entry point
// used by the CLI, the job processor and the HTTP API.
package mech

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ipfs/go-cid"

	"mechx/internal/chain"
	"mechx/internal/content"
	"mechx/internal/contracts"
	"mechx/internal/delivery"
	xerrors "mechx/internal/errors"
	"mechx/internal/execution"
	"mechx/internal/offchain"
	"mechx/internal/payment"
	"mechx/internal/requestid"
	"mechx/internal/submit"
	"mechx/pkg/logger"
)

// Flow names how a request reached the mech.
type Flow string

const (
	FlowOnchain  Flow = "onchain"
	FlowOffchain Flow = "offchain"
)

const (
	defaultReceiptInterval = 2 * time.Second
	contentFetchTimeout    = 30 * time.Second
)

// Ledger is the chain access the orchestrator needs. *ledger.Client
// implements it.
type Ledger interface {
	contracts.Caller
	delivery.LogReader
	payment.BalanceReader
	WaitMined(ctx context.Context, hash common.Hash, interval time.Duration) (*coretypes.Receipt, error)
}

// OffchainClient is a mech's HTTP endpoint. *offchain.Client implements it.
type OffchainClient interface {
	delivery.InfoFetcher
	SendSignedRequests(ctx context.Context, batch offchain.Batch) (json.RawMessage, error)
}

// OffchainDialer returns a client for an endpoint URL.
type OffchainDialer func(url string) (OffchainClient, error)

// Observer is notified of submission and delivery outcomes.
type Observer interface {
	SubmissionFinished(flow Flow, paymentType string, err error, elapsed time.Duration)
	DeliveriesFinished(flow Flow, requested int, res delivery.Result, elapsed time.Duration)
}

// Request describes one interaction: one prompt per tool, all sent to the
// same priority mech.
type Request struct {
	Prompts      []string
	Tools        []string
	PriorityMech common.Address
	// PaymentType, when set, must match the mech's on-chain payment type.
	PaymentType     *common.Hash
	UsePrepaid      bool
	UseOffchain     bool
	OffchainURL     string
	ExtraAttributes map[string]any
	// Timeout bounds the delivery wait; zero uses the orchestrator default.
	Timeout time.Duration
	// ResponseTimeout is the marketplace response window; zero uses the
	// chain default.
	ResponseTimeout time.Duration
}

// Result is the outcome of Submit. Deliveries may hold fewer entries than
// RequestIDs when the wait timed out.
type Result struct {
	Flow        Flow
	TxHash      common.Hash
	ExplorerURL string
	PaymentType common.Hash
	Sender      common.Address
	RequestIDs  []common.Hash
	ContentIDs  []string
	Deliveries  delivery.Result
	// Contents holds the fetched result documents when content fetching is
	// enabled.
	Contents map[common.Hash][]byte
	// Ack is the off-chain endpoint's answer to the signed requests.
	Ack json.RawMessage
}

// Missing returns the request ids without a delivery.
func (r *Result) Missing() []common.Hash {
	return r.Deliveries.Missing(r.RequestIDs)
}

// Orchestrator composes content upload, payment, execution, submission and
// delivery watching.
type Orchestrator struct {
	chain       chain.Config
	ledger      Ledger
	exec        execution.Strategy
	store       content.Store
	marketplace *contracts.Marketplace
	mechs       *contracts.MechRegistry
	nonces      execution.Allocator
	submitter   *submit.Submitter
	flights     *flights

	dialOffchain       OffchainDialer
	defaultOffchainURL string
	deliveryCfg        delivery.Config
	receiptInterval    time.Duration
	fetchContents      bool

	observer Observer
	logger   *slog.Logger
	audit    *slog.Logger
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithNonceAllocator shares a nonce allocator between orchestrators.
func WithNonceAllocator(a execution.Allocator) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.nonces = a
		}
	}
}

// WithSubmitter overrides the retrying submitter.
func WithSubmitter(s *submit.Submitter) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.submitter = s
		}
	}
}

// WithMechRegistry shares a mech metadata cache.
func WithMechRegistry(r *contracts.MechRegistry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.mechs = r
		}
	}
}

// WithOffchainDialer overrides how off-chain endpoints are reached.
func WithOffchainDialer(d OffchainDialer) Option {
	return func(o *Orchestrator) {
		if d != nil {
			o.dialOffchain = d
		}
	}
}

// WithDefaultOffchainURL sets the endpoint used when a request names none.
func WithDefaultOffchainURL(url string) Option {
	return func(o *Orchestrator) { o.defaultOffchainURL = strings.TrimSpace(url) }
}

// WithDeliveryConfig sets the watchers' poll interval and default timeout.
func WithDeliveryConfig(cfg delivery.Config) Option {
	return func(o *Orchestrator) { o.deliveryCfg = cfg }
}

// WithReceiptInterval sets the receipt polling interval.
func WithReceiptInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.receiptInterval = d
		}
	}
}

// WithContentFetch enables reading delivered results from the content store.
func WithContentFetch(enabled bool) Option {
	return func(o *Orchestrator) { o.fetchContents = enabled }
}

// WithObserver registers an outcome observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithLogger overrides the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithAuditLogger overrides the audit logger.
func WithAuditLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.audit = l
		}
	}
}

// New returns an orchestrator for one chain and one sender.
func New(cfg chain.Config, ledger Ledger, exec execution.Strategy, store content.Store, opts ...Option) (*Orchestrator, error) {
	switch {
	case cfg.ChainID == nil:
		return nil, xerrors.New(xerrors.CodeConfiguration, "chain id not configured")
	case cfg.Marketplace == (common.Address{}):
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("no marketplace on chain %s", cfg.Name))
	case ledger == nil:
		return nil, xerrors.New(xerrors.CodeConfiguration, "ledger handle required")
	case exec == nil:
		return nil, xerrors.New(xerrors.CodeConfiguration, "execution strategy required")
	case store == nil:
		return nil, xerrors.New(xerrors.CodeConfiguration, "content store required")
	}

	o := &Orchestrator{
		chain:           cfg,
		ledger:          ledger,
		exec:            exec,
		store:           store,
		marketplace:     contracts.NewMarketplace(cfg.Marketplace, ledger),
		receiptInterval: defaultReceiptInterval,
		flights:         newFlights(),
		logger:          logger.Named("mech"),
		audit:           logger.Audit(),
		dialOffchain: func(url string) (OffchainClient, error) {
			return offchain.NewClient(url, nil)
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.mechs == nil {
		o.mechs = contracts.NewMechRegistry(ledger, 0)
	}
	if o.nonces == nil {
		o.nonces = execution.NewNonceAllocator()
	}
	if o.submitter == nil {
		o.submitter = submit.New(submit.Config{}, submit.WithLogger(o.logger))
	}
	return o, nil
}

// Sender returns the requester address.
func (o *Orchestrator) Sender() common.Address { return o.exec.SenderAddress() }

// Chain returns the chain configuration.
func (o *Orchestrator) Chain() chain.Config { return o.chain }

// Marketplace returns the marketplace binding.
func (o *Orchestrator) Marketplace() *contracts.Marketplace { return o.marketplace }

// Submit validates req, pays, sends the request and waits for deliveries.
// A timed-out wait is not an error: the result carries what was delivered.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Result, error) {
	offchainURL := req.OffchainURL
	if offchainURL == "" {
		offchainURL = o.defaultOffchainURL
	}
	if err := req.validate(offchainURL); err != nil {
		return nil, err
	}
	if req.UseOffchain {
		req.UsePrepaid = true
	}
	flow := FlowOnchain
	if req.UseOffchain {
		flow = FlowOffchain
	}

	start := time.Now()
	var paymentName string
	res, err := o.submit(ctx, req, flow, offchainURL, &paymentName)
	if o.observer != nil {
		o.observer.SubmissionFinished(flow, paymentName, err, time.Since(start))
	}
	if err != nil {
		o.logger.Error("mech request failed",
			slog.String("flow", string(flow)),
			slog.String("mech", req.PriorityMech.Hex()),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.String("error", err.Error()))
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) submit(ctx context.Context, req Request, flow Flow, offchainURL string, paymentName *string) (*Result, error) {
	info, err := o.mechs.Info(ctx, req.PriorityMech)
	if err != nil {
		return nil, err
	}
	*paymentName = payment.Name(info.PaymentType)
	if req.PaymentType != nil && *req.PaymentType != info.PaymentType {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("mech %s accepts %s, not %s", req.PriorityMech.Hex(), payment.Name(info.PaymentType), payment.Name(*req.PaymentType)))
	}
	strategy, err := payment.New(ctx, info.PaymentType, payment.Deps{
		Chain:       o.chain,
		Caller:      o.ledger,
		Balances:    o.ledger,
		Marketplace: o.marketplace,
	})
	if err != nil {
		return nil, err
	}

	uploads, err := o.upload(ctx, req)
	if err != nil {
		return nil, err
	}

	job := &job{
		req:      req,
		info:     info,
		strategy: strategy,
		uploads:  uploads,
		domain:   requestid.NewDomain(o.chain.ChainID, o.chain.Marketplace),
		sender:   o.exec.SenderAddress(),
		flight:   o.flights.begin(o.exec.SenderAddress()),
		result: &Result{
			Flow:        flow,
			PaymentType: info.PaymentType,
			Sender:      o.exec.SenderAddress(),
			ContentIDs:  make([]string, len(uploads)),
		},
	}
	defer job.flight.end()
	for i, u := range uploads {
		job.result.ContentIDs[i] = content.HexString(u.cid)
	}

	if err := o.checkFunds(ctx, job); err != nil {
		return nil, err
	}

	watchStart := time.Now()
	switch flow {
	case FlowOffchain:
		err = o.runOffchain(ctx, job, offchainURL)
	default:
		err = o.runOnchain(ctx, job, offchainURL)
	}
	if err != nil {
		return nil, err
	}
	if o.observer != nil {
		o.observer.DeliveriesFinished(flow, len(job.result.RequestIDs), job.result.Deliveries, time.Since(watchStart))
	}
	o.enrich(ctx, job.result)
	o.auditDeliveries(job.result)
	return job.result, nil
}

// job carries the state of one Submit call.
type job struct {
	req      Request
	info     contracts.MechInfo
	strategy payment.Strategy
	uploads  []upload
	domain   requestid.Domain
	sender   common.Address
	flight   *ticket
	result   *Result
}

func (j *job) digests() [][]byte {
	out := make([][]byte, len(j.uploads))
	for i, u := range j.uploads {
		out[i] = u.digest
	}
	return out
}

func (j *job) marketplaceKey(marketplace common.Address) string {
	return "marketplace:" + marketplace.Hex() + ":" + j.sender.Hex()
}

func (j *job) totalCost() *big.Int {
	return new(big.Int).Mul(j.info.MaxDeliveryRate, big.NewInt(int64(len(j.uploads))))
}

type upload struct {
	cid    cid.Cid
	digest []byte
	raw    []byte
}

func (o *Orchestrator) upload(ctx context.Context, req Request) ([]upload, error) {
	out := make([]upload, len(req.Prompts))
	for i := range req.Prompts {
		raw, err := content.BuildMetadata(req.Prompts[i], req.Tools[i], req.ExtraAttributes)
		if err != nil {
			return nil, err
		}
		c, err := o.store.Put(ctx, raw)
		if err != nil {
			return nil, err
		}
		digest, err := content.Digest(c)
		if err != nil {
			return nil, err
		}
		out[i] = upload{cid: c, digest: digest, raw: raw}
		o.logger.Debug("request metadata uploaded", slog.String("cid", c.String()), slog.String("tool", req.Tools[i]))
	}
	return out, nil
}

// checkFunds verifies the requester can pay for every request, approving
// the balance tracker first when paying from a token wallet.
func (o *Orchestrator) checkFunds(ctx context.Context, j *job) error {
	total := j.totalCost()
	if j.req.UsePrepaid {
		if j.strategy.Kind() == payment.KindSubscription {
			balance, err := j.strategy.CheckBalance(ctx, j.sender, total)
			if err != nil {
				return err
			}
			if !balance.Sufficient {
				return payment.Insufficient(j.strategy, balance, "subscription")
			}
			return nil
		}
		prepaid, err := j.strategy.CheckPrepaidBalance(ctx, j.sender)
		if err != nil {
			return err
		}
		if prepaid.Cmp(total) < 0 {
			return payment.Insufficient(j.strategy, payment.Balance{Available: prepaid, Required: total}, "prepaid")
		}
		return nil
	}

	balance, err := j.strategy.CheckBalance(ctx, j.sender, total)
	if err != nil {
		return err
	}
	if !balance.Sufficient {
		return payment.Insufficient(j.strategy, balance, "wallet")
	}
	approval, err := j.strategy.ApproveIfNeeded(ctx, o.exec, total)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePaymentFailure, err, "approve balance tracker")
	}
	if approval == nil {
		return nil
	}
	o.logger.Info("approval sent", slog.String("tx_hash", approval.Hex()), slog.String("amount", total.String()))
	receipt, err := o.ledger.WaitMined(ctx, *approval, o.receiptInterval)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePaymentFailure, err, "wait for approval")
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return xerrors.New(xerrors.CodePaymentFailure, "approval reverted",
			xerrors.WithMetadata("tx_hash", approval.Hex()))
	}
	return nil
}

func (o *Orchestrator) watchConfig(req Request) delivery.Config {
	cfg := o.deliveryCfg
	if req.Timeout > 0 {
		cfg.Timeout = req.Timeout
	}
	return cfg
}

// enrich reads delivered result documents from the content store.
func (o *Orchestrator) enrich(ctx context.Context, res *Result) {
	if !o.fetchContents {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, contentFetchTimeout)
	defer cancel()
	for id, d := range res.Deliveries {
		if d.Source != delivery.SourceOnchain || d.ResultPointer == "" {
			continue
		}
		raw, err := o.store.Get(ctx, d.ResultPointer)
		if err != nil {
			o.logger.Warn("fetch delivered content failed",
				slog.String("request_id", id.Hex()), slog.String("pointer", d.ResultPointer), slog.String("error", err.Error()))
			continue
		}
		if res.Contents == nil {
			res.Contents = make(map[common.Hash][]byte)
		}
		res.Contents[id] = raw
	}
}

func (o *Orchestrator) auditDeliveries(res *Result) {
	for _, id := range res.RequestIDs {
		d, ok := res.Deliveries[id]
		if !ok {
			o.audit.Warn("mech delivery missing",
				slog.String("flow", string(res.Flow)),
				slog.String("request_id", id.Hex()),
				slog.String("tx_hash", res.TxHash.Hex()))
			continue
		}
		o.audit.Info("mech delivery received",
			slog.String("flow", string(res.Flow)),
			slog.String("request_id", id.Hex()),
			slog.String("status", d.Status.String()),
			slog.String("source", string(d.Source)),
			slog.String("mech", d.DeliveryMech.Hex()),
			slog.String("pointer", d.ResultPointer))
	}
}

func (r Request) validate(offchainURL string) error {
	if len(r.Prompts) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "at least one prompt is required")
	}
	if len(r.Prompts) != len(r.Tools) {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("got %d prompts but %d tools", len(r.Prompts), len(r.Tools)))
	}
	for i := range r.Prompts {
		if strings.TrimSpace(r.Prompts[i]) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("prompt %d is empty", i))
		}
		if strings.TrimSpace(r.Tools[i]) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("tool %d is empty", i))
		}
	}
	if r.PriorityMech == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "priority mech address is required")
	}
	if r.Timeout < 0 || r.ResponseTimeout < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "timeouts must not be negative")
	}
	if r.UseOffchain && offchainURL == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "off-chain requests need a mech endpoint url")
	}
	return nil
}
