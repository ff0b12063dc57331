package payment

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"mechx/internal/chain"
	"mechx/internal/contracts"
	xerrors "mechx/internal/errors"
	"mechx/internal/execution"
)

// Balance is the outcome of a balance check.
type Balance struct {
	Available  *big.Int
	Required   *big.Int
	Sufficient bool
}

// Context captures how one submission pays. It does not change during the
// submission.
type Context struct {
	Payer            common.Address
	BalanceTracker   common.Address
	Token            common.Address
	RequiresApproval bool
}

// Strategy is one payment model. Implementations are Native, Token and
// Subscription.
type Strategy interface {
	Kind() Kind
	PaymentType() common.Hash
	BalanceTracker() common.Address
	// PaymentToken returns the ERC-20 token charged, if any.
	PaymentToken() (common.Address, bool)
	// CheckBalance reports whether payer can cover required from its wallet.
	CheckBalance(ctx context.Context, payer common.Address, required *big.Int) (Balance, error)
	// CheckPrepaidBalance returns the requester's balance held by the tracker.
	CheckPrepaidBalance(ctx context.Context, requester common.Address) (*big.Int, error)
	// ApproveIfNeeded reads the sender's allowance for the balance tracker
	// and submits approve(tracker, amount) only when the allowance is below
	// amount. It returns the approval transaction hash, or nil when no
	// transaction was needed.
	ApproveIfNeeded(ctx context.Context, exec execution.Strategy, amount *big.Int) (*common.Hash, error)
	// RequestValue is the coin value attached to a request costing amount.
	RequestValue(amount *big.Int, usePrepaid bool) *big.Int
	Context(payer common.Address) Context

	sealed()
}

// BalanceReader reads native balances. *ledger.Client implements it.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

// Deps are the collaborators a Strategy needs.
type Deps struct {
	Chain       chain.Config
	Caller      contracts.Caller
	Balances    BalanceReader
	Marketplace *contracts.Marketplace
}

// New returns the strategy for a payment type tag. Unknown tags and token
// types without a configured token fail before any network call; the
// balance tracker is then taken from the chain configuration or read from
// the marketplace.
func New(ctx context.Context, tag common.Hash, deps Deps) (Strategy, error) {
	info, ok := registry[tag]
	if !ok {
		return nil, unknownType(tag)
	}

	var token common.Address
	if info.kind == KindToken {
		addr, ok := deps.Chain.Token(info.token)
		if !ok {
			return nil, xerrors.New(CodeTokenNotConfigured,
				fmt.Sprintf("%s token not configured for chain %s", info.token, deps.Chain.Name),
				xerrors.WithMetadata("payment_type", info.name))
		}
		token = addr
	}

	tracker, err := resolveTracker(ctx, tag, info, deps)
	if err != nil {
		return nil, err
	}
	b := base{tag: tag, tracker: tracker, caller: deps.Caller}

	switch info.kind {
	case KindNative:
		if deps.Balances == nil {
			return nil, xerrors.New(xerrors.CodeConfiguration, "native payment requires a balance reader")
		}
		return &Native{base: b, balances: deps.Balances}, nil
	case KindToken:
		return &Token{base: b, token: token}, nil
	case KindSubscription:
		return &Subscription{base: b}, nil
	default:
		return nil, unknownType(tag)
	}
}

func resolveTracker(ctx context.Context, tag common.Hash, info typeInfo, deps Deps) (common.Address, error) {
	if addr, ok := deps.Chain.BalanceTrackers[info.name]; ok {
		return addr, nil
	}
	if deps.Marketplace == nil {
		return common.Address{}, xerrors.New(xerrors.CodeConfiguration, "no balance tracker configured for "+info.name)
	}
	return deps.Marketplace.BalanceTracker(ctx, tag)
}

type base struct {
	tag     common.Hash
	tracker common.Address
	caller  contracts.Caller
}

func (b base) PaymentType() common.Hash       { return b.tag }
func (b base) BalanceTracker() common.Address { return b.tracker }

func (b base) prepaid(ctx context.Context, requester common.Address) (*big.Int, error) {
	return contracts.RequesterBalance(ctx, b.caller, b.tracker, requester)
}

func sufficient(available, required *big.Int) Balance {
	if required == nil {
		required = big.NewInt(0)
	}
	return Balance{Available: available, Required: required, Sufficient: available.Cmp(required) >= 0}
}

// Native pays with the chain's native coin attached to the request.
type Native struct {
	base
	balances BalanceReader
}

func (*Native) sealed()    {}
func (*Native) Kind() Kind { return KindNative }

// PaymentToken implements Strategy.
func (*Native) PaymentToken() (common.Address, bool) { return common.Address{}, false }

// CheckBalance implements Strategy.
func (n *Native) CheckBalance(ctx context.Context, payer common.Address, required *big.Int) (Balance, error) {
	balance, err := n.balances.BalanceAt(ctx, payer)
	if err != nil {
		return Balance{}, err
	}
	return sufficient(balance, required), nil
}

// CheckPrepaidBalance implements Strategy.
func (n *Native) CheckPrepaidBalance(ctx context.Context, requester common.Address) (*big.Int, error) {
	return n.prepaid(ctx, requester)
}

// ApproveIfNeeded implements Strategy. Native payments need no approval.
func (*Native) ApproveIfNeeded(context.Context, execution.Strategy, *big.Int) (*common.Hash, error) {
	return nil, nil
}

// RequestValue implements Strategy.
func (*Native) RequestValue(amount *big.Int, usePrepaid bool) *big.Int {
	if usePrepaid || amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(amount)
}

// Context implements Strategy.
func (n *Native) Context(payer common.Address) Context {
	return Context{Payer: payer, BalanceTracker: n.tracker}
}

// Token pays with an ERC-20 token pulled by the balance tracker.
type Token struct {
	base
	token common.Address
}

func (*Token) sealed()    {}
func (*Token) Kind() Kind { return KindToken }

// PaymentToken implements Strategy.
func (t *Token) PaymentToken() (common.Address, bool) { return t.token, true }

// CheckBalance implements Strategy.
func (t *Token) CheckBalance(ctx context.Context, payer common.Address, required *big.Int) (Balance, error) {
	balance, err := contracts.ERC20Balance(ctx, t.caller, t.token, payer)
	if err != nil {
		return Balance{}, err
	}
	return sufficient(balance, required), nil
}

// CheckPrepaidBalance implements Strategy.
func (t *Token) CheckPrepaidBalance(ctx context.Context, requester common.Address) (*big.Int, error) {
	return t.prepaid(ctx, requester)
}

// ApproveIfNeeded implements Strategy.
func (t *Token) ApproveIfNeeded(ctx context.Context, exec execution.Strategy, amount *big.Int) (*common.Hash, error) {
	allowance, err := contracts.ERC20Allowance(ctx, t.caller, t.token, exec.SenderAddress(), t.tracker)
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(amount) >= 0 {
		return nil, nil
	}
	input, err := contracts.PackERC20Approve(t.tracker, amount)
	if err != nil {
		return nil, err
	}
	hash, err := execution.Send(ctx, exec, execution.Call{To: t.token, Data: input})
	if err != nil {
		return nil, err
	}
	return &hash, nil
}

// RequestValue implements Strategy.
func (*Token) RequestValue(*big.Int, bool) *big.Int { return big.NewInt(0) }

// Context implements Strategy.
func (t *Token) Context(payer common.Address) Context {
	return Context{Payer: payer, BalanceTracker: t.tracker, Token: t.token, RequiresApproval: true}
}

// Subscription draws on prepaid credits and a subscription NFT.
type Subscription struct {
	base
}

func (*Subscription) sealed()    {}
func (*Subscription) Kind() Kind { return KindSubscription }

// PaymentToken implements Strategy.
func (*Subscription) PaymentToken() (common.Address, bool) { return common.Address{}, false }

// CheckBalance implements Strategy. The prepaid balance and the subscription
// NFT balance are reported as one figure; any positive amount suffices.
func (s *Subscription) CheckBalance(ctx context.Context, payer common.Address, _ *big.Int) (Balance, error) {
	total, err := s.CheckPrepaidBalance(ctx, payer)
	if err != nil {
		return Balance{}, err
	}
	return Balance{Available: total, Required: big.NewInt(1), Sufficient: total.Sign() > 0}, nil
}

// CheckPrepaidBalance implements Strategy.
func (s *Subscription) CheckPrepaidBalance(ctx context.Context, requester common.Address) (*big.Int, error) {
	prepaid, err := s.prepaid(ctx, requester)
	if err != nil {
		return nil, err
	}
	nft, tokenID, err := contracts.Subscription(ctx, s.caller, s.tracker)
	if err != nil {
		return nil, err
	}
	held, err := contracts.ERC1155Balance(ctx, s.caller, nft, requester, tokenID)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Add(prepaid, held), nil
}

// ApproveIfNeeded implements Strategy. Subscriptions need no approval.
func (*Subscription) ApproveIfNeeded(context.Context, execution.Strategy, *big.Int) (*common.Hash, error) {
	return nil, nil
}

// RequestValue implements Strategy.
func (*Subscription) RequestValue(*big.Int, bool) *big.Int { return big.NewInt(0) }

// Context implements Strategy.
func (s *Subscription) Context(payer common.Address) Context {
	return Context{Payer: payer, BalanceTracker: s.tracker}
}

// Insufficient builds the error reported when a balance check fails.
func Insufficient(s Strategy, b Balance, what string) error {
	return xerrors.New(CodeInsufficientBalance,
		fmt.Sprintf("%s balance %s below required %s", what, b.Available, b.Required),
		xerrors.WithMetadata("payment_type", Name(s.PaymentType())),
		xerrors.WithMetadata("balance_tracker", s.BalanceTracker().Hex()))
}
