// Package chain holds the static per-chain configuration of marketplace
// deployments: RPC endpoints, contract addresses, payment tokens and the
// defaults applied to submitted requests.
package chain

import (
	_ "embed"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	xerrors "mechx/internal/errors"
)

//go:embed chains.yaml
var defaultDefinitions []byte

// Token names accepted under payment_tokens.
const (
	TokenOLAS = "olas"
	TokenUSDC = "usdc"
)

// Definitions models the structure of chains.yaml.
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition describes a single marketplace deployment.
type Definition struct {
	ChainID         uint64            `yaml:"chain_id"`
	RPCURL          string            `yaml:"rpc_url"`
	Marketplace     string            `yaml:"marketplace"`
	GasLimit        uint64            `yaml:"gas_limit"`
	Price           string            `yaml:"price"`
	ResponseTimeout uint64            `yaml:"response_timeout"`
	ExplorerTxURL   string            `yaml:"explorer_tx_url"`
	PaymentTokens   map[string]string `yaml:"payment_tokens"`
	BalanceTrackers map[string]string `yaml:"balance_trackers"`
	Description     string            `yaml:"description"`
}

// Config is a validated, typed view over a Definition.
type Config struct {
	Name            string
	ChainID         *big.Int
	RPCURL          string
	Marketplace     common.Address
	GasLimit        uint64
	Price           *big.Int
	ResponseTimeout time.Duration
	ExplorerTxURL   string
	PaymentTokens   map[string]common.Address
	// BalanceTrackers overrides the marketplace lookup, keyed by payment
	// type name (native, token, usdc_token, native_nvm, token_nvm_usdc).
	BalanceTrackers map[string]common.Address
}

// LoadDefinitions returns the embedded chain definitions overlaid with the
// definitions found in path. An empty path yields the embedded set.
func LoadDefinitions(path string) (Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(defaultDefinitions, &defs); err != nil {
		return Definitions{}, fmt.Errorf("parse embedded chain definitions: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	if strings.TrimSpace(path) == "" {
		return defs, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "read chain definitions")
	}
	var overlay Definitions
	if err := yaml.Unmarshal(content, &overlay); err != nil {
		return Definitions{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "parse chain definitions")
	}
	for name, def := range overlay.Chains {
		defs.Chains[strings.ToLower(name)] = def
	}
	return defs, nil
}

// Names lists the configured chains in a stable order.
func (d Definitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves and validates the named chain. rpcOverride replaces the
// configured endpoint when non-empty.
func (d Definitions) Lookup(name, rpcOverride string) (Config, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	def, ok := d.Chains[key]
	if !ok {
		return Config{}, xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("unknown chain %q (configured: %s)", name, strings.Join(d.Names(), ", ")))
	}
	cfg, err := def.resolve(key)
	if err != nil {
		return Config{}, err
	}
	if rpc := strings.TrimSpace(rpcOverride); rpc != "" {
		cfg.RPCURL = rpc
	}
	if cfg.RPCURL == "" {
		return Config{}, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("chain %s has no rpc url", key))
	}
	return cfg, nil
}

func (def Definition) resolve(name string) (Config, error) {
	bad := func(field, value string) error {
		return xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("chain %s: invalid %s %q", name, field, value),
			xerrors.WithMetadata("chain", name))
	}

	if def.ChainID == 0 {
		return Config{}, bad("chain_id", "0")
	}
	if !common.IsHexAddress(def.Marketplace) {
		return Config{}, bad("marketplace", def.Marketplace)
	}

	price := big.NewInt(0)
	if strings.TrimSpace(def.Price) != "" {
		if _, ok := price.SetString(strings.TrimSpace(def.Price), 10); !ok || price.Sign() < 0 {
			return Config{}, bad("price", def.Price)
		}
	}

	tokens := make(map[string]common.Address, len(def.PaymentTokens))
	for token, addr := range def.PaymentTokens {
		if !common.IsHexAddress(addr) {
			return Config{}, bad("payment token "+token, addr)
		}
		tokens[strings.ToLower(token)] = common.HexToAddress(addr)
	}
	trackers := make(map[string]common.Address, len(def.BalanceTrackers))
	for kind, addr := range def.BalanceTrackers {
		if !common.IsHexAddress(addr) {
			return Config{}, bad("balance tracker "+kind, addr)
		}
		trackers[strings.ToLower(kind)] = common.HexToAddress(addr)
	}

	return Config{
		Name:            name,
		ChainID:         new(big.Int).SetUint64(def.ChainID),
		RPCURL:          strings.TrimSpace(def.RPCURL),
		Marketplace:     common.HexToAddress(def.Marketplace),
		GasLimit:        def.GasLimit,
		Price:           price,
		ResponseTimeout: time.Duration(def.ResponseTimeout) * time.Second,
		ExplorerTxURL:   def.ExplorerTxURL,
		PaymentTokens:   tokens,
		BalanceTrackers: trackers,
	}, nil
}

// Token returns the configured address of a payment token.
func (c Config) Token(name string) (common.Address, bool) {
	addr, ok := c.PaymentTokens[strings.ToLower(name)]
	return addr, ok
}

// ExplorerURL renders the explorer link for a transaction hash, or "" when
// the chain has no explorer configured.
func (c Config) ExplorerURL(tx common.Hash) string {
	if c.ExplorerTxURL == "" {
		return ""
	}
	return strings.ReplaceAll(c.ExplorerTxURL, "{tx_hash}", tx.Hex())
}
