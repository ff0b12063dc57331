package chain

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "mechx/internal/errors"
)

func TestEmbeddedDefinitions(t *testing.T) {
	defs, err := LoadDefinitions("")
	if err != nil {
		t.Fatalf("LoadDefinitions returned error: %v", err)
	}

	cfg, err := defs.Lookup("Gnosis", "")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if cfg.ChainID.Uint64() != 100 {
		t.Fatalf("unexpected chain id: %s", cfg.ChainID)
	}
	if cfg.Marketplace != common.HexToAddress("0x735FAAb1c4Ec41128c367AFb5c3baC73509f70bB") {
		t.Fatalf("unexpected marketplace: %s", cfg.Marketplace.Hex())
	}
	if cfg.ResponseTimeout != 300*time.Second {
		t.Fatalf("unexpected response timeout: %s", cfg.ResponseTimeout)
	}
	if _, ok := cfg.Token(TokenOLAS); !ok {
		t.Fatalf("expected olas token on gnosis")
	}
	if _, ok := cfg.Token(TokenUSDC); ok {
		t.Fatalf("gnosis has no usdc token configured")
	}
}

func TestOverlayAndRPCOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `chains:
  local:
    chain_id: 1337
    rpc_url: http://127.0.0.1:8545
    marketplace: "0x00000000000000000000000000000000000000aa"
    price: "5"
    explorer_tx_url: http://explorer/tx/{tx_hash}
    balance_trackers:
      native: "0x00000000000000000000000000000000000000bb"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	defs, err := LoadDefinitions(path)
	if err != nil {
		t.Fatalf("LoadDefinitions returned error: %v", err)
	}
	if _, ok := defs.Chains["gnosis"]; !ok {
		t.Fatalf("embedded chains should survive overlay")
	}

	cfg, err := defs.Lookup("local", "http://override:8545")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if cfg.RPCURL != "http://override:8545" {
		t.Fatalf("rpc override not applied: %s", cfg.RPCURL)
	}
	if cfg.Price.Int64() != 5 {
		t.Fatalf("unexpected price: %s", cfg.Price)
	}
	if cfg.BalanceTrackers["native"] != common.HexToAddress("0xbb") {
		t.Fatalf("unexpected tracker: %s", cfg.BalanceTrackers["native"].Hex())
	}
	tx := common.HexToHash("0x01")
	if got := cfg.ExplorerURL(tx); got != "http://explorer/tx/"+tx.Hex() {
		t.Fatalf("unexpected explorer url: %s", got)
	}
}

func TestLookupErrorsAreConfiguration(t *testing.T) {
	defs := Definitions{Chains: map[string]Definition{
		"broken": {ChainID: 1, Marketplace: "not-an-address", RPCURL: "http://x"},
		"norpc":  {ChainID: 1, Marketplace: "0x00000000000000000000000000000000000000aa"},
	}}

	for _, name := range []string{"missing", "broken", "norpc"} {
		_, err := defs.Lookup(name, "")
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if xerrors.KindOf(err) != xerrors.KindConfiguration {
			t.Fatalf("%s: expected configuration kind, got %s", name, xerrors.KindOf(err))
		}
	}
}
