package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "mechx/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mechx.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"chain":{"name":"base"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dir := filepath.Dir(path)

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Chain.Name != "base" {
		t.Fatalf("unexpected chain %q", cfg.Chain.Name)
	}
	if cfg.Wallet.Mode != "client" {
		t.Fatalf("unexpected wallet mode %q", cfg.Wallet.Mode)
	}
	if want := filepath.Join(dir, "ethereum_private_key.txt"); cfg.Wallet.PrivateKeyPath != want {
		t.Fatalf("unexpected key path %q", cfg.Wallet.PrivateKeyPath)
	}
	if want := filepath.Join(dir, "data"); cfg.Runtime.DataDir != want || cfg.Storage.Journal.DataDir != want {
		t.Fatalf("unexpected data dirs %q %q", cfg.Runtime.DataDir, cfg.Storage.Journal.DataDir)
	}
	if cfg.Queue.Driver != "memory" || cfg.Storage.TaskStore.Driver != "memory" || cfg.Nonce.Driver != "memory" {
		t.Fatalf("unexpected drivers %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadKeepsAbsolutePaths(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "key.txt")
	path := writeConfig(t, `{"wallet":{"private_key_path":"`+filepath.ToSlash(abs)+`"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Wallet.PrivateKeyPath != filepath.ToSlash(abs) {
		t.Fatalf("absolute path rewritten: %q", cfg.Wallet.PrivateKeyPath)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"server":`)
	if _, err := Load(path); xerrors.KindOf(err) != xerrors.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := Load(""); xerrors.KindOf(err) != xerrors.KindConfiguration {
		t.Fatalf("expected configuration error for empty path, got %v", err)
	}
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	cfg := Default()
	cfg.Queue.Driver = "kafka"
	if err := cfg.Validate(); xerrors.KindOf(err) != xerrors.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}

	cfg = Default()
	cfg.Wallet.Mode = "agent"
	if err := cfg.Validate(); err == nil {
		t.Fatal("agent mode without safe address should fail")
	}
	cfg.Wallet.SafeAddress = "0x0000000000000000000000000000000000000001"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("agent mode with safe address: %v", err)
	}
}

func TestReadEnvAndApply(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("MECHX_MECH_OFFCHAIN_URL=http://mech.local\n"), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	t.Setenv("MECHX_CHAIN_RPC", "http://rpc.local")
	t.Setenv("MECHX_PRIVATE_KEY_PATH", "/keys/key.txt")
	t.Setenv("MECHX_MECH_OFFCHAIN_URL", "")
	os.Unsetenv("MECHX_MECH_OFFCHAIN_URL")

	env, err := ReadEnv(dotenv, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("read env: %v", err)
	}
	if env.ChainRPC != "http://rpc.local" || env.OffchainURL != "http://mech.local" {
		t.Fatalf("unexpected env %+v", env)
	}

	cfg := Default()
	cfg.ApplyEnv(env)
	if cfg.Chain.RPCURL != "http://rpc.local" {
		t.Fatalf("rpc override not applied: %q", cfg.Chain.RPCURL)
	}
	if cfg.Delivery.OffchainURL != "http://mech.local" {
		t.Fatalf("offchain override not applied: %q", cfg.Delivery.OffchainURL)
	}
	if cfg.Wallet.PrivateKeyPath != "/keys/key.txt" {
		t.Fatalf("key override not applied: %q", cfg.Wallet.PrivateKeyPath)
	}
}

func TestConverters(t *testing.T) {
	path := writeConfig(t, `{
		"submission": {"attempts": 2, "timeout_seconds": 60, "sleep_seconds": 1, "factor": 2, "max_sleep_seconds": 8},
		"delivery": {"poll_interval_seconds": 3, "timeout_seconds": 30},
		"storage": {"ipfs": {"gateway_url": "https://gateway.example/ipfs"}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	sc := cfg.SubmitConfig()
	if sc.Attempts != 2 || sc.Timeout != time.Minute || sc.Sleep != time.Second || sc.Factor != 2 || sc.MaxSleep != 8*time.Second {
		t.Fatalf("unexpected submit config %+v", sc)
	}
	dc := cfg.DeliveryConfig()
	if dc.PollInterval != 3*time.Second || dc.Timeout != 30*time.Second {
		t.Fatalf("unexpected delivery config %+v", dc)
	}
	ipfs := cfg.IPFSConfig()
	if ipfs.GatewayURL != "https://gateway.example/ipfs" || ipfs.APIURL != DefaultIPFSAPI {
		t.Fatalf("unexpected ipfs config %+v", ipfs)
	}
}
