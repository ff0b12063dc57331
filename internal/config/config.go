package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"mechx/internal/content"
	"mechx/internal/delivery"
	xerrors "mechx/internal/errors"
	"mechx/internal/submit"
	"mechx/pkg/logger"
)

// DefaultPath is used when neither a flag nor MECHX_CONFIG names a file.
const DefaultPath = "configs/mechx.json"

// Public IPFS endpoints used when the storage section leaves them empty.
const (
	DefaultIPFSAPI     = "https://registry.autonolas.tech"
	DefaultIPFSGateway = "https://gateway.autonolas.tech"
)

// Config is the process configuration shared by mechx and mechxd.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Chain      ChainConfig      `json:"chain"`
	Wallet     WalletConfig     `json:"wallet"`
	Submission SubmissionConfig `json:"submission"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	Nonce      NonceConfig      `json:"nonce"`
	Alerting   AlertingConfig   `json:"alerting"`
	Logging    LoggingConfig    `json:"logging"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig holds the daemon listen addresses.
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
	// APITokens enables bearer authentication on /api/v1 when non-empty.
	APITokens []APIToken `json:"api_tokens"`
}

// APIToken is one API credential. SHA256 is the hex digest of the token
// and avoids keeping the secret in the file.
type APIToken struct {
	Name        string   `json:"name"`
	Token       string   `json:"token"`
	SHA256      string   `json:"sha256"`
	Permissions []string `json:"permissions"`
}

// ChainConfig selects a chain definition.
type ChainConfig struct {
	Name string `json:"name"`
	// RPCURL overrides the definition's rpc_url.
	RPCURL string `json:"rpc_url"`
	// DefinitionsPath overlays the embedded chain definitions.
	DefinitionsPath string `json:"definitions_path"`
}

// WalletConfig selects the execution mode.
type WalletConfig struct {
	Mode           string `json:"mode"`
	PrivateKeyPath string `json:"private_key_path"`
	SafeAddress    string `json:"safe_address"`
}

// SubmissionConfig bounds the transaction retry loop.
type SubmissionConfig struct {
	Attempts        int     `json:"attempts"`
	TimeoutSeconds  int     `json:"timeout_seconds"`
	SleepSeconds    int     `json:"sleep_seconds"`
	Factor          float64 `json:"factor"`
	MaxSleepSeconds int     `json:"max_sleep_seconds"`
}

// DeliveryConfig controls delivery watching.
type DeliveryConfig struct {
	PollIntervalSeconds    int    `json:"poll_interval_seconds"`
	TimeoutSeconds         int    `json:"timeout_seconds"`
	ReceiptIntervalSeconds int    `json:"receipt_interval_seconds"`
	FetchContents          bool   `json:"fetch_contents"`
	OffchainURL            string `json:"offchain_url"`
}

// StorageConfig groups content, journal and job storage.
type StorageConfig struct {
	IPFS      IPFSConfig      `json:"ipfs"`
	Journal   JournalConfig   `json:"journal"`
	TaskStore TaskStoreConfig `json:"task_store"`
}

// IPFSConfig points at the IPFS API and gateway.
type IPFSConfig struct {
	APIURL         string `json:"api_url"`
	GatewayURL     string `json:"gateway_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// JournalConfig selects the request journal backend. DSN is the MySQL DSN
// for "mysql" and the database path for "sqlite" (default
// data_dir/journal.db).
type JournalConfig struct {
	Driver                 string `json:"driver"`
	DataDir                string `json:"data_dir"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// TaskStoreConfig selects where jobs are stored.
type TaskStoreConfig struct {
	Driver     string `json:"driver"`
	DSN        string `json:"dsn"`
	MaxRetries int    `json:"max_retries"`
}

// QueueConfig selects the job queue and sizes the worker pool.
type QueueConfig struct {
	Driver            string         `json:"driver"`
	Size              int            `json:"size"`
	Workers           int            `json:"workers"`
	JobTimeoutSeconds int            `json:"job_timeout_seconds"`
	Redis             RedisConfig    `json:"redis"`
	RabbitMQ          RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig is a Redis connection plus the key or list it uses.
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig describes the RabbitMQ job queue.
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// NonceConfig selects the nonce allocator. The redis driver shares
// reservations between processes using the same key.
type NonceConfig struct {
	Driver string      `json:"driver"`
	Prefix string      `json:"prefix"`
	Redis  RedisConfig `json:"redis"`
}

// AlertingConfig lists alert sinks. The audit log always receives alerts.
type AlertingConfig struct {
	WebhookURL      string `json:"webhook_url"`
	SlackWebhookURL string `json:"slack_webhook_url"`
}

// LoggingConfig mirrors logger.Config.
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig mirrors logger.AuditConfig.
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig holds process-wide paths.
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Env holds the MECHX_* overrides.
type Env struct {
	ConfigPath     string `envconfig:"CONFIG"`
	ChainRPC       string `envconfig:"CHAIN_RPC"`
	OffchainURL    string `envconfig:"MECH_OFFCHAIN_URL"`
	PrivateKeyPath string `envconfig:"PRIVATE_KEY_PATH"`
}

// ReadEnv loads the given dotenv files (".env" when none are given) and
// then reads the MECHX_* variables. Missing dotenv files are ignored;
// variables already set in the process win over dotenv values.
func ReadEnv(dotenv ...string) (Env, error) {
	if len(dotenv) == 0 {
		dotenv = []string{".env"}
	}
	for _, file := range dotenv {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Env{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "load "+file)
		}
	}
	var env Env
	if err := envconfig.Process("mechx", &env); err != nil {
		return Env{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "read MECHX environment")
	}
	return env, nil
}

// Resolve reads the environment once and returns the effective
// configuration. path wins over MECHX_CONFIG; when neither is set and
// DefaultPath does not exist, defaults are used.
func Resolve(path string) (*Config, error) {
	env, err := ReadEnv()
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = env.ConfigPath
	}

	var cfg *Config
	switch {
	case path != "":
		cfg, err = Load(path)
	default:
		if _, statErr := os.Stat(DefaultPath); statErr == nil {
			cfg, err = Load(DefaultPath)
		} else {
			cfg = Default()
		}
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(env)
	return cfg, cfg.Validate()
}

// Default returns a configuration with every default applied relative to
// the working directory.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Load parses the JSON configuration file at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "config path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "open config file")
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "read config file")
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "parse config file")
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// ApplyEnv overlays non-empty environment values.
func (c *Config) ApplyEnv(env Env) {
	if env.ChainRPC != "" {
		c.Chain.RPCURL = env.ChainRPC
	}
	if env.OffchainURL != "" {
		c.Delivery.OffchainURL = env.OffchainURL
	}
	if env.PrivateKeyPath != "" {
		c.Wallet.PrivateKeyPath = env.PrivateKeyPath
	}
}

// Validate rejects unknown drivers and modes.
func (c *Config) Validate() error {
	checks := []struct {
		field, value string
		allowed      []string
	}{
		{"wallet.mode", c.Wallet.Mode, []string{"client", "agent"}},
		{"storage.journal.driver", c.Storage.Journal.Driver, []string{"file", "sqlite", "mysql", "none"}},
		{"storage.task_store.driver", c.Storage.TaskStore.Driver, []string{"memory", "mysql"}},
		{"queue.driver", c.Queue.Driver, []string{"memory", "redis", "rabbitmq"}},
		{"nonce.driver", c.Nonce.Driver, []string{"memory", "redis"}},
	}
	for _, check := range checks {
		if !contains(check.allowed, check.value) {
			return xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("%s: unsupported value %q", check.field, check.value),
				xerrors.WithMetadata("allowed", strings.Join(check.allowed, ",")))
		}
	}
	if c.Wallet.Mode == "agent" && c.Wallet.SafeAddress == "" {
		return xerrors.New(xerrors.CodeConfiguration, "wallet.safe_address is required in agent mode")
	}
	if c.Submission.Factor < 1 {
		return xerrors.New(xerrors.CodeConfiguration, "submission.factor must be >= 1")
	}
	return nil
}

// applyDefaults fills unset fields and resolves relative paths against
// baseDir.
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = ":9090"
	}

	if c.Chain.Name == "" {
		c.Chain.Name = "gnosis"
	}
	c.Chain.DefinitionsPath = resolvePath(baseDir, c.Chain.DefinitionsPath)

	c.Wallet.Mode = strings.ToLower(strings.TrimSpace(c.Wallet.Mode))
	if c.Wallet.Mode == "" {
		c.Wallet.Mode = "client"
	}
	if c.Wallet.PrivateKeyPath == "" {
		c.Wallet.PrivateKeyPath = "ethereum_private_key.txt"
	}
	c.Wallet.PrivateKeyPath = resolvePath(baseDir, c.Wallet.PrivateKeyPath)

	if c.Submission.Attempts <= 0 {
		c.Submission.Attempts = submit.DefaultAttempts
	}
	if c.Submission.TimeoutSeconds <= 0 {
		c.Submission.TimeoutSeconds = int(submit.DefaultTimeout / time.Second)
	}
	if c.Submission.SleepSeconds <= 0 {
		c.Submission.SleepSeconds = int(submit.DefaultSleep / time.Second)
	}
	if c.Submission.Factor == 0 {
		c.Submission.Factor = 1
	}

	if c.Delivery.PollIntervalSeconds <= 0 {
		c.Delivery.PollIntervalSeconds = int(delivery.DefaultPollInterval / time.Second)
	}
	if c.Delivery.TimeoutSeconds <= 0 {
		c.Delivery.TimeoutSeconds = int(delivery.DefaultTimeout / time.Second)
	}

	if c.Storage.IPFS.APIURL == "" {
		c.Storage.IPFS.APIURL = DefaultIPFSAPI
	}
	if c.Storage.IPFS.GatewayURL == "" {
		c.Storage.IPFS.GatewayURL = DefaultIPFSGateway
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = "data"
	}
	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)

	if c.Storage.Journal.Driver == "" {
		c.Storage.Journal.Driver = "file"
	}
	if c.Storage.Journal.DataDir == "" {
		c.Storage.Journal.DataDir = c.Runtime.DataDir
	} else {
		c.Storage.Journal.DataDir = resolvePath(baseDir, c.Storage.Journal.DataDir)
	}
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.MaxRetries <= 0 {
		c.Storage.TaskStore.MaxRetries = 3
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}

	if c.Nonce.Driver == "" {
		c.Nonce.Driver = "memory"
	}
	if c.Nonce.Prefix == "" {
		c.Nonce.Prefix = "mechx:nonce:"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	} else if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)
	}
}

// LoggerConfig converts the logging section.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:       c.Logging.Level,
		Format:      c.Logging.Format,
		OutputPaths: append([]string(nil), c.Logging.Outputs...),
		Audit: logger.AuditConfig{
			Enabled:    c.Logging.Audit.Enabled,
			Path:       c.Logging.Audit.Path,
			MaxSizeMB:  c.Logging.Audit.MaxSizeMB,
			MaxBackups: c.Logging.Audit.MaxBackups,
			MaxAgeDays: c.Logging.Audit.MaxAgeDays,
		},
	}
}

// SubmitConfig converts the submission section.
func (c *Config) SubmitConfig() submit.Config {
	return submit.Config{
		Attempts: c.Submission.Attempts,
		Timeout:  seconds(c.Submission.TimeoutSeconds),
		Sleep:    seconds(c.Submission.SleepSeconds),
		Factor:   c.Submission.Factor,
		MaxSleep: seconds(c.Submission.MaxSleepSeconds),
	}
}

// DeliveryConfig converts the delivery section.
func (c *Config) DeliveryConfig() delivery.Config {
	return delivery.Config{
		PollInterval: seconds(c.Delivery.PollIntervalSeconds),
		Timeout:      seconds(c.Delivery.TimeoutSeconds),
	}
}

// ReceiptInterval is the receipt polling interval; zero keeps the
// orchestrator default.
func (c *Config) ReceiptInterval() time.Duration {
	return seconds(c.Delivery.ReceiptIntervalSeconds)
}

// IPFSConfig converts the ipfs section.
func (c *Config) IPFSConfig() content.IPFSConfig {
	return content.IPFSConfig{
		APIURL:     c.Storage.IPFS.APIURL,
		GatewayURL: c.Storage.IPFS.GatewayURL,
		Timeout:    seconds(c.Storage.IPFS.TimeoutSeconds),
	}
}

// JobTimeout bounds one job; zero means no bound beyond the delivery
// timeout.
func (c *Config) JobTimeout() time.Duration {
	return seconds(c.Queue.JobTimeoutSeconds)
}

// Seconds converts a whole number of seconds from the file.
func Seconds(n int) time.Duration { return seconds(n) }

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
