package relayd

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"

	"loanbridge/contracts"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for relayd.
type Config struct {
	ListenAddress string             `yaml:"listen"`
	StatePath     string             `yaml:"state_path"`
	LogFile       string             `yaml:"log_file"`
	Source        ChainConfig        `yaml:"source_chain"`
	Public        ChainConfig        `yaml:"public_chain"`
	Orchestrator  OrchestratorConfig `yaml:"orchestrator"`
	Gateway       GatewayConfig      `yaml:"gateway"`
}

// ChainConfig configures one chain connector.
type ChainConfig struct {
	Name           string            `yaml:"name"`
	RPCURLs        []string          `yaml:"rpc_urls"`
	WSURL          string            `yaml:"ws_url"`
	ChainID        uint64            `yaml:"chain_id"`
	SignerKey      string            `yaml:"signer_key"`
	SignerKeyFile  string            `yaml:"signer_key_file"`
	SignerKeyEnv   string            `yaml:"signer_key_env"`
	Contracts      map[string]string `yaml:"contracts"`
	GasLimit       uint64            `yaml:"gas_limit"`
	MaxAttempts    int               `yaml:"max_attempts"`
	RetryBaseDelay Duration          `yaml:"retry_base_delay"`
	RetryMaxDelay  Duration          `yaml:"retry_max_delay"`
	ConfirmTimeout Duration          `yaml:"confirm_timeout"`
	ConfirmPoll    Duration          `yaml:"confirm_poll"`

	signer *ecdsa.PrivateKey
}

// OrchestratorConfig tunes the reconciliation loop.
type OrchestratorConfig struct {
	TickInterval  Duration `yaml:"tick_interval"`
	PendingMaxAge Duration `yaml:"pending_max_age"`
	MaxAttempts   int      `yaml:"max_attempts"`
	CatchUpBatch  uint64   `yaml:"catch_up_batch"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
	GasLimit      uint64   `yaml:"gas_limit"`
}

// GatewayConfig tunes the HTTP API.
type GatewayConfig struct {
	RequestsPerMinute float64  `yaml:"requests_per_minute"`
	Burst             int      `yaml:"burst"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	LogRequests       bool     `yaml:"log_requests"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Source.normalise("source"); err != nil {
		return cfg, err
	}
	if err := cfg.Public.normalise("public"); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8745"
	}
	if cfg.StatePath == "" {
		cfg.StatePath = "relay-state"
	}
	if cfg.Source.Name == "" {
		cfg.Source.Name = "source"
	}
	if cfg.Public.Name == "" {
		cfg.Public.Name = "public"
	}
	if cfg.Gateway.RequestsPerMinute == 0 {
		cfg.Gateway.RequestsPerMinute = 600
	}
	if cfg.Gateway.Burst == 0 {
		cfg.Gateway.Burst = 30
	}
}

// normalise resolves the signer key from whichever source is configured.
func (c *ChainConfig) normalise(label string) error {
	raw := strings.TrimSpace(c.SignerKey)
	if raw == "" && c.SignerKeyFile != "" {
		data, err := os.ReadFile(c.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("%s chain: read signer key file: %w", label, err)
		}
		raw = strings.TrimSpace(string(data))
	}
	if raw == "" && c.SignerKeyEnv != "" {
		raw = strings.TrimSpace(os.Getenv(c.SignerKeyEnv))
	}
	if raw == "" {
		return fmt.Errorf("%s chain: signer key must be configured", label)
	}
	raw = strings.TrimPrefix(raw, "0x")
	key, err := gethcrypto.HexToECDSA(raw)
	if err != nil {
		return fmt.Errorf("%s chain: parse signer key: %w", label, err)
	}
	c.signer = key
	return nil
}

func validateConfig(cfg Config) error {
	if err := validateChain(cfg.Source, "source", contracts.SourceContracts); err != nil {
		return err
	}
	if err := validateChain(cfg.Public, "public", contracts.PublicContracts); err != nil {
		return err
	}
	return nil
}

func validateChain(c ChainConfig, label string, required []string) error {
	if len(c.RPCURLs) == 0 {
		return fmt.Errorf("%s chain: at least one rpc url required", label)
	}
	if c.ChainID == 0 {
		return fmt.Errorf("%s chain: chain_id must be configured", label)
	}
	for _, name := range required {
		addr, ok := c.Contracts[name]
		if !ok {
			return fmt.Errorf("%s chain: missing %s contract address", label, name)
		}
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s chain: invalid %s address %q", label, name, addr)
		}
	}
	return nil
}

// contractAddresses converts the configured hex strings to typed addresses.
func (c ChainConfig) contractAddresses() map[string]common.Address {
	out := make(map[string]common.Address, len(c.Contracts))
	for name, addr := range c.Contracts {
		out[name] = common.HexToAddress(addr)
	}
	return out
}
