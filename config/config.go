package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Config captures the immutable runtime configuration for chainpayd. It is
// constructed once at startup and passed by value into every component that
// needs it; nothing mutates it afterwards.
type Config struct {
	RPCEndpoint      string   `toml:"RPCEndpoint"`
	ContractAddress  string   `toml:"ContractAddress"`
	SignerKey        string   `toml:"SignerKey"`
	SignerKeyEnv     string   `toml:"SignerKeyEnv"`
	SignerKeyFile    string   `toml:"SignerKeyFile"`
	ListenAddress    string   `toml:"ListenAddress"`
	RewardPerBeat    string   `toml:"RewardPerHeartbeat"`
	BlockPollSeconds int      `toml:"BlockPollSeconds"`
	CallTimeout      Duration `toml:"CallTimeout"`
	TrackReceipts    bool     `toml:"TrackReceipts"`
	// HeartbeatsPerMinute caps settlement attempts per wallet. Zero disables
	// throttling.
	HeartbeatsPerMinute float64 `toml:"HeartbeatsPerMinute"`
	HeartbeatBurst      int     `toml:"HeartbeatBurst"`
	// CountFailedHeartbeats controls whether a heartbeat whose settlement
	// failed still advances the session heartbeat counter.
	CountFailedHeartbeats bool `toml:"CountFailedHeartbeats"`
}

// Duration wraps time.Duration so TOML files can use human readable strings.
type Duration struct {
	time.Duration
}

// UnmarshalText parses values such as "5s" or "250ms".
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
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

// Load reads configuration from path (when it exists), applies defaults and
// environment overrides, and validates the result. A missing file is not an
// error; the daemon can run entirely from defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := cfg.resolveSignerKey(); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RPCEndpoint == "" {
		cfg.RPCEndpoint = "http://127.0.0.1:8545"
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.RewardPerBeat == "" {
		cfg.RewardPerBeat = "1000"
	}
	if cfg.BlockPollSeconds <= 0 {
		cfg.BlockPollSeconds = 2
	}
	if cfg.CallTimeout.Duration <= 0 {
		cfg.CallTimeout.Duration = 10 * time.Second
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("RPC_ENDPOINT")); v != "" {
		cfg.RPCEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("CONTRACT_ADDRESS")); v != "" {
		cfg.ContractAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("SIGNER_PRIVATE_KEY")); v != "" {
		cfg.SignerKey = v
	}
	if v := strings.TrimSpace(os.Getenv("HTTP_PORT")); v != "" {
		cfg.ListenAddress = ":" + v
	}
	if v := strings.TrimSpace(os.Getenv("CHAINPAY_REWARD_WEI")); v != "" {
		cfg.RewardPerBeat = v
	}
}

func (c *Config) resolveSignerKey() error {
	c.SignerKey = strings.TrimSpace(c.SignerKey)
	if c.SignerKey != "" {
		return nil
	}
	switch {
	case strings.TrimSpace(c.SignerKeyEnv) != "":
		value := strings.TrimSpace(os.Getenv(strings.TrimSpace(c.SignerKeyEnv)))
		if value == "" {
			return fmt.Errorf("signer key env %s is empty", c.SignerKeyEnv)
		}
		c.SignerKey = value
	case strings.TrimSpace(c.SignerKeyFile) != "":
		contents, err := os.ReadFile(strings.TrimSpace(c.SignerKeyFile))
		if err != nil {
			return fmt.Errorf("read signer key file: %w", err)
		}
		c.SignerKey = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("signer key must be configured")
	}
	return nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.RPCEndpoint) == "" {
		return fmt.Errorf("rpc endpoint must be configured")
	}
	if addr := strings.TrimSpace(cfg.ContractAddress); addr != "" && !common.IsHexAddress(addr) {
		return fmt.Errorf("contract address %q is not a hex address", addr)
	}
	if _, ok := new(big.Int).SetString(cfg.RewardPerBeat, 10); !ok {
		return fmt.Errorf("reward per heartbeat %q is not a decimal integer", cfg.RewardPerBeat)
	}
	return nil
}

// RewardWei returns the configured per-heartbeat reward in wei.
func (c Config) RewardWei() *big.Int {
	amount, ok := new(big.Int).SetString(c.RewardPerBeat, 10)
	if !ok {
		return big.NewInt(0)
	}
	return amount
}

// TreasuryAddress returns the configured treasury contract address and whether
// one was configured at all. The zero value means direct-transfer fallback.
func (c Config) TreasuryAddress() (common.Address, bool) {
	addr := strings.TrimSpace(c.ContractAddress)
	if addr == "" {
		return common.Address{}, false
	}
	return common.HexToAddress(addr), true
}

// BlockPollInterval returns the monitor polling cadence.
func (c Config) BlockPollInterval() time.Duration {
	return time.Duration(c.BlockPollSeconds) * time.Second
}
