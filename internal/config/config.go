// Package config defines the configuration of a settlement-engine process
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/settlement-engine/internal/model"
)

// Config is the root configuration. Fields are populated from an optional
// TOML file and then overridden by SETTLE_* environment variables.
type Config struct {
	Role      string          `toml:"role"`
	Env       string          `toml:"env"`
	LogLevel  string          `toml:"log_level"`
	Server    ServerConfig    `toml:"server"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	Kafka     KafkaConfig     `toml:"kafka"`
	Bridge    BridgeConfig    `toml:"bridge"`
	Oracle    OracleConfig    `toml:"oracle"`
	Chain     ChainConfig     `toml:"chain"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	S3        S3Config        `toml:"s3"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// PostgresConfig selects the durable store. An empty DSN uses the in-memory
// store.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the market cache and distributed market locks.
type RedisConfig struct {
	Addr      string   `toml:"addr"`
	Password  string   `toml:"password"`
	DB        int      `toml:"db"`
	KeyPrefix string   `toml:"key_prefix"`
	CacheTTL  duration `toml:"cache_ttl"`
	LockTTL   duration `toml:"lock_ttl"`
	LockRetry duration `toml:"lock_retry"`
}

// KafkaConfig selects the Kafka transport. When disabled the process uses
// the in-memory network.
type KafkaConfig struct {
	Enabled     bool     `toml:"enabled"`
	Brokers     []string `toml:"brokers"`
	TopicPrefix string   `toml:"topic_prefix"`
	GroupID     string   `toml:"group_id"`
}

// BridgeConfig describes the two endpoints and message pricing.
type BridgeConfig struct {
	LocalEID       int          `toml:"local_eid"`
	RemoteEID      int          `toml:"remote_eid"`
	BufferPct      int          `toml:"buffer_pct"`
	GasLimit       int64        `toml:"gas_limit"`
	NativeDrop     model.Amount `toml:"native_drop"`
	TariffBase     model.Amount `toml:"tariff_base"`
	TariffPerByte  model.Amount `toml:"tariff_per_byte"`
	TariffGasPrice model.Amount `toml:"tariff_gas_price"`
}

// OracleConfig selects the optimistic oracle and the escrowed stakes.
type OracleConfig struct {
	// Mode is "simulated" or "eth".
	Mode          string       `toml:"mode"`
	Requester     string       `toml:"requester"`
	Address       string       `toml:"address"`
	Currency      string       `toml:"currency"`
	DefaultReward model.Amount `toml:"default_reward"`
	DefaultBond   model.Amount `toml:"default_bond"`
	Liveness      duration     `toml:"liveness"`
}

// ChainConfig is the JSON-RPC endpoint and signer used by the eth oracle.
type ChainConfig struct {
	RPCURL        string   `toml:"rpc_url"`
	PrivateKey    string   `toml:"private_key"`
	GasMultiplier float64  `toml:"gas_multiplier"`
	ReceiptPoll   duration `toml:"receipt_poll"`
}

// LifecycleConfig tunes the background worker.
type LifecycleConfig struct {
	Interval duration `toml:"interval"`
}

// S3Config enables periodic ledger snapshots to an S3-compatible bucket.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	Prefix         string   `toml:"prefix"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	ForcePathStyle bool     `toml:"force_path_style"`
	Interval       duration `toml:"interval"`
}

// duration wraps time.Duration so TOML strings like "5m" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config that runs a local origin ledger with in-memory
// storage, the simulated oracle and the in-memory transport.
func Defaults() Config {
	return Config{
		Role:     string(model.RoleOrigin),
		Env:      "local",
		LogLevel: "info",
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		Postgres: PostgresConfig{
			PoolMaxConns:  10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			KeyPrefix: "settle:",
			CacheTTL:  duration{30 * time.Second},
			LockTTL:   duration{10 * time.Second},
			LockRetry: duration{25 * time.Millisecond},
		},
		Kafka: KafkaConfig{
			TopicPrefix: "settle.outcomes.",
			GroupID:     "settlement-engine",
		},
		Bridge: BridgeConfig{
			LocalEID:       40161,
			RemoteEID:      40231,
			BufferPct:      20,
			GasLimit:       500_000,
			TariffBase:     model.NewAmount(10_000_000_000_000),
			TariffPerByte:  model.NewAmount(1_000_000_000),
			TariffGasPrice: model.NewAmount(1_000_000_000),
		},
		Oracle: OracleConfig{
			Mode:          "simulated",
			Requester:     "0x0000000000000000000000000000000000000001",
			DefaultReward: model.NewAmount(0),
			DefaultBond:   model.NewAmount(0),
			Liveness:      duration{2 * time.Hour},
		},
		Chain: ChainConfig{
			GasMultiplier: 1.2,
			ReceiptPoll:   duration{2 * time.Second},
		},
		Lifecycle: LifecycleConfig{
			Interval: duration{15 * time.Second},
		},
		S3: S3Config{
			Region:   "us-east-1",
			Prefix:   "snapshots/",
			Interval: duration{time.Hour},
		},
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	role, err := model.ParseRole(c.Role)
	if err != nil {
		errs = append(errs, err.Error())
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if c.Postgres.DSN != "" && c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}

	if c.Redis.Addr != "" {
		if c.Redis.CacheTTL.Duration <= 0 {
			errs = append(errs, "redis: cache_ttl must be positive")
		}
		if c.Redis.LockTTL.Duration <= 0 {
			errs = append(errs, "redis: lock_ttl must be positive")
		}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: brokers must not be empty when enabled")
		}
		if c.Kafka.GroupID == "" {
			errs = append(errs, "kafka: group_id must not be empty")
		}
	}

	if c.Bridge.LocalEID <= 0 || c.Bridge.RemoteEID <= 0 {
		errs = append(errs, "bridge: local_eid and remote_eid must be positive")
	}
	if c.Bridge.LocalEID == c.Bridge.RemoteEID {
		errs = append(errs, "bridge: local_eid and remote_eid must differ")
	}
	if c.Bridge.BufferPct < 0 {
		errs = append(errs, "bridge: buffer_pct must be >= 0")
	}
	if c.Bridge.GasLimit < 0 {
		errs = append(errs, "bridge: gas_limit must be >= 0")
	}

	if role == model.RoleOrigin {
		switch c.Oracle.Mode {
		case "simulated":
		case "eth":
			if !common.IsHexAddress(c.Oracle.Address) {
				errs = append(errs, "oracle: address must be a 20-byte hex address")
			}
			if !common.IsHexAddress(c.Oracle.Currency) {
				errs = append(errs, "oracle: currency must be a 20-byte hex address")
			}
			if c.Chain.RPCURL == "" {
				errs = append(errs, "chain: rpc_url is required for oracle mode eth")
			}
			if c.Chain.PrivateKey == "" {
				errs = append(errs, "chain: private_key is required for oracle mode eth")
			}
		default:
			errs = append(errs, fmt.Sprintf("oracle: unknown mode %q (valid: simulated, eth)", c.Oracle.Mode))
		}
		if c.Oracle.Mode == "simulated" && !common.IsHexAddress(c.Oracle.Requester) {
			errs = append(errs, "oracle: requester must be a 20-byte hex address")
		}
		if c.Oracle.Liveness.Duration < 0 {
			errs = append(errs, "oracle: liveness must be >= 0")
		}
	}

	if c.Lifecycle.Interval.Duration <= 0 {
		errs = append(errs, "lifecycle: interval must be positive")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Interval.Duration <= 0 {
			errs = append(errs, "s3: interval must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ParsedRole returns the validated role. Call after Validate.
func (c *Config) ParsedRole() model.Role {
	r, _ := model.ParseRole(c.Role)
	return r
}
