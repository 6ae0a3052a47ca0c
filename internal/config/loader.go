package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/atmx/settlement-engine/internal/model"
)

// Load merges the TOML file at path (skipped when path is empty or the file
// does not exist) over Defaults, loads .env if present, and applies SETTLE_*
// environment overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Role, "SETTLE_ROLE")
	setStr(&cfg.Env, "SETTLE_ENV")
	setStr(&cfg.LogLevel, "SETTLE_LOG_LEVEL")

	setInt(&cfg.Server.Port, "SETTLE_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SETTLE_SERVER_CORS_ORIGINS")

	setStr(&cfg.Postgres.DSN, "SETTLE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt(&cfg.Postgres.PoolMaxConns, "SETTLE_POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SETTLE_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "SETTLE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SETTLE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SETTLE_REDIS_DB")
	setStr(&cfg.Redis.KeyPrefix, "SETTLE_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.CacheTTL, "SETTLE_REDIS_CACHE_TTL")
	setDuration(&cfg.Redis.LockTTL, "SETTLE_REDIS_LOCK_TTL")

	setBool(&cfg.Kafka.Enabled, "SETTLE_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "SETTLE_KAFKA_BROKERS")
	setStr(&cfg.Kafka.TopicPrefix, "SETTLE_KAFKA_TOPIC_PREFIX")
	setStr(&cfg.Kafka.GroupID, "SETTLE_KAFKA_GROUP_ID")

	setInt(&cfg.Bridge.LocalEID, "SETTLE_BRIDGE_LOCAL_EID")
	setInt(&cfg.Bridge.RemoteEID, "SETTLE_BRIDGE_REMOTE_EID")
	setInt(&cfg.Bridge.BufferPct, "SETTLE_BRIDGE_BUFFER_PCT")
	setInt64(&cfg.Bridge.GasLimit, "SETTLE_BRIDGE_GAS_LIMIT")
	setAmount(&cfg.Bridge.NativeDrop, "SETTLE_BRIDGE_NATIVE_DROP")

	setStr(&cfg.Oracle.Mode, "SETTLE_ORACLE_MODE")
	setStr(&cfg.Oracle.Requester, "SETTLE_ORACLE_REQUESTER")
	setStr(&cfg.Oracle.Address, "SETTLE_ORACLE_ADDRESS")
	setStr(&cfg.Oracle.Currency, "SETTLE_ORACLE_CURRENCY")
	setAmount(&cfg.Oracle.DefaultReward, "SETTLE_ORACLE_DEFAULT_REWARD")
	setAmount(&cfg.Oracle.DefaultBond, "SETTLE_ORACLE_DEFAULT_BOND")
	setDuration(&cfg.Oracle.Liveness, "SETTLE_ORACLE_LIVENESS")

	setStr(&cfg.Chain.RPCURL, "SETTLE_CHAIN_RPC_URL")
	setStr(&cfg.Chain.PrivateKey, "SETTLE_CHAIN_PRIVATE_KEY")

	setDuration(&cfg.Lifecycle.Interval, "SETTLE_LIFECYCLE_INTERVAL")

	setBool(&cfg.S3.Enabled, "SETTLE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SETTLE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SETTLE_S3_REGION")
	setStr(&cfg.S3.Bucket, "SETTLE_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "SETTLE_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "SETTLE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SETTLE_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "SETTLE_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.Interval, "SETTLE_S3_INTERVAL")
}

// Typed env helpers. Each mutates the target only when the variable is set
// and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setAmount(dst *model.Amount, key string) {
	if v := os.Getenv(key); v != "" {
		if a, err := model.ParseAmount(v); err == nil {
			*dst = a
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
