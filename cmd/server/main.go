package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/archive"
	"github.com/atmx/settlement-engine/internal/chain"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/lifecycle"
	"github.com/atmx/settlement-engine/internal/logger"
	"github.com/atmx/settlement-engine/internal/messenger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/oracle"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/transport/kafka"
	"github.com/atmx/settlement-engine/internal/transport/memory"
)

func main() {
	path := os.Getenv("SETTLE_CONFIG")
	if path == "" {
		path = "settle.toml"
	}
	flag.StringVar(&path, "config", path, "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New("settlement-engine", cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("settlement-engine exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("settlement-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	role := cfg.ParsedRole()
	log = log.With(zap.String("role", string(role)))

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Store ---
	st, locker, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeStore)

	// --- Ledger ---
	hub := api.NewWSHub(role, log)
	opts := []ledger.Option{ledger.WithLogger(log), ledger.WithNotifier(hub.Publish)}
	if locker != nil {
		opts = append(opts, ledger.WithLocker(locker))
	}
	lg := ledger.New(role, st, opts...)

	// --- Oracle (origin only) ---
	var adapter *oracle.Adapter
	if role == model.RoleOrigin {
		o, requester, closeOracle, err := openOracle(ctx, cfg, log)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, closeOracle)
		adapter = oracle.NewAdapter(lg, st, o, oracle.Config{
			Requester:     requester,
			DefaultReward: cfg.Oracle.DefaultReward,
			DefaultBond:   cfg.Oracle.DefaultBond,
		}, log)
	}

	g, gctx := errgroup.WithContext(ctx)

	// --- Messaging ---
	local := uint32(cfg.Bridge.LocalEID)
	tariff := messenger.Tariff{
		Base:     cfg.Bridge.TariffBase,
		PerByte:  cfg.Bridge.TariffPerByte,
		GasPrice: cfg.Bridge.TariffGasPrice,
	}
	delivery := messenger.DeliveryOptions{
		GasLimit:   uint64(cfg.Bridge.GasLimit),
		NativeDrop: cfg.Bridge.NativeDrop,
	}

	var msgr *messenger.Messenger
	if cfg.Kafka.Enabled {
		kcfg := kafka.Config{
			Brokers:     cfg.Kafka.Brokers,
			TopicPrefix: cfg.Kafka.TopicPrefix,
			Source:      local,
			Tariff:      tariff,
		}
		kt := kafka.NewTransport(kcfg, log)
		cleanup = append(cleanup, func() { kt.Close() })
		msgr = messenger.New(lg, st, kt, local, delivery, log)

		consumer := kafka.NewConsumer(kcfg, cfg.Kafka.GroupID, msgr.Handler(), log)
		consumer.OnConsumed = func() { metrics.TransportEvents.WithLabelValues("consumed").Inc() }
		consumer.OnError = func(phase string) { metrics.TransportEvents.WithLabelValues(phase).Inc() }
		cleanup = append(cleanup, func() { consumer.Close() })
		g.Go(func() error { return consumer.Run(gctx) })
		log.Info("kafka transport enabled",
			zap.Strings("brokers", kcfg.Brokers),
			zap.String("inbound_topic", kcfg.Topic(local)),
		)
	} else {
		// Without a broker, outbound messages queue in process until an
		// operator replays them through POST /api/v1/messages on the peer.
		net := memory.NewNetwork(tariff)
		msgr = messenger.New(lg, st, net.Endpoint(local), local, delivery, log)
		net.Register(local, msgr.Handler())
		g.Go(func() error { return flushLoop(gctx, net, cfg.Lifecycle.Interval.Duration, log) })
		log.Warn("kafka disabled, using in-memory transport (messages will not leave this process)")
	}

	// --- Lifecycle worker ---
	ctl := lifecycle.New(lg, adapter, msgr, lifecycle.Config{
		Destination: uint32(cfg.Bridge.RemoteEID),
		BufferPct:   uint64(cfg.Bridge.BufferPct),
	}, log)
	g.Go(func() error { return ctl.Run(gctx, cfg.Lifecycle.Interval.Duration) })
	g.Go(func() error { return hub.Run(gctx) })

	// --- Snapshots ---
	if cfg.S3.Enabled {
		up, err := archive.NewS3Uploader(ctx, archive.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("s3: %w", err)
		}
		if err := up.Health(ctx); err != nil {
			log.Warn("s3 bucket not reachable, snapshots will retry", zap.String("bucket", cfg.S3.Bucket), zap.Error(err))
		}
		snap := archive.NewSnapshotter(st, up, role, cfg.S3.Prefix, log)
		g.Go(func() error { return snap.Run(gctx, cfg.S3.Interval.Duration) })
	}

	// --- HTTP server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      api.NewServer(lg, adapter, msgr, ctl, hub, log).Routes(cfg.Server.CORSOrigins),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		log.Info("settlement-engine listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down settlement-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore connects PostgreSQL when a DSN is configured, otherwise the
// in-memory store. Redis, when configured, adds the market cache in front of
// PostgreSQL and replaces the in-process market locks.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, store.Locker, func(), error) {
	var (
		st      store.Store
		locker  store.Locker
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if dsn := cfg.Postgres.DSN; dsn != "" {
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres: parse dsn: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Postgres.PoolMaxConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres: connect: %w", err)
		}
		closers = append(closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("postgres: ping: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				closeAll()
				return nil, nil, nil, err
			}
		}
		st = pg
		log.Info("connected to PostgreSQL")
	} else {
		st = store.NewMemoryStore()
		log.Warn("postgres dsn not set, using in-memory store (data will not persist)")
	}

	if addr := cfg.Redis.Addr; addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("redis: ping %s: %w", addr, err)
		}
		if cfg.Postgres.DSN != "" {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration, cfg.Redis.KeyPrefix)
		}
		locker = store.NewRedisLocker(rdb, cfg.Redis.KeyPrefix, cfg.Redis.LockTTL.Duration, cfg.Redis.LockRetry.Duration)
		log.Info("Redis cache and market locks enabled", zap.String("addr", addr))
	}

	return st, locker, closeAll, nil
}

// openOracle returns the configured oracle and the requester address the
// adapter must key requests with.
func openOracle(ctx context.Context, cfg *config.Config, log *zap.Logger) (oracle.Oracle, common.Address, func(), error) {
	switch cfg.Oracle.Mode {
	case "eth":
		client, err := chain.Dial(ctx, chain.Config{
			RPCURL:        cfg.Chain.RPCURL,
			PrivateKey:    cfg.Chain.PrivateKey,
			GasMultiplier: cfg.Chain.GasMultiplier,
			ReceiptPoll:   cfg.Chain.ReceiptPoll.Duration,
		}, log)
		if err != nil {
			return nil, common.Address{}, nil, err
		}
		eo, err := oracle.NewEthOracle(client, oracle.EthConfig{
			Oracle:   common.HexToAddress(cfg.Oracle.Address),
			Currency: common.HexToAddress(cfg.Oracle.Currency),
			Liveness: uint64(cfg.Oracle.Liveness.Duration / time.Second),
		}, log)
		if err != nil {
			client.Close()
			return nil, common.Address{}, nil, err
		}
		log.Info("using on-chain optimistic oracle",
			zap.String("oracle", cfg.Oracle.Address),
			zap.Stringer("requester", client.Address()),
		)
		return eo, client.Address(), client.Close, nil
	default:
		log.Warn("using simulated oracle; answers are posted under /api/v1/oracle")
		return oracle.NewSimulated(cfg.Oracle.Liveness.Duration, nil), common.HexToAddress(cfg.Oracle.Requester), func() {}, nil
	}
}

// flushLoop delivers queued in-memory messages to registered handlers.
func flushLoop(ctx context.Context, net *memory.Network, interval time.Duration, log *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := net.Flush(ctx); err != nil {
				log.Warn("in-memory flush incomplete", zap.Int("delivered", n), zap.Int("pending", net.Pending()), zap.Error(err))
			}
		}
	}
}
