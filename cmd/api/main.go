package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/promptlab/gatekeeper/internal/api"
	"github.com/promptlab/gatekeeper/internal/auth"
	"github.com/promptlab/gatekeeper/internal/config"
	"github.com/promptlab/gatekeeper/internal/database"
	"github.com/promptlab/gatekeeper/internal/directory"
	"github.com/promptlab/gatekeeper/internal/governance"
	"github.com/promptlab/gatekeeper/internal/governance/admission"
	"github.com/promptlab/gatekeeper/internal/governance/audit"
	"github.com/promptlab/gatekeeper/internal/governance/quota"
	"github.com/promptlab/gatekeeper/internal/governance/usage"
	mw "github.com/promptlab/gatekeeper/internal/middleware"
	inats "github.com/promptlab/gatekeeper/internal/nats"
	"github.com/promptlab/gatekeeper/internal/ratelimit"
	iredis "github.com/promptlab/gatekeeper/internal/redis"
	"github.com/promptlab/gatekeeper/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	st, err := openStores(ctx, cfg)
	if err != nil {
		slog.Error("opening store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer st.close()

	// Sliding windows
	edgeWindows := ratelimit.MinuteHour(cfg.RateLimit.EdgePerMinute, cfg.RateLimit.EdgePerHour)
	userWindows := ratelimit.MinuteHourDay(cfg.RateLimit.UserPerMinute, cfg.RateLimit.UserPerHour, cfg.RateLimit.UserPerDay)

	var edgeCounter, userCounter ratelimit.Counter
	var redisPinger database.Pinger
	switch cfg.RateLimit.Backend {
	case config.BackendRedis:
		redisClient, err := iredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Error("connecting to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()

		edgeCounter = ratelimit.NewRedisLimiter(redisClient, "ratelimit:edge:", edgeWindows)
		userCounter = ratelimit.NewRedisLimiter(redisClient, "ratelimit:user:", userWindows)
		redisPinger = database.PingFunc(iredis.Ping(redisClient))
	default:
		edgeMem := ratelimit.NewMemoryLimiter(edgeWindows)
		userMem := ratelimit.NewMemoryLimiter(userWindows)

		sweeper := ratelimit.NewSweeper(cfg.RateLimit.SweepSchedule)
		sweeper.Add("edge", edgeMem)
		sweeper.Add("user", userMem)
		if err := sweeper.Start(ctx); err != nil {
			slog.Error("starting rate limit sweeper", "error", err)
			os.Exit(1)
		}
		defer sweeper.Stop()

		edgeCounter, userCounter = edgeMem, userMem
		slog.Warn("in-memory rate limiting is per instance; use RATELIMIT_BACKEND=redis when running replicas")
	}

	// Events: NATS when configured, otherwise straight to the store
	var natsClient *inats.Client
	var events admission.Events = audit.NewDirectSink(st.violations)
	if cfg.NATS.Enabled() {
		natsClient, err = inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to nats", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		events = audit.NewNATSSink(inats.NewPublisher(natsClient.JetStream()))

		consumer := audit.NewConsumer(st.violations, inats.NewConsumerManager(natsClient.JetStream()))
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("violation consumer stopped", "error", err)
			}
		}()
	}

	// Governance
	resolver, err := quota.NewResolver(st.quotas, cfg.Quota.CacheTTL)
	if err != nil {
		slog.Error("creating quota resolver", "error", err)
		os.Exit(1)
	}
	defer resolver.Close()

	var quotaOpts []quota.ServiceOption
	if natsClient != nil {
		cacheSync := quota.NewCacheSync(natsClient, resolver)
		if err := cacheSync.Start(); err != nil {
			slog.Error("subscribing to quota changes", "error", err)
			os.Exit(1)
		}
		defer cacheSync.Stop()
		quotaOpts = append(quotaOpts, quota.WithBroadcaster(cacheSync))
	} else if cfg.Quota.CacheTTL > 0 && cfg.Store.Driver == config.DriverPostgres {
		slog.Warn("quota cache is not shared without NATS; replicas may apply stale limits until QUOTA_CACHE_TTL expires",
			"ttl", cfg.Quota.CacheTTL)
	}

	ledger := usage.NewLedger(st.usage)
	quotaSvc := quota.NewService(st.quotas, st.dir, resolver, quotaOpts...)
	ctrl := admission.NewController(userCounter, resolver, ledger, events)
	govHandler := governance.NewHandler(ctrl, ledger, quotaSvc, st.dir, st.violations)

	jwtManager := auth.NewJWTManager(cfg.JWT.AccessSecret)

	trusted, err := mw.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		slog.Error("parsing trusted proxies", "error", err)
		os.Exit(1)
	}
	if trusted == nil {
		slog.Warn("TRUSTED_PROXIES is empty; client addresses are taken from X-Forwarded-For as sent")
	}

	routerCfg := api.RouterConfig{
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		TrustedProxies:     trusted,
		Store:              st.pinger,
		Redis:              redisPinger,
	}
	if cfg.RateLimit.EdgeEnabled {
		edge, err := mw.NewEdgeLimiter(edgeCounter, events)
		if err != nil {
			slog.Error("creating edge limiter", "error", err)
			os.Exit(1)
		}
		defer edge.Close()
		routerCfg.EdgeLimiter = edge.Middleware
	}

	// Router
	router := api.NewRouter(natsClient, routerCfg, api.HandlerSet{
		Check:         govHandler.Check,
		Record:        govHandler.Record,
		RecordRequest: govHandler.RecordRequest,

		UsageStats:   govHandler.UsageStats,
		QuotaStatus:  govHandler.QuotaStatus,
		UsageHistory: govHandler.UsageHistory,

		ListQuotas:      govHandler.ListQuotas,
		SetUserQuota:    govHandler.SetUserQuota,
		SetTeamQuota:    govHandler.SetTeamQuota,
		DeleteQuota:     govHandler.DeleteQuota,
		UserQuotaStatus: govHandler.UserQuotaStatus,
		UsageSummary:    govHandler.UsageSummary,
		ListViolations:  govHandler.ListViolations,

		AuthMiddleware:  auth.Middleware(jwtManager),
		AdminMiddleware: auth.RequireAdmin,
	})

	// Start server
	srv := server.New(cfg.Server, router)
	srv.OnShutdown(cancel)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

type stores struct {
	usage      usage.Repository
	quotas     quota.Repository
	dir        directory.Repository
	violations audit.Repository
	pinger     database.Pinger
	close      func()
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		db, err := database.NewSQLite(ctx, cfg.SQLite)
		if err != nil {
			return nil, err
		}
		if cfg.Store.AutoMigrate {
			if err := database.RunSQLiteMigrations(db); err != nil {
				db.Close()
				return nil, err
			}
		}
		return &stores{
			usage:      usage.NewSQLiteRepository(db),
			quotas:     quota.NewSQLiteRepository(db),
			dir:        directory.NewSQLiteRepository(db),
			violations: audit.NewSQLiteRepository(db),
			pinger:     database.SQLPinger{DB: db},
			close:      func() { db.Close() },
		}, nil

	case config.DriverPostgres:
		if cfg.Store.AutoMigrate {
			if err := database.RunMigrations(cfg.DB.DSN()); err != nil {
				return nil, err
			}
		}
		pool, err := database.NewPostgresPool(ctx, cfg.DB)
		if err != nil {
			return nil, err
		}
		return &stores{
			usage:      usage.NewPostgresRepository(pool),
			quotas:     quota.NewPostgresRepository(pool),
			dir:        directory.NewPostgresRepository(pool),
			violations: audit.NewPostgresRepository(pool),
			pinger:     pool,
			close:      pool.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
