package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"

	"broadcast-scaler/internal/api"
	"broadcast-scaler/internal/notify"
	"broadcast-scaler/internal/platform/config"
	"broadcast-scaler/internal/platform/logger"
	"broadcast-scaler/internal/platform/metrics"
	"broadcast-scaler/internal/platform/scheduler"
	"broadcast-scaler/internal/platform/supervisor"
	"broadcast-scaler/internal/presence"
	"broadcast-scaler/internal/provider"
	"broadcast-scaler/internal/scaling"
	"broadcast-scaler/internal/snapshot"
	"broadcast-scaler/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	log := logger.New(config.GetEnv("LOG_LEVEL", "info"), config.GetEnv("LOG_FORMAT", "json"))
	if err := run(log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := quartz.NewReal()
	met := metrics.New()
	collabTimeout := config.GetEnvDuration("COLLABORATOR_TIMEOUT", scaling.DefaultCollaboratorTimeout)

	st, closeStore := openStore(log, clock)
	defer closeStore()
	if err := st.Ping(ctx); err != nil {
		log.Warn("store not reachable at startup", slog.String("error", err.Error()))
	}

	set := presence.NewPresenceSet(st, logger.Component(log, "presence"))
	registry := presence.NewRegistry(set, st, clock,
		config.GetEnvDuration("HEARTBEAT_TIMEOUT", presence.DefaultHeartbeatTimeout),
		logger.Component(log, "presence"))
	reconciler := presence.NewReconciler(registry, clock, met, logger.Component(log, "reconciler"))

	primary := presence.UnitID(config.GetEnv("PRIMARY_UNIT_ID", "primary"))
	broadcaster := scaling.NewBroadcasterRegistry(st, clock, logger.Component(log, "broadcaster"))
	breakerLog := logger.Component(log, "breaker")
	prov := provider.NewBreakerProvisioner(provider.NewLocalProvisioner("unit", primary),
		provider.DefaultBreakerConfig(), met, breakerLog)
	repl := provider.NewBreakerReplicator(provider.NewLocalReplicator(broadcaster),
		provider.DefaultBreakerConfig(), met, breakerLog)

	lifecycle := scaling.NewLifecycle(prov, st, clock, scaling.LifecycleConfig{
		PrimaryUnit: primary,
		Environment: config.GetEnv("ENVIRONMENT", "development"),
		Timeout:     collabTimeout,
	}, logger.Component(log, "lifecycle"))
	coordinator := scaling.NewCoordinator(repl, st, clock, collabTimeout, met, logger.Component(log, "replication"))

	tree := supervisor.NewTree("broadcast-scaler", log, supervisor.DefaultTreeConfig())

	observers := scaling.Observers{notify.NewLogObserver(logger.Component(log, "events"))}
	natsURL := config.GetEnv("NATS_URL", "")
	if config.GetEnvBool("NATS_EMBEDDED", false) {
		broker := notify.NewEmbeddedServer(config.GetEnv("NATS_EMBEDDED_HOST", "127.0.0.1"), config.GetEnvInt("NATS_EMBEDDED_PORT", 4222))
		tree.AddMessagingService(supervisor.NewLifecycleService("nats-embedded", broker))
		if natsURL == "" {
			natsURL = broker.ClientURL()
		}
	}
	if natsURL != "" {
		obs, err := notify.NewNATSObserver(natsURL, config.GetEnv("NATS_SUBJECT_PREFIX", notify.DefaultSubjectPrefix), clock, logger.Component(log, "nats"))
		if err != nil {
			return err
		}
		defer obs.Close()
		observers = append(observers, obs)
	}

	ctrlCfg := scaling.Config{
		PerUnitScaleUpThreshold: int64(config.GetEnvInt("PER_UNIT_SCALE_UP_THRESHOLD", scaling.DefaultPerUnitScaleUpThreshold)),
		ScaleUpUtilization:      config.GetEnvFloat("SCALE_UP_UTILIZATION", scaling.DefaultScaleUpUtilization),
		ScaleDownThreshold:      int64(config.GetEnvInt("SCALE_DOWN_THRESHOLD", scaling.DefaultScaleDownThreshold)),
		MaxUnits:                config.GetEnvInt("MAX_UNITS", scaling.DefaultMaxUnits),
		MaxPlausibleViewers:     int64(config.GetEnvInt("MAX_PLAUSIBLE_VIEWERS", scaling.DefaultMaxPlausibleViewers)),
		WarmupPeriod:            config.GetEnvDuration("WARMUP_PERIOD", scaling.DefaultWarmupPeriod),
		RestoreHintWindow:       config.GetEnvDuration("RESTORE_HINT_WINDOW", scaling.DefaultRestoreHintWindow),
	}
	controller := scaling.NewController(ctrlCfg, scaling.Dependencies{
		Lifecycle:   lifecycle,
		Replication: coordinator,
		Broadcaster: broadcaster,
		Registry:    registry,
		Observer:    observers,
		Metrics:     met,
		Clock:       clock,
		Log:         logger.Component(log, "controller"),
	})

	snaps, err := snapshot.Open(snapshot.Options{Dir: config.GetEnv("SNAPSHOT_DIR", "")})
	if err != nil {
		return err
	}
	defer snaps.Close()
	snapshotter := scaling.NewSnapshotter(set, snaps, clock,
		config.GetEnvDuration("SNAPSHOT_RETENTION", snapshot.DefaultRetention),
		logger.Component(log, "snapshot"))
	if _, err := snapshotter.Restore(ctx, controller); err != nil {
		log.Warn("snapshot restore failed", slog.String("error", err.Error()))
	}

	taskLog := logger.Component(log, "scheduler")
	tree.AddControlService(scheduler.New("reconciler",
		config.GetEnvDuration("CLEANUP_INTERVAL", presence.DefaultCleanupInterval), reconciler.Run,
		scheduler.WithClock(clock), scheduler.WithLogger(taskLog), scheduler.WithSkipRecorder(met)))
	tree.AddControlService(scheduler.New("controller",
		config.GetEnvDuration("HEALTH_CHECK_INTERVAL", scaling.DefaultHealthCheckInterval), controller.Run,
		scheduler.WithClock(clock), scheduler.WithLogger(taskLog), scheduler.WithSkipRecorder(met),
		scheduler.WithRunOnStart()))
	tree.AddControlService(scheduler.New("snapshotter",
		config.GetEnvDuration("SNAPSHOT_INTERVAL", scaling.DefaultSnapshotInterval), snapshotter.Run,
		scheduler.WithClock(clock), scheduler.WithLogger(taskLog), scheduler.WithSkipRecorder(met)))

	h := api.NewHandler(registry, controller, broadcaster, st, logger.Component(log, "api"))
	router := api.NewRouter(h, api.RouterConfig{
		RateLimitPerMinute: config.GetEnvInt("RATE_LIMIT_PER_MINUTE", 100),
		Metrics:            met,
		Log:                log,
		UpdateGauges: func() {
			units, err := controller.Units(context.Background())
			if err != nil {
				return
			}
			counts := make(map[string]int64, len(units))
			for _, u := range units {
				counts[string(u.ID)] = u.Viewers
			}
			met.SetViewers(counts)
		},
	})

	port := config.GetEnv("PORT", "8080")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(srv, shutdownTimeout))

	log.Info("server starting",
		slog.String("port", port),
		slog.String("primary_unit", string(primary)),
		slog.Int64("per_unit_threshold", controller.Config().PerUnitScaleUpThreshold),
		slog.Int("max_units", controller.Config().MaxUnits),
		slog.Bool("nats", natsURL != ""))

	err = tree.Serve(ctx)
	log.Info("shutdown signal received, services drained")
	return err
}

func openStore(log *slog.Logger, clock quartz.Clock) (store.Store, func()) {
	switch backend := config.GetEnv("STORE_BACKEND", "memory"); backend {
	case "redis":
		rs := store.NewRedisStore(store.RedisOptions{
			Addr:     config.GetEnv("REDIS_ADDR", "localhost:6379"),
			Password: config.GetEnv("REDIS_PASSWORD", ""),
			DB:       config.GetEnvInt("REDIS_DB", 0),
			Prefix:   config.GetEnv("REDIS_KEY_PREFIX", "bs:"),
		})
		log.Info("using redis store", slog.String("addr", config.GetEnv("REDIS_ADDR", "localhost:6379")))
		return rs, func() { _ = rs.Close() }
	default:
		if backend != "memory" {
			log.Warn("unknown STORE_BACKEND, using memory", slog.String("backend", backend))
		}
		return store.NewMemoryStore(clock), func() {}
	}
}
