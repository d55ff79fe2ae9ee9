package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hellerschmid/spacebot/internal/bot"
	"github.com/hellerschmid/spacebot/internal/breaker"
	"github.com/hellerschmid/spacebot/internal/commands"
	"github.com/hellerschmid/spacebot/internal/config"
	"github.com/hellerschmid/spacebot/internal/db"
	"github.com/hellerschmid/spacebot/internal/invite"
	"github.com/hellerschmid/spacebot/internal/matrix"
	"github.com/hellerschmid/spacebot/internal/metrics"
	"github.com/hellerschmid/spacebot/internal/outbox"
	"github.com/hellerschmid/spacebot/internal/prune"
	"github.com/hellerschmid/spacebot/internal/repo"
	"github.com/hellerschmid/spacebot/internal/seen"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var cfgPaths string
	flag.StringVar(&cfgPaths, "c", "", "config file path (supports: a.yml,b.yml); empty reads the environment only")
	flag.Parse()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Fatal("load config failed", zap.Error(err))
	}

	log, _ := zap.NewProduction()
	if cfg.Env == "dev" {
		log, _ = zap.NewDevelopment()
	}
	defer log.Sync()
	log.Info("spacebot starting", zap.String("version", Version), zap.String("user", cfg.Matrix.User), zap.String("homeserver", cfg.Matrix.Homeserver))

	metrics.Register()
	go serveMetrics(cfg.Metrics.Addr, log)

	conn, err := db.Open(db.Options{
		Driver:       cfg.DB.Driver,
		DSN:          cfg.DB.DSN,
		MaxOpenConns: cfg.DB.MaxOpenConns,
		MaxIdleConns: cfg.DB.MaxIdleConns,
		ConnMaxLife:  cfg.DB.ConnMaxLife,
		ConnMaxIdle:  cfg.DB.ConnMaxIdle,
	})
	if err != nil {
		log.Fatal("db open failed", zap.Error(err))
	}
	defer conn.Close()

	store, err := repo.NewStore(conn.DB, conn.Driver)
	if err != nil {
		log.Fatal("store init failed", zap.Error(err))
	}
	if err := store.Migrate(context.Background()); err != nil {
		log.Fatal("migrate failed", zap.Error(err))
	}

	// Seen events live in SQL by default; redis lets them expire natively.
	var seenStore invite.SeenStore = store
	var pruner *prune.Job
	if cfg.Seen.Backend == "redis" {
		rs, err := seen.NewRedisStore(seen.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			Database: cfg.Redis.Database,
			TTL:      cfg.Seen.TTL,
		})
		if err != nil {
			log.Fatal("redis init failed", zap.Error(err))
		}
		defer rs.Close()
		seenStore = rs
	} else {
		pruner, err = prune.New(store, cfg.Seen.PruneSchedule, cfg.Seen.TTL, log)
		if err != nil {
			log.Fatal("prune schedule invalid", zap.String("schedule", cfg.Seen.PruneSchedule), zap.Error(err))
		}
		pruner.Start()
	}

	cli, err := matrix.New(matrix.Options{
		Homeserver:        cfg.Matrix.Homeserver,
		UserID:            cfg.Matrix.User,
		RequestTimeout:    cfg.Matrix.RequestTimeout,
		RequestsPerSecond: cfg.Matrix.RequestsPerSecond,
		Burst:             cfg.Matrix.Burst,
	}, log)
	if err != nil {
		log.Fatal("matrix client init failed", zap.Error(err))
	}

	if cfg.AcceptanceTimeout() == 0 {
		log.Warn("invite acceptance timeout disabled; one unanswered invite stalls the queue until it is accepted")
	}

	startedAt := time.Now()
	eng := invite.NewEngine(cli, store, seenStore, log, invite.EngineOptions{
		BotUserID:         cfg.Matrix.User,
		CommandPrefix:     cfg.Commands.Prefix,
		AcceptanceTimeout: cfg.AcceptanceTimeout(),
		StartedAt:         startedAt,
		Breaker: breaker.New(breaker.Options{
			Threshold: cfg.MembershipBreaker.Threshold,
			Window:    cfg.MembershipBreaker.Window,
			OpenFor:   cfg.MembershipBreaker.OpenFor,
		}),
	})

	b := bot.New(cli, store, eng, log, bot.Options{
		BotUserID:       cfg.Matrix.User,
		Password:        cfg.Matrix.Password,
		MaxLoginRetries: cfg.Login.MaxRetries,
		SyncTimeout:     cfg.Matrix.SyncTimeout,
		ReconcileEvery:  cfg.Invite.ReconcileIntervalCycles,
	})
	cmds := commands.New(cli, store, eng, log, commands.Options{
		Prefix:        cfg.Commands.Prefix,
		MinPowerLevel: cfg.Commands.MinPowerLevel,
		ServerName:    cfg.ServerName(),
		StartedAt:     startedAt,
		SyncCycles:    b.SyncCycles,
	})
	b.SetCommandHandler(cmds.Handle)

	if cfg.AuditForward.Enabled {
		prod, err := outbox.NewRocketMQ(outbox.RocketMQOptions{
			NameServer: cfg.RocketMQ.NameServer,
			Group:      cfg.RocketMQ.ProducerGroup,
			Topic:      cfg.RocketMQ.Topic,
			Tag:        cfg.RocketMQ.Tag,
		})
		if err != nil {
			log.Fatal("rocketmq producer init failed", zap.Error(err))
		}
		defer prod.Close()

		w := outbox.NewWorker(store, prod, log, outbox.Options{
			Tick:  cfg.AuditForward.Tick,
			Batch: cfg.AuditForward.Batch,
			Bot:   cfg.Matrix.User,
		})
		w.Start()
		defer w.Stop()
		log.Info("audit forwarding enabled", zap.String("topic", cfg.RocketMQ.Topic))
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Run(ctx); err != nil {
		log.Error("spacebot stopped with error", zap.Error(err))
		if pruner != nil {
			pruner.Stop(context.Background())
		}
		os.Exit(1)
	}

	if pruner != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pruner.Stop(sctx)
		cancel()
	}
	log.Info("spacebot stopped")
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server error", zap.Error(err))
	}
}
