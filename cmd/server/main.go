package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"msgvault/internal/delivery"
	"msgvault/internal/keyring"
	"msgvault/internal/message"
	"msgvault/internal/platform/config"
	"msgvault/internal/platform/httpserver"
	"msgvault/internal/platform/logger"
	"msgvault/internal/platform/metrics"
	"msgvault/internal/platform/postgres"
	"msgvault/internal/platform/redis"
	"msgvault/internal/ratelimit"
	"msgvault/internal/session"
	httptransport "msgvault/internal/transport/http"
	"msgvault/internal/transport/ws"
	"msgvault/pkg/platform/audit"
	"msgvault/pkg/platform/audit/kafka"
	"msgvault/pkg/platform/audit/outbox"
	auditsignal "msgvault/pkg/platform/audit/signal"
	auditmem "msgvault/pkg/platform/audit/store/memory"
	auditpg "msgvault/pkg/platform/audit/store/postgres"
	"msgvault/pkg/platform/tx"
)

// hubSink bridges committed messages onto the delivery hub. The hub replays
// through the message service, so the two are wired after construction.
type hubSink struct{ hub *delivery.Hub }

func (s *hubSink) Publish(ev delivery.Event) { s.hub.Publish(ev) }

// dbPinger adapts *sql.DB to the readiness probe.
type dbPinger struct{ db *sql.DB }

func (p dbPinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// redisPinger adapts the Redis client to the readiness probe.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Health(ctx) }

// main wires dependencies and owns the process lifecycle. Business logic
// lives in the internal services packages.
func main() {
	log := logger.New()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Durable store. Without a DSN everything falls back to in-memory
	// stores: single-process dev mode, no durability.
	var db *sql.DB
	if cfg.Postgres.DSN != "" {
		db, err = postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			log.Error("failed to open postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			log.Error("failed to migrate schema", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("postgres not configured, using in-memory stores")
	}

	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	if redisClient == nil {
		log.Warn("redis not configured, using in-memory realtime stores")
	} else {
		defer redisClient.Close()
	}

	// Audit broker. With Kafka disabled the durable tier still writes the
	// outbox; the signal tier discards.
	var broker audit.Broker = audit.NopBroker{}
	if !cfg.Kafka.Disabled && len(cfg.Kafka.Brokers) > 0 {
		broker, err = kafka.New(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
		if err != nil {
			log.Error("failed to connect to kafka", "error", err)
			os.Exit(1)
		}
	}
	defer broker.Close()

	var auditStore audit.Store
	var outboxSource outbox.Source
	if db != nil {
		pgAudit := auditpg.New(db)
		auditStore = pgAudit
		outboxSource = pgAudit
	} else {
		auditStore = auditmem.New()
	}
	auditor := audit.NewPublisher(auditStore)
	signals := auditsignal.NewEmitter(0, broker, m, log)

	var keyStore keyring.Store
	var msgStore message.Store
	var runner tx.Runner
	if db != nil {
		keyStore = keyring.NewPostgresStore(db)
		msgStore = message.NewPostgresStore(db)
		runner = tx.SQLRunner{DB: db}
	} else {
		keyStore = keyring.NewMemoryStore()
		msgStore = message.NewMemoryStore()
	}

	keys, err := keyring.New(cfg.Vault.MasterKey, keyStore, cfg.Vault.KeyCacheSize, auditor, m, log)
	if err != nil {
		log.Error("failed to build keyring", "error", err)
		os.Exit(1)
	}

	sink := &hubSink{}
	messages := message.NewService(msgStore, keys, runner, auditor, sink, m, log, cfg.Limits.MaxPayloadBytes)
	hub := delivery.NewHub(messages, signals, m, log,
		delivery.WithQueueSize(cfg.Limits.SubscriberQueue),
		delivery.WithReplayBatchSize(cfg.Delivery.ReplayBatchSize),
	)
	sink.hub = hub

	var sessionStore session.Store
	var limitStore ratelimit.Store
	var cursors delivery.CursorStore
	if redisClient != nil {
		sessionStore = session.NewRedisStore(redisClient.Client)
		limitStore = ratelimit.NewRedisStore(redisClient.Client)
		cursors = delivery.NewRedisCursorStore(redisClient.Client)
	} else {
		sessionStore = session.NewMemoryStore()
		limitStore = ratelimit.NewMemoryStore()
		cursors = delivery.NewMemoryCursorStore()
	}

	tokens := session.NewTokenService(cfg.Session.SigningKey, cfg.Session.Issuer)
	sessions := session.NewService(sessionStore, tokens, auditor, log, cfg.Session.TTL)
	limiter := ratelimit.NewService(limitStore, cfg.Limits, signals, m, log)

	stream := ws.NewHandler(sessions, messages, limiter, hub, cursors, signals, m, log,
		cfg.Delivery, cfg.Session, cfg.Server.AllowedWSOrigins)

	readyChecks := map[string]httptransport.Pinger{}
	if db != nil {
		readyChecks["postgres"] = dbPinger{db: db}
	}
	if redisClient != nil {
		readyChecks["redis"] = redisPinger{client: redisClient}
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Logger:        log,
		Metrics:       m,
		Messages:      messages,
		Sessions:      sessions,
		Limiter:       limiter,
		Hub:           hub,
		Stream:        stream,
		PlatformToken: cfg.Server.PlatformToken,
		ReadyChecks:   readyChecks,
	})

	srv := httpserver.New(cfg.Server.Addr, router)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting msgvault",
			"addr", cfg.Server.Addr,
			"postgres", db != nil,
			"redis", redisClient != nil,
			"kafka", !cfg.Kafka.Disabled && len(cfg.Kafka.Brokers) > 0,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	if outboxSource != nil {
		worker := outbox.NewWorker(outboxSource, broker, m, log)
		group.Go(func() error {
			if err := worker.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		if err := signals.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
