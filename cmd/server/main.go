// Package main - Immortal Outreach application entry point
// Wires adapters into the core services following Hexagonal Architecture
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"

	"immortal-outreach/internal/adapters/gateway"
	"immortal-outreach/internal/adapters/generator"
	"immortal-outreach/internal/adapters/handler"
	"immortal-outreach/internal/adapters/queue"
	"immortal-outreach/internal/adapters/repository"
	"immortal-outreach/internal/adapters/websocket"
	"immortal-outreach/internal/config"
	"immortal-outreach/internal/core/domain"
	"immortal-outreach/internal/core/ports"
	"immortal-outreach/internal/core/services"
	"immortal-outreach/internal/metrics"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		slog.Error("Immortal Outreach stopped with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Configuration and logging
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.App)
	slog.Info("Config loaded",
		"db", fmt.Sprintf("%s@%s:%d", cfg.DB.User, cfg.DB.Host, cfg.DB.Port),
		"redis", cfg.Redis.Addr,
		"queue_backend", cfg.Queue.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Infrastructure
	// Docker containers may not be ready immediately, so we retry
	db, err := connectMariaDB(ctx, cfg.DB, 5, 2*time.Second)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := connectRedis(ctx, cfg.Redis, 5, 2*time.Second)
	if err != nil {
		return err
	}
	defer rdb.Close()

	jobQueue, depth, closeQueue, err := openQueue(ctx, cfg.Queue, rdb)
	if err != nil {
		return err
	}
	defer closeQueue()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 3. Repositories
	identityRepo := repository.NewMariaDBRepository(db)
	jobRepo := repository.NewMariaDBJobRepository(db)
	dedupRepo := repository.NewRedisRepository(rdb)

	// 4. Core services
	gen, err := generator.NewAnthropicGenerator(generator.AnthropicConfig{
		APIKey:       cfg.Generator.APIKey,
		Model:        cfg.Generator.Model,
		MaxTokens:    cfg.Generator.MaxTokens,
		SystemPrompt: cfg.Generator.SystemPrompt,
		HistoryTurns: cfg.Generator.HistoryTurns,
		MaxRetries:   2,
	})
	if err != nil {
		return fmt.Errorf("create generator: %w", err)
	}

	hub := websocket.NewEventHub(cfg.App.HubSecret)
	pool := services.NewIdentityPool(identityRepo, m)
	kill := services.NewKillSwitch()

	deliveryCfg := services.DefaultDeliveryConfig()
	deliveryCfg.Queue = cfg.Queue.Name
	deliveryCfg.Workers = cfg.Queue.Workers
	deliveryCfg.MaxAttempts = cfg.Delivery.MaxAttempts
	deliveryCfg.BaseBackoff = cfg.Delivery.BaseBackoff
	deliveryCfg.MaxBackoff = cfg.Delivery.MaxBackoff
	deliveryCfg.DefaultRateLimitWait = cfg.Delivery.DefaultRateLimitWait
	deliveryCfg.ClaimStaleAfter = cfg.Delivery.ClaimStaleAfter
	coordinator := services.NewDeliveryCoordinator(deliveryCfg, jobQueue, jobRepo, dedupRepo, pool, hub, m)

	coordinator.RegisterAdapter(gateway.NewFacebookClient(gateway.FacebookConfig{
		APIVersion: cfg.Facebook.APIVersion,
	}, identityRepo))

	sender := services.NewOutboundSender(services.SenderConfig{
		MaxFragmentLen:    cfg.Presence.MaxFragmentLen,
		TypingCharsPerSec: cfg.Presence.TypingCharsPerSec,
		TypingMin:         cfg.Presence.TypingMin,
		TypingMax:         cfg.Presence.TypingMax,
	}, coordinator, pool, coordinator.Adapter)

	presenceCfg := services.DefaultPresenceConfig()
	presenceCfg.Debounce = cfg.Presence.Debounce
	presenceCfg.PreOnlineMin = cfg.Presence.PreOnlineMin
	presenceCfg.PreOnlineMax = cfg.Presence.PreOnlineMax
	presenceCfg.TypingLead = cfg.Presence.TypingLead
	presenceCfg.SettleMax = cfg.Presence.SettleMax
	presenceCfg.OfflineMin = cfg.Presence.OfflineMin
	presenceCfg.OfflineMax = cfg.Presence.OfflineMax
	presenceCfg.RemoteTypingMaxWait = cfg.Presence.RemoteTypingMaxWait
	presenceCfg.RemoteTypingPoll = cfg.Presence.RemoteTypingPoll
	presenceCfg.GenerateTimeout = cfg.Presence.GenerateTimeout
	presence := services.NewPresenceRegistry(presenceCfg, coordinator.Adapter, gen, sender, kill, m)
	defer presence.Close()

	router := services.NewInboundRouter(identityRepo, dedupRepo, presence, map[string]string{
		domain.ChannelFacebook: cfg.Facebook.CampaignID,
		domain.ChannelDiscord:  cfg.Discord.CampaignID,
	})

	var discord *gateway.DiscordAdapter
	if len(cfg.Discord.Tokens) > 0 {
		discord = gateway.NewDiscordAdapter(gateway.DiscordConfig{
			Tokens:     cfg.Discord.Tokens,
			CampaignID: cfg.Discord.CampaignID,
		}, router)
		if err := discord.Start(ctx); err != nil {
			discord.Stop()
			return fmt.Errorf("start discord: %w", err)
		}
		defer discord.Stop()
		coordinator.RegisterAdapter(discord)
	}

	watchdogCfg := services.DefaultWatchdogConfig()
	watchdogCfg.Interval = cfg.Watchdog.Interval
	watchdogCfg.ResetHour = cfg.Identity.ResetHour
	watchdogCfg.Location = cfg.Identity.Location
	watchdogCfg.EvictIdle = cfg.Presence.EvictIdle
	watchdogCfg.DiskPath = cfg.Watchdog.DiskPath
	watchdogCfg.DiskThreshold = cfg.Watchdog.DiskThreshold
	watchdogCfg.Retention = cfg.Watchdog.Retention
	watchdog := services.NewWatchdog(watchdogCfg, pool, presence, jobRepo, identityRepo, nil)

	// 5. HTTP handlers
	dashboard := handler.NewDashboardHandler(handler.DashboardConfig{
		Version:       version,
		QueueName:     cfg.Queue.Name,
		DiskPath:      cfg.Watchdog.DiskPath,
		DiskThreshold: cfg.Watchdog.DiskThreshold,
	}, pool, jobRepo, sender, kill, presence, depth)

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.App.Port),
		Handler: handler.NewRouter(handler.Routes{
			Webhook:   handler.NewWebhookHandler(router, cfg.Facebook.AppSecret, cfg.Facebook.VerifyToken),
			Dashboard: dashboard,
			Events:    hub.ServeWS,
			Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 6. Background loops
	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){hub.Run, coordinator.Run, watchdog.Run} {
		wg.Add(1)
		go func(loop func(context.Context)) {
			defer wg.Done()
			loop(ctx)
		}(loop)
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	slog.Info("Immortal Outreach ready", "version", version)

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
	stop()
	wg.Wait()

	slog.Info("Immortal Outreach stopped")
	return nil
}

func setupLogger(app config.AppConfig) {
	opts := &slog.HandlerOptions{Level: app.SlogLevel()}
	var h slog.Handler
	if app.LogFormat == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h).With("service", "immortal-outreach"))
}

// openQueue returns the configured job queue, its depth reader (nil when the
// backend cannot report one) and a close function
func openQueue(ctx context.Context, cfg config.QueueConfig, rdb *redis.Client) (ports.JobQueue, handler.QueueInspector, func(), error) {
	switch cfg.Backend {
	case "amqp":
		conn, err := connectAMQP(ctx, cfg.AMQPURL, 5, 2*time.Second)
		if err != nil {
			return nil, nil, nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, nil, fmt.Errorf("open amqp channel: %w", err)
		}
		qcfg := queue.DefaultAMQPQueueConfig()
		qcfg.PollInterval = cfg.PollInterval
		qcfg.Prefetch = cfg.Prefetch
		q, err := queue.NewAMQPQueue(ch, qcfg)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, nil, nil, err
		}
		return q, nil, func() {
			q.Close()
			conn.Close()
		}, nil

	default:
		qcfg := queue.DefaultRedisQueueConfig()
		qcfg.PollInterval = cfg.PollInterval
		qcfg.LeaseTTL = cfg.LeaseTTL
		q := queue.NewRedisQueue(rdb, qcfg)
		return q, q, func() { q.Close() }, nil
	}
}

// connectMariaDB attempts to connect to MariaDB with retry logic
func connectMariaDB(ctx context.Context, cfg config.DBConfig, maxRetries int, retryDelay time.Duration) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("configure db driver: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = retry(ctx, "MariaDB", maxRetries, retryDelay, func() error {
		return db.PingContext(ctx)
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("MariaDB connection established")
	return db, nil
}

// connectRedis attempts to connect to Redis with retry logic
func connectRedis(ctx context.Context, cfg config.RedisConfig, maxRetries int, retryDelay time.Duration) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	err := retry(ctx, "Redis", maxRetries, retryDelay, func() error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		rdb.Close()
		return nil, err
	}
	slog.Info("Redis connection established")
	return rdb, nil
}

func connectAMQP(ctx context.Context, url string, maxRetries int, retryDelay time.Duration) (*amqp.Connection, error) {
	var conn *amqp.Connection
	err := retry(ctx, "RabbitMQ", maxRetries, retryDelay, func() error {
		c, err := amqp.Dial(url)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("RabbitMQ connection established")
	return conn, nil
}

// retry calls fn until it succeeds, maxRetries is reached or ctx ends
func retry(ctx context.Context, name string, maxRetries int, delay time.Duration, fn func() error) error {
	var err error
	for i := 1; i <= maxRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		slog.Warn("Connection attempt failed",
			"target", name,
			"attempt", i,
			"max_attempts", maxRetries,
			"error", err,
		)
		if i < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("cannot connect to %s after %d attempts: %w", name, maxRetries, err)
}
