package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/heartline/matchcore/internal/api"
	"github.com/heartline/matchcore/internal/auth"
	"github.com/heartline/matchcore/internal/block"
	"github.com/heartline/matchcore/internal/broker"
	"github.com/heartline/matchcore/internal/config"
	"github.com/heartline/matchcore/internal/conversation"
	"github.com/heartline/matchcore/internal/database"
	"github.com/heartline/matchcore/internal/ledger"
	"github.com/heartline/matchcore/internal/logging"
	"github.com/heartline/matchcore/internal/match"
	"github.com/heartline/matchcore/internal/messaging"
	"github.com/heartline/matchcore/internal/moderation"
	"github.com/heartline/matchcore/internal/notify"
	"github.com/heartline/matchcore/internal/presence"
	"github.com/heartline/matchcore/internal/ratelimit"
	"github.com/heartline/matchcore/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) (err error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	// Storage.
	db, err := database.Open(appConfig.Database, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, database.Close(db)) }()
	if appConfig.Database.AutoMigrate {
		if err := database.Migrate(db, appConfig.Database, logger); err != nil {
			return err
		}
	}

	rdb := redis.NewClient(&redis.Options{Addr: appConfig.Redis.Addr})
	defer func() { err = multierr.Append(err, rdb.Close()) }()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	pingErr := rdb.Ping(pingCtx).Err()
	cancel()
	if pingErr != nil {
		return pingErr
	}

	// Cross-process fan-out is optional; without NATS the hub is local.
	var (
		natsClient *messaging.Client
		relay      broker.Relay
		dispatcher notify.Dispatcher = notify.NewLogDispatcher(logger)
	)
	if appConfig.NATS.URL != "" {
		natsCfg := messaging.DefaultConfig()
		natsCfg.URL = appConfig.NATS.URL
		natsCfg.Name = "matchcore-" + appConfig.ServerName
		natsClient, err = messaging.Connect(natsCfg, logger)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		relay = broker.NewNATSRelay(natsClient, logger)
		if appConfig.Notify.Sink == "nats" {
			dispatcher = notify.NewNATSDispatcher(natsClient)
		}
	}

	// Domain.
	sessions, err := auth.NewSessionValidator(auth.Config{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.Auth.Issuer,
		CookieName:    appConfig.Auth.CookieName,
	})
	if err != nil {
		return err
	}

	blocks := block.NewStore(rdb)
	limiter := ratelimit.NewLimiter(rdb, logger)
	interactions := ledger.New(db, blocks, logger)
	engine := match.NewEngine(interactions, match.NewRepository(db), nil, logger,
		match.WithBlocker(blocks),
		match.WithSuperlikeQuota(limiter, ratelimit.SuperlikeRule(appConfig.Limits.SuperlikesPerDay)),
	)
	store := conversation.NewStore(db, moderation.NewFilter(), logger)
	tracker := presence.NewTracker(presence.Config{
		TypingInterval: appConfig.Presence.TypingInterval,
		TypingExpiry:   appConfig.Presence.TypingExpiry,
	}, engine, nil, logger,
		presence.WithMirror(presence.NewMirror(rdb, appConfig.ServerName, 0)),
	)
	defer tracker.Close()

	notifier := notify.NewNotifier(dispatcher, 8, 4096, logger)
	b := broker.New(broker.NewHub(relay, logger), broker.Deps{
		Matches:       engine,
		Conversations: store,
		Presence:      tracker,
		Blocks:        blocks,
		Limiter:       limiter,
		Notifier:      notifier,
		MessageRule:   ratelimit.MessageRule(appConfig.Limits.MessagesPerMinute),
	}, logger)
	engine.SetSink(b)
	tracker.SetPublisher(b)
	store.OnAppended(b.MessageAppended)

	// Transport.
	msgDispatcher := ws.NewMessageDispatcher(nil, logger)
	srv := ws.NewServer(ws.ServerConfig{
		WorkerPoolSize: appConfig.WS.WorkerPoolSize,
		MaxConnections: appConfig.WS.MaxConnections,
		ReadTimeout:    appConfig.WS.ReadTimeout,
		WriteTimeout:   appConfig.WS.WriteTimeout,
		OutboundQueue:  appConfig.WS.OutboundQueue,
		AuthTimeout:    appConfig.WS.AuthTimeout,
		MaxFrameSize:   appConfig.WS.MaxFrameSize,
	}, sessions, msgDispatcher.Dispatch, logger)
	msgDispatcher.SetServer(srv)
	b.Attach(srv, msgDispatcher)

	if err := srv.Start(); err != nil {
		return err
	}
	srv.StartHeartbeat(ws.HeartbeatConfig{
		Interval:    appConfig.Presence.HeartbeatInterval,
		IdleTimeout: appConfig.Presence.IdleTimeout,
		Stale:       tracker.Stale,
	})

	checks := map[string]func(ctx context.Context) error{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
	if natsClient != nil {
		checks["nats"] = func(context.Context) error { return natsClient.Flush() }
	}

	handler, err := api.NewHTTPHandler(api.Dependencies{
		Sessions:      sessions,
		Engine:        engine,
		Interactions:  interactions,
		Matches:       engine.Repository(),
		Conversations: store,
		Presence:      tracker,
		Reads:         b,
		WebSocket:     srv.HandleUpgrade,
		Checks:        checks,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(signalCtx)
	g.Go(func() error { return notifier.Run(gctx) })
	g.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("server_name", appConfig.ServerName),
			zap.Bool("nats", natsClient != nil),
			zap.String("notify_sink", appConfig.Notify.Sink))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return multierr.Combine(
			httpServer.Shutdown(shutdownCtx),
			srv.Shutdown(),
		)
	})
	return g.Wait()
}
