package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/heartline/matchcore/internal/config"
	"github.com/heartline/matchcore/internal/logging"
	"github.com/heartline/matchcore/internal/messaging"
	"github.com/heartline/matchcore/internal/notify"
)

const queueGroup = "matchcore-notifier"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "notifier:", err)
		os.Exit(1)
	}
}

func run() (err error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	appConfig, err := config.Load(config.NewViper())
	if err != nil {
		return err
	}
	if appConfig.NATS.URL == "" {
		return errors.New("notifier requires nats.url")
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	natsCfg := messaging.DefaultConfig()
	natsCfg.URL = appConfig.NATS.URL
	natsCfg.Name = "matchcore-notifier"
	natsClient, err := messaging.Connect(natsCfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	kafkaDispatcher := notify.NewKafkaDispatcher(notify.NewKafkaWriter(notify.KafkaConfig{
		Brokers: appConfig.Kafka.Brokers,
		Topic:   appConfig.Kafka.Topic,
	}), logger)
	defer func() { err = multierr.Append(err, kafkaDispatcher.Close()) }()

	forwarder := notify.NewForwarder(kafkaDispatcher, 8, 4096, logger)
	if err := natsClient.SubscribeNotifications(queueGroup, forwarder.Handle); err != nil {
		return err
	}

	logger.Info("notifier running",
		zap.String("nats_url", appConfig.NATS.URL),
		zap.Strings("kafka_brokers", appConfig.Kafka.Brokers),
		zap.String("kafka_topic", appConfig.Kafka.Topic))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = forwarder.Run(ctx)
	logger.Info("notifier stopped")
	return multierr.Append(err, natsClient.Unsubscribe("notify"))
}
