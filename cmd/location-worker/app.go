package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/SwiftParcel/relaydrop/config"
	"github.com/SwiftParcel/relaydrop/internal/broker/kafka"
	"github.com/SwiftParcel/relaydrop/internal/services/locations"
	"github.com/SwiftParcel/relaydrop/internal/storage/pgparcel"
)

type workerConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
	Close() error
}

type workerFactories struct {
	newStorage  func(cfg *config.Config) (repo locations.RecorderRepository, closeFn func(), err error)
	newConsumer func(cfg *config.Config, topic, group string) workerConsumer
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (locations.RecorderRepository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgparcel.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newConsumer: func(cfg *config.Config, topic, group string) workerConsumer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewConsumer(brokers, topic, group, kafka.FromLatest())
		},
	}
}

func RunLocationWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	topic := cfg.Kafka.AgentLocationTopicName
	if topic == "" {
		topic = "agent.location"
	}
	group := cfg.RelayDrop.WorkerKafkaConsumerGroup
	if group == "" {
		group = "location-worker"
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	consumer := f.newConsumer(cfg, topic, group)
	defer func() { _ = consumer.Close() }()

	rec := locations.NewRecorder(repo)

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr: cfg.RelayDrop.WorkerHTTPAddr,
			recorder: rec,
			cfg:      cfg,
		})
	}()

	slog.Info("location worker started", "topic", topic, "group", group)
	for {
		err := consumer.Consume(ctx, func(_ []byte, value []byte) error {
			return rec.Handle(ctx, value)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case herr := <-httpErr:
			return herr
		default:
		}
		// Сбой хранилища или брокера: offset не закоммичен, перечитаем.
		slog.Error("location consumer", "error", err.Error())
		time.Sleep(time.Second)
	}
}
