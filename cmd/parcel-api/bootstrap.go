package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SwiftParcel/relaydrop/config"
	"github.com/SwiftParcel/relaydrop/internal/broker/kafka"
	"github.com/SwiftParcel/relaydrop/internal/cache/rediscache"
	"github.com/SwiftParcel/relaydrop/internal/realtime"
	"github.com/SwiftParcel/relaydrop/internal/services/locations"
	"github.com/SwiftParcel/relaydrop/internal/services/notifier"
	"github.com/SwiftParcel/relaydrop/internal/services/parcels"
	"github.com/SwiftParcel/relaydrop/internal/storage/pgparcel"
)

type parcelAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     parcelAPIOpts
	parcels  *parcels.Service
	locs     *locations.Service
	notifier *notifier.Service
	hub      *realtime.Hub
	consumer *kafka.Consumer
	cache    *rediscache.RedisCache
	closeDB  func()
}

func mustBootstrapParcelAPI() *parcelAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.RelayDrop.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.RelayDrop.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "parcel-api"
	}
	eventsTopic := cfg.Kafka.ParcelEventsTopicName
	if eventsTopic == "" {
		eventsTopic = "parcel.events"
	}
	locationTopic := cfg.Kafka.AgentLocationTopicName
	if locationTopic == "" {
		locationTopic = "agent.location"
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	var limiter locations.RateLimiter
	if cfg.RelayDrop.LocationRateLimitPerMinute > 0 {
		limiter = rediscache.NewRateLimiter(redisAddr)
	}

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	consumer := kafka.NewConsumer(brokers, eventsTopic, consumerGroup)

	hub := realtime.NewHub()
	locSvc := locations.New(st, hub, producer, rc, limiter, locationTopic, int64(cfg.RelayDrop.LocationRateLimitPerMinute))
	parcelsSvc := parcels.New(st, hub, producer, locSvc, eventsTopic)
	notifierSvc := notifier.New(st, hub)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &parcelAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: parcelAPIOpts{
			httpAddr:      httpAddr,
			topic:         eventsTopic,
			consumerGroup: consumerGroup,
			roomBuffer:    cfg.RelayDrop.RoomBufferSize,
		},
		parcels:  parcelsSvc,
		locs:     locSvc,
		notifier: notifierSvc,
		hub:      hub,
		consumer: consumer,
		cache:    rc,
		closeDB:  st.Close,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgparcel.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgparcel.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *parcelAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *parcelAPIApp) Run() error {
	return runParcelAPI(a.ctx, a.opts, a.parcels, a.locs, a.notifier, a.hub, a.consumer)
}
