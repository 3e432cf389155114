package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/SwiftParcel/relaydrop/internal/api/parcels_api"
	"github.com/SwiftParcel/relaydrop/internal/realtime"
	"github.com/SwiftParcel/relaydrop/internal/services/locations"
	"github.com/SwiftParcel/relaydrop/internal/services/notifier"
	"github.com/SwiftParcel/relaydrop/internal/services/parcels"
)

type parcelAPIOpts struct {
	httpAddr string

	topic         string
	consumerGroup string
	roomBuffer    int

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

func runParcelAPI(
	ctx context.Context,
	opts parcelAPIOpts,
	parcelsSvc *parcels.Service,
	locSvc *locations.Service,
	notifierSvc *notifier.Service,
	hub *realtime.Hub,
	consumer kafkaConsumer,
) error {
	api := parcels_api.New(parcelsSvc, locSvc, notifierSvc, hub, opts.roomBuffer)

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	// Консьюмер parcel.events крутится в том же процессе: Notification
	// Dispatcher должен пушить в комнаты этого же хаба.
	go func() {
		slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
		for {
			err := consumer.Consume(ctx, func(_ []byte, value []byte) error {
				return notifierSvc.Handle(ctx, value)
			})
			if ctx.Err() != nil {
				return
			}
			slog.Error("parcel events consumer", "error", err.Error())
			time.Sleep(time.Second)
		}
	}()

	srv := &http.Server{Handler: api.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
