package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/medifleet/dispatch/internal/api/dispatchapi"
	"github.com/medifleet/dispatch/internal/services/confirmation"
	"github.com/medifleet/dispatch/internal/services/deliveries"
	dispatchsvc "github.com/medifleet/dispatch/internal/services/dispatch"
	"github.com/medifleet/dispatch/internal/services/fleet"
	"github.com/medifleet/dispatch/internal/services/telemetry"
)

type dispatchAPIOpts struct {
	httpAddr    string
	swaggerPath string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type apiServices struct {
	fleet        *fleet.Service
	dispatch     *dispatchsvc.Service
	deliveries   *deliveries.Service
	telemetry    *telemetry.Service
	confirmation *confirmation.Service
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

func runDispatchAPI(ctx context.Context, opts dispatchAPIOpts, svcs apiServices, consumer kafkaConsumer) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	api := dispatchapi.New(svcs.fleet, svcs.dispatch, svcs.deliveries, svcs.telemetry, svcs.confirmation)

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}

	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, lis, opts.swaggerPath, api)
	}()

	go func() {
		slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
		_ = consumer.Consume(ctx, func(_key, value []byte) error {
			return svcs.telemetry.ApplyKafkaSample(ctx, value)
		})
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErr:
		return err
	}
}

func runHTTPServer(ctx context.Context, lis net.Listener, swaggerPath string, api *dispatchapi.DispatchAPI) error {
	r := chi.NewRouter()
	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, swaggerPath)
	})

	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger.json"),
	))

	api.Routes(r)

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	return srv.Serve(lis)
}
