package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/medifleet/dispatch/config"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	f := defaultWorkerFactories()

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		panic(err)
	}
	if closeFn != nil {
		defer closeFn()
	}

	w := newWatcher(cfg, repo, f.newNotifier(cfg), f.newRateLimiter(cfg))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	watcherErr := make(chan error, 1)
	go func() {
		watcherErr <- w.Run(ctx)
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    cfg.MediFleet.WorkerHTTPAddr,
			swaggerPath: os.Getenv("swaggerPath"),
			watcher:     w,
			cfg:         cfg,
		})
	}()

	select {
	case <-ctx.Done():
	case err := <-watcherErr:
		if err != nil && err != context.Canceled {
			panic(err)
		}
	case err := <-httpErr:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker http server failed", "error", err)
		}
	}
}
