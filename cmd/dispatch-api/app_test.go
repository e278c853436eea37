package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medifleet/dispatch/internal/services/confirmation"
	"github.com/medifleet/dispatch/internal/services/deliveries"
	dispatchsvc "github.com/medifleet/dispatch/internal/services/dispatch"
	"github.com/medifleet/dispatch/internal/services/fleet"
	"github.com/medifleet/dispatch/internal/services/telemetry"
)

type fakeConsumer struct{}

func (c fakeConsumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func testServices() apiServices {
	return apiServices{
		fleet:        fleet.New(nil, nil),
		dispatch:     dispatchsvc.New(nil),
		deliveries:   deliveries.New(nil, nil, nil, time.Minute),
		telemetry:    telemetry.New(nil, nil, nil, 0),
		confirmation: confirmation.New(nil, nil, nil, nil, 0),
	}
}

func TestRunDispatchAPI_SwaggerServed(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)

	opts := dispatchAPIOpts{
		httpAddr:      "127.0.0.1:0",
		swaggerPath:   sw,
		topic:         "t",
		consumerGroup: "g",
		onListen:      func(httpAddr string) { addrCh <- httpAddr },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- runDispatchAPI(ctx, opts, testServices(), fakeConsumer{})
	}()

	httpAddr := <-addrCh

	resp, err := http.Get("http://" + httpAddr + "/swagger.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), "\"swagger\"")

	cancel()
	require.Error(t, <-errCh)
}

func TestRunDispatchAPI_MissingSwagger(t *testing.T) {
	err := runDispatchAPI(context.Background(), dispatchAPIOpts{
		httpAddr:    "127.0.0.1:0",
		swaggerPath: "/nonexistent/swagger.json",
	}, testServices(), fakeConsumer{})
	require.Error(t, err)
}
