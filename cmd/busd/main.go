package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/amoskys/amoskys/internal/bus"
	"github.com/amoskys/amoskys/internal/clock"
	"github.com/amoskys/amoskys/internal/config"
	"github.com/amoskys/amoskys/internal/events"
	"github.com/amoskys/amoskys/internal/eventstore"
	"github.com/amoskys/amoskys/internal/logging"
	"github.com/amoskys/amoskys/internal/trust"
	"github.com/amoskys/amoskys/internal/web"
)

var version = "dev"

func main() {
	cfg := config.LoadBus()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("AMOSKYS EventBus " + version)
	fmt.Println("=============================================")
	fmt.Printf("AMOSKYS_BUS_LISTEN=%s\n", cfg.Listen)
	fmt.Printf("AMOSKYS_BUS_MAX_INFLIGHT=%d\n", cfg.MaxInflight)
	fmt.Printf("AMOSKYS_BUS_MAX_ENVELOPE_BYTES=%d\n", cfg.MaxEnvelopeBytes)
	fmt.Printf("AMOSKYS_TRUST_MAP=%s\n", cfg.TrustMapPath)
	fmt.Printf("AMOSKYS_BUS_STORE_PATH=%s\n", cfg.StorePath)
	fmt.Printf("AMOSKYS_BUS_METRICS_LISTEN=%s\n", cfg.MetricsListen)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	store, err := eventstore.Open(cfg.StorePath)
	if err != nil {
		log.Error("failed to open event store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	trustStore, err := trust.NewStore(cfg.TrustMapPath, log)
	if err != nil {
		log.Error("failed to load trust map", "error", err)
		os.Exit(1)
	}
	if err := trustStore.Watch(); err != nil {
		log.Warn("trust map watch unavailable, changes need a restart", "error", err)
	}
	defer trustStore.Close()

	stream := events.New()
	server := bus.New(cfg, log.Component("bus"), store, trustStore, stream, clock.Real{})

	// SIGUSR1 sets the overload flag, SIGUSR2 clears it. Operators use
	// this to shed load during maintenance without stopping the daemon.
	overloadCh := make(chan os.Signal, 1)
	signal.Notify(overloadCh, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range overloadCh {
			server.SetOverload(sig == syscall.SIGUSR1)
		}
	}()

	readAPI := web.NewBusServer(web.BusDependencies{
		Feed:   store,
		Stream: stream,
		Ready:  server.Ready,
		Log:    log,
	})
	go func() {
		if err := readAPI.ListenAndServe(cfg.MetricsListen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("read api server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = readAPI.Shutdown(context.Background())
		server.Stop()
	}()

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Error("failed to listen", "addr", cfg.Listen, "error", err)
		os.Exit(1)
	}

	log.Info("bus started", "version", version)
	if err := server.Start(lis); err != nil {
		log.Error("bus exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("bus shutdown complete")
}
