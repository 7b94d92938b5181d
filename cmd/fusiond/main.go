package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/amoskys/amoskys/internal/clock"
	"github.com/amoskys/amoskys/internal/config"
	"github.com/amoskys/amoskys/internal/fusion"
	"github.com/amoskys/amoskys/internal/logging"
	"github.com/amoskys/amoskys/internal/notify"
	"github.com/amoskys/amoskys/internal/web"
)

var version = "dev"

func main() {
	cfg := config.LoadFusion()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("AMOSKYS Fusion " + version)
	fmt.Println("=============================================")
	fmt.Printf("AMOSKYS_FUSION_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("AMOSKYS_FUSION_BUS_READ_URL=%s\n", cfg.BusReadURL)
	fmt.Printf("AMOSKYS_FUSION_WINDOW_MINUTES=%d\n", int(cfg.Window.Minutes()))
	fmt.Printf("AMOSKYS_FUSION_EVAL_INTERVAL=%s\n", cfg.EvalInterval)
	fmt.Printf("AMOSKYS_FUSION_METRICS_LISTEN=%s\n", cfg.MetricsListen)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	store, err := fusion.OpenStore(cfg.DBPath)
	if err != nil {
		log.Error("failed to open fusion store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Build notification chain.
	var notifiers []notify.Notifier
	notifiers = append(notifiers, notify.NewLogNotifier(log))
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, nil))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, "",
			cfg.MQTTUsername, cfg.MQTTPassword, 1))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	notifier := notify.NewMulti(log, notifiers...)

	clk := clock.Real{}
	engine := fusion.NewEngine(cfg, log.Component("engine"), clk, store, notifier)
	feeder := fusion.NewFeeder(strings.TrimRight(cfg.BusReadURL, "/"), engine, log.Component("feeder"), clk)

	// Warm the device windows from the last window of stored events so a
	// restart does not forget in-progress attack chains.
	if err := feeder.Replay(ctx, cfg.Window); err != nil {
		log.Warn("event replay failed, starting with cold windows", "error", err)
	}

	readAPI := web.NewFusionServer(web.FusionDependencies{
		Incidents: engine,
		Ready:     store.Ping,
		Log:       log,
	})
	go func() {
		if err := readAPI.ListenAndServe(cfg.MetricsListen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("read api server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = readAPI.Shutdown(context.Background())
	}()

	go func() {
		if err := feeder.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("event feed exited with error", "error", err)
		}
	}()

	log.Info("fusion started", "version", version)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("fusion exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("fusion shutdown complete")
}
