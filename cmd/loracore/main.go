package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loracore/loracore/internal/adr"
	"github.com/loracore/loracore/internal/backend/gateway"
	"github.com/loracore/loracore/internal/backend/joinserver"
	"github.com/loracore/loracore/internal/band"
	"github.com/loracore/loracore/internal/config"
	"github.com/loracore/loracore/internal/downlink/scheduler"
	"github.com/loracore/loracore/internal/fuota"
	"github.com/loracore/loracore/internal/integration"
	"github.com/loracore/loracore/internal/integration/redisstream"
	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/roaming"
	roamingapi "github.com/loracore/loracore/internal/roaming/api"
	"github.com/loracore/loracore/internal/storage"
	"github.com/loracore/loracore/internal/uplink"
)

func main() {
	conf := config.DefaultConfig()
	config.Set(conf)

	logging.Setup(logging.Config{
		Level: conf.General.LogLevel,
		JSON:  conf.General.LogJSON,
	})
	slog.Info("network-server starting", "version", config.Version, "net_id", conf.NetworkServer.NetID.String())

	if err := storage.Setup(conf); err != nil {
		log.Fatal(err)
	}
	if err := band.Setup(conf); err != nil {
		log.Fatal(err)
	}
	if err := gateway.Setup(conf); err != nil {
		log.Fatal(err)
	}
	if err := joinserver.Setup(conf); err != nil {
		log.Fatal(err)
	}
	if err := roaming.Setup(conf); err != nil {
		log.Fatal(err)
	}
	if err := adr.Setup(); err != nil {
		log.Fatal(err)
	}
	integration.Setup(redisstream.New(conf))

	uplinkServer := uplink.NewServer()
	if err := uplinkServer.Start(); err != nil {
		log.Fatal(err)
	}
	schedulerServer := scheduler.NewServer()
	if err := schedulerServer.Start(); err != nil {
		log.Fatal(err)
	}
	fuotaServer := fuota.NewServer()
	if err := fuotaServer.Start(); err != nil {
		log.Fatal(err)
	}
	roamingAPI := roamingapi.NewServer(conf)
	if err := roamingAPI.Start(); err != nil {
		log.Fatal(err)
	}

	go startMonitoring(conf)
	slog.Info("network-server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	slog.Info("signal received, stopping", "signal", (<-sigChan).String())

	if err := roamingAPI.Stop(); err != nil {
		slog.Error("stop roaming api error", "error", err)
	}
	if err := fuotaServer.Stop(); err != nil {
		slog.Error("stop fuota server error", "error", err)
	}
	if err := schedulerServer.Stop(); err != nil {
		slog.Error("stop scheduler error", "error", err)
	}
	if err := uplinkServer.Stop(); err != nil {
		slog.Error("stop uplink server error", "error", err)
	}
}

// Prometheus metrics endpoint.
func startMonitoring(conf config.Config) {
	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(conf.Monitoring.Bind, nil); err != nil {
		slog.Error("monitoring server failed", "error", err)
	}
}
