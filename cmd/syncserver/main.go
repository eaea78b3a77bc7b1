// Command syncserver runs one process of the real-time sync fabric: a
// websocket front door backed by a Bus, a Session Hub, a Chunk Router,
// and a Sync Coordinator (spec §3 system overview).
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/turnforge/syncfabric/bus"
	"github.com/turnforge/syncfabric/chunkrouter"
	"github.com/turnforge/syncfabric/config"
	"github.com/turnforge/syncfabric/internal/obs"
	"github.com/turnforge/syncfabric/session"
	"github.com/turnforge/syncfabric/synccoordinator"
	"github.com/turnforge/syncfabric/transport"
	"github.com/turnforge/syncfabric/utils"
)

var envFile = flag.String("envfile", ".env", "Path to an optional .env file to load before resolving config")

func main() {
	flag.Parse()
	cfg := config.Load(*envFile)

	obs.Logger.Info("syncserver: starting",
		"listenAddress", cfg.ListenAddress,
		"channelPrefix", cfg.ChannelPrefix,
		"chunkSize", cfg.ChunkSize,
		"conflictPolicy", cfg.ConflictPolicy,
		"optimisticEnabled", cfg.OptimisticEnabled,
	)

	if cfg.BrokerURL != "" {
		obs.Logger.Warn("syncserver: brokerURL configured but this build only has LocalBus; ignoring", "brokerURL", cfg.BrokerURL)
	}
	b := bus.NewLocalBus(cfg.ChannelPrefix, cfg.KVSweepInterval)
	defer b.Close()

	hub := session.NewHub()
	router := chunkrouter.NewRouter(b, hub, cfg.ChunkSize)
	defer router.Close()

	coordCfg := synccoordinator.DefaultConfig()
	coordCfg.AcknowledgementTimeout = cfg.AcknowledgementTimeout
	coordCfg.MaxPendingUpdates = cfg.MaxPendingUpdates
	coordCfg.ConflictPolicy = cfg.ConflictPolicy
	coordCfg.OptimisticEnabled = cfg.OptimisticEnabled

	coord := synccoordinator.NewCoordinator(b, hub, cfg.ChannelPrefix, coordCfg)
	defer coord.Close()

	server := transport.NewServer(cfg, b, hub, router, coord)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.ServeHTTP)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: mux,
	}

	go func() {
		utils.PrintStartupMessage(utils.StartupInfo{
			Address:        cfg.ListenAddress,
			ChannelPrefix:  cfg.ChannelPrefix,
			ChunkSize:      cfg.ChunkSize,
			ConflictPolicy: string(cfg.ConflictPolicy),
			Optimistic:     cfg.OptimisticEnabled,
		})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obs.Logger.Error("syncserver: listener failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	obs.Logger.Info("syncserver: shutting down")
	httpServer.Close()
}
