package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/devicelab-dev/labctl/internal/adapter"
	"github.com/devicelab-dev/labctl/internal/api"
	"github.com/devicelab-dev/labctl/internal/config"
	"github.com/devicelab-dev/labctl/internal/hub"
	"github.com/devicelab-dev/labctl/internal/logger"
	"github.com/devicelab-dev/labctl/internal/registry"
	"github.com/devicelab-dev/labctl/internal/reservation"
	"github.com/devicelab-dev/labctl/internal/supervisor"
)

const version = "0.1.0"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "labctl",
		Short: "labctl runs the mobile device lab controller",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (yaml/json/toml)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "start the device lab controller server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the labctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// serve wires every component together and blocks until an interrupt is
// received. The registry and reservation manager need a Broadcaster (the
// hub) at construction time, while the hub needs the registry and
// reservation manager to satisfy inbound message dispatch: the hub is
// built first with its dependencies left unbound, then wired in with
// Bind once the rest of the graph exists.
func serve() error {
	cfg, changed, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}

	if err := logger.Setup(cfg.LogLevel, cfg.LogFilePath); err != nil {
		return fmt.Errorf("could not set up logging: %w", err)
	}
	log := logger.ProviderLogger
	log.LogInfo("startup", "labctl "+version+" starting")

	if err := os.MkdirAll(cfg.UploadDir, 0755); err != nil {
		return fmt.Errorf("could not create upload dir %q: %w", cfg.UploadDir, err)
	}

	androidAdapter := adapter.NewAndroidAdapter(log)
	iosAdapter := adapter.NewIOSAdapter(log, cfg.IOSAutomationDriverPath)

	h := hub.New(log, cfg.MirrorFPSCeiling)

	sup := supervisor.New(log, h, cfg.DriverBinaryPath, cfg.DriverBasePort, cfg.DriverPortRange, cfg.IOSReadySentinel)
	sup.CleanupOrphans()

	reg := registry.New(log, androidAdapter, iosAdapter, h, sup)
	res := reservation.New(log, reg, h, cfg.ReservationReaperEnabled)
	h.Bind(reg, res)

	if cfg.MockOfflineDevices {
		reg.SeedMockOfflineDevices()
	}
	if cfg.ReservationReaperEnabled {
		res.StartDeadlineReaper(time.Minute)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	discoveryCtx, discoveryCancel := context.WithTimeout(ctx, 30*time.Second)
	reg.Discover(discoveryCtx)
	discoveryCancel()

	stopDiscovery := runEvery(ctx, cfg.DiscoveryInterval, func() {
		c, cancel := context.WithTimeout(ctx, cfg.DiscoveryInterval)
		defer cancel()
		reg.Discover(c)
	})
	defer stopDiscovery()

	stopHealth := runEvery(ctx, 10*time.Second, func() {
		h.BroadcastSystemHealth(map[string]any{
			"deviceCount": len(reg.Snapshot()),
			"subscribers": h.SubscriberCount(),
			"timestamp":   time.Now(),
		})
	})
	defer stopHealth()

	if changed != nil {
		go watchConfigChanges(log, changed)
	}

	srv := api.NewServer(log, reg, res, sup, h, cfg.FrontendURL, cfg.UploadDir)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.LogInfo("startup", "listening on :"+cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var serverErr error
	select {
	case sig := <-sigCh:
		log.LogInfo("shutdown", "received signal "+sig.String()+", shutting down")
	case serverErr = <-errCh:
		log.LogError("shutdown", "http server failed: "+serverErr.Error())
	}

	cancel()
	res.StopDeadlineReaper()
	sup.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if serverErr != nil {
		return fmt.Errorf("http server failed: %w", serverErr)
	}
	return nil
}

// runEvery runs fn on a ticker until ctx is canceled, returning a stop
// func for symmetry with defer at call sites.
func runEvery(ctx context.Context, interval time.Duration, fn func()) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return func() { <-done }
}

func watchConfigChanges(log *logger.CustomLogger, changed <-chan struct{}) {
	for range changed {
		log.LogInfo("config", "configuration file changed; restart to pick up port/driver changes")
	}
}
