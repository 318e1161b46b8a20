package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"panchcal/internal/compute"
	"panchcal/internal/config"
	"panchcal/internal/location"
	appLog "panchcal/internal/log"
	"panchcal/internal/orchestrator"
	"panchcal/internal/store"
	"panchcal/internal/web"
)

// flagConfig holds CLI flag values; they override the config file.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	debug      bool
}

func main() {
	appLog.Info("panchcal starting", "version", "0.1.0")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"service", appLog.RedactURL(conf.Service.Endpoint),
		"positioning", conf.Positioning.Provider,
		"geocoder_disabled", conf.Geocoder.Disabled,
		"capture", conf.Capture.Enabled,
		"default_location", conf.DefaultLocation.String(),
		"once", flags.once,
		"debug", flags.debug,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	resolver, err := buildResolver(conf)
	if err != nil {
		appLog.Error("failed to build location resolver", err)
		os.Exit(1)
	}

	client := compute.NewClient(compute.Config{
		Endpoint: conf.Service.Endpoint,
		Timeout:  conf.Service.Timeout(),
	})

	statePath := conf.StatePath
	if flags.debug {
		statePath = "./cache/state.json"
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Resolver:        resolver,
		Client:          client,
		DefaultLocation: conf.DefaultLocation,
		Notifier:        orchestrator.LogNotifier{},
		Store:           store.NewFileStore(statePath),
		RecentLimit:     conf.RecentLimit,
	})
	if err != nil {
		appLog.Error("failed to build orchestrator", err)
		os.Exit(1)
	}

	if flags.once {
		os.Exit(runOnce(ctx, orch))
	}

	srv := web.NewServer(conf, orch, client, flags.debug)
	httpServer := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen, "debug", flags.debug)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("HTTP server failed", err)
			cancel()
		}
	}()

	if conf.Capture.Enabled {
		go runCapturePipeline(ctx, conf, orch)
	}

	// The startup cycle always resolves the location first.
	go func() {
		if _, err := orch.Startup(ctx); err != nil {
			appLog.Warn("startup cycle did not publish a result", "err", err)
		}
	}()

	sched, err := startScheduler(ctx, conf, orch)
	if err != nil {
		appLog.Error("failed to start refresh scheduler", err, "refresh", conf.RefreshCron)
	}

	<-ctx.Done()
	appLog.Info("shutting down")

	if sched != nil {
		<-sched.Stop().Done()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP server shutdown failed", err)
	}

	appLog.Info("panchcal exiting")
}

// runOnce performs the startup cycle, prints the published state as JSON
// and returns the process exit code.
func runOnce(ctx context.Context, orch *orchestrator.Orchestrator) int {
	snap, err := orch.Startup(ctx)
	if err != nil {
		appLog.Error("single-shot cycle failed", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		appLog.Error("failed to write result", err)
		return 1
	}
	return 0
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/panchcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one startup cycle, print the result and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Debug logging and ./cache state paths")

	flag.Parse()

	return cfg
}

// buildResolver wires positioning and reverse geocoding from config.
func buildResolver(conf *config.Config) (*location.Resolver, error) {
	var positioner location.Positioner
	switch conf.Positioning.Provider {
	case config.PositioningIPAPI:
		positioner = location.NewIPAPIPositioner(conf.Positioning.URL, conf.Positioning.Timeout())
	case config.PositioningStatic:
		positioner = location.StaticPositioner{Coordinates: location.Coordinates{
			Latitude:  conf.Positioning.Latitude,
			Longitude: conf.Positioning.Longitude,
		}}
	case config.PositioningNone:
		// Capability absent; startup falls back to default_location.
	}

	var geocoder location.Geocoder
	if !conf.Geocoder.Disabled {
		g, err := location.NewNominatimGeocoder(location.NominatimConfig{
			BaseURL:       conf.Geocoder.BaseURL,
			UserAgent:     conf.Geocoder.UserAgent,
			Zoom:          conf.Geocoder.Zoom,
			Timeout:       conf.Geocoder.Timeout(),
			RatePerSecond: conf.Geocoder.RatePerSecond,
			CacheSize:     conf.Geocoder.CacheSize,
		})
		if err != nil {
			return nil, err
		}
		geocoder = g
	}

	return location.NewResolver(positioner, geocoder, conf.Timezone), nil
}
