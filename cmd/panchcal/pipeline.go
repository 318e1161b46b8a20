package main

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/robfig/cron/v3"

	"panchcal/internal/capture"
	"panchcal/internal/config"
	"panchcal/internal/location"
	appLog "panchcal/internal/log"
	"panchcal/internal/orchestrator"
)

// startScheduler runs a manual cycle on conf.RefreshCron. The schedule is
// interpreted in the configured (or host) time zone.
func startScheduler(ctx context.Context, conf *config.Config, orch *orchestrator.Orchestrator) (*cron.Cron, error) {
	zoneName := conf.Timezone
	if zoneName == "" {
		zoneName = location.HostTimeZone()
	}
	zone, err := time.LoadLocation(zoneName)
	if err != nil {
		zone = time.Local
	}

	c := cron.New(cron.WithLocation(zone))
	_, err = c.AddFunc(conf.RefreshCron, func() {
		// Scheduled refreshes follow the current date.
		if err := orch.SetDate(time.Now().In(zone)); err != nil {
			appLog.Error("scheduled refresh: set date failed", err)
			return
		}
		if _, err := orch.RunCycle(ctx); err != nil {
			appLog.Warn("scheduled refresh failed", "err", err)
		}
	})
	if err != nil {
		return nil, err
	}

	c.Start()
	appLog.Info("refresh scheduler started", "refresh", conf.RefreshCron, "timezone", zone.String())
	return c, nil
}

// runCapturePipeline screenshots the day view after every published
// result until ctx is cancelled.
func runCapturePipeline(ctx context.Context, conf *config.Config, orch *orchestrator.Orchestrator) {
	updates, unsubscribe := orch.Subscribe()
	defer unsubscribe()

	target := captureURL(conf)
	appLog.Info("capture pipeline started", "url", appLog.RedactURL(target), "output", conf.Capture.OutputPath)

	lastCycle := ""
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if snap.Busy || snap.Result == nil || snap.Outcome != orchestrator.Ready || snap.CycleID == lastCycle {
				continue
			}
			lastCycle = snap.CycleID

			err := capture.CapturePanchangaPNG(ctx, capture.CaptureOptions{
				URL:        target,
				OutputPath: conf.Capture.OutputPath,
				Width:      conf.Capture.Width,
				Height:     conf.Capture.Height,
			})
			if err != nil {
				appLog.Error("capture failed", err, "cycle", snap.CycleID)
			}
		}
	}
}

// captureURL points at the local day view. Wildcard listen hosts are
// reached through loopback; basic auth credentials ride in the URL.
func captureURL(conf *config.Config) string {
	host, port, err := net.SplitHostPort(conf.Listen)
	if err != nil {
		host, port = "127.0.0.1", "8080"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(host, port),
		Path:   "/panchanga",
	}
	if ba := conf.BasicAuth; ba != nil && ba.Username != "" && ba.Password != "" {
		u.User = url.UserPassword(ba.Username, ba.Password)
	}
	return u.String()
}
