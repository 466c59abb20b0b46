// README: Agent device simulator; streams positions from stdin or a file through a GeoReporter.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"courier/internal/client"
	"courier/internal/clock"
	"courier/internal/config"
	"courier/internal/georeport"
	"courier/internal/infra"
	"courier/internal/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	var (
		agentID string
		input   string
		pace    time.Duration
	)
	flag.StringVar(&agentID, "agent", os.Getenv("COURIER_AGENT_ID"), "agent id (must match the token uid)")
	flag.StringVar(&input, "input", "-", "position lines \"lat,lng[,accuracy]\"; - reads stdin")
	flag.DurationVar(&pace, "pace", time.Second, "delay between input lines")
	flag.StringVar(&cfg.Client.BaseURL, "base-url", cfg.Client.BaseURL, "API base URL")
	flag.StringVar(&cfg.Client.Token, "token", cfg.Client.Token, "bearer token")
	flag.DurationVar(&cfg.Client.ReportInterval, "interval", cfg.Client.ReportInterval, "minimum time between reports")
	flag.Parse()

	log := infra.NewLogger(os.Stderr, cfg.LogLevel)
	if agentID == "" {
		log.Error("agent id is required (-agent or COURIER_AGENT_ID)")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.Client, types.ID(agentID), input, pace, log); err != nil {
		log.Error("courier-agent exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cc config.ClientConfig, agentID types.ID, input string, pace time.Duration, log *slog.Logger) error {
	api, err := client.New(cc.BaseURL, client.WithToken(cc.Token))
	if err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	src := georeport.NewLineSource(r, clock.NewSystem())
	src.Pace = pace

	rep := georeport.NewReporter(src, api, georeport.WithInterval(cc.ReportInterval), georeport.WithLogger(log))
	rep.OnEvent(func(ev georeport.Event) {
		switch ev.Kind {
		case georeport.EventPositionUpdated:
			log.Info("position reported", "lat", ev.Position.Position.Lat, "lng", ev.Position.Position.Lng)
		case georeport.EventError:
			log.Warn("reporter error", "err", ev.Err)
		}
	})

	if err := rep.Start(ctx, agentID); err != nil {
		return err
	}
	// The reporter leaves the reporting state on its own when the input ends
	// or permission is denied.
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for rep.State() == georeport.StateReporting {
		select {
		case <-ctx.Done():
			rep.Stop()
		case <-t.C:
		}
	}
	final := rep.State()
	rep.Stop()

	st := rep.Stats()
	log.Info("reporter stopped", "state", final, "submitted", st.Submitted, "throttled", st.Throttled,
		"offline", st.Offline, "failed", st.Failed, "discarded", st.Discarded)
	if final == georeport.StatePermissionDenied {
		return georeport.ErrPermissionDenied
	}
	return nil
}
