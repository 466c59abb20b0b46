// README: Customer-side tracker; follows one order and prints tracking events as JSON lines.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"courier/internal/client"
	"courier/internal/config"
	"courier/internal/infra"
	"courier/internal/modules/tenant"
	"courier/internal/tracking"
	"courier/internal/types"
	"courier/internal/widget"
)

type line struct {
	At         time.Time `json:"at"`
	Event      string    `json:"event"`
	Status     string    `json:"status,omitempty"`
	PrevStatus string    `json:"prev_status,omitempty"`
	DistanceKm *float64  `json:"distance_km,omitempty"`
	ETAMinutes *int      `json:"eta_minutes,omitempty"`
	Failures   int       `json:"failures,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	var (
		tenantID string
		orderID  string
		degraded bool
	)
	flag.StringVar(&tenantID, "tenant", os.Getenv("COURIER_TENANT"), "tenant identifier")
	flag.StringVar(&orderID, "order", "", "order id to follow")
	flag.BoolVar(&degraded, "allow-degraded", false, "continue when the tenant registry is unreachable")
	flag.StringVar(&cfg.Client.BaseURL, "base-url", cfg.Client.BaseURL, "API base URL")
	flag.DurationVar(&cfg.Client.PollInterval, "poll", cfg.Client.PollInterval, "poll interval")
	flag.Parse()

	log := infra.NewLogger(os.Stderr, cfg.LogLevel)
	if tenantID == "" || orderID == "" {
		log.Error("-tenant and -order are required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, tenantID, types.ID(orderID), degraded, log); err != nil {
		log.Error("courier-track exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, candidate string, orderID types.ID, degraded bool, log *slog.Logger) error {
	api, err := client.New(cfg.Client.BaseURL, client.WithToken(cfg.Client.Token))
	if err != nil {
		return err
	}
	prefs := widget.NewPrefs()
	guard := tenant.NewGuard(api, prefs, tenant.GuardConfig{
		InitialBackoff: cfg.Tenant.InitialBackoff,
		MaxAttempts:    cfg.Tenant.MaxAttempts,
	}, log)

	opts := []widget.Option{widget.WithLogger(log), widget.WithPollInterval(cfg.Client.PollInterval)}
	if degraded {
		opts = append(opts, widget.AllowDegraded())
	}
	w, err := widget.Open(ctx, candidate, api, guard, prefs, opts...)
	if err != nil {
		return err
	}
	defer w.Close()

	enc := json.NewEncoder(os.Stdout)
	closed := make(chan struct{})
	handler := func(ev tracking.Event) {
		out := line{At: time.Now().UTC(), Event: string(ev.Kind), PrevStatus: string(ev.PrevStatus), Failures: ev.Failures}
		if ev.Snapshot.Order != nil {
			out.Status = string(ev.Snapshot.Order.Status)
		}
		if est := ev.Snapshot.Estimate; est != nil {
			out.DistanceKm, out.ETAMinutes = &est.DistanceKm, &est.ETAMinutes
		}
		if ev.Err != nil {
			out.Error = ev.Err.Error()
		}
		_ = enc.Encode(out)
		if ev.Kind == tracking.EventClose {
			select {
			case <-closed:
			default:
				close(closed)
			}
		}
	}

	tr, err := w.Track(ctx, orderID)
	if tr != nil {
		tr.OnEvent(handler)
	}
	if err != nil {
		return err
	}
	if snap, ok := tr.Snapshot(); ok {
		handler(tracking.Event{Kind: tracking.EventOpen, Snapshot: snap})
		if snap.Order.Status.Terminal() {
			return nil
		}
	}

	select {
	case <-ctx.Done():
	case <-closed:
		if err := tr.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}
