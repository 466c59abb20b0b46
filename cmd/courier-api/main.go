// README: Entry point; loads config, wires services, starts HTTP server, the pending-order sweeper and the dispatcher.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"courier/internal/config"
	httptransport "courier/internal/http"
	"courier/internal/infra"
	"courier/internal/metrics"
	"courier/internal/modules/dispatch"
	"courier/internal/modules/location"
	"courier/internal/modules/order"
	"courier/internal/modules/pricing"
	"courier/internal/modules/tenant"
	"courier/migrations"
)

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.CheckServer()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := infra.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("courier-api exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	fbCfg := infra.FirebaseConfig{
		ProjectID:       cfg.Firebase.ProjectID,
		CredentialsFile: cfg.Firebase.CredentialsFile,
		DatabaseURL:     cfg.Firebase.DatabaseURL,
	}
	var verifier infra.TokenVerifier = infra.StaticVerifier{}
	if cfg.AuthDisabled {
		log.Warn("token verification disabled; bearer tokens are trusted as uid[:role]")
	} else {
		v, err := infra.NewFirebaseVerifier(ctx, fbCfg)
		if err != nil {
			return fmt.Errorf("firebase init: %w", err)
		}
		verifier = v
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		return err
	}
	defer dbPool.Close()
	if err := migrations.Apply(ctx, dbPool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	m := metrics.New()

	tenantCache := tenant.NewRedisCache(tenant.NewStore(dbPool), redisClient, cfg.Tenant.CacheTTL)
	guard := tenant.NewGuard(tenantCache, tenantCache, tenant.GuardConfig{
		InitialBackoff: cfg.Tenant.InitialBackoff,
		MaxAttempts:    cfg.Tenant.MaxAttempts,
	}, log)
	guard.OnResult(m.TenantValidated)

	pricingSvc := pricing.NewService(pricing.NewStore(dbPool))

	orderOpts := []order.Option{order.WithRecorder(m), order.WithLogger(log)}
	if cfg.AMQP.URL != "" {
		pub, err := infra.DialStatusPublisher(ctx, cfg.AMQP.URL, cfg.AMQP.DialTimeout, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		pub.OnFailure(m)
		orderOpts = append(orderOpts, order.WithPublisher(pub))
	} else {
		log.Info("COURIER_AMQP_URL not set; status changes are not broadcast")
	}
	orderSvc := order.NewService(order.NewStore(dbPool), guard, pricingSvc, orderOpts...)

	locationOpts := []location.Option{location.WithRecorder(m), location.WithLogger(log)}
	if cfg.Firebase.DatabaseURL != "" {
		rtdb, err := infra.NewFirebaseDatabase(ctx, fbCfg)
		if err != nil {
			return err
		}
		locationOpts = append(locationOpts, location.WithMirror(location.NewFirebaseMirror(rtdb)))
	}
	locationSvc := location.NewService(location.NewStore(dbPool, redisClient), locationOpts...)

	dispatchSvc := dispatch.NewService(dispatch.NewStore(redisClient), orderSvc, locationSvc, cfg.Dispatch,
		dispatch.WithRecorder(m), dispatch.WithLogger(log))

	go orderSvc.RunPendingTimeout(ctx, cfg.Orders.SweepInterval, cfg.Orders.PendingTimeout)
	go dispatchSvc.RunScheduler(ctx)

	gin.SetMode(gin.ReleaseMode)
	server := httptransport.NewServer(httptransport.ServerDeps{
		Order:    orderSvc,
		Location: locationSvc,
		Guard:    guard,
		Pricing:  pricingSvc,
		Dispatch: dispatchSvc,
		Verifier: verifier,
		Metrics:  m,
		Logger:   log,
	})
	return server.ListenAndServe(ctx, cfg.HTTP.Addr, cfg.HTTP.ShutdownTimeout)
}
