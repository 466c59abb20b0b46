package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("COURIER_AUTH_DISABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Client.ReportInterval != 15*time.Second {
		t.Fatalf("report interval = %v", cfg.Client.ReportInterval)
	}
	if cfg.Tenant.MaxAttempts != 4 || cfg.Tenant.InitialBackoff != 2*time.Second {
		t.Fatalf("tenant = %+v", cfg.Tenant)
	}
	if cfg.Dispatch.Interval != 10*time.Second || cfg.Dispatch.RadiusKm != 3.0 || cfg.Dispatch.MaxFixAge != 2*time.Minute {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("COURIER_AUTH_DISABLED", "1")
	t.Setenv("COURIER_PENDING_TIMEOUT", "45m")
	t.Setenv("COURIER_BASE_URL", "https://api.example.com/")
	t.Setenv("COURIER_DB_MAX_CONNS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Orders.PendingTimeout != 45*time.Minute {
		t.Fatalf("pending timeout = %v", cfg.Orders.PendingTimeout)
	}
	if cfg.Client.BaseURL != "https://api.example.com" {
		t.Fatalf("base url = %q", cfg.Client.BaseURL)
	}
	if cfg.DB.MaxConns != 10 {
		t.Fatalf("max conns = %d", cfg.DB.MaxConns)
	}
}

func TestCheckServer_RequiresFirebaseProject(t *testing.T) {
	t.Setenv("COURIER_AUTH_DISABLED", "false")
	t.Setenv("COURIER_FIREBASE_PROJECT_ID", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.CheckServer(); err == nil {
		t.Fatal("expected error without firebase project")
	}
	cfg.AuthDisabled = true
	if err := cfg.CheckServer(); err != nil {
		t.Fatalf("CheckServer with auth disabled: %v", err)
	}
}

func TestLoad_RejectsZeroAttempts(t *testing.T) {
	t.Setenv("COURIER_AUTH_DISABLED", "true")
	t.Setenv("COURIER_TENANT_ATTEMPTS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero attempts")
	}
}

func TestLoad_DispatchDisabledAndBadRadius(t *testing.T) {
	t.Setenv("COURIER_AUTH_DISABLED", "true")
	t.Setenv("COURIER_DISPATCH_INTERVAL", "0s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.Interval != 0 {
		t.Fatalf("interval = %v", cfg.Dispatch.Interval)
	}

	t.Setenv("COURIER_DISPATCH_RADIUS_KM", "-1")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative radius")
	}

	t.Setenv("COURIER_DISPATCH_RADIUS_KM", "3")
	t.Setenv("COURIER_DISPATCH_MAX_FIX_AGE", "-1m")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative fix age")
	}
}
