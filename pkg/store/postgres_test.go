package store

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func stubPostgresRetries(t *testing.T) {
	t.Helper()
	origRetries := postgresConnectRetries
	origDelay := postgresRetryDelay
	origPingTimeout := postgresPingTimeout
	origSleep := postgresSleep
	origNew := pgxPoolNewWithConfig
	t.Cleanup(func() {
		postgresConnectRetries = origRetries
		postgresRetryDelay = origDelay
		postgresPingTimeout = origPingTimeout
		postgresSleep = origSleep
		pgxPoolNewWithConfig = origNew
	})
	postgresConnectRetries = 1
	postgresRetryDelay = 0
	postgresPingTimeout = 50 * time.Millisecond
	postgresSleep = func(time.Duration) {}
}

func TestValidatePostgresTLS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"verify_full_allowed", "postgres://u:p@db:5432/medgate?sslmode=verify-full", false},
		{"verify_ca_allowed", "postgres://u:p@db:5432/medgate?sslmode=verify-ca", false},
		{"require_allowed", "postgres://u:p@db:5432/medgate?sslmode=require", false},
		{"prefer_denied", "postgres://u:p@db:5432/medgate?sslmode=prefer", true},
		{"disable_denied", "postgres://u:p@db:5432/medgate?sslmode=disable", true},
		{"missing_sslmode_denied", "postgres://u:p@db:5432/medgate", true},
		{"invalid_url_denied", "://bad", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validatePostgresTLS(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validatePostgresTLS(%q) = %v, wantErr=%v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestNewPostgresPoolRejectsInvalidInputs(t *testing.T) {
	t.Setenv("DATABASE_REQUIRE_TLS", "")
	t.Setenv("DATABASE_URL", "://bad")
	if _, err := NewPostgresPool(context.Background()); err == nil {
		t.Fatal("expected parse error for invalid dsn")
	}

	t.Setenv("DATABASE_REQUIRE_TLS", "true")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/medgate?sslmode=disable")
	_, err := NewPostgresPool(context.Background())
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("expected tls enforcement error, got %v", err)
	}
}

func TestNewPostgresPoolRetryExhausted(t *testing.T) {
	stubPostgresRetries(t)

	// A freshly closed port guarantees a fast connection failure.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	t.Setenv("DATABASE_REQUIRE_TLS", "")
	t.Setenv("DATABASE_URL", "postgres://u:p@"+addr+"/medgate?sslmode=disable")
	_, err = NewPostgresPool(context.Background())
	if err == nil || !strings.Contains(err.Error(), "db ping retries exhausted") {
		t.Fatalf("expected retry exhausted error, got %v", err)
	}
}

func TestNewPostgresPoolPoolCreationError(t *testing.T) {
	stubPostgresRetries(t)
	pgxPoolNewWithConfig = func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error) {
		return nil, errors.New("boom")
	}

	t.Setenv("DATABASE_REQUIRE_TLS", "")
	t.Setenv("DATABASE_URL", "postgres://u:p@127.0.0.1:5432/medgate?sslmode=disable")
	_, err := NewPostgresPool(context.Background())
	if err == nil || !strings.Contains(err.Error(), "db ping retries exhausted") {
		t.Fatalf("expected wrapped retry error, got %v", err)
	}
}

func TestNewPostgresPoolConfiguresPool(t *testing.T) {
	stubPostgresRetries(t)

	var captured *pgxpool.Config
	pgxPoolNewWithConfig = func(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
		captured = cfg
		return nil, errors.New("boom")
	}

	t.Setenv("DATABASE_REQUIRE_TLS", "")
	t.Setenv("DATABASE_URL", "postgres://u:p@127.0.0.1:5432/medgate?sslmode=disable")
	t.Setenv("DB_MAX_CONNS", "25")
	t.Setenv("DB_MIN_CONNS", "3")
	if _, err := NewPostgresPool(context.Background()); err == nil {
		t.Fatal("expected error from stubbed pool constructor")
	}

	if captured == nil {
		t.Fatal("pool config not captured")
	}
	if got := captured.ConnConfig.RuntimeParams["application_name"]; got != "medgate" {
		t.Fatalf("expected application_name=medgate, got %q", got)
	}
	if captured.MaxConns != 25 || captured.MinConns != 3 {
		t.Fatalf("pool sizing not applied: max=%d min=%d", captured.MaxConns, captured.MinConns)
	}
}

func TestEnvPositiveInt(t *testing.T) {
	t.Setenv("DB_MAX_CONNS", "")
	if envPositiveInt("DB_MAX_CONNS", 10) != 10 {
		t.Fatal("empty value should use fallback")
	}
	t.Setenv("DB_MAX_CONNS", "-5")
	if envPositiveInt("DB_MAX_CONNS", 10) != 10 {
		t.Fatal("negative value should use fallback")
	}
	t.Setenv("DB_MAX_CONNS", "junk")
	if envPositiveInt("DB_MAX_CONNS", 10) != 10 {
		t.Fatal("garbage should use fallback")
	}
	t.Setenv("DB_MAX_CONNS", "8")
	if envPositiveInt("DB_MAX_CONNS", 10) != 8 {
		t.Fatal("valid value should be used")
	}
}
