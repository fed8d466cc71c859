package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"medgate/pkg/accounts"
	"medgate/pkg/audit"
	"medgate/pkg/auth"
	"medgate/pkg/events"
	"medgate/pkg/httpx"
	"medgate/pkg/identity"
	"medgate/pkg/metrics"
	"medgate/pkg/models"
	"medgate/pkg/notify"
	"medgate/pkg/ratelimit"
	"medgate/pkg/records"
	"medgate/pkg/store"
	"medgate/pkg/stream"
	"medgate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Recent(ctx context.Context, limit int) ([]audit.Record, error)
}

type Server struct {
	Records             *records.Service
	Accounts            *accounts.Service
	Audit               auditStore
	Metrics             *metrics.Registry
	Events              events.Publisher
	Hub                 *stream.Hub
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	identityURL := strings.TrimSpace(env("IDENTITY_URL", ""))
	if identityURL == "" {
		return errors.New("IDENTITY_URL is required")
	}
	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 3000))})
	provider := identity.HTTPProvider{
		Client:     httpClient,
		BaseURL:    identityURL,
		AuthHeader: env("IDENTITY_AUTH_HEADER", ""),
		AuthToken:  env("IDENTITY_AUTH_TOKEN", ""),
		Retries:    envInt("UPSTREAM_RETRIES", 1),
		RetryDelay: time.Millisecond * time.Duration(envInt("UPSTREAM_RETRY_DELAY_MS", 50)),
	}

	var sink notify.Sink = notify.LogSink{}
	if relayURL := strings.TrimSpace(env("MAIL_RELAY_URL", "")); relayURL != "" {
		sink = notify.HTTPRelay{
			Client:     httpClient,
			Endpoint:   relayURL,
			AuthHeader: env("MAIL_RELAY_AUTH_HEADER", ""),
			AuthToken:  env("MAIL_RELAY_AUTH_TOKEN", ""),
			Retries:    envInt("UPSTREAM_RETRIES", 1),
			RetryDelay: time.Millisecond * time.Duration(envInt("UPSTREAM_RETRY_DELAY_MS", 50)),
		}
	}

	var publisher events.Publisher = events.Nop{}
	if brokers := strings.TrimSpace(env("KAFKA_BROKERS", "")); brokers != "" {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_EVENTS_TOPIC", "medgate.events"),
		})
		if err != nil {
			log.Printf("kafka disabled: %v", err)
		} else {
			publisher = kp
			defer func() { _ = kp.Close() }()
		}
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, using in-process rate limits and cache: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	var limiter ratelimit.Limiter
	if rateLimitEnabled {
		rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
		if rateLimitWindow <= 0 {
			rateLimitWindow = time.Minute
		}
		if redisClient != nil {
			limiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			limiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	directory := store.NewCache(ctx, redisClient)

	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	registry := metrics.NewRegistry()
	s := &Server{
		Records:  &records.Service{DB: pool},
		Accounts: &accounts.Service{
			Provider:     provider,
			Notifier:     sink,
			OnNotify:     registry.IncNotifyAttempt,
			Directory:    directory,
			DirectoryTTL: envDurationSec("ACCOUNTS_CACHE_TTL_SEC", 15),
		},
		Audit:               &audit.Writer{DB: pool},
		Metrics:             registry,
		Events:              publisher,
		Hub:                 stream.NewHub(),
		RateLimiter:         limiter,
		RateLimitEnabled:    rateLimitEnabled,
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(identity.Resolver{Provider: provider}))
	authRouter.Use(s.rateLimitMiddleware)
	authRouter.Get("/v1/patients", s.listRecords)
	authRouter.Post("/v1/patients", s.createRecord)
	authRouter.Patch("/v1/patients/{record_id}", s.updateRecord)
	authRouter.Delete("/v1/patients/{record_id}", s.deleteRecord)
	authRouter.Post("/v1/patients/{record_id}/comment", s.appendComment)
	authRouter.Delete("/v1/patients/{record_id}/comment", s.clearComment)
	authRouter.Get("/v1/admin/accounts", s.listAccounts)
	authRouter.Post("/v1/admin/accounts", s.createAccount)
	authRouter.Post("/v1/admin/accounts/{account_id}/toggle", s.toggleAccount)
	authRouter.Delete("/v1/admin/accounts/{account_id}", s.deleteAccount)
	authRouter.Get("/v1/admin/audit", s.withRole(s.listAudit, models.RoleAdmin))
	authRouter.Get("/v1/admin/stream", s.withRole(s.streamEvents, models.RoleAdmin))
	authRouter.Get("/metrics", s.withRole(s.Metrics.Handler(), models.RoleAdmin))
	authRouter.Get("/metrics/prometheus", s.withRole(s.Metrics.PrometheusHandler(), models.RoleAdmin))
	r.Mount("/", authRouter)

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		srv.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (srv *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if srv.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, srv.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !srv.RateLimitEnabled || srv.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		dec := srv.RateLimiter.Allow("principal:"+principal.ID, srv.RateLimitPerMinute)
		if !dec.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(dec.ResetAt).Seconds())+1))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRole guards admin-only surfaces that sit outside the services (metrics,
// audit listing, event stream). Resource-level authorization stays in the
// services via the policy table.
func (s *Server) withRole(h http.HandlerFunc, role models.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if principal.Role != role {
			httpx.Error(w, http.StatusForbidden, "forbidden")
			return
		}
		h(w, r)
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
