package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"medgate/pkg/httpx"
	"medgate/pkg/identity"
	"medgate/pkg/models"
	"medgate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// mock-identity is a development stand-in for the external identity provider.
// Accounts and tokens live in memory; state is lost on restart.

type storedAccount struct {
	account  models.Account
	password string
}

type Store struct {
	mu       sync.Mutex
	accounts map[string]storedAccount
	tokens   map[string]string // token -> account id
}

func newStore() *Store {
	return &Store{
		accounts: map[string]storedAccount{},
		tokens:   map[string]string{},
	}
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runMockIdentity(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

func newToken() string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (s *Store) findByEmail(email string) (storedAccount, bool) {
	for _, sa := range s.accounts {
		if strings.EqualFold(sa.account.Email, email) {
			return sa, true
		}
	}
	return storedAccount{}, false
}

// issueToken signs a user in. An inactive account cannot start a new session;
// sessions already issued are cut off by per-request verification instead.
func (s *Store) issueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	defer s.mu.Unlock()
	sa, ok := s.findByEmail(strings.TrimSpace(req.Email))
	if !ok || sa.password != req.Password {
		httpx.Error(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if sa.account.Status != models.StatusActive {
		httpx.Error(w, http.StatusForbidden, "account deactivated")
		return
	}
	token := newToken()
	s.tokens[token] = sa.account.ID
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Store) verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[strings.TrimSpace(req.Token)]
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "invalid token")
		return
	}
	sa, ok := s.accounts[id]
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "invalid token")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sa.account)
}

func (s *Store) createIdentity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string            `json:"email"`
		Password string            `json:"password"`
		Metadata identity.Metadata `json:"metadata"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		httpx.Error(w, http.StatusBadRequest, "email and password required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.findByEmail(req.Email); exists {
		httpx.Error(w, http.StatusConflict, "email already registered")
		return
	}
	account := models.Account{
		ID:         uuid.New().String(),
		Email:      req.Email,
		Name:       req.Metadata.Name,
		Role:       req.Metadata.Role,
		Birthdate:  req.Metadata.Birthdate,
		EmployeeID: req.Metadata.EmployeeID,
		Status:     req.Metadata.Status,
		CreatedAt:  time.Now().UTC(),
	}
	if account.Status == "" {
		account.Status = models.StatusActive
	}
	s.accounts[account.ID] = storedAccount{account: account, password: req.Password}
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"id": account.ID})
}

func (s *Store) getIdentity(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sa, ok := s.accounts[chi.URLParam(r, "id")]
	if !ok {
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sa.account)
}

// setMetadata applies the non-zero fields of the patch.
func (s *Store) setMetadata(w http.ResponseWriter, r *http.Request) {
	var patch identity.Metadata
	_ = json.NewDecoder(r.Body).Decode(&patch)
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chi.URLParam(r, "id")
	sa, ok := s.accounts[id]
	if !ok {
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}
	if patch.Name != "" {
		sa.account.Name = patch.Name
	}
	if patch.Role != "" {
		sa.account.Role = patch.Role
	}
	if patch.Birthdate != "" {
		sa.account.Birthdate = patch.Birthdate
	}
	if patch.EmployeeID != "" {
		sa.account.EmployeeID = patch.EmployeeID
	}
	if patch.Status != "" {
		sa.account.Status = patch.Status
	}
	s.accounts[id] = sa
	httpx.WriteJSON(w, http.StatusOK, sa.account)
}

func (s *Store) deleteIdentity(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := chi.URLParam(r, "id")
	if _, ok := s.accounts[id]; !ok {
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}
	delete(s.accounts, id)
	for token, accountID := range s.tokens {
		if accountID == id {
			delete(s.tokens, token)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Store) listIdentities(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]models.Account, 0, len(s.accounts))
	for _, sa := range s.accounts {
		items = append(items, sa.account)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"accounts": items})
}

// seedAdmin creates the bootstrap administrator when MOCK_ADMIN_EMAIL and
// MOCK_ADMIN_PASSWORD are set. Without it a fresh store has no way in.
func (s *Store) seedAdmin() {
	email := strings.TrimSpace(env("MOCK_ADMIN_EMAIL", ""))
	password := env("MOCK_ADMIN_PASSWORD", "")
	if email == "" || password == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.findByEmail(email); exists {
		return
	}
	account := models.Account{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      env("MOCK_ADMIN_NAME", "Administrator"),
		Role:      models.RoleAdmin,
		Status:    models.StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	s.accounts[account.ID] = storedAccount{account: account, password: password}
	log.Printf("seeded admin account %s", email)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runMockIdentity(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "mock-identity")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	store := newStore()
	store.seedAdmin()
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("mock-identity"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "mock-identity"})
	})
	r.Post("/v1/token", store.issueToken)
	r.Post("/v1/verify", store.verify)
	r.Post("/v1/identities", store.createIdentity)
	r.Get("/v1/identities", store.listIdentities)
	r.Get("/v1/identities/{id}", store.getIdentity)
	r.Patch("/v1/identities/{id}/metadata", store.setMetadata)
	r.Delete("/v1/identities/{id}", store.deleteIdentity)

	addr := env("ADDR", ":8084")
	log.Printf("mock-identity listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
