package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"medgate/pkg/models"
)

// memoryDB is an in-memory stand-in for the patient_records and access_audit
// tables, scripted on the SQL shapes the services issue.
type memoryDB struct {
	mu      sync.Mutex
	records map[string]models.PatientRecord
	audits  [][]any
}

func newMemoryDB() *memoryDB {
	return &memoryDB{records: map[string]models.PatientRecord{}}
}

func (m *memoryDB) Close() {}

func (m *memoryDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case strings.Contains(sql, "INSERT INTO patient_records"):
		rec := models.PatientRecord{
			ID:                arguments[0].(string),
			PatientName:       arguments[1].(string),
			PatientChart:      arguments[2].(string),
			PatientMedication: arguments[3].(string),
			PatientHistory:    arguments[4].(string),
			DoctorID:          arguments[5].(string),
			CreatedAt:         arguments[6].(time.Time),
		}
		m.records[rec.ID] = rec
	case strings.Contains(sql, "SET patient_name"):
		rec := m.records[arguments[0].(string)]
		rec.PatientName = arguments[1].(string)
		rec.PatientChart = arguments[2].(string)
		rec.PatientMedication = arguments[3].(string)
		rec.PatientHistory = arguments[4].(string)
		m.records[rec.ID] = rec
	case strings.Contains(sql, "SET nurse_comment=NULL"):
		rec := m.records[arguments[0].(string)]
		rec.NurseComment = ""
		m.records[rec.ID] = rec
	case strings.Contains(sql, "SET nurse_comment=$2"):
		rec := m.records[arguments[0].(string)]
		rec.NurseComment = arguments[1].(string)
		m.records[rec.ID] = rec
	case strings.Contains(sql, "DELETE FROM patient_records"):
		delete(m.records, arguments[0].(string))
	case strings.Contains(sql, "INSERT INTO access_audit"):
		m.audits = append(m.audits, arguments)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func recordValues(rec models.PatientRecord) []any {
	return []any{rec.ID, rec.PatientName, rec.PatientChart, rec.PatientMedication,
		rec.PatientHistory, rec.DoctorID, rec.NurseComment, rec.CreatedAt}
}

func (m *memoryDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.Contains(sql, "FROM access_audit") {
		rows := &memoryRows{}
		for i := len(m.audits) - 1; i >= 0; i-- {
			rows.rows = append(rows.rows, m.audits[i])
		}
		return rows, nil
	}
	var matched []models.PatientRecord
	for _, rec := range m.records {
		if strings.Contains(sql, "doctor_id=$1") && rec.DoctorID != args[0].(string) {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	rows := &memoryRows{}
	for _, rec := range matched {
		rows.rows = append(rows.rows, recordValues(rec))
	}
	return rows, nil
}

func (m *memoryDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[args[0].(string)]; ok {
		return memoryRow{values: recordValues(rec)}
	}
	return memoryRow{err: pgx.ErrNoRows}
}

func (m *memoryDB) auditCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.audits)
}

func (m *memoryDB) lastAudit() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.audits) == 0 {
		return nil
	}
	return m.audits[len(m.audits)-1]
}

type memoryRow struct {
	values []any
	err    error
}

func (r memoryRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignAll(dest, r.values)
}

type memoryRows struct {
	rows [][]any
	idx  int
}

func (r *memoryRows) Close()                                       {}
func (r *memoryRows) Err() error                                   { return nil }
func (r *memoryRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *memoryRows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *memoryRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *memoryRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return errors.New("no current row")
	}
	return assignAll(dest, r.rows[r.idx-1])
}

func (r *memoryRows) Values() ([]any, error) { return nil, errors.New("not implemented") }
func (r *memoryRows) RawValues() [][]byte    { return nil }
func (r *memoryRows) Conn() *pgx.Conn        { return nil }

func assignAll(dest, values []any) error {
	if len(dest) != len(values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = values[i].(string)
		case *time.Time:
			*d = values[i].(time.Time)
		default:
			return errors.New("unsupported scan type")
		}
	}
	return nil
}

// identityStub serves the provider API for a fixed token table. Tokens map to
// account ids so metadata patches are visible on the next verify.
type identityStub struct {
	mu      sync.Mutex
	byToken map[string]string
	byID    map[string]models.Account
	patches []map[string]any
	deleted []string
	creates int
}

func newIdentityStub() *identityStub {
	return &identityStub{byToken: map[string]string{}, byID: map[string]models.Account{}}
}

func (s *identityStub) add(token string, account models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byToken[token] = account.ID
	s.byID[account.ID] = account
}

func (s *identityStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/verify":
			var req map[string]string
			_ = json.NewDecoder(r.Body).Decode(&req)
			id, ok := s.byToken[req["token"]]
			if !ok {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			account, ok := s.byID[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(account)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/identities":
			s.creates++
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "acc-new"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/identities":
			accounts := make([]models.Account, 0, len(s.byID))
			for _, a := range s.byID {
				accounts = append(accounts, a)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"accounts": accounts})
		case r.Method == http.MethodPatch && strings.HasSuffix(r.URL.Path, "/metadata"):
			var patch map[string]any
			_ = json.NewDecoder(r.Body).Decode(&patch)
			s.patches = append(s.patches, patch)
			id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/identities/"), "/metadata")
			account, ok := s.byID[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if raw, ok := patch["status"].(string); ok {
				account.Status = models.Status(raw)
				s.byID[id] = account
			}
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/identities/"):
			id := strings.TrimPrefix(r.URL.Path, "/v1/identities/")
			account, ok := s.byID[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(account)
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/v1/identities/"):
			id := strings.TrimPrefix(r.URL.Path, "/v1/identities/")
			if _, ok := s.byID[id]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(s.byID, id)
			s.deleted = append(s.deleted, id)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

type gatewayFixture struct {
	handler  http.Handler
	db       *memoryDB
	identity *identityStub
	mail     *[]map[string]string
}

func startTestGateway(t *testing.T) *gatewayFixture {
	t.Helper()

	stub := newIdentityStub()
	idSrv := httptest.NewServer(stub.handler())
	t.Cleanup(idSrv.Close)

	var mails []map[string]string
	var mailMu sync.Mutex
	mailSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg map[string]string
		_ = json.NewDecoder(r.Body).Decode(&msg)
		mailMu.Lock()
		mails = append(mails, msg)
		mailMu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(mailSrv.Close)

	t.Setenv("IDENTITY_URL", idSrv.URL)
	t.Setenv("MAIL_RELAY_URL", mailSrv.URL)
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	db := newMemoryDB()
	var captured *http.Server
	err := runGateway(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		func(ctx context.Context) (gatewayDBCloser, error) { return db, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("no redis in tests") },
		func(server *http.Server) error {
			captured = server
			return nil
		},
	)
	if err != nil {
		t.Fatalf("runGateway failed: %v", err)
	}
	if captured == nil {
		t.Fatal("listen was not invoked")
	}
	return &gatewayFixture{handler: captured.Handler, db: db, identity: stub, mail: &mails}
}

func (f *gatewayFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	return rec
}

func TestGatewayRequiresAuthentication(t *testing.T) {
	f := startTestGateway(t)

	if rec := f.do(t, http.MethodGet, "/v1/patients", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/patients", "bogus", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz should be open, got %d", rec.Code)
	}
}

func TestGatewayRecordLifecycle(t *testing.T) {
	f := startTestGateway(t)
	f.identity.add("tok-d1", models.Account{ID: "doc-1", Email: "d1@clinic.test", Role: models.RoleDoctor, Status: models.StatusActive})
	f.identity.add("tok-d2", models.Account{ID: "doc-2", Email: "d2@clinic.test", Role: models.RoleDoctor, Status: models.StatusActive})
	f.identity.add("tok-n1", models.Account{ID: "nurse-1", Email: "n1@clinic.test", Role: models.RoleNurse, Status: models.StatusActive})

	// Doctor creates a record.
	rec := f.do(t, http.MethodPost, "/v1/patients", "tok-d1", map[string]string{
		"patient_name":       "Jane Roe",
		"patient_chart":      "chart",
		"patient_medication": "meds",
		"patient_history":    "history",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created models.PatientRecord
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if created.DoctorID != "doc-1" {
		t.Fatalf("record must be stamped with the creating doctor: %+v", created)
	}

	// The other doctor cannot see, update, or delete it.
	rec = f.do(t, http.MethodGet, "/v1/patients", "tok-d2", nil)
	var listing struct {
		Records []models.PatientRecord `json:"records"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &listing)
	if rec.Code != http.StatusOK || len(listing.Records) != 0 {
		t.Fatalf("other doctor must not see the record: %d %+v", rec.Code, listing)
	}
	rec = f.do(t, http.MethodPatch, "/v1/patients/"+created.ID, "tok-d2", map[string]string{"patient_chart": "hijack"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-owner update: expected 403, got %d", rec.Code)
	}
	if body := rec.Body.String(); strings.Contains(body, "NOT_OWNER") {
		t.Fatalf("internal reason leaked to caller: %s", body)
	}
	rec = f.do(t, http.MethodDelete, "/v1/patients/"+created.ID, "tok-d2", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-owner delete: expected 403, got %d", rec.Code)
	}

	// The nurse sees it and annotates twice; the annotations accumulate.
	rec = f.do(t, http.MethodGet, "/v1/patients", "tok-n1", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &listing)
	if len(listing.Records) != 1 {
		t.Fatalf("nurse must see all records: %+v", listing)
	}
	rec = f.do(t, http.MethodPost, "/v1/patients/"+created.ID+"/comment", "tok-n1", map[string]string{"text": "first"})
	if rec.Code != http.StatusOK {
		t.Fatalf("append: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, "/v1/patients/"+created.ID+"/comment", "tok-n1", map[string]string{"text": "second"})
	var commented map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &commented)
	if commented["nurse_comment"] != "first\nsecond" {
		t.Fatalf("annotations must merge: %q", commented["nurse_comment"])
	}

	// Nurse cannot create; the denial is audited with its internal reason.
	before := f.db.auditCount()
	rec = f.do(t, http.MethodPost, "/v1/patients", "tok-n1", map[string]string{
		"patient_name": "x", "patient_chart": "x", "patient_medication": "x", "patient_history": "x",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("nurse create: expected 403, got %d", rec.Code)
	}
	if f.db.auditCount() != before+1 {
		t.Fatal("denied create must append an audit row")
	}
	last := f.db.lastAudit()
	if last[5] != "DENY" || last[6] != "WRONG_ROLE" {
		t.Fatalf("audit row must carry decision and reason: %v", last)
	}
	if last[1] == "nurse-1" {
		t.Fatal("audit row must store the hashed actor id")
	}

	// Owner updates and deletes.
	rec = f.do(t, http.MethodPatch, "/v1/patients/"+created.ID, "tok-d1", map[string]string{"patient_chart": "updated"})
	if rec.Code != http.StatusOK {
		t.Fatalf("owner update: expected 200, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodDelete, "/v1/patients/"+created.ID, "tok-d1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner delete: expected 200, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodPatch, "/v1/patients/"+created.ID, "tok-d1", map[string]string{"patient_chart": "late"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("update after delete: expected 404, got %d", rec.Code)
	}
}

func TestGatewayAccountLifecycle(t *testing.T) {
	f := startTestGateway(t)
	f.identity.add("tok-adm", models.Account{ID: "adm-1", Email: "a@clinic.test", Role: models.RoleAdmin, Status: models.StatusActive})
	f.identity.add("tok-d1", models.Account{ID: "doc-1", Email: "d1@clinic.test", Name: "Dana", Role: models.RoleDoctor, Status: models.StatusActive})

	// Only the admin reaches the account surface.
	if rec := f.do(t, http.MethodGet, "/v1/admin/accounts", "tok-d1", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("doctor account listing: expected 403, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/admin/accounts", "tok-adm", nil); rec.Code != http.StatusOK {
		t.Fatalf("admin account listing: expected 200, got %d", rec.Code)
	}

	// Create with full profile.
	rec := f.do(t, http.MethodPost, "/v1/admin/accounts", "tok-adm", map[string]string{
		"name": "Nina", "email": "nina@clinic.test", "password": "secret",
		"role": "nurse", "birthdate": "1990-02-01", "employee_id": "EMP-7",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("account create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.identity.creates != 1 {
		t.Fatalf("provider should have been called once, got %d", f.identity.creates)
	}

	// Missing fields never reach the provider.
	rec = f.do(t, http.MethodPost, "/v1/admin/accounts", "tok-adm", map[string]string{"name": "Nina"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("partial create: expected 400, got %d", rec.Code)
	}
	if f.identity.creates != 1 {
		t.Fatal("invalid create must not call the provider")
	}

	// Toggle deactivates and sends the notification.
	rec = f.do(t, http.MethodPost, "/v1/admin/accounts/doc-1/toggle", "tok-adm", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var toggled models.Account
	_ = json.Unmarshal(rec.Body.Bytes(), &toggled)
	if toggled.Status != models.StatusInactive {
		t.Fatalf("expected inactive after toggle, got %s", toggled.Status)
	}
	if len(*f.mail) != 1 || (*f.mail)[0]["subject"] != "Your Account Has Been Deactivated" {
		t.Fatalf("expected deactivation mail, got %+v", *f.mail)
	}

	// The delivery attempt shows up on the metrics surface.
	var snap struct {
		NotifyAttempts int64 `json:"notify_attempts_total"`
		NotifyFailures int64 `json:"notify_failures_total"`
	}
	rec = f.do(t, http.MethodGet, "/metrics", "tok-adm", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &snap)
	if snap.NotifyAttempts != 1 || snap.NotifyFailures != 0 {
		t.Fatalf("toggle mail must move the notify counters: %+v", snap)
	}

	// The deactivated doctor's still-valid session is now rejected.
	if rec := f.do(t, http.MethodGet, "/v1/patients", "tok-d1", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("inactive session: expected 403, got %d", rec.Code)
	}

	// Toggle back and delete.
	if rec := f.do(t, http.MethodPost, "/v1/admin/accounts/doc-1/toggle", "tok-adm", nil); rec.Code != http.StatusOK {
		t.Fatalf("second toggle: expected 200, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/v1/admin/accounts/doc-1", "tok-adm", nil); rec.Code != http.StatusOK {
		t.Fatalf("account delete: expected 200, got %d", rec.Code)
	}
	if len(f.identity.deleted) != 1 || f.identity.deleted[0] != "doc-1" {
		t.Fatalf("provider delete not called: %v", f.identity.deleted)
	}

	// Toggling a missing account is 404.
	if rec := f.do(t, http.MethodPost, "/v1/admin/accounts/ghost/toggle", "tok-adm", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing account toggle: expected 404, got %d", rec.Code)
	}
}

func TestGatewayAdminOnlySurfaces(t *testing.T) {
	f := startTestGateway(t)
	f.identity.add("tok-adm", models.Account{ID: "adm-1", Role: models.RoleAdmin, Status: models.StatusActive})
	f.identity.add("tok-n1", models.Account{ID: "nurse-1", Role: models.RoleNurse, Status: models.StatusActive})

	for _, path := range []string{"/metrics", "/metrics/prometheus", "/v1/admin/audit"} {
		if rec := f.do(t, http.MethodGet, path, "tok-n1", nil); rec.Code != http.StatusForbidden {
			t.Fatalf("%s as nurse: expected 403, got %d", path, rec.Code)
		}
		if rec := f.do(t, http.MethodGet, path, "tok-adm", nil); rec.Code != http.StatusOK {
			t.Fatalf("%s as admin: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestGatewayRequiresIdentityURL(t *testing.T) {
	t.Setenv("IDENTITY_URL", "")
	err := runGateway(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		func(ctx context.Context) (gatewayDBCloser, error) { return newMemoryDB(), nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("no redis") },
		func(server *http.Server) error { return nil },
	)
	if err == nil || !strings.Contains(err.Error(), "IDENTITY_URL") {
		t.Fatalf("expected IDENTITY_URL error, got %v", err)
	}
}

func TestMainUsesSeams(t *testing.T) {
	origFatalf := logFatalf
	origOpenDB := openDBFnG
	origListen := listenFnG
	origTelemetry := initTelemetryG
	defer func() {
		logFatalf = origFatalf
		openDBFnG = origOpenDB
		listenFnG = origListen
		initTelemetryG = origTelemetry
	}()

	fatalCalled := false
	logFatalf = func(format string, args ...any) { fatalCalled = true }
	initTelemetryG = func(ctx context.Context, service string) (func(context.Context) error, error) {
		return func(context.Context) error { return nil }, nil
	}
	openDBFnG = func(ctx context.Context) (gatewayDBCloser, error) {
		return nil, errors.New("db down")
	}
	listenFnG = func(server *http.Server) error { return nil }

	main()

	if !fatalCalled {
		t.Fatal("db failure should reach logFatalf")
	}
}
