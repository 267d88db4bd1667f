package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/accurate-migrator/internal/accurate"
	"github.com/JakeFAU/accurate-migrator/internal/config"
	"github.com/JakeFAU/accurate-migrator/internal/mapping"
	"github.com/JakeFAU/accurate-migrator/internal/mapping/memory"
	"github.com/JakeFAU/accurate-migrator/internal/migration"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, testDeps{})
	rec := serve(server, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(t, testDeps{}), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cfg := testConfig()
	cfg.Destination = config.ConnConfig{}
	rec = serve(NewServer(nil, nil, nil, cfg, zap.NewNop()), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(t, testDeps{}), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RunMigration(t *testing.T) {
	t.Parallel()

	migrator := &fakeMigrator{report: migration.Report{RunID: "run-1", Module: "purchase-order", S: true, Fetched: 3, Success: 3}}
	server := newTestServer(t, testDeps{migrator: migrator})

	rec := serve(server, http.MethodPost, "/v1/migrations", []byte(`{"module":"purchase-order","params":{"filter.transDate.op":"BETWEEN"}}`))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "run-1", body["run_id"])
	require.Equal(t, "purchase-order", migrator.job.Module)
	require.Equal(t, "BETWEEN", migrator.job.Params.Get("filter.transDate.op"))
}

func TestServer_RunMigrationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		deps   testDeps
		status int
	}{
		{name: "invalid json", body: "{invalid", deps: testDeps{migrator: &fakeMigrator{}}, status: http.StatusBadRequest},
		{name: "missing module", body: `{"module":" "}`, deps: testDeps{migrator: &fakeMigrator{}}, status: http.StatusBadRequest},
		{name: "not configured", body: `{"module":"item"}`, status: http.StatusServiceUnavailable},
		{
			name:   "upstream rejected",
			body:   `{"module":"item"}`,
			deps:   testDeps{migrator: &fakeMigrator{report: migration.Report{RunID: "run-2"}, err: fmt.Errorf("save item: %w", accurate.ErrUpstreamRejected)}},
			status: http.StatusBadGateway,
		},
		{
			name:   "missing connection",
			body:   `{"module":"item"}`,
			deps:   testDeps{migrator: &fakeMigrator{err: accurate.ErrAuthMissing}},
			status: http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(newTestServer(t, tt.deps), http.MethodPost, "/v1/migrations", []byte(tt.body))
			require.Equal(t, tt.status, rec.Code)
			require.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestServer_SaveModule(t *testing.T) {
	t.Parallel()

	saver := &fakeSaver{result: migration.Result{S: true, Total: 2, Success: 2, Strategy: migration.StrategyBulk}}
	server := newTestServer(t, testDeps{saver: saver})

	rec := serve(server, http.MethodPost, "/v1/modules/sales-invoice/save",
		[]byte(`{"data":[{"number":"SI-1","totalAmount":1500.50},{"number":"SI-2"}]}`))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":2`)
	require.Equal(t, "/api/sales-invoice/bulk-save.do", saver.req.Endpoint)
	require.Equal(t, int64(202), saver.req.Dest.DatabaseID)
	require.NotNil(t, saver.req.Source)
	require.Equal(t, int64(101), saver.req.Source.DatabaseID)
	require.Len(t, saver.req.Records, 2)
	require.Equal(t, json.Number("1500.50"), saver.req.Records[0]["totalAmount"])
}

func TestServer_SaveModuleErrors(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, testDeps{saver: &fakeSaver{}})
	rec := serve(server, http.MethodPost, "/v1/modules/item/save", []byte(`{"data":{"number":"X"}}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rejected := &fakeSaver{
		result: migration.Result{Total: 1, Failed: 1, Strategy: migration.StrategyBulk},
		err:    fmt.Errorf("bulk save: %w", accurate.ErrUpstreamRejected),
	}
	rec = serve(newTestServer(t, testDeps{saver: rejected}), http.MethodPost, "/v1/modules/item/save", []byte(`{"data":[{"number":"X"}]}`))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), `"failed":1`)
}

func TestServer_GetMapping(t *testing.T) {
	t.Parallel()

	mappings := &fakeMappings{values: map[string]string{
		"202/purchase-order/PO-OLD":      "PO-NEW",
		"202/purchase-order/PO/2024/001": "PO/2025/009",
	}}
	server := newTestServer(t, testDeps{mappings: mappings})

	rec := serve(server, http.MethodGet, "/v1/mappings/202/purchase-order/PO-OLD", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"new_number":"PO-NEW"`)

	for _, path := range []string{
		"/v1/mappings/202/purchase-order/PO%2F2024%2F001",
		"/v1/mappings/202/purchase-order/PO/2024/001",
	} {
		rec = serve(server, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.Contains(t, rec.Body.String(), `"old_number":"PO/2024/001"`, path)
		require.Contains(t, rec.Body.String(), `"new_number":"PO/2025/009"`, path)
	}

	rec = serve(server, http.MethodGet, "/v1/mappings/202/purchase-order/", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/mappings/202/purchase-order/PO-MISSING", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/mappings/abc/purchase-order/PO-OLD", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	mappings.err = errors.New("db down")
	rec = serve(server, http.MethodGet, "/v1/mappings/202/purchase-order/PO-OLD", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_GetMappingReturnsStoredRow(t *testing.T) {
	t.Parallel()

	store := memory.New(fixedClock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)))
	_, err := store.Put(context.Background(), 202, "purchase-order", "PO/2024/001", []byte(`{"s":true,"r":{"number":"PO/2025/009"}}`))
	require.NoError(t, err)
	server := NewServer(nil, nil, store, testConfig(), zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/mappings/202/purchase-order/PO%2F2024%2F001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "PO/2025/009", body["new_number"])
	require.Equal(t, "2025-03-01T08:00:00Z", body["created_at"])
	require.NotContains(t, body, "raw_response")
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := NewServer(&fakeMigrator{}, nil, nil, cfg, zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/migrations", []byte(`{"module":"item"}`))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/migrations", bytes.NewBufferString(`{"module":"item"}`))
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, testDeps{migrator: panicMigrator{}})
	rec := serve(server, http.MethodPost, "/v1/migrations", []byte(`{"module":"item"}`))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_RequestIDPropagates(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	newTestServer(t, testDeps{}).Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriter_FlushAndHijack(t *testing.T) {
	t.Parallel()

	base := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: base}
	rw.Flush()
	if !base.Flushed {
		t.Fatal("expected underlying recorder to be flushed")
	}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type testDeps struct {
	migrator Migrator
	saver    Saver
	mappings *fakeMappings
}

func newTestServer(t *testing.T, deps testDeps) *Server {
	t.Helper()
	var reader mapping.Reader
	if deps.mappings != nil {
		reader = deps.mappings
	}
	return NewServer(deps.migrator, deps.saver, reader, testConfig(), zap.NewNop())
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 30},
		Source: config.ConnConfig{
			AccessToken: "src-token", Host: "https://zeus.accurate.id", SessionID: "src", DatabaseID: 101,
		},
		Destination: config.ConnConfig{
			AccessToken: "dst-token", Host: "https://iris.accurate.id", SessionID: "dst", DatabaseID: 202,
		},
	}
}

func serve(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeMigrator struct {
	mu     sync.Mutex
	job    migration.Job
	report migration.Report
	err    error
}

func (f *fakeMigrator) Migrate(_ context.Context, job migration.Job) (migration.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job = job
	return f.report, f.err
}

type panicMigrator struct{}

func (panicMigrator) Migrate(context.Context, migration.Job) (migration.Report, error) {
	panic("boom")
}

type fakeSaver struct {
	mu     sync.Mutex
	req    migration.SaveRequest
	result migration.Result
	err    error
}

func (f *fakeSaver) Save(_ context.Context, req migration.SaveRequest) (migration.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.req = req
	return f.result, f.err
}

type fakeMappings struct {
	values map[string]string
	err    error
}

func (f *fakeMappings) Get(_ context.Context, databaseID int64, module, oldNumber string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	v, ok := f.values[fmt.Sprintf("%d/%s/%s", databaseID, module, oldNumber)]
	return v, ok, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
