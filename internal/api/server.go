package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/JakeFAU/accurate-migrator/internal/accurate"
	"github.com/JakeFAU/accurate-migrator/internal/config"
	"github.com/JakeFAU/accurate-migrator/internal/mapping"
	"github.com/JakeFAU/accurate-migrator/internal/metrics"
	"github.com/JakeFAU/accurate-migrator/internal/migration"
	"github.com/JakeFAU/accurate-migrator/internal/module"
	"github.com/JakeFAU/accurate-migrator/internal/record"
)

const (
	defaultRequestTimeout = 660 * time.Second
	maxBodyBytes          = 32 << 20
)

// Migrator runs a whole-module migration.
type Migrator interface {
	Migrate(ctx context.Context, job migration.Job) (migration.Report, error)
}

// Saver saves a batch of records into the destination database.
type Saver interface {
	Save(ctx context.Context, req migration.SaveRequest) (migration.Result, error)
}

// Server wires HTTP handlers to the runner, orchestrator and mapping store.
type Server struct {
	router   chi.Router
	migrator Migrator
	saver    Saver
	mappings mapping.Reader
	source   accurate.Conn
	dest     accurate.Conn
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	migrator Migrator,
	saver Saver,
	mappings mapping.Reader,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		migrator: migrator,
		saver:    saver,
		mappings: mappings,
		source:   cfg.Source.Conn(),
		dest:     cfg.Destination.Conn(),
		logger:   logger.Named("api"),
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/migrations", s.runMigration)
		r.Post("/modules/{module}/save", s.saveModule)
		r.Get("/mappings/{database_id}/{module}/*", s.getMapping)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if err := s.dest.Validate(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "destination connection not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type migrationRequest struct {
	Module string            `json:"module"`
	Params map[string]string `json:"params"`
}

func (s *Server) runMigration(w http.ResponseWriter, r *http.Request) {
	if s.migrator == nil {
		writeError(w, http.StatusServiceUnavailable, "migrations are not configured")
		return
	}
	var req migrationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Module) == "" {
		writeError(w, http.StatusBadRequest, "module required")
		return
	}
	job := migration.Job{Module: req.Module}
	if len(req.Params) > 0 {
		job.Params = url.Values{}
		for k, v := range req.Params {
			job.Params.Set(k, v)
		}
	}

	report, err := s.migrator.Migrate(r.Context(), job)
	if err != nil {
		if report.RunID == "" {
			writeError(w, statusFor(err), err.Error())
			return
		}
		if report.Error == "" {
			report.Error = err.Error()
		}
		writeJSON(w, statusFor(err), report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type saveResponse struct {
	migration.Result
	Error string `json:"error,omitempty"`
}

func (s *Server) saveModule(w http.ResponseWriter, r *http.Request) {
	if s.saver == nil {
		writeError(w, http.StatusServiceUnavailable, "saving is not configured")
		return
	}
	slug := chi.URLParam(r, "module")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		writeError(w, http.StatusBadRequest, "data must be an array of records")
		return
	}
	records, err := record.DecodeList([]byte(data.Raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := migration.SaveRequest{
		Endpoint: module.BulkSaveEndpoint(slug),
		Dest:     s.dest,
		Records:  records,
	}
	if s.source.Validate() == nil {
		source := s.source
		req.Source = &source
	}
	res, err := s.saver.Save(r.Context(), req)
	if err != nil {
		writeJSON(w, statusFor(err), saveResponse{Result: res, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, saveResponse{Result: res})
}

func (s *Server) getMapping(w http.ResponseWriter, r *http.Request) {
	if s.mappings == nil {
		writeError(w, http.StatusServiceUnavailable, "mapping store not configured")
		return
	}
	databaseID, err := strconv.ParseInt(chi.URLParam(r, "database_id"), 10, 64)
	if err != nil || databaseID <= 0 {
		writeError(w, http.StatusBadRequest, "database_id must be a positive integer")
		return
	}
	slug := chi.URLParam(r, "module")
	oldNumber, err := oldNumberParam(r)
	if err != nil || oldNumber == "" {
		writeError(w, http.StatusBadRequest, "old_number must be a non-empty path segment")
		return
	}

	m, found, err := s.lookupMapping(r.Context(), databaseID, slug, oldNumber)
	if err != nil {
		s.logger.Error("mapping lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "mapping lookup failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "mapping not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// lookupMapping prefers the full stored row so timestamps are returned.
func (s *Server) lookupMapping(ctx context.Context, databaseID int64, slug, oldNumber string) (mapping.Mapping, bool, error) {
	if finder, ok := s.mappings.(mapping.Finder); ok {
		return finder.Lookup(ctx, databaseID, slug, oldNumber)
	}
	newNumber, found, err := s.mappings.Get(ctx, databaseID, slug, oldNumber)
	if err != nil || !found {
		return mapping.Mapping{}, found, err
	}
	return mapping.Mapping{
		DatabaseID: databaseID,
		Module:     slug,
		OldNumber:  oldNumber,
		NewNumber:  newNumber,
	}, true, nil
}

// oldNumberParam returns the decoded tail of the mapping route. Transaction
// numbers may contain slashes, sent either raw or as %2F. chi matches on
// RawPath when the request carries escapes, so the wildcard comes back still
// encoded in that case.
func oldNumberParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "*")
	if r.URL.RawPath == "" {
		return raw, nil
	}
	return url.PathUnescape(raw)
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, migration.ErrModuleRequired), errors.Is(err, migration.ErrEmptyEndpoint):
		return http.StatusBadRequest
	case errors.Is(err, accurate.ErrAuthMissing):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, accurate.ErrUpstreamRejected), errors.Is(err, accurate.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(fmt.Errorf("encode response: %w", err)))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
