package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/accurate-migrator/internal/accurate"
	"github.com/JakeFAU/accurate-migrator/internal/clock/system"
	"github.com/JakeFAU/accurate-migrator/internal/id/uuid"
	"github.com/JakeFAU/accurate-migrator/internal/module"
)

// DefaultBudget bounds one run when no budget is configured.
const DefaultBudget = 600 * time.Second

// ErrModuleRequired is returned when a job names no module.
var ErrModuleRequired = errors.New("migration: module is required")

// Saver is the orchestrator as seen by the runner.
type Saver interface {
	Save(ctx context.Context, req SaveRequest) (Result, error)
}

// RunnerConfig describes the two databases and the run budget.
type RunnerConfig struct {
	Source accurate.Conn
	Dest   accurate.Conn
	Budget time.Duration
	Topic  string
}

// Runner migrates a whole module: listing, archive, save, report.
type Runner struct {
	pager     Pager
	saver     Saver
	blobs     BlobStore
	publisher Publisher
	ids       IDGenerator
	clock     Clock
	hasher    Hasher
	cfg       RunnerConfig
	logger    *zap.Logger
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithBlobStore archives snapshots and results.
func WithBlobStore(b BlobStore) RunnerOption {
	return func(r *Runner) { r.blobs = b }
}

// WithPublisher announces reports on cfg.Topic.
func WithPublisher(p Publisher) RunnerOption {
	return func(r *Runner) { r.publisher = p }
}

// WithIDGenerator sets the run id source.
func WithIDGenerator(g IDGenerator) RunnerOption {
	return func(r *Runner) { r.ids = g }
}

// WithHasher fingerprints each listing snapshot into Report.SnapshotSHA256.
func WithHasher(h Hasher) RunnerOption {
	return func(r *Runner) { r.hasher = h }
}

// WithClock sets the clock used for report timestamps.
func WithClock(c Clock) RunnerOption {
	return func(r *Runner) { r.clock = c }
}

// NewRunner constructs a Runner.
func NewRunner(pager Pager, saver Saver, cfg RunnerConfig, logger *zap.Logger, opts ...RunnerOption) (*Runner, error) {
	if pager == nil {
		return nil, errors.New("pager is required")
	}
	if saver == nil {
		return nil, errors.New("saver is required")
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		pager:  pager,
		saver:  saver,
		cfg:    cfg,
		logger: logger.Named("runner"),
		clock:  system.New(),
		ids:    uuid.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Migrate copies every record of job.Module from the source database into the
// destination. The returned Report is filled in as far as the run got, also on error.
func (r *Runner) Migrate(ctx context.Context, job Job) (Report, error) {
	slug := strings.Trim(strings.TrimSpace(job.Module), "/")
	if s, ok := module.SlugFromEndpoint(job.Module); ok {
		slug = s
	}
	if slug == "" {
		return Report{}, ErrModuleRequired
	}
	if err := r.cfg.Source.Validate(); err != nil {
		return Report{}, fmt.Errorf("source: %w", err)
	}
	if err := r.cfg.Dest.Validate(); err != nil {
		return Report{}, fmt.Errorf("destination: %w", err)
	}

	runID, err := r.ids.NewID()
	if err != nil {
		return Report{}, fmt.Errorf("generate run id: %w", err)
	}
	report := Report{
		RunID:     runID,
		Module:    slug,
		Endpoint:  module.BulkSaveEndpoint(slug),
		StartedAt: r.clock.Now(),
	}
	logger := r.logger.With(zap.String("run_id", runID), zap.String("module", slug))

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Budget)
	defer cancel()

	runErr := r.run(ctx, job, &report, logger)

	report.FinishedAt = r.clock.Now()
	report.DurationMS = report.FinishedAt.Sub(report.StartedAt).Milliseconds()
	if runErr != nil {
		report.Error = runErr.Error()
		logger.Error("migration failed", zap.Error(runErr))
	} else {
		logger.Info("migration finished",
			zap.Int("fetched", report.Fetched),
			zap.Int("success", report.Success),
			zap.Int("failed", report.Failed),
		)
	}

	// the run context may be spent; the announcement should still go out
	r.announce(context.WithoutCancel(ctx), report, logger)
	return report, runErr
}

func (r *Runner) run(ctx context.Context, job Job, report *Report, logger *zap.Logger) error {
	records, err := r.pager.Fetch(ctx, r.cfg.Source, module.ListEndpoint(report.Module), job.Params)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", report.Module, err)
	}
	report.Fetched = len(records)

	snapshot, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if r.hasher != nil {
		if sum, err := r.hasher.Hash(snapshot); err != nil {
			logger.Warn("snapshot hash failed", zap.Error(err))
		} else {
			report.SnapshotSHA256 = sum
		}
	}
	if uri, err := r.archive(ctx, "snapshots", report, snapshot); err != nil {
		logger.Warn("snapshot archive failed", zap.Error(err))
	} else {
		report.SnapshotURI = uri
	}

	source := r.cfg.Source
	res, saveErr := r.saver.Save(ctx, SaveRequest{
		Endpoint: report.Endpoint,
		Dest:     r.cfg.Dest,
		Source:   &source,
		Records:  records,
	})
	report.Strategy = res.Strategy
	report.S = res.S && saveErr == nil
	report.Total = res.Total
	report.Success = res.Success
	report.Failed = res.Failed

	if data, err := json.Marshal(res); err != nil {
		logger.Warn("result marshal failed", zap.Error(err))
	} else if uri, err := r.archive(context.WithoutCancel(ctx), "reports", report, data); err != nil {
		logger.Warn("result archive failed", zap.Error(err))
	} else {
		report.ResultURI = uri
	}
	if saveErr != nil {
		return fmt.Errorf("save %s: %w", report.Module, saveErr)
	}
	return nil
}

func (r *Runner) archive(ctx context.Context, kind string, report *Report, data []byte) (string, error) {
	if r.blobs == nil {
		return "", nil
	}
	path := fmt.Sprintf("%s/%s/%s.json", kind, report.RunID, report.Module)
	uri, err := r.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("put %s: %w", path, err)
	}
	return uri, nil
}

func (r *Runner) announce(ctx context.Context, report Report, logger *zap.Logger) {
	if r.publisher == nil || r.cfg.Topic == "" {
		return
	}
	id, err := r.publisher.Publish(ctx, r.cfg.Topic, report)
	if err != nil {
		logger.Warn("report publish failed", zap.Error(err))
		return
	}
	logger.Debug("report published", zap.String("message_id", id))
}
