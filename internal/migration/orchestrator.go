package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/accurate-migrator/internal/accurate"
	"github.com/JakeFAU/accurate-migrator/internal/mapping"
	"github.com/JakeFAU/accurate-migrator/internal/metrics"
	"github.com/JakeFAU/accurate-migrator/internal/module"
	"github.com/JakeFAU/accurate-migrator/internal/normalize"
	"github.com/JakeFAU/accurate-migrator/internal/record"
)

const (
	glAccountListEndpoint = "/api/glaccount/list.do"
	// DefaultGLAccountPageSize lets the tax lookup read the chart of accounts in one call.
	DefaultGLAccountPageSize = 10000
)

// ErrEmptyEndpoint is returned when a save request names no endpoint.
var ErrEmptyEndpoint = errors.New("migration: endpoint is required")

var taxAccountFields = [][2]string{
	{"salesTaxGlAccountId", "salesTaxGlAccountNo"},
	{"purchaseTaxGlAccountId", "purchaseTaxGlAccountNo"},
}

// Config tunes the orchestrator.
type Config struct {
	GLAccountPageSize int
}

// Orchestrator prepares a batch and sends it with the strategy the module supports.
type Orchestrator struct {
	client     Poster
	pager      Pager
	normalizer *normalize.Normalizer
	mappings   mapping.Writer
	cfg        Config
	logger     *zap.Logger
}

// NewOrchestrator wires an Orchestrator. mappings may be nil, in which case no
// number mappings are recorded.
func NewOrchestrator(client Poster, pager Pager, normalizer *normalize.Normalizer, mappings mapping.Writer, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GLAccountPageSize <= 0 {
		cfg.GLAccountPageSize = DefaultGLAccountPageSize
	}
	if normalizer == nil {
		normalizer = normalize.New(nil, logger)
	}
	return &Orchestrator{
		client:     client,
		pager:      pager,
		normalizer: normalizer,
		mappings:   mappings,
		cfg:        cfg,
		logger:     logger.Named("orchestrator"),
	}
}

// Save normalizes req.Records and sends them to the destination.
//
// Single-save-only modules are posted one record at a time and per-item
// failures are counted in the Result. Everything else goes out as one bulk
// call whose transport failure or rejection is returned as an error.
func (o *Orchestrator) Save(ctx context.Context, req SaveRequest) (Result, error) {
	if req.Endpoint == "" {
		return Result{}, ErrEmptyEndpoint
	}
	if err := req.Dest.Validate(); err != nil {
		return Result{}, err
	}
	// canonical form, so slugs and save.do paths hit the same rules
	req.Endpoint = module.BulkSaveEndpoint(req.Endpoint)
	strategy := StrategyBulk
	if module.SingleSaveOnly(req.Endpoint) {
		strategy = StrategySingle
	}
	if len(req.Records) == 0 {
		return Result{S: true, D: []json.RawMessage{}, Strategy: strategy}, nil
	}

	lookupConn := req.Dest
	if req.Source != nil {
		lookupConn = *req.Source
	}

	logger := o.logger.With(
		zap.String("endpoint", req.Endpoint),
		zap.String("strategy", string(strategy)),
		zap.Int("records", len(req.Records)),
	)

	prepared := req.Records
	if module.IsTaxModule(req.Endpoint) {
		prepared = o.resolveTaxAccounts(ctx, lookupConn, req.Records, logger)
	}

	shared := module.NewSharedContext()
	if o.pager != nil {
		module.ForEndpoint(req.Endpoint).Capture(ctx, o.pager.Lister(lookupConn), shared, logger)
	}

	payloads := make([]record.Record, len(prepared))
	for i, rec := range prepared {
		payloads[i] = o.normalizer.Normalize(ctx, rec, normalize.Scope{
			Endpoint:   req.Endpoint,
			DatabaseID: req.Dest.DatabaseID,
			Shared:     shared,
			Meta:       module.Meta{ItemID: rec["id"], Index: i},
		})
	}

	var (
		res   Result
		items []accurate.Envelope
		err   error
	)
	if strategy == StrategySingle {
		res, items, err = o.saveOneByOne(ctx, req, payloads, logger)
	} else {
		res, items, err = o.saveBulk(ctx, req, payloads, logger)
	}
	res.Strategy = strategy

	slug, _ := module.SlugFromEndpoint(req.Endpoint)
	// items already saved keep their mappings even when the batch stops early
	o.storeMappings(context.WithoutCancel(ctx), req, slug, items, logger)
	if err != nil {
		metrics.ObserveRecords(slug, string(strategy), "error", len(req.Records)-res.Success)
		return res, err
	}
	metrics.ObserveRecords(slug, string(strategy), "success", res.Success)
	metrics.ObserveRecords(slug, string(strategy), "failed", res.Failed)

	logger.Info("batch saved",
		zap.Bool("s", res.S),
		zap.Int("success", res.Success),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (o *Orchestrator) saveBulk(ctx context.Context, req SaveRequest, payloads []record.Record, logger *zap.Logger) (Result, []accurate.Envelope, error) {
	endpoint := module.BulkSaveEndpoint(req.Endpoint)
	env, err := o.client.Post(ctx, req.Dest, endpoint, map[string]any{"data": payloads})
	if err != nil {
		logger.Error("bulk save failed", zap.Error(err))
		return Result{Total: len(payloads)}, nil, fmt.Errorf("bulk save %s: %w", endpoint, err)
	}

	items := env.Items()
	res := Result{S: env.S, Total: len(payloads), D: make([]json.RawMessage, 0, len(items))}
	for _, item := range items {
		res.D = append(res.D, item.Raw)
		if item.S {
			res.Success++
		}
	}
	res.Failed = res.Total - res.Success

	if err := env.Check("POST " + endpoint); err != nil {
		logger.Warn("bulk save rejected", zap.Strings("messages", env.Messages()))
		return res, nil, fmt.Errorf("bulk save %s: %w", endpoint, err)
	}
	return res, items, nil
}

func (o *Orchestrator) saveOneByOne(ctx context.Context, req SaveRequest, payloads []record.Record, logger *zap.Logger) (Result, []accurate.Envelope, error) {
	endpoint := module.SaveEndpoint(req.Endpoint)
	res := Result{Total: len(payloads), D: make([]json.RawMessage, 0, len(payloads))}
	items := make([]accurate.Envelope, 0, len(payloads))

	for i, payload := range payloads {
		if err := ctx.Err(); err != nil {
			return res, items, fmt.Errorf("save %s item %d: %w", endpoint, i, err)
		}
		env, err := o.client.Post(ctx, req.Dest, endpoint, payload)
		switch {
		case err != nil && len(env.Raw) == 0:
			logger.Warn("single save failed", zap.Int("index", i), zap.Error(err))
			env = accurate.FailureEnvelope(err)
		case err != nil:
			logger.Warn("single save rejected", zap.Int("index", i), zap.Error(err))
			env.S = false
		case !env.S:
			logger.Warn("single save rejected", zap.Int("index", i), zap.Strings("messages", env.Messages()))
		}
		items = append(items, env)
		res.D = append(res.D, env.Raw)
		if env.S {
			res.Success++
		} else {
			res.Failed++
		}
	}
	res.S = res.Failed == 0
	return res, items, nil
}

// storeMappings records old → new numbers for successful items. items are in
// request order, so index i belongs to req.Records[i].
func (o *Orchestrator) storeMappings(ctx context.Context, req SaveRequest, slug string, items []accurate.Envelope, logger *zap.Logger) {
	if o.mappings == nil || slug == "" || len(items) == 0 {
		return
	}
	if req.Dest.DatabaseID == 0 {
		logger.Warn("destination database id unknown, number mappings not stored")
		return
	}
	for i, item := range items {
		if !item.S || i >= len(req.Records) {
			continue
		}
		oldNumber, ok := req.Records[i].String("number")
		if !ok || oldNumber == "" {
			continue
		}
		stored, err := o.mappings.Put(ctx, req.Dest.DatabaseID, slug, oldNumber, item.Raw)
		if err != nil {
			logger.Warn("store number mapping failed",
				zap.String("old_number", oldNumber),
				zap.Error(err),
			)
			continue
		}
		if stored {
			metrics.ObserveMappingWrite(slug)
		}
	}
}

// resolveTaxAccounts swaps GL account ids for account numbers using one
// listing of the chart of accounts. Unresolved ids are removed.
func (o *Orchestrator) resolveTaxAccounts(ctx context.Context, conn accurate.Conn, records []record.Record, logger *zap.Logger) []record.Record {
	accounts := o.glAccounts(ctx, conn, logger)
	out := make([]record.Record, len(records))
	for i, rec := range records {
		cp := rec.Clone()
		for _, pair := range taxAccountFields {
			id, ok := cp[pair[0]]
			delete(cp, pair[0])
			if !ok || id == nil {
				continue
			}
			if no, found := accounts[record.Key(id)]; found {
				cp[pair[1]] = no
			} else {
				logger.Debug("tax gl account not found", zap.String("field", pair[0]), zap.Any("id", id))
			}
		}
		out[i] = cp
	}
	return out
}

func (o *Orchestrator) glAccounts(ctx context.Context, conn accurate.Conn, logger *zap.Logger) map[string]string {
	if o.pager == nil {
		return nil
	}
	params := url.Values{"sp.pageSize": {strconv.Itoa(o.cfg.GLAccountPageSize)}}
	list, err := o.pager.Fetch(ctx, conn, glAccountListEndpoint, params)
	if err != nil {
		logger.Warn("tax gl account lookup failed", zap.Error(err))
		return nil
	}
	out := make(map[string]string, len(list))
	for _, acc := range list {
		no, ok := acc.String("no")
		if key := record.Key(acc["id"]); ok && key != "" && no != "" {
			out[key] = no
		}
	}
	return out
}
