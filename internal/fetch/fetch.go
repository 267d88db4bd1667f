// Package fetch reads complete listings from paginated list endpoints.
package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/accurate-migrator/internal/accurate"
	"github.com/JakeFAU/accurate-migrator/internal/metrics"
	"github.com/JakeFAU/accurate-migrator/internal/module"
	"github.com/JakeFAU/accurate-migrator/internal/record"
)

const (
	// DefaultPageSize is used when the request does not carry sp.pageSize.
	DefaultPageSize = 100
	// DefaultMaxPages bounds a single listing.
	DefaultMaxPages = 100

	pageParam     = "sp.page"
	pageSizeParam = "sp.pageSize"
)

// Getter issues GET calls against a data endpoint.
type Getter interface {
	Get(ctx context.Context, conn accurate.Conn, path string, params url.Values) (accurate.Envelope, error)
}

// Config bounds the pager.
type Config struct {
	PageSize int
	MaxPages int
}

// Pager walks sp.page=1..N until a short page or the page ceiling.
type Pager struct {
	client Getter
	cfg    Config
	logger *zap.Logger
}

// New constructs a Pager. Non-positive limits fall back to the defaults.
func New(client Getter, cfg Config, logger *zap.Logger) *Pager {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pager{client: client, cfg: cfg, logger: logger.Named("fetch")}
}

// Fetch concatenates every page of endpoint in order. params is not modified.
func (p *Pager) Fetch(ctx context.Context, conn accurate.Conn, endpoint string, params url.Values) ([]record.Record, error) {
	query := url.Values{}
	for k, v := range params {
		query[k] = append([]string(nil), v...)
	}
	pageSize := p.cfg.PageSize
	if raw := query.Get(pageSizeParam); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			pageSize = n
		}
	}
	query.Set(pageSizeParam, strconv.Itoa(pageSize))

	slug, _ := module.SlugFromEndpoint(endpoint)
	var out []record.Record
	for page := 1; page <= p.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("fetch %s page %d: %w", endpoint, page, err)
		}
		query.Set(pageParam, strconv.Itoa(page))
		env, err := p.client.Get(ctx, conn, endpoint, query)
		if err != nil {
			return nil, fmt.Errorf("fetch %s page %d: %w", endpoint, page, err)
		}
		if err := env.Check("GET " + endpoint); err != nil {
			return nil, fmt.Errorf("fetch %s page %d: %w", endpoint, page, err)
		}
		records, err := env.Records()
		if err != nil {
			return nil, fmt.Errorf("fetch %s page %d: %w", endpoint, page, err)
		}
		metrics.ObservePage(slug)
		out = append(out, records...)
		if len(records) != pageSize {
			return out, nil
		}
		if page == p.cfg.MaxPages {
			p.logger.Warn("page ceiling reached, listing may be truncated",
				zap.String("endpoint", endpoint),
				zap.Int("max_pages", p.cfg.MaxPages),
				zap.Int("records", len(out)),
			)
		}
	}
	return out, nil
}

// Lister binds the pager to one connection.
func (p *Pager) Lister(conn accurate.Conn) module.Lister {
	return boundLister{pager: p, conn: conn}
}

type boundLister struct {
	pager *Pager
	conn  accurate.Conn
}

func (l boundLister) FetchAll(ctx context.Context, endpoint string, params url.Values) ([]record.Record, error) {
	return l.pager.Fetch(ctx, l.conn, endpoint, params)
}
