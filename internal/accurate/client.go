package accurate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/JakeFAU/accurate-migrator/internal/metrics"
)

const (
	defaultAccountURL      = "https://account.accurate.id"
	defaultTimeout         = 600 * time.Second
	defaultConnectTimeout  = 60 * time.Second
	defaultDatabaseListTTL = 30 * time.Minute
)

// Limiter paces outgoing requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Retrier re-runs fn according to its policy.
type Retrier interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}

// Config controls the API client.
type Config struct {
	AccountURL      string
	Timeout         time.Duration
	ConnectTimeout  time.Duration
	DatabaseListTTL time.Duration
}

// Database is one entry of the account's database list.
type Database struct {
	ID    int64  `json:"id"`
	Alias string `json:"alias"`
	Admin bool   `json:"admin"`
}

type cachedDatabases struct {
	fetched   time.Time
	databases []Database
}

// Client issues sequential calls against the Accurate API.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter Limiter
	retry   Retrier
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	dbCache map[string]cachedDatabases
}

// NewClient builds a Client. limiter and retry may be nil.
func NewClient(cfg Config, limiter Limiter, retry Retrier, logger *zap.Logger) *Client {
	if cfg.AccountURL == "" {
		cfg.AccountURL = defaultAccountURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.DatabaseListTTL <= 0 {
		cfg.DatabaseListTTL = defaultDatabaseListTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newHTTPTransport(cfg.ConnectTimeout),
		},
		limiter: limiter,
		retry:   retry,
		logger:  logger.Named("accurate"),
		now:     time.Now,
		dbCache: make(map[string]cachedDatabases),
	}
}

func newHTTPTransport(connectTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Get calls a data endpoint such as /api/purchase-order/list.do.
func (c *Client) Get(ctx context.Context, conn Conn, path string, params url.Values) (Envelope, error) {
	if err := conn.Validate(); err != nil {
		return Envelope{}, err
	}
	target := conn.BaseURL() + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("build request: %w", err)
	}
	setAuth(req, conn.AccessToken, conn.SessionID)
	env, _, err := c.send(ctx, "GET "+path, req)
	return env, err
}

// Post sends body as JSON to a data endpoint such as /api/warehouse/save.do.
func (c *Client) Post(ctx context.Context, conn Conn, path string, body any) (Envelope, error) {
	if err := conn.Validate(); err != nil {
		return Envelope{}, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conn.BaseURL()+path, bytes.NewReader(payload))
	if err != nil {
		return Envelope{}, fmt.Errorf("build request: %w", err)
	}
	setAuth(req, conn.AccessToken, conn.SessionID)
	req.Header.Set("Content-Type", "application/json")
	env, _, err := c.send(ctx, "POST "+path, req)
	return env, err
}

// ListDatabases returns the databases visible to token. Results are cached
// per token for the configured TTL.
func (c *Client) ListDatabases(ctx context.Context, token string) ([]Database, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("list databases: %w", ErrAuthMissing)
	}
	c.mu.Lock()
	cached, ok := c.dbCache[token]
	c.mu.Unlock()
	if ok && c.now().Sub(cached.fetched) < c.cfg.DatabaseListTTL {
		return cached.databases, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.accountURL("/api/db-list.do"), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	setAuth(req, token, "")
	env, _, err := c.send(ctx, "db-list", req)
	if err != nil {
		return nil, err
	}
	if err := env.Check("db-list"); err != nil {
		return nil, err
	}
	var databases []Database
	gjson.ParseBytes(env.D).ForEach(func(_, v gjson.Result) bool {
		databases = append(databases, Database{
			ID:    v.Get("id").Int(),
			Alias: v.Get("alias").String(),
			Admin: v.Get("admin").Bool(),
		})
		return true
	})

	c.mu.Lock()
	c.dbCache[token] = cachedDatabases{fetched: c.now(), databases: databases}
	c.mu.Unlock()
	return databases, nil
}

// OpenDatabase opens databaseID and returns its connection context. When the
// account API redirects, the host of the final location wins over the host in
// the response body.
func (c *Client) OpenDatabase(ctx context.Context, token string, databaseID int64) (Conn, error) {
	if strings.TrimSpace(token) == "" {
		return Conn{}, fmt.Errorf("open database: %w", ErrAuthMissing)
	}
	var conn Conn
	err := c.withRetry(ctx, func(ctx context.Context) error {
		form := url.Values{"id": {strconv.FormatInt(databaseID, 10)}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.accountURL("/api/open-db.do"),
			strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		setAuth(req, token, "")
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		env, resp, err := c.send(ctx, "open-db", req)
		if err != nil {
			return err
		}
		if err := env.Check("open-db"); err != nil {
			return err
		}
		raw := gjson.ParseBytes(env.Raw)
		host := raw.Get("host").String()
		if final := resp.Request.URL; final != nil && final.Host != req.URL.Host {
			host = final.Scheme + "://" + final.Host
		}
		conn = Conn{
			AccessToken: token,
			Host:        host,
			SessionID:   raw.Get("session").String(),
			DatabaseID:  databaseID,
		}
		return nil
	})
	if err != nil {
		return Conn{}, err
	}
	if err := conn.Validate(); err != nil {
		return Conn{}, fmt.Errorf("open database %d: %w", databaseID, err)
	}
	c.logger.Info("database opened", zap.Int64("database_id", databaseID), zap.String("host", conn.Host))
	return conn, nil
}

// DatabaseHost asks the account API which host serves the session's database.
func (c *Client) DatabaseHost(ctx context.Context, conn Conn) (string, error) {
	if strings.TrimSpace(conn.AccessToken) == "" {
		return "", fmt.Errorf("database host: %w", ErrAuthMissing)
	}
	var host string
	err := c.withRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.accountURL("/api/api-token.do"), nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		setAuth(req, conn.AccessToken, conn.SessionID)
		env, _, err := c.send(ctx, "api-token", req)
		if err != nil {
			return err
		}
		host = gjson.GetBytes(env.Raw, "d.database.host").String()
		if host == "" {
			return rejected("api-token", 0, []string{"database host missing from response"})
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return host, nil
}

// Check converts a failure envelope into an error wrapping ErrUpstreamRejected.
func (e Envelope) Check(op string) error {
	if e.S {
		return nil
	}
	return rejected(op, 0, e.Messages())
}

func (c *Client) withRetry(ctx context.Context, fn func(context.Context) error) error {
	if c.retry == nil {
		return fn(ctx)
	}
	if err := c.retry.Do(ctx, fn); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, op string, req *http.Request) (Envelope, *http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, req.URL.String()); err != nil {
			return Envelope{}, nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveAccurateRequest(req.Method, "unavailable", time.Since(start))
		c.logger.Warn("accurate request failed", zap.String("op", op), zap.Error(err))
		return Envelope{}, nil, unavailable(op, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveAccurateRequest(req.Method, "unavailable", time.Since(start))
		return Envelope{}, resp, unavailable(op, fmt.Errorf("read body: %w", err))
	}
	env, decodeErr := DecodeEnvelope(body)
	if resp.StatusCode >= http.StatusBadRequest {
		metrics.ObserveAccurateRequest(req.Method, "rejected", time.Since(start))
		var msgs []string
		if decodeErr == nil {
			msgs = env.Messages()
		}
		return env, resp, rejected(op, resp.StatusCode, msgs)
	}
	if decodeErr != nil {
		metrics.ObserveAccurateRequest(req.Method, "rejected", time.Since(start))
		return Envelope{}, resp, rejected(op, resp.StatusCode, []string{decodeErr.Error()})
	}
	outcome := "ok"
	if !env.S {
		outcome = "rejected"
	}
	metrics.ObserveAccurateRequest(req.Method, outcome, time.Since(start))
	return env, resp, nil
}

func (c *Client) accountURL(path string) string {
	return strings.TrimRight(c.cfg.AccountURL, "/") + path
}

func setAuth(req *http.Request, token, sessionID string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
}
