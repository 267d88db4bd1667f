// Package migration saves normalized records into a destination database and
// drives whole-module runs from a source listing.
package migration

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"time"

	"github.com/JakeFAU/accurate-migrator/internal/accurate"
	"github.com/JakeFAU/accurate-migrator/internal/module"
	"github.com/JakeFAU/accurate-migrator/internal/record"
)

// Strategy names how a batch was sent.
type Strategy string

// Save strategies.
const (
	StrategyBulk   Strategy = "bulk"
	StrategySingle Strategy = "single"
)

// Poster sends a JSON body to a data endpoint.
type Poster interface {
	Post(ctx context.Context, conn accurate.Conn, path string, body any) (accurate.Envelope, error)
}

// Pager reads complete listings.
type Pager interface {
	Fetch(ctx context.Context, conn accurate.Conn, endpoint string, params url.Values) ([]record.Record, error)
	Lister(conn accurate.Conn) module.Lister
}

// BlobStore archives run artifacts and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher announces finished runs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator produces run ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher fingerprints archived artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SaveRequest is one batch bound for one endpoint. Source, when set, is used
// for lookups that must read the originating database.
type SaveRequest struct {
	Endpoint string
	Dest     accurate.Conn
	Source   *accurate.Conn
	Records  []record.Record
}

// Result mirrors the envelope returned to callers: per-item results in D plus
// the counters. A Result with S false is a partial failure, not an error.
type Result struct {
	S        bool              `json:"s"`
	D        []json.RawMessage `json:"d"`
	Total    int               `json:"total"`
	Success  int               `json:"success"`
	Failed   int               `json:"failed"`
	Strategy Strategy          `json:"strategy"`
}

// Job asks the runner to migrate one module.
type Job struct {
	Module string     `json:"module"`
	Params url.Values `json:"params,omitempty"`
}

// Report summarizes a finished run.
type Report struct {
	RunID          string    `json:"run_id"`
	Module         string    `json:"module"`
	Endpoint       string    `json:"endpoint"`
	Strategy       Strategy  `json:"strategy,omitempty"`
	S              bool      `json:"s"`
	Fetched        int       `json:"fetched"`
	Total          int       `json:"total"`
	Success        int       `json:"success"`
	Failed         int       `json:"failed"`
	SnapshotURI    string    `json:"snapshot_uri,omitempty"`
	SnapshotSHA256 string    `json:"snapshot_sha256,omitempty"`
	ResultURI      string    `json:"result_uri,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	DurationMS     int64     `json:"duration_ms"`
	Error          string    `json:"error,omitempty"`
}
