// Package mapping persists the numbers the destination assigns to migrated
// records so later modules can rewrite references to them.
//
// A mapping is keyed by (database id, module slug, old number). Writes are
// upserts; the last write for a key wins.
package mapping

import (
	"context"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultTable is the table name used by the SQL-backed stores.
const DefaultTable = "transaction_number_mappings"

// Mapping is one stored entry.
type Mapping struct {
	DatabaseID  int64     `json:"database_id"`
	Module      string    `json:"module"`
	OldNumber   string    `json:"old_number"`
	NewNumber   string    `json:"new_number"`
	RawResponse []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Reader resolves old numbers. A miss is reported with found=false, never as an error.
type Reader interface {
	Get(ctx context.Context, databaseID int64, module, oldNumber string) (newNumber string, found bool, err error)
}

// Writer records the destination's response for a saved item.
type Writer interface {
	Put(ctx context.Context, databaseID int64, module, oldNumber string, rawResponse []byte) (stored bool, err error)
}

// Finder returns the whole stored entry, including the raw save response and
// its timestamps.
type Finder interface {
	Lookup(ctx context.Context, databaseID int64, module, oldNumber string) (m Mapping, found bool, err error)
}

// Store is a full mapping store.
type Store interface {
	Reader
	Writer
	Finder
	Close() error
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// NewNumber extracts the assigned number from a save result at r.number.
func NewNumber(rawResponse []byte) (string, bool) {
	res := gjson.GetBytes(rawResponse, "r.number")
	if !res.Exists() || res.Type == gjson.Null {
		return "", false
	}
	n := res.String()
	if n == "" {
		return "", false
	}
	return n, true
}
