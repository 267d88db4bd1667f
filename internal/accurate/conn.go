// Package accurate talks to the Accurate accounting API: account-level calls
// (database listing, opening a database) and per-database data calls made with
// an explicit connection context.
package accurate

import (
	"fmt"
	"strings"
)

// Conn is the connection context for one database. It is passed explicitly
// into every data call; nothing is read from ambient state.
type Conn struct {
	AccessToken string `json:"access_token" mapstructure:"access_token"`
	Host        string `json:"host" mapstructure:"host"`
	SessionID   string `json:"session_id" mapstructure:"session_id"`
	DatabaseID  int64  `json:"database_id" mapstructure:"database_id"`
}

// Validate reports ErrAuthMissing when the token or host is absent.
func (c Conn) Validate() error {
	if strings.TrimSpace(c.AccessToken) == "" {
		return fmt.Errorf("access token: %w", ErrAuthMissing)
	}
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("database host: %w", ErrAuthMissing)
	}
	return nil
}

// BaseURL is the data API root for this connection.
func (c Conn) BaseURL() string {
	return strings.TrimRight(c.Host, "/") + "/accurate"
}

// Redacted returns a copy safe for logging.
func (c Conn) Redacted() Conn {
	out := c
	if out.AccessToken != "" {
		out.AccessToken = "***"
	}
	if out.SessionID != "" {
		out.SessionID = "***"
	}
	return out
}
