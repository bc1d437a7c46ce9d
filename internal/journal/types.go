package journal

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrClosed = errors.New("journal closed")

// Config selects and configures a driver. Empty Driver or "none" disables the journal.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one terminal lifecycle event.
type Record struct {
	ID      string          `json:"id"`
	Key     string          `json:"key"`
	Status  string          `json:"status"`
	Error   string          `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	At      time.Time       `json:"at"`
	Elapsed time.Duration   `json:"elapsed"`
}

// Store persists records.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]Record, error)
	Close() error
}
