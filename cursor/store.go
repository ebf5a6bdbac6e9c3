// Package cursor durably remembers the last firehose timestamp so a
// restarted process can resume without replay loss beyond the upstream's
// retention.
package cursor

import (
	"context"
	"fmt"
	"time"
)

// Backend selectors, chosen by configuration.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRemoteKV = "remote-kv"
)

// Record is the persisted cursor state. Cursor is a microsecond epoch
// serialized as a decimal string.
type Record struct {
	Cursor   string         `json:"cursor"`
	SavedAt  time.Time      `json:"savedAt"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Store is a cursor backend. Exactly one record is live per process.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context) (*Record, error)
	Clear(ctx context.Context) error
}

// NewStore builds a backend from its selector. Selecting a backend that is
// not built fails fast rather than silently falling back.
func NewStore(backend, filePath string) (Store, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendFile:
		if filePath == "" {
			return nil, fmt.Errorf("cursor: file backend requires a path")
		}
		return NewFileStore(filePath), nil
	case BackendRemoteKV:
		return nil, fmt.Errorf("cursor: backend %q selected but not built", backend)
	default:
		return nil, fmt.Errorf("cursor: unknown backend %q", backend)
	}
}
