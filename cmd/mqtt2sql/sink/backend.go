package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/curzon01/mqtt2sql/cmd/mqtt2sql/config"
)

// Record is one upserted row: the latest payload seen for a topic.
type Record struct {
	Topic    string
	Ts       time.Time
	Value    []byte
	QoS      byte
	Retained bool
}

// Conn is a single storage connection, owned exclusively by one writer
// goroutine for the duration of one message.
type Conn interface {
	// Upsert inserts or updates the row for rec.Topic as one transaction.
	// A failed transaction is rolled back (best-effort) before returning.
	Upsert(ctx context.Context, rec Record) error
	Close(ctx context.Context) error
}

// Backend abstracts the two storage flavors. Error classification is
// backend-specific: each backend knows which of its failures are worth
// another attempt.
type Backend interface {
	Name() string
	Connect(ctx context.Context) (Conn, error)
	// EnsureTable creates the destination table if it does not exist yet.
	// Called once at startup, which doubles as a reachability probe.
	EnsureTable(ctx context.Context) error
	// RetryableConnect reports whether a connect error may resolve itself,
	// as opposed to e.g. bad credentials or an exhausted server.
	RetryableConnect(err error) bool
	// RetryableTxn reports whether a transaction error is of the
	// lock/deadlock class that a jittered retry can get past.
	RetryableTxn(err error) bool
}

// NewBackend selects the storage backend from the configuration.
func NewBackend(cfg config.SQL) (Backend, error) {
	switch cfg.Type {
	case config.BackendPostgres:
		return newPostgres(cfg), nil
	case config.BackendSQLite:
		return newSQLite(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", config.ErrUnknownBackend, cfg.Type)
	}
}
