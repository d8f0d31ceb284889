package sink

import (
	"context"
	"errors"
	"time"

	"github.com/heptiolabs/healthcheck"
	"golang.org/x/sync/semaphore"

	"github.com/curzon01/mqtt2sql/cmd/mqtt2sql/config"
	"github.com/curzon01/mqtt2sql/cmd/mqtt2sql/shared"
	"github.com/curzon01/mqtt2sql/internal"
)

// Sink persists messages into the storage backend. Each dispatched message
// runs in its own writer goroutine with its own storage connection; the
// permit pool bounds how many run at once.
type Sink struct {
	backend  Backend
	state    *shared.State
	shutdown internal.GracefulShutdownHandler

	pool     *semaphore.Weighted
	capacity int64

	connectionRetry     int
	connectionDelayBase time.Duration
	transactionRetry    int
	// Jitter unit for transaction retry delays. One second in production,
	// shrunk in tests.
	transactionDelayUnit time.Duration
}

func New(backend Backend, cfg config.SQL, state *shared.State, shutdown internal.GracefulShutdownHandler) *Sink {
	return &Sink{
		backend:              backend,
		state:                state,
		shutdown:             shutdown,
		pool:                 semaphore.NewWeighted(int64(cfg.MaxConnections)),
		capacity:             int64(cfg.MaxConnections),
		connectionRetry:      cfg.ConnectionRetry,
		connectionDelayBase:  cfg.ConnectionRetryStartDelay,
		transactionRetry:     cfg.TransactionRetry,
		transactionDelayUnit: time.Second,
	}
}

// Dispatch hands one message to a writer goroutine. It blocks until a pool
// permit is free: when storage is slow this stalls the MQTT message callback,
// which is the backpressure path toward the broker.
func (s *Sink) Dispatch(msg shared.Message) {
	if s.state.Exiting() {
		return
	}
	if err := s.pool.Acquire(context.Background(), 1); err != nil {
		return
	}
	inflightWriters.Inc()
	go func() {
		defer func() {
			inflightWriters.Dec()
			s.pool.Release(1)
		}()
		s.write(msg)
	}()
}

// Drain blocks until all in-flight writers have finished, or the timeout
// expires. Used during graceful shutdown.
func (s *Sink) Drain(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.pool.Acquire(ctx, s.capacity); err != nil {
		return errors.New("timed out waiting for in-flight writes")
	}
	s.pool.Release(s.capacity)
	return nil
}

// HealthCheck probes the backend by opening and closing one connection.
func (s *Sink) HealthCheck() healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, err := s.backend.Connect(ctx)
		if err != nil {
			return err
		}
		return conn.Close(ctx)
	}
}
