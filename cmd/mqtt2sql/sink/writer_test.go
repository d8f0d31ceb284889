package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curzon01/mqtt2sql/cmd/mqtt2sql/config"
	"github.com/curzon01/mqtt2sql/cmd/mqtt2sql/shared"
)

var (
	errLocked      = errors.New("deadlock detected")
	errSyntax      = errors.New("syntax error")
	errConnRefused = errors.New("connection refused")
	errBadPassword = errors.New("password authentication failed")
)

// fakeBackend counts connect/upsert attempts and fails a configurable number
// of times before succeeding.
type fakeBackend struct {
	mu              sync.Mutex
	connectFailures int
	connectErr      error
	upsertFailures  int
	upsertErr       error
	upsertDelay     time.Duration
	records         []Record

	connects int
	upserts  int

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Connect(_ context.Context) (Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if b.connectFailures > 0 {
		b.connectFailures--
		return nil, b.connectErr
	}
	return &fakeConn{b: b}, nil
}

func (b *fakeBackend) EnsureTable(_ context.Context) error { return nil }

func (b *fakeBackend) RetryableConnect(err error) bool {
	return !errors.Is(err, errBadPassword)
}

func (b *fakeBackend) RetryableTxn(err error) bool {
	return errors.Is(err, errLocked)
}

func (b *fakeBackend) recorded() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.records...)
}

func (b *fakeBackend) counts() (connects, upserts int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects, b.upserts
}

type fakeConn struct {
	b *fakeBackend
}

func (c *fakeConn) Upsert(_ context.Context, rec Record) error {
	cur := c.b.inflight.Add(1)
	for {
		max := c.b.maxInflight.Load()
		if cur <= max || c.b.maxInflight.CompareAndSwap(max, cur) {
			break
		}
	}
	defer c.b.inflight.Add(-1)

	if c.b.upsertDelay > 0 {
		time.Sleep(c.b.upsertDelay)
	}

	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.upserts++
	if c.b.upsertFailures > 0 {
		c.b.upsertFailures--
		return c.b.upsertErr
	}
	c.b.records = append(c.b.records, rec)
	return nil
}

func (c *fakeConn) Close(_ context.Context) error { return nil }

type fakeShutdown struct {
	called atomic.Bool
}

func (f *fakeShutdown) Shutdown()          { f.called.Store(true) }
func (f *fakeShutdown) ShuttingDown() bool { return f.called.Load() }
func (f *fakeShutdown) Wait()              {}

func newTestSink(b Backend, state *shared.State, gs *fakeShutdown, capacity int) *Sink {
	s := New(b, config.SQL{
		MaxConnections:            capacity,
		ConnectionRetry:           5,
		ConnectionRetryStartDelay: time.Millisecond,
		TransactionRetry:          3,
	}, state, gs)
	s.transactionDelayUnit = time.Millisecond
	return s
}

func TestWriteCommitsRecord(t *testing.T) {
	b := &fakeBackend{}
	s := newTestSink(b, shared.NewState(), &fakeShutdown{}, 2)

	msg := shared.Message{Topic: "tele/device/SENSOR", Payload: []byte(`{"t":21.5}`), QoS: 1, Retained: true}
	s.write(msg)

	records := b.recorded()
	require.Len(t, records, 1)
	assert.Equal(t, "tele/device/SENSOR", records[0].Topic)
	assert.Equal(t, []byte(`{"t":21.5}`), records[0].Value)
	assert.Equal(t, byte(1), records[0].QoS)
	assert.True(t, records[0].Retained)
	assert.False(t, records[0].Ts.IsZero())
}

func TestWriteEmptyPayloadStillWrites(t *testing.T) {
	b := &fakeBackend{}
	s := newTestSink(b, shared.NewState(), &fakeShutdown{}, 2)

	s.write(shared.Message{Topic: "tele/device/LWT"})

	records := b.recorded()
	require.Len(t, records, 1)
	assert.Empty(t, records[0].Value)
}

func TestWriteRetriesTransientTxnError(t *testing.T) {
	// Fails twice with a retryable error, succeeds on the third attempt,
	// which is within the budget of 3.
	b := &fakeBackend{upsertFailures: 2, upsertErr: errLocked}
	s := newTestSink(b, shared.NewState(), &fakeShutdown{}, 2)

	s.write(shared.Message{Topic: "t"})

	require.Len(t, b.recorded(), 1)
	_, upserts := b.counts()
	assert.Equal(t, 3, upserts)
}

func TestWriteDropsAfterTxnRetryExhaustion(t *testing.T) {
	b := &fakeBackend{upsertFailures: 10, upsertErr: errLocked}
	state := shared.NewState()
	gs := &fakeShutdown{}
	s := newTestSink(b, state, gs, 2)

	s.write(shared.Message{Topic: "t"})

	// The message is dropped, the process keeps running.
	assert.Empty(t, b.recorded())
	_, upserts := b.counts()
	assert.Equal(t, 3, upserts)
	assert.Equal(t, shared.ExitOK, state.ExitCode())
	assert.False(t, gs.called.Load())
}

func TestWriteDropsNonRetryableTxnErrorImmediately(t *testing.T) {
	b := &fakeBackend{upsertFailures: 1, upsertErr: errSyntax}
	s := newTestSink(b, shared.NewState(), &fakeShutdown{}, 2)

	s.write(shared.Message{Topic: "t"})

	assert.Empty(t, b.recorded())
	_, upserts := b.counts()
	assert.Equal(t, 1, upserts)
}

func TestWriteRetriesConnect(t *testing.T) {
	b := &fakeBackend{connectFailures: 2, connectErr: errConnRefused}
	s := newTestSink(b, shared.NewState(), &fakeShutdown{}, 2)

	s.write(shared.Message{Topic: "t"})

	require.Len(t, b.recorded(), 1)
	connects, _ := b.counts()
	assert.Equal(t, 3, connects)
}

func TestWriteConnectExhaustionTerminatesProcess(t *testing.T) {
	b := &fakeBackend{connectFailures: 100, connectErr: errConnRefused}
	state := shared.NewState()
	gs := &fakeShutdown{}
	s := newTestSink(b, state, gs, 2)

	s.write(shared.Message{Topic: "t"})

	assert.Empty(t, b.recorded())
	assert.Equal(t, shared.ExitSQLConnection, state.ExitCode())
	assert.True(t, gs.called.Load())
	connects, _ := b.counts()
	assert.Equal(t, 5, connects)
}

func TestWriteNonRetryableConnectGivesUpImmediately(t *testing.T) {
	b := &fakeBackend{connectFailures: 100, connectErr: errBadPassword}
	state := shared.NewState()
	gs := &fakeShutdown{}
	s := newTestSink(b, state, gs, 2)

	s.write(shared.Message{Topic: "t"})

	connects, _ := b.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, shared.ExitSQLConnection, state.ExitCode())
	assert.True(t, gs.called.Load())
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	b := &fakeBackend{upsertDelay: 20 * time.Millisecond}
	s := newTestSink(b, shared.NewState(), &fakeShutdown{}, 2)

	for i := 0; i < 12; i++ {
		s.Dispatch(shared.Message{Topic: "t"})
	}
	require.NoError(t, s.Drain(5*time.Second))

	assert.LessOrEqual(t, b.maxInflight.Load(), int32(2))
	assert.Len(t, b.recorded(), 12)
}

func TestDispatchIgnoredWhileExiting(t *testing.T) {
	b := &fakeBackend{}
	state := shared.NewState()
	state.Fail(shared.ExitSQLConnection)
	s := newTestSink(b, state, &fakeShutdown{}, 2)

	s.Dispatch(shared.Message{Topic: "t"})
	require.NoError(t, s.Drain(time.Second))

	connects, _ := b.counts()
	assert.Zero(t, connects)
}

func TestDrainWaitsForInflightWriters(t *testing.T) {
	b := &fakeBackend{upsertDelay: 50 * time.Millisecond}
	s := newTestSink(b, shared.NewState(), &fakeShutdown{}, 4)

	start := time.Now()
	for i := 0; i < 4; i++ {
		s.Dispatch(shared.Message{Topic: "t"})
	}
	require.NoError(t, s.Drain(5*time.Second))

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Len(t, b.recorded(), 4)
}
