package sink

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/curzon01/mqtt2sql/cmd/mqtt2sql/shared"
	"github.com/curzon01/mqtt2sql/internal"
)

// write records one message as one upserted row. It owns its storage
// connection for the duration of the call. Failures never propagate to the
// caller: per-message failures are logged and dropped, a storage outage that
// outlives the connect retry budget terminates the whole process.
func (s *Sink) write(msg shared.Message) {
	rec := Record{
		Topic:    msg.Topic,
		Ts:       time.Now().UTC(),
		Value:    msg.Payload,
		QoS:      msg.QoS,
		Retained: msg.Retained,
	}

	conn := s.connect()
	if conn == nil {
		return
	}
	defer func() {
		err := conn.Close(context.Background())
		if err != nil {
			zap.S().Debugf("Failed to close %s connection: %s", s.backend.Name(), err)
		}
	}()

	s.upsertWithRetry(conn, rec)
}

// connect opens a storage connection, retrying with linearly growing delay.
// Exhausting the budget is fatal for the process: the writer records the
// exit code and delivers a SIGTERM to itself so the MQTT loop and the other
// writers shut down too.
func (s *Sink) connect() Conn {
	retry := s.connectionRetry
	for attempt := 0; retry > 0; attempt++ {
		if s.state.Exiting() {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		conn, err := s.backend.Connect(ctx)
		cancel()
		if err == nil {
			return conn
		}

		retry--
		if !s.backend.RetryableConnect(err) {
			retry = 0
		}
		if retry > 0 {
			delay := internal.ConnectionDelay(attempt, s.connectionDelayBase)
			zap.S().Warnf("SQL connection WARNING: %s - try retry (retry=%d, delay=%s)", err, retry, delay)
			connectRetries.Inc()
			time.Sleep(delay)
		} else {
			zap.S().Errorf("SQL connection ERROR: %s - give up", err)
			s.state.Fail(shared.ExitSQLConnection)
			s.shutdown.Shutdown()
		}
	}
	return nil
}

// upsertWithRetry runs the transaction phase. Transient lock-class errors are
// retried with a jittered delay; everything else, and an exhausted budget,
// drops this single message.
func (s *Sink) upsertWithRetry(conn Conn, rec Record) {
	retry := s.transactionRetry
	for retry > 0 {
		if s.state.Exiting() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := conn.Upsert(ctx, rec)
		cancel()
		if err == nil {
			rowsWritten.Inc()
			zap.S().Debugf("SQL success: topic=%s, qos=%d, retain=%v, %d payload bytes",
				rec.Topic, rec.QoS, rec.Retained, len(rec.Value))
			return
		}

		if s.backend.RetryableTxn(err) {
			retry--
			if retry > 0 {
				delay := internal.TransactionDelay(s.transactionDelayUnit)
				zap.S().Warnf("SQL transaction WARNING: %s - try retry (retry=%d, delay=%s)", err, retry, delay)
				time.Sleep(delay)
				continue
			}
		}
		// The error text carries the failing statement for diagnostics.
		zap.S().Errorf("%s transaction ERROR, give up: %s (topic=%s)", s.backend.Name(), err, rec.Topic)
		writesDropped.Inc()
		return
	}
}
