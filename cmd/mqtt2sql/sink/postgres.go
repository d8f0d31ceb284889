package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/curzon01/mqtt2sql/cmd/mqtt2sql/config"
)

// SQLSTATE codes. Serialization failures, deadlocks and lock timeouts are
// transient and worth retrying; the connect-phase codes mean another attempt
// against the same server cannot succeed.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"

	pgTooManyConnections = "53300"
	pgInvalidPassword    = "28P01"
	pgInvalidCatalogName = "3D000"
)

type postgres struct {
	connString string
	table      string
}

func newPostgres(cfg config.SQL) *postgres {
	var b strings.Builder
	fmt.Fprintf(&b, "host=%s port=%d dbname=%s sslmode=%s", cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)
	if cfg.Username != "" {
		fmt.Fprintf(&b, " user=%s", cfg.Username)
	}
	if cfg.Password != "" {
		fmt.Fprintf(&b, " password=%s", cfg.Password)
	}
	return &postgres{
		connString: b.String(),
		table:      pgx.Identifier{cfg.Table}.Sanitize(),
	}
}

func (p *postgres) Name() string {
	return "PostgreSQL"
}

func (p *postgres) Connect(ctx context.Context) (Conn, error) {
	conn, err := pgx.Connect(ctx, p.connString)
	if err != nil {
		return nil, err
	}
	return &pgConn{conn: conn, table: p.table}, nil
}

func (p *postgres) EnsureTable(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, p.connString)
	if err != nil {
		return err
	}
	defer func() {
		err := conn.Close(ctx)
		if err != nil {
			zap.S().Warnf("Failed to close postgres connection: %s", err)
		}
	}()

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		topic TEXT PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		value BYTEA,
		qos SMALLINT NOT NULL,
		retain BOOLEAN NOT NULL
	)`, p.table)
	_, err = conn.Exec(ctx, ddl)
	return err
}

func (p *postgres) RetryableConnect(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgTooManyConnections, pgInvalidPassword, pgInvalidCatalogName:
			return false
		}
	}
	return true
}

func (p *postgres) RetryableTxn(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
	}
	return false
}

// pgxConn is the subset of pgx.Conn the writer needs. pgxmock implements it.
type pgxConn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Close(ctx context.Context) error
}

type pgConn struct {
	conn  pgxConn
	table string
}

func (c *pgConn) Upsert(ctx context.Context, rec Record) error {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	sqlStatement := fmt.Sprintf(`INSERT INTO %s (topic, ts, value, qos, retain)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (topic) DO UPDATE
		SET ts = excluded.ts, value = excluded.value, qos = excluded.qos, retain = excluded.retain`, c.table)

	_, err = tx.Exec(ctx, sqlStatement, rec.Topic, rec.Ts, rec.Value, rec.QoS, rec.Retained)
	if err != nil {
		// try rollback in case there is any error
		rollbackErr := tx.Rollback(ctx)
		if rollbackErr != nil {
			zap.S().Debugf("Rollback failed: %s", rollbackErr)
		}
		return fmt.Errorf("exec [%s]: %w", sqlStatement, err)
	}

	err = tx.Commit(ctx)
	if err != nil {
		return fmt.Errorf("commit [%s]: %w", sqlStatement, err)
	}
	return nil
}

func (c *pgConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
