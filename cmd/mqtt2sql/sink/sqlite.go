package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/curzon01/mqtt2sql/cmd/mqtt2sql/config"
)

type sqlite struct {
	path  string
	table string
}

func newSQLite(cfg config.SQL) *sqlite {
	return &sqlite{
		path:  cfg.Database,
		table: fmt.Sprintf("%q", cfg.Table),
	}
}

func (s *sqlite) Name() string {
	return "SQLite"
}

func (s *sqlite) Connect(ctx context.Context) (Conn, error) {
	// One dedicated connection per writer, mirroring the networked backend.
	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteConn{db: db, table: s.table}, nil
}

func (s *sqlite) EnsureTable(ctx context.Context) error {
	conn, err := s.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err := conn.Close(ctx)
		if err != nil {
			zap.S().Warnf("Failed to close sqlite connection: %s", err)
		}
	}()

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		topic TEXT PRIMARY KEY,
		ts TIMESTAMP NOT NULL,
		value BLOB,
		qos INTEGER NOT NULL,
		retain INTEGER NOT NULL
	)`, s.table)
	_, err = conn.(*sqliteConn).db.ExecContext(ctx, ddl)
	return err
}

func (s *sqlite) RetryableConnect(err error) bool {
	return true
}

func (s *sqlite) RetryableTxn(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "database is locked")
}

type sqliteConn struct {
	db    *sql.DB
	table string
}

// Upsert runs the embedded-backend variant of the upsert: SQLite predates
// native upsert here, so an INSERT OR IGNORE followed by an unconditional
// UPDATE runs inside one transaction.
func (c *sqliteConn) Upsert(ctx context.Context, rec Record) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	insertStatement := fmt.Sprintf(
		`INSERT OR IGNORE INTO %s (topic, ts, value, qos, retain) VALUES (?, ?, ?, ?, ?)`, c.table)
	updateStatement := fmt.Sprintf(
		`UPDATE %s SET ts = ?, value = ?, qos = ?, retain = ? WHERE topic = ?`, c.table)

	_, err = tx.ExecContext(ctx, insertStatement, rec.Topic, rec.Ts, rec.Value, rec.QoS, rec.Retained)
	if err == nil {
		_, err = tx.ExecContext(ctx, updateStatement, rec.Ts, rec.Value, rec.QoS, rec.Retained, rec.Topic)
	}
	if err != nil {
		// try rollback in case there is any error
		rollbackErr := tx.Rollback()
		if rollbackErr != nil {
			zap.S().Debugf("Rollback failed: %s", rollbackErr)
		}
		return fmt.Errorf("exec [%s; %s]: %w", insertStatement, updateStatement, err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (c *sqliteConn) Close(_ context.Context) error {
	return c.db.Close()
}
