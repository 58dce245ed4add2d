package clickhouse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/svckeeper/internal/history"
)

// DefaultTable receives events when the DSN names none.
const DefaultTable = "service_history"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects with a clickhouse:// DSN (see clickhouse.ParseDSN) and makes
// sure the table exists.
func New(dsn, table string) (*Sink, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", table)
	}
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse ClickHouse DSN: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: table}
	if err := s.ensureTable(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	err := s.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		type LowCardinality(String),
		occurred_at DateTime64(6),
		name String,
		pid UInt32,
		port UInt16,
		url String,
		phase LowCardinality(String),
		status LowCardinality(String),
		error String,
		error_kind LowCardinality(String),
		restart_count UInt32
	) ENGINE = MergeTree()
	ORDER BY (name, occurred_at)`)
	if err != nil {
		return fmt.Errorf("create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Record
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, name, pid, port, url, phase, status, error, error_kind, restart_count) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		r.Name,
		uint32(max(r.PID, 0)),
		uint16(max(r.Port, 0)),
		r.URL,
		r.Phase,
		r.Status,
		r.Error,
		r.ErrorKind,
		uint32(max(r.RestartCount, 0)),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Count returns the number of stored events for name.
func (s *Sink) Count(ctx context.Context, name string) (uint64, error) {
	var n uint64
	row := s.conn.QueryRow(ctx, fmt.Sprintf(`SELECT count() FROM %s WHERE name = ?`, s.table), name)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
