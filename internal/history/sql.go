package history

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"
)

// Shared statements for the database/sql sinks. Placeholders are written as
// "?" and rebound for dialects that need numbered parameters.
const (
	insertSQL = `INSERT INTO service_history(occurred_at, type, name, pid, port, url, phase, status, error, error_kind, restart_count)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	recentSQL = `SELECT occurred_at, type, name, pid, port, url, phase, status, error, error_kind, restart_count
		FROM service_history WHERE name = ? ORDER BY occurred_at DESC LIMIT ?`
)

// Numbered rewrites "?" placeholders to $1, $2, ... for PostgreSQL.
func Numbered(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// InsertSQL returns the insert statement for the dialect ("sqlite" or "postgres").
func InsertSQL(dialect string) string {
	if dialect == "postgres" {
		return Numbered(insertSQL)
	}
	return insertSQL
}

// RecentSQL returns the recent-events query for the dialect.
func RecentSQL(dialect string) string {
	if dialect == "postgres" {
		return Numbered(recentSQL)
	}
	return recentSQL
}

// InsertArgs flattens e in column order.
func InsertArgs(e Event) []any {
	r := e.Record
	return []any{e.OccurredAt.UTC(), string(e.Type), r.Name, r.PID, r.Port, r.URL, r.Phase, r.Status, r.Error, r.ErrorKind, r.RestartCount}
}

// ScanEvents reads rows produced by RecentSQL.
func ScanEvents(rows *sql.Rows) ([]Event, error) {
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var (
			e    Event
			typ  string
			when time.Time
		)
		r := &e.Record
		if err := rows.Scan(&when, &typ, &r.Name, &r.PID, &r.Port, &r.URL, &r.Phase, &r.Status, &r.Error, &r.ErrorKind, &r.RestartCount); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.OccurredAt = when.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// QueryRecent runs RecentSQL against db.
func QueryRecent(ctx context.Context, db *sql.DB, dialect, name string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, RecentSQL(dialect), name, limit)
	if err != nil {
		return nil, err
	}
	return ScanEvents(rows)
}
