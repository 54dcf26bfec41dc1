package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/pkg/errors"

	"github.com/loykin/procmaster/internal/history"
)

// Sink sends events to ClickHouse using the native protocol client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to addr (host:port of the native interface) and makes sure
// table exists.
func New(addr, database, table string) (*Sink, error) {
	if database == "" {
		database = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to ClickHouse")
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "failed to ping ClickHouse")
	}

	s := &Sink{conn: conn, table: table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			type String,
			occurred_at DateTime64(6),
			name String,
			pid UInt32,
			state String,
			started_at DateTime64(6),
			respawns UInt32,
			exit_err Nullable(String)
		) ENGINE = MergeTree()
		ORDER BY (name, occurred_at)`, s.table))
	return errors.Wrapf(err, "create table %s", s.table)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, name, pid, state, started_at, respawns, exit_err) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	var exitErr *string
	if e.Record.ExitErr != "" {
		v := e.Record.ExitErr
		exitErr = &v
	}
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		e.Record.Name,
		uint32(e.Record.PID),
		e.Record.State,
		e.Record.StartedAt,
		uint32(e.Record.Respawns),
		exitErr,
	)
	return errors.Wrap(err, "failed to insert event into ClickHouse")
}

// Count returns the number of stored events for name.
func (s *Sink) Count(ctx context.Context, name string) (uint64, error) {
	var n uint64
	row := s.conn.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE name = ?", s.table), name)
	return n, errors.Wrap(row.Scan(&n), "count events")
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
