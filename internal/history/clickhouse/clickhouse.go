package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/procm/internal/history"
)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// Options selects the server and table. Empty fields use the ClickHouse defaults.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

func New(addr, table string) (*Sink, error) {
	return Open(Options{Addr: addr, Table: table})
}

// Open connects, verifies the connection and creates the table if missing.
func Open(o Options) (*Sink, error) {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = "process_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureSchema(context.Background()); err != nil {
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
			server_id String,
			process_id String,
			pid Int64,
			name String,
			command String,
			cwd String,
			status String,
			exit_code Nullable(Int64),
			signal String,
			error String
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, process_id)`, s.table))
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
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
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, server_id, process_id, pid, name, command, cwd, status, exit_code, signal, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	var code *int64
	if e.Record.ExitCode != nil {
		c := int64(*e.Record.ExitCode)
		code = &c
	}
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		e.ServerID,
		e.Record.ID,
		int64(e.Record.PID),
		e.Record.Name,
		e.Record.Command,
		e.Record.Cwd,
		e.Record.Status,
		code,
		e.Record.Signal,
		e.Record.Error,
	)

	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}

	return nil
}
