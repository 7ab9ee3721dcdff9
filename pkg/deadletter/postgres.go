// Package deadletter keeps deliveries that could not be decoded.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/houseofcat/securedcomm/pkg/queue"
)

const defaultTable = "securedcomm_dead_letters"

// Record is one rejected delivery.
type Record = queue.DeadLetter

// Settings locate the dead-letter table.
type Settings struct {
	URL      string `json:"URL" yaml:"URL" env:"SECUREDCOMM_DEADLETTER_URL"`
	Table    string `json:"Table,omitempty" yaml:"Table,omitempty" env:"SECUREDCOMM_DEADLETTER_TABLE"`
	MaxConns int32  `json:"MaxConns,omitempty" yaml:"MaxConns,omitempty" env:"SECUREDCOMM_DEADLETTER_MAX_CONNS"`
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresSink stores records in a Postgres table.
type PostgresSink struct {
	db    execer
	pool  *pgxpool.Pool
	table string
}

// NewPostgresSink opens and pings a pool for settings.URL.
func NewPostgresSink(ctx context.Context, settings *Settings) (*PostgresSink, error) {

	if settings == nil || settings.URL == "" {
		return nil, errors.New("dead letter database url is empty")
	}

	poolConfig, err := pgxpool.ParseConfig(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	if settings.MaxConns > 0 {
		poolConfig.MaxConns = settings.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	sink := newPostgresSink(pool, settings.Table)
	sink.pool = pool

	return sink, nil
}

func newPostgresSink(db execer, table string) *PostgresSink {
	if table == "" {
		table = defaultTable
	}

	return &PostgresSink{
		db:    db,
		table: pgx.Identifier{table}.Sanitize(),
	}
}

// EnsureSchema creates the table when it doesn't exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			queue_name VARCHAR(255) NOT NULL,
			consumer_tag VARCHAR(255) NOT NULL,
			body BYTEA NOT NULL,
			reason TEXT NOT NULL,
			received_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS %s ON %s(queue_name);
	`, s.table, pgx.Identifier{"idx_" + unquote(s.table) + "_queue"}.Sanitize(), s.table)

	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create dead letter table: %w", err)
	}

	return nil
}

// Store inserts record.
func (s *PostgresSink) Store(ctx context.Context, record Record) error {

	receivedAt := record.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	body := record.Body
	if body == nil {
		body = []byte{}
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (queue_name, consumer_tag, body, reason, received_at) VALUES ($1, $2, $3, $4, $5)`,
		s.table)

	if _, err := s.db.Exec(ctx, query, record.Queue, record.ConsumerTag, body, record.Reason, receivedAt); err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}

	return nil
}

// Close closes the pool opened by NewPostgresSink.
func (s *PostgresSink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func unquote(identifier string) string {
	if len(identifier) >= 2 && identifier[0] == '"' && identifier[len(identifier)-1] == '"' {
		return identifier[1 : len(identifier)-1]
	}
	return identifier
}
