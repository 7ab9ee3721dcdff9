package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type execCall struct {
	sql  string
	args []any
}

type fakeExecer struct {
	calls []execCall
	err   error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: arguments})
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeExecer{}
	sink := newPostgresSink(db, "")

	require.NoError(t, sink.EnsureSchema(context.Background()))
	require.Len(t, db.calls, 1)
	assert.Contains(t, db.calls[0].sql, `CREATE TABLE IF NOT EXISTS "securedcomm_dead_letters"`)
	assert.Contains(t, db.calls[0].sql, `"idx_securedcomm_dead_letters_queue"`)

	db.err = errors.New("permission denied")
	assert.ErrorContains(t, sink.EnsureSchema(context.Background()), "permission denied")
}

func TestStore(t *testing.T) {
	db := &fakeExecer{}
	sink := newPostgresSink(db, "rejected")

	receivedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err := sink.Store(context.Background(), Record{
		Queue:       "orders",
		ConsumerTag: "orders-1",
		Body:        []byte("cipher"),
		Reason:      "envelope crypto failure",
		ReceivedAt:  receivedAt,
	})
	require.NoError(t, err)

	require.Len(t, db.calls, 1)
	assert.Contains(t, db.calls[0].sql, `INSERT INTO "rejected"`)
	assert.Equal(t, []any{"orders", "orders-1", []byte("cipher"), "envelope crypto failure", receivedAt}, db.calls[0].args)

	// missing timestamp and body are filled in
	require.NoError(t, sink.Store(context.Background(), Record{Queue: "orders", Reason: "malformed"}))
	assert.Equal(t, []byte{}, db.calls[1].args[2])
	assert.False(t, db.calls[1].args[4].(time.Time).IsZero())

	db.err = errors.New("connection reset")
	assert.Error(t, sink.Store(context.Background(), Record{Queue: "orders"}))
}

func TestTableNameIsQuoted(t *testing.T) {
	sink := newPostgresSink(&fakeExecer{}, `letters"; DROP TABLE users; --`)
	assert.Equal(t, `"letters""; DROP TABLE users; --"`, sink.table)
}

func TestNewPostgresSinkRequiresURL(t *testing.T) {
	_, err := NewPostgresSink(context.Background(), nil)
	assert.Error(t, err)

	_, err = NewPostgresSink(context.Background(), &Settings{URL: "://not a url"})
	assert.Error(t, err)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sink := LogSink{Logger: zap.New(core).Sugar()}

	require.NoError(t, sink.Store(context.Background(), Record{Queue: "orders", Body: []byte("abc"), Reason: "bad"}))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "dead letter", logs.All()[0].Message)
	assert.Equal(t, int64(3), logs.All()[0].ContextMap()["bytes"])

	assert.NoError(t, LogSink{}.Store(context.Background(), Record{}))
}
