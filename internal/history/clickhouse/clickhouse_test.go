package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/procmaster/internal/history"
)

func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("clickhouse container unavailable: %v", err)
	}

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return c, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	c, addr := setupClickHouseContainer(ctx, t)
	defer func() { _ = c.Terminate(ctx) }()

	sink, err := New(addr, "default", "process_history")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	rec := history.Record{Name: "Worker1", PID: 12345, State: "running", StartedAt: time.Now().UTC()}
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Record: rec}))
	rec.State = "stopped"
	rec.ExitErr = "signal: killed"
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventCrash, OccurredAt: time.Now().UTC(), Record: rec}))

	n, err := sink.Count(ctx, "Worker1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, sink.Send(cancelled, history.Event{Type: history.EventStop, OccurredAt: time.Now().UTC(), Record: rec}))
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	_, err := New("127.0.0.1:1", "", "test_table")
	assert.Error(t, err)
}
