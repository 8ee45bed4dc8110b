//go:build integration

package integration_test

import (
	"context"
	"testing"
	"time"

	"github.com/couchcryptid/obs-pipeline/internal/domain"
	"github.com/couchcryptid/obs-pipeline/internal/dq"
	"github.com/couchcryptid/obs-pipeline/internal/store"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// startPostgres launches a postgres container and returns a migrated, seeded store.
func startPostgres(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("obs"),
		tcpostgres.WithUsername("obs"),
		tcpostgres.WithPassword("obs"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start postgres")

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := store.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.SeedMetrics(ctx, domain.Catalog))
	require.NoError(t, s.SeedDQChecks(ctx, dq.DefaultChecks()))
	return s
}

// startKafka launches a single-node kafka container and returns its broker address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()

	ctr, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("obs-test"))
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start kafka")

	brokers, err := ctr.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()

	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
	// Give the broker a moment to elect a leader for the new topic.
	time.Sleep(500 * time.Millisecond)
}
