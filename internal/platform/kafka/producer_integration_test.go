//go:build integration

package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"consentgrid/internal/platform/config"
	"consentgrid/pkg/testutil/containers"
)

func TestProducerRoundTrip(t *testing.T) {
	broker := containers.NewRedpandaContainer(t)
	t.Cleanup(func() { _ = broker.Container.Terminate(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	p, err := NewProducer(ctx, config.Kafka{Brokers: broker.Brokers, ClientID: "test"}, nil)
	require.NoError(t, err)
	defer p.Close(ctx)

	require.NoError(t, p.EnsureTopics(ctx, 1, 1, "permission-events"))
	require.NoError(t, p.EnsureTopics(ctx, 1, 1, "permission-events"), "existing topics are fine")
	require.NoError(t, p.Produce(ctx, "permission-events", []byte("pid-1"), []byte(`{"type":"created"}`)))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker.Brokers...),
		kgo.ConsumeTopics("permission-events"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	require.NoError(t, fetches.Err())
	records := fetches.Records()
	require.Len(t, records, 1)
	require.Equal(t, "pid-1", string(records[0].Key))
}

func TestNewProducerWithoutBrokers(t *testing.T) {
	p, err := NewProducer(context.Background(), config.Kafka{}, nil)
	require.NoError(t, err)
	require.Nil(t, p)
}
