package history

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
)

var testRecord = Record{
	Start:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	End:        time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC),
	Tenant:     "tenant-a",
	Database:   "db",
	Table:      "t",
	BlockCount: 42,
}

func TestLogWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewLogWriter(log.NewLogfmtLogger(&buf))

	require.NoError(t, w.Write(context.Background(), testRecord))
	require.Contains(t, buf.String(), "blocks=42")
	require.Contains(t, buf.String(), "table=t")
	require.Contains(t, buf.String(), "duration=5m0s")
}

func TestKafkaConfig_Validate(t *testing.T) {
	require.NoError(t, (&KafkaConfig{}).Validate())
	require.Error(t, (&KafkaConfig{Address: "localhost:9092"}).Validate())
}

func TestKafkaWriter(t *testing.T) {
	const topic = "history"

	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, topic))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	addr := cluster.ListenAddrs()[0]

	w, err := NewKafkaWriter(KafkaConfig{
		Address:      addr,
		Topic:        topic,
		ClientID:     "test",
		WriteTimeout: 5 * time.Second,
	}, prometheus.NewRegistry(), log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(w.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, w.Write(ctx, testRecord))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(addr),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	t.Cleanup(consumer.Close)

	var records []*kgo.Record
	for len(records) == 0 {
		fetches := consumer.PollFetches(ctx)
		require.NoError(t, ctx.Err())
		require.Empty(t, fetches.Errors())
		records = append(records, fetches.Records()...)
	}
	require.Len(t, records, 1)
	require.Equal(t, "db.t", string(records[0].Key))

	var got Record
	require.NoError(t, json.Unmarshal(records[0].Value, &got))
	require.Equal(t, testRecord, got)
}
