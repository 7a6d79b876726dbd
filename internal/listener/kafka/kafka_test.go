package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/fanin/internal/kafka"
	"github.com/lsm/fanin/internal/listener"
)

// mockConsumer returns each queued batch once, then blocks until the
// context is cancelled.
type mockConsumer struct {
	mu        sync.Mutex
	batches   []kgo.Fetches
	marked    []*kgo.Record
	commits   int
	commitErr error
	closed    bool
}

func (m *mockConsumer) PollFetches(ctx context.Context) kgo.Fetches {
	m.mu.Lock()
	if len(m.batches) > 0 {
		f := m.batches[0]
		m.batches = m.batches[1:]
		m.mu.Unlock()
		return f
	}
	m.mu.Unlock()
	<-ctx.Done()
	return kgo.NewErrFetch(ctx.Err())
}

func (m *mockConsumer) MarkCommitRecords(rs ...*kgo.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, rs...)
}

func (m *mockConsumer) CommitMarkedOffsets(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	return m.commitErr
}

func (m *mockConsumer) AllowRebalance() {}

func (m *mockConsumer) Close() { m.closed = true }

func batch(topic string, values ...string) kgo.Fetches {
	recs := make([]*kgo.Record, len(values))
	for i, v := range values {
		recs[i] = &kgo.Record{
			Topic:     topic,
			Partition: 0,
			Offset:    int64(i),
			Value:     []byte(v),
			Headers:   []kgo.RecordHeader{{Key: "source", Value: []byte("test")}},
			Timestamp: time.Unix(1700000000, 0),
		}
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      topic,
		Partitions: []kgo.FetchPartition{{Partition: 0, Records: recs}},
	}}}}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Topic: "t", ConsumerGroup: "g"})
	assert.ErrorContains(t, err, "cluster config is required")

	_, err = New(Config{Cluster: &kafka.ClusterConfig{Brokers: []string{"localhost:9092"}}, ConsumerGroup: "g"})
	assert.ErrorContains(t, err, "topic is required")

	_, err = New(Config{Cluster: &kafka.ClusterConfig{Brokers: []string{"localhost:9092"}}, Topic: "t"})
	assert.ErrorContains(t, err, "consumer group is required")
}

func TestNew_ValidConfig(t *testing.T) {
	l, err := New(Config{
		Cluster:       &kafka.ClusterConfig{Brokers: []string{"localhost:9092"}},
		Topic:         "records",
		ConsumerGroup: "fanin",
		StartOffset:   kafka.OffsetEarliest,
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkers, l.workers)
	require.NoError(t, l.Close())
}

func TestListener_DeliversAndCommitsAcked(t *testing.T) {
	mc := &mockConsumer{batches: []kgo.Fetches{batch("records", `{"a":1}`, `{"a":2}`, `{"a":3}`)}}
	l := newListener(mc, "records", 2)

	var mu sync.Mutex
	got := make(map[string]string)
	sub, err := l.Start(context.Background(), func(_ context.Context, msg *listener.Message) {
		mu.Lock()
		got[msg.ID] = string(msg.Data)
		mu.Unlock()
		assert.Equal(t, "test", msg.Attributes["source"])
		if string(msg.Data) == `{"a":2}` {
			msg.Nack()
			return
		}
		msg.Ack()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mc.mu.Lock()
		defer mc.mu.Unlock()
		return mc.commits == 1
	}, time.Second, time.Millisecond)

	sub.Cancel()
	require.True(t, sub.AwaitClosed(time.Second))
	assert.NoError(t, sub.Err())
	assert.Equal(t, listener.Closed, sub.State())

	mu.Lock()
	assert.Len(t, got, 3)
	assert.Equal(t, `{"a":1}`, got["records/0/0"])
	mu.Unlock()

	mc.mu.Lock()
	assert.Len(t, mc.marked, 2)
	mc.mu.Unlock()
}

func TestListener_UnresolvedRecordIsAcked(t *testing.T) {
	mc := &mockConsumer{batches: []kgo.Fetches{batch("records", `{}`)}}
	l := newListener(mc, "records", 1)

	sub, err := l.Start(context.Background(), func(context.Context, *listener.Message) {
		panic("boom")
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mc.mu.Lock()
		defer mc.mu.Unlock()
		return len(mc.marked) == 1
	}, time.Second, time.Millisecond)

	sub.Cancel()
	assert.True(t, sub.AwaitClosed(time.Second))
}

func TestListener_CommitErrorDoesNotStopStream(t *testing.T) {
	mc := &mockConsumer{
		batches:   []kgo.Fetches{batch("records", `{}`)},
		commitErr: errors.New("coordinator not available"),
	}
	l := newListener(mc, "records", 1)

	sub, err := l.Start(context.Background(), func(_ context.Context, msg *listener.Message) { msg.Ack() })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mc.mu.Lock()
		defer mc.mu.Unlock()
		return mc.commits == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, listener.Running, sub.State())

	sub.Cancel()
	assert.True(t, sub.AwaitClosed(time.Second))
}

func TestListener_ClientClosedEndsStream(t *testing.T) {
	mc := &mockConsumer{batches: []kgo.Fetches{kgo.NewErrFetch(kgo.ErrClientClosed)}}
	l := newListener(mc, "records", 1)

	sub, err := l.Start(context.Background(), func(context.Context, *listener.Message) {})
	require.NoError(t, err)

	require.True(t, sub.AwaitClosed(time.Second))
	assert.ErrorIs(t, sub.Err(), kgo.ErrClientClosed)
}

func TestListener_CancelStopsDispatchWithinFetch(t *testing.T) {
	values := make([]string, 50)
	for i := range values {
		values[i] = `{}`
	}
	mc := &mockConsumer{batches: []kgo.Fetches{batch("records", values...)}}
	l := newListener(mc, "records", 1)

	subCh := make(chan *listener.Subscription, 1)
	var (
		once  sync.Once
		calls atomic.Int32
	)
	sub, err := l.Start(context.Background(), func(_ context.Context, msg *listener.Message) {
		calls.Add(1)
		msg.Ack()
		once.Do(func() { (<-subCh).Cancel() })
	})
	require.NoError(t, err)
	subCh <- sub

	require.True(t, sub.AwaitClosed(time.Second))
	assert.Equal(t, int32(1), calls.Load())

	mc.mu.Lock()
	defer mc.mu.Unlock()
	require.Len(t, mc.marked, 1)
	assert.Equal(t, int64(0), mc.marked[0].Offset)
	assert.Equal(t, 1, mc.commits)
}
