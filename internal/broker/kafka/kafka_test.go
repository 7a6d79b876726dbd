package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/fanin/internal/kafka"
)

type mockProducer struct {
	err     error
	records []*kgo.Record
	closed  bool
}

func (m *mockProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	m.records = append(m.records, rs...)
	out := make(kgo.ProduceResults, len(rs))
	for i, r := range rs {
		r.Partition = 2
		r.Offset = int64(40 + len(m.records))
		out[i] = kgo.ProduceResult{Record: r, Err: m.err}
	}
	return out
}

func (m *mockProducer) Close() { m.closed = true }

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "t", nil)
	assert.ErrorContains(t, err, "cluster config is required")

	_, err = New(&kafka.ClusterConfig{Brokers: []string{"localhost:9092"}}, "", nil)
	assert.ErrorContains(t, err, "topic is required")
}

func TestNew_ValidConfig(t *testing.T) {
	pub, err := New(&kafka.ClusterConfig{Brokers: []string{"localhost:9092"}}, "records", nil)
	require.NoError(t, err)
	assert.Equal(t, "records", pub.Destination())
	assert.NoError(t, pub.Close())
}

func TestPublisher_Publish(t *testing.T) {
	mp := &mockProducer{}
	pub := &Publisher{client: mp, topic: "records"}

	id, err := pub.Publish(context.Background(), []byte(`{"a":1}`), map[string]string{"origin": "split"})
	require.NoError(t, err)
	assert.Equal(t, "records/2/41", id)

	require.Len(t, mp.records, 1)
	rec := mp.records[0]
	assert.Equal(t, "records", rec.Topic)
	assert.Equal(t, `{"a":1}`, string(rec.Value))
	headers := make(map[string]string)
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "split", headers["origin"])
}

func TestPublisher_PublishError(t *testing.T) {
	mp := &mockProducer{err: errors.New("not leader")}
	pub := &Publisher{client: mp, topic: "records"}

	_, err := pub.Publish(context.Background(), []byte(`{}`), nil)
	assert.ErrorContains(t, err, "kafka publish to records")
}

func TestPublisher_Close(t *testing.T) {
	mp := &mockProducer{}
	pub := &Publisher{client: mp, topic: "records"}
	require.NoError(t, pub.Close())
	assert.True(t, mp.closed)
}
