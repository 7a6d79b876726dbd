package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsm/fanin/internal/listener"
	"github.com/lsm/fanin/internal/record"
)

type mockPublisher struct {
	data    [][]byte
	headers []map[string]string
	err     error
	closed  bool
}

func (m *mockPublisher) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		return "", errors.New("publish without deadline")
	}
	if m.err != nil {
		return "", m.err
	}
	m.data = append(m.data, data)
	m.headers = append(m.headers, attrs)
	return "dlq-1", nil
}

func (m *mockPublisher) Destination() string { return "orders-dlq" }
func (m *mockPublisher) Close() error        { m.closed = true; return nil }

func poison(t *testing.T, ack, nack func()) (*listener.Message, *record.DecodeFailure) {
	t.Helper()
	msg := listener.NewMessage("m-1", []byte(`null`), ack, nack)
	msg.Attributes = map[string]string{"origin": "batch.json"}
	_, f := record.Decode(msg.ID, msg.Data)
	require.NotNil(t, f)
	return msg, f
}

func TestSend_CopiesPayloadAndHeaders(t *testing.T) {
	pub := &mockPublisher{}
	h := NewHandler(pub, "orders-sub")
	h.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	msg, f := poison(t, nil, nil)
	require.NoError(t, h.Send(context.Background(), msg, f))

	require.Len(t, pub.data, 1)
	assert.Equal(t, `null`, string(pub.data[0]))
	hdr := pub.headers[0]
	assert.Equal(t, "batch.json", hdr["origin"])
	assert.Equal(t, "orders-sub", hdr[HeaderSubscription])
	assert.Equal(t, "m-1", hdr[HeaderMessageID])
	assert.Equal(t, "2026-01-02T03:04:05Z", hdr[HeaderFailedAt])
	assert.ErrorIs(t, f, record.ErrNotObject)
	assert.Equal(t, record.ErrNotObject.Error(), hdr[HeaderError])

	// The original attributes are not modified.
	assert.Len(t, msg.Attributes, 1)
}

func TestSend_PublishError(t *testing.T) {
	pub := &mockPublisher{err: errors.New("broker down")}
	h := NewHandler(pub, "orders-sub")
	msg, f := poison(t, nil, nil)

	err := h.Send(context.Background(), msg, f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orders-dlq")
	assert.Contains(t, err.Error(), "broker down")
}

func TestResolve_AcksAfterDeadLetter(t *testing.T) {
	pub := &mockPublisher{}
	h := NewHandler(pub, "orders-sub")

	acked := false
	msg, f := poison(t, func() { acked = true }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Resolve(ctx, msg, f)

	assert.True(t, acked)
	assert.Equal(t, listener.Acked, msg.Fate())
	assert.Len(t, pub.data, 1)
}

func TestResolve_NacksWhenDeadLetterFails(t *testing.T) {
	h := NewHandler(&mockPublisher{err: errors.New("broker down")}, "orders-sub", WithTimeout(time.Second))

	nacked := false
	msg, f := poison(t, nil, func() { nacked = true })
	h.Resolve(context.Background(), msg, f)

	assert.True(t, nacked)
	assert.Equal(t, listener.Nacked, msg.Fate())
}

func TestClose(t *testing.T) {
	pub := &mockPublisher{}
	require.NoError(t, NewHandler(pub, "s").Close())
	assert.True(t, pub.closed)
}
