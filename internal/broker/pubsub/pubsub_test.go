package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsm/fanin/internal/pubsubtest"
)

func TestParseTopic(t *testing.T) {
	p, id, err := ParseTopic("p1", "records")
	require.NoError(t, err)
	assert.Equal(t, "p1", p)
	assert.Equal(t, "records", id)

	p, id, err = ParseTopic("p1", "projects/p2/topics/records")
	require.NoError(t, err)
	assert.Equal(t, "p2", p)
	assert.Equal(t, "records", id)

	_, _, err = ParseTopic("", "records")
	assert.Error(t, err)
	_, _, err = ParseTopic("p1", "")
	assert.Error(t, err)
	_, _, err = ParseTopic("p1", "projects/p2/subscriptions/records")
	assert.Error(t, err)
}

func TestPublisher_Publish(t *testing.T) {
	client, srv := pubsubtest.Start(t)
	pubsubtest.Subscribe(t, client, "records", "records-sub")

	pub, err := NewFromClient(client, pubsubtest.Project, "records", nil)
	require.NoError(t, err)
	assert.Equal(t, "projects/fanin-test/topics/records", pub.Destination())

	id, err := pub.Publish(context.Background(), []byte(`{"a":1}`), map[string]string{"origin": "split"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, `{"a":1}`, string(msgs[0].Data))
	assert.Equal(t, "split", msgs[0].Attributes["origin"])

	require.NoError(t, pub.Close())
}

func TestPublisher_MissingTopic(t *testing.T) {
	client, _ := pubsubtest.Start(t)

	pub, err := NewFromClient(client, pubsubtest.Project, "nope", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	_, err = pub.Publish(context.Background(), []byte(`{}`), nil)
	assert.ErrorContains(t, err, "publish to projects/fanin-test/topics/nope")
}
