package pubsub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsm/fanin/internal/listener"
	"github.com/lsm/fanin/internal/pubsubtest"
)

func TestParseSubscription(t *testing.T) {
	tests := []struct {
		name        string
		project     string
		sub         string
		wantProject string
		wantID      string
		wantErr     bool
	}{
		{"short id", "p1", "orders", "p1", "orders", false},
		{"full path overrides project", "p1", "projects/p2/subscriptions/orders", "p2", "orders", false},
		{"full path without project", "", "projects/p2/subscriptions/orders", "p2", "orders", false},
		{"short id without project", "", "orders", "", "", true},
		{"empty", "p1", "", "", "", true},
		{"malformed path", "p1", "projects/p2/topics/orders", "", "", true},
		{"truncated path", "p1", "projects/p2/subscriptions/", "", "", true},
		{"stray slash", "p1", "a/b", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project, id, err := ParseSubscription(tt.project, tt.sub)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantProject, project)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestListener_ReceivesAndAcks(t *testing.T) {
	client, srv := pubsubtest.Start(t)
	topic := pubsubtest.Subscribe(t, client, "records", "records-sub")

	l, err := NewFromClient(client, Config{
		ProjectID:    pubsubtest.Project,
		Subscription: "projects/" + pubsubtest.Project + "/subscriptions/records-sub",
	})
	require.NoError(t, err)
	assert.Equal(t, "projects/fanin-test/subscriptions/records-sub", l.Path())

	ctx := context.Background()
	for i := range 5 {
		_, err := topic.Publish(ctx, &pubsub.Message{
			Data:       []byte(fmt.Sprintf(`{"n":%d}`, i)),
			Attributes: map[string]string{"origin": "unit"},
		}).Get(ctx)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	got := make(map[string]string)
	sub, err := l.Start(ctx, func(_ context.Context, msg *listener.Message) {
		mu.Lock()
		got[msg.ID] = string(msg.Data)
		mu.Unlock()
		assert.Equal(t, "unit", msg.Attributes["origin"])
		assert.False(t, msg.PublishTime.IsZero())
		msg.Ack()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, 5*time.Second, 10*time.Millisecond)

	sub.Cancel()
	require.True(t, sub.AwaitClosed(5*time.Second))
	assert.NoError(t, sub.Err())

	require.Eventually(t, func() bool {
		for _, m := range srv.Messages() {
			if m.Acks == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, l.Close())
}

func TestListener_MissingSubscription(t *testing.T) {
	client, _ := pubsubtest.Start(t)

	l, err := NewFromClient(client, Config{ProjectID: pubsubtest.Project, Subscription: "nope"})
	require.NoError(t, err)

	_, err = l.Start(context.Background(), func(context.Context, *listener.Message) {})
	assert.ErrorContains(t, err, "does not exist")
}

func TestNewFromClient_InvalidSubscription(t *testing.T) {
	client, _ := pubsubtest.Start(t)
	_, err := NewFromClient(client, Config{Subscription: "orders"})
	assert.Error(t, err)
}
