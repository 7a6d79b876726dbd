// Package pubsubtest runs an in-process Pub/Sub fake for tests.
package pubsubtest

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Project is the project ID every client created by Start uses.
const Project = "fanin-test"

// Start runs a fake server and returns a client connected to it. Both are
// closed when the test ends.
func Start(t testing.TB) (*pubsub.Client, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial pstest: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), Project, option.WithGRPCConn(conn))
	if err != nil {
		t.Fatalf("pubsub client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client, srv
}

// Subscribe creates topic and a subscription on it.
func Subscribe(t testing.TB, client *pubsub.Client, topic, sub string) *pubsub.Topic {
	t.Helper()
	ctx := context.Background()

	tp, err := client.CreateTopic(ctx, topic)
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	t.Cleanup(tp.Stop)

	if _, err := client.CreateSubscription(ctx, sub, pubsub.SubscriptionConfig{Topic: tp}); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return tp
}
