// Package backend builds the broker, storage and trigger clients selected
// by configuration and owns their shutdown.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"

	"github.com/lsm/fanin/internal/blob"
	"github.com/lsm/fanin/internal/blob/azure"
	"github.com/lsm/fanin/internal/blob/file"
	"github.com/lsm/fanin/internal/blob/gcs"
	"github.com/lsm/fanin/internal/blob/natsobj"
	"github.com/lsm/fanin/internal/broker"
	kafkabroker "github.com/lsm/fanin/internal/broker/kafka"
	jsbroker "github.com/lsm/fanin/internal/broker/jetstream"
	psbroker "github.com/lsm/fanin/internal/broker/pubsub"
	"github.com/lsm/fanin/internal/config"
	"github.com/lsm/fanin/internal/listener"
	jslistener "github.com/lsm/fanin/internal/listener/jetstream"
	kafkalistener "github.com/lsm/fanin/internal/listener/kafka"
	pslistener "github.com/lsm/fanin/internal/listener/pubsub"
	"github.com/lsm/fanin/internal/trigger"
	"github.com/lsm/fanin/internal/trigger/cloudrun"
	"github.com/lsm/fanin/internal/trigger/temporal"
)

// Set builds clients for one process. The NATS connection is shared by the
// JetStream broker and the object store.
type Set struct {
	cfg     *config.Config
	logger  *slog.Logger
	tracer  trace.Tracer
	nc      *nats.Conn
	js      jetstream.JetStream
	closers []func() error
}

// New creates a Set. Nothing is dialled until a client is requested.
func New(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{cfg: cfg, logger: logger, tracer: tracer}
}

func (s *Set) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close releases every client in reverse order of creation.
func (s *Set) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// gcpOptions instruments Google gRPC clients with the global tracer provider.
func gcpOptions() []option.ClientOption {
	return []option.ClientOption{
		option.WithGRPCDialOption(grpc.WithStatsHandler(otelgrpc.NewClientHandler())),
	}
}

func (s *Set) jetStream() (jetstream.JetStream, error) {
	if s.js != nil {
		return s.js, nil
	}
	nc, err := nats.Connect(s.cfg.NATS.URL,
		nats.Name("fanin"),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", s.cfg.NATS.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	s.nc, s.js = nc, js
	s.onClose(func() error {
		return nc.Drain()
	})
	return js, nil
}

// Store returns the configured blob store.
func (s *Set) Store(ctx context.Context) (blob.Store, error) {
	var (
		store blob.Store
		err   error
	)
	switch s.cfg.Store {
	case config.StoreGCS:
		store, err = gcs.New(ctx)
	case config.StoreAzure:
		store, err = azure.New(azure.Config{
			AccountURL:       s.cfg.Azure.AccountURL,
			ConnectionString: s.cfg.Azure.ConnectionString,
		})
	case config.StoreNATS:
		var js jetstream.JetStream
		if js, err = s.jetStream(); err == nil {
			store = natsobj.New(js)
		}
	case config.StoreFile:
		store, err = file.New(s.cfg.File.Root)
	default:
		err = fmt.Errorf("unsupported store %q", s.cfg.Store)
	}
	if err != nil {
		return nil, fmt.Errorf("%s store: %w", s.cfg.Store, err)
	}
	s.onClose(store.Close)
	return store, nil
}

// Listener returns the configured subscription listener and a name for it
// suitable for logs and metric labels.
func (s *Set) Listener(ctx context.Context) (listener.Listener, string, error) {
	var (
		l    listener.Listener
		name string
		err  error
	)
	switch s.cfg.Broker {
	case config.BrokerPubSub:
		var ps *pslistener.Listener
		ps, err = pslistener.New(ctx, pslistener.Config{
			ProjectID:    s.cfg.GCP.ProjectID,
			Subscription: s.cfg.GCP.Subscription,
		}, gcpOptions(), pslistener.WithLogger(s.logger), pslistener.WithTracer(s.tracer))
		if err == nil {
			l, name = ps, ps.Path()
		}
	case config.BrokerJetStream:
		var js jetstream.JetStream
		if js, err = s.jetStream(); err != nil {
			break
		}
		l, err = jslistener.New(js, jslistener.Config{
			Stream:        s.cfg.NATS.Stream,
			Durable:       s.cfg.NATS.Durable,
			FilterSubject: s.cfg.NATS.Subject,
			AckWait:       s.cfg.NATS.AckWait,
			Workers:       s.cfg.Collect.Workers,
		}, jslistener.WithLogger(s.logger), jslistener.WithTracer(s.tracer))
		name = s.cfg.NATS.Stream + "/" + s.cfg.NATS.Durable
	case config.BrokerKafka:
		cluster := s.cfg.Kafka.Cluster
		l, err = kafkalistener.New(kafkalistener.Config{
			Cluster:       &cluster,
			Topic:         s.cfg.Kafka.Topic,
			ConsumerGroup: s.cfg.Kafka.Group,
			StartOffset:   s.cfg.Kafka.StartOffset,
			Workers:       s.cfg.Collect.Workers,
		}, kafkalistener.WithLogger(s.logger), kafkalistener.WithTracer(s.tracer))
		name = s.cfg.Kafka.Topic + "/" + s.cfg.Kafka.Group
	default:
		err = fmt.Errorf("unsupported broker %q", s.cfg.Broker)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%s listener: %w", s.cfg.Broker, err)
	}
	s.onClose(l.Close)
	return l, name, nil
}

// Publisher returns a publisher for the split destination.
func (s *Set) Publisher(ctx context.Context) (broker.Publisher, error) {
	var dest string
	switch s.cfg.Broker {
	case config.BrokerPubSub:
		dest = s.cfg.GCP.Topic
	case config.BrokerJetStream:
		dest = s.cfg.NATS.Subject
	case config.BrokerKafka:
		dest = s.cfg.Kafka.Topic
	}
	return s.publisher(ctx, dest)
}

// DeadLetter returns a publisher for undecodable messages, or nil when no
// dead-letter destination is configured.
func (s *Set) DeadLetter(ctx context.Context) (broker.Publisher, error) {
	if s.cfg.Collect.DeadLetter == "" {
		return nil, nil
	}
	p, err := s.publisher(ctx, s.cfg.Collect.DeadLetter)
	if err != nil {
		return nil, fmt.Errorf("dead letter: %w", err)
	}
	return p, nil
}

func (s *Set) publisher(ctx context.Context, dest string) (broker.Publisher, error) {
	var (
		p   broker.Publisher
		err error
	)
	switch s.cfg.Broker {
	case config.BrokerPubSub:
		p, err = psbroker.New(ctx, s.cfg.GCP.ProjectID, dest, s.tracer, gcpOptions()...)
	case config.BrokerJetStream:
		var js jetstream.JetStream
		if js, err = s.jetStream(); err == nil {
			p, err = jsbroker.New(js, dest, s.tracer)
		}
	case config.BrokerKafka:
		cluster := s.cfg.Kafka.Cluster
		p, err = kafkabroker.New(&cluster, dest, s.tracer)
	default:
		err = fmt.Errorf("unsupported broker %q", s.cfg.Broker)
	}
	if err != nil {
		return nil, fmt.Errorf("%s publisher: %w", s.cfg.Broker, err)
	}
	s.onClose(p.Close)
	return p, nil
}

// Trigger returns the configured downstream trigger, or trigger.Noop.
func (s *Set) Trigger(ctx context.Context) (trigger.Trigger, error) {
	var (
		t   trigger.Trigger
		err error
	)
	switch s.cfg.Trigger {
	case "", config.TriggerNone:
		return trigger.Noop{}, nil
	case config.TriggerCloudRun:
		t, err = cloudrun.New(ctx, cloudrun.Config{
			ProjectID: s.cfg.GCP.ProjectID,
			Region:    s.cfg.CloudRun.Region,
			Job:       s.cfg.CloudRun.Job,
			PassBatch: s.cfg.CloudRun.PassBatch,
		}, gcpOptions(), cloudrun.WithLogger(s.logger), cloudrun.WithTracer(s.tracer))
	case config.TriggerTemporal:
		var c *temporal.SDKClient
		if c, err = temporal.Dial(s.cfg.Temporal, s.logger); err == nil {
			t, err = temporal.New(c, s.cfg.Temporal, temporal.WithLogger(s.logger), temporal.WithTracer(s.tracer))
			if err != nil {
				c.Close()
			}
		}
	default:
		err = fmt.Errorf("unsupported trigger %q", s.cfg.Trigger)
	}
	if err != nil {
		return nil, fmt.Errorf("%s trigger: %w", s.cfg.Trigger, err)
	}
	s.onClose(t.Close)
	return t, nil
}

// Ping reports whether the shared NATS connection, if any, is usable.
func (s *Set) Ping(context.Context) error {
	if s.nc == nil {
		return nil
	}
	if !s.nc.IsConnected() {
		return fmt.Errorf("nats: %s", s.nc.Status())
	}
	return nil
}
