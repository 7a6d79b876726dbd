package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// ClientOptions returns kgo.Opt slice for the given cluster configuration.
func ClientOptions(cfg *ClusterConfig) ([]kgo.Opt, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.Auth.Mechanism != "" {
		mech, err := cfg.Auth.mechanism()
		if err != nil {
			return nil, fmt.Errorf("sasl config: %w", err)
		}
		opts = append(opts, kgo.SASL(mech))
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := cfg.TLS.config()
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		opts = append(opts, kgo.DialTLSConfig(tlsConfig))
	}

	return opts, nil
}

// ConsumerOptions returns the cluster options plus group consumption of
// topic with manual commits. startOffset is OffsetEarliest or OffsetLatest
// (the default).
func ConsumerOptions(cfg *ClusterConfig, group, topic, startOffset string) ([]kgo.Opt, error) {
	if group == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	offset := kgo.NewOffset().AtEnd()
	switch startOffset {
	case OffsetEarliest:
		offset = kgo.NewOffset().AtStart()
	case "", OffsetLatest:
	default:
		return nil, fmt.Errorf("start offset %q is not valid (must be %s or %s)", startOffset, OffsetEarliest, OffsetLatest)
	}

	return append(opts,
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(offset),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	), nil
}

// ProducerOptions returns the cluster options for a producer writing to
// topic and waiting for all in-sync replicas.
func ProducerOptions(cfg *ClusterConfig, topic string) ([]kgo.Opt, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	return append(opts,
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	), nil
}

// LoggerOption routes franz-go client logs to logger.
func LoggerOption(logger *slog.Logger) kgo.Opt {
	return kgo.WithLogger(kgoLogger{logger})
}

type kgoLogger struct {
	l *slog.Logger
}

func (k kgoLogger) Level() kgo.LogLevel {
	ctx := context.Background()
	switch {
	case k.l.Enabled(ctx, slog.LevelDebug):
		return kgo.LogLevelDebug
	case k.l.Enabled(ctx, slog.LevelInfo):
		return kgo.LogLevelInfo
	case k.l.Enabled(ctx, slog.LevelWarn):
		return kgo.LogLevelWarn
	default:
		return kgo.LogLevelError
	}
}

func (k kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	var lvl slog.Level
	switch level {
	case kgo.LogLevelError:
		lvl = slog.LevelError
	case kgo.LogLevelWarn:
		lvl = slog.LevelWarn
	case kgo.LogLevelInfo:
		lvl = slog.LevelInfo
	case kgo.LogLevelDebug:
		lvl = slog.LevelDebug
	default:
		return
	}
	k.l.Log(context.Background(), lvl, msg, keyvals...)
}
