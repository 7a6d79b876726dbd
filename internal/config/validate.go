package config

import (
	"errors"
	"fmt"

	"github.com/lsm/fanin/internal/kafka"
	"github.com/lsm/fanin/internal/listener/pubsub"
)

// ValidateCollect checks the settings the aggregation job needs.
func (c *Config) ValidateCollect() error {
	errs := c.validateCommon()

	if c.Collect.Target <= 0 {
		errs = append(errs, fmt.Errorf("EXPECTED_MESSAGES_COUNT must be positive, got %d", c.Collect.Target))
	}
	if c.Collect.Bucket == "" {
		errs = append(errs, errors.New("TARGET_GCS_BUCKET_NAME is required"))
	}
	if c.Collect.Object == "" {
		errs = append(errs, errors.New("OUTPUT_GCS_FILENAME is required"))
	}
	if c.Collect.WaitTimeout < 0 {
		errs = append(errs, errors.New("wait timeout must not be negative"))
	}
	if c.Collect.DrainTimeout < 0 {
		errs = append(errs, errors.New("drain timeout must not be negative"))
	}

	switch c.Broker {
	case BrokerPubSub:
		if _, _, err := pubsub.ParseSubscription(c.GCP.ProjectID, c.GCP.Subscription); err != nil {
			errs = append(errs, fmt.Errorf("PUBSUB_SUBSCRIPTION_ID: %w", err))
		}
	case BrokerJetStream:
		if c.NATS.Stream == "" {
			errs = append(errs, errors.New("nats stream is required"))
		}
		if c.NATS.Durable == "" {
			errs = append(errs, errors.New("nats durable consumer is required"))
		}
	case BrokerKafka:
		if c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka topic is required"))
		}
		if c.Kafka.Group == "" {
			errs = append(errs, errors.New("kafka consumer group is required"))
		}
		switch c.Kafka.StartOffset {
		case "", kafka.OffsetEarliest, kafka.OffsetLatest:
		default:
			errs = append(errs, fmt.Errorf("kafka start offset must be %q or %q", kafka.OffsetEarliest, kafka.OffsetLatest))
		}
	}
	return errors.Join(errs...)
}

// ValidateSplit checks the settings the splitter needs.
func (c *Config) ValidateSplit() error {
	errs := c.validateCommon()

	if c.Split.PublishRate < 0 {
		errs = append(errs, errors.New("publish rate must not be negative"))
	}

	switch c.Broker {
	case BrokerPubSub:
		if c.GCP.Topic == "" {
			errs = append(errs, errors.New("PUBSUB_TOPIC_ID is required"))
		}
	case BrokerJetStream:
		if c.NATS.Subject == "" {
			errs = append(errs, errors.New("nats subject is required"))
		}
	case BrokerKafka:
		if c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka topic is required"))
		}
	}

	switch c.Trigger {
	case TriggerNone:
	case TriggerCloudRun:
		if c.GCP.ProjectID == "" {
			errs = append(errs, errors.New("GCP_PROJECT_ID is required for the cloud run trigger"))
		}
		if c.CloudRun.Job == "" {
			errs = append(errs, errors.New("CLOUD_RUN_JOB_NAME is required"))
		}
		if c.CloudRun.Region == "" {
			errs = append(errs, errors.New("CLOUD_RUN_JOB_REGION is required"))
		}
	case TriggerTemporal:
		if err := c.Temporal.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("temporal: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported trigger %q", c.Trigger))
	}
	return errors.Join(errs...)
}

func (c *Config) validateCommon() []error {
	var errs []error

	switch c.Broker {
	case BrokerPubSub:
		// A full subscription path carries its own project.
	case BrokerJetStream:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats url is required"))
		}
	case BrokerKafka:
		if err := c.Kafka.Cluster.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("kafka: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported broker %q", c.Broker))
	}

	switch c.Store {
	case StoreGCS:
	case StoreAzure:
		if c.Azure.AccountURL == "" && c.Azure.ConnectionString == "" {
			errs = append(errs, errors.New("azure account URL or connection string is required"))
		}
	case StoreNATS:
		if c.NATS.URL == "" && c.Broker != BrokerJetStream {
			errs = append(errs, errors.New("nats url is required for the nats store"))
		}
	case StoreFile:
		if c.File.Root == "" {
			errs = append(errs, errors.New("file root is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store %q", c.Store))
	}
	return errs
}
