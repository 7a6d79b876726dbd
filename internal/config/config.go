// Package config loads fanin settings from an optional YAML file, a .env
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/lsm/fanin/internal/kafka"
	"github.com/lsm/fanin/internal/trigger/temporal"
)

// Broker backends.
const (
	BrokerPubSub    = "pubsub"
	BrokerJetStream = "jetstream"
	BrokerKafka     = "kafka"
)

// Store backends.
const (
	StoreGCS   = "gcs"
	StoreAzure = "azure"
	StoreNATS  = "nats"
	StoreFile  = "file"
)

// Trigger backends.
const (
	TriggerNone     = "none"
	TriggerCloudRun = "cloudrun"
	TriggerTemporal = "temporal"
)

// Defaults.
const (
	DefaultTarget      = 10
	DefaultObject      = "aggregated_messages.json"
	DefaultMetricsAddr = ":9090"
	DefaultListenAddr  = ":8080"
	DefaultConfigFile  = "fanin.yaml"
)

// Config is the complete process configuration.
type Config struct {
	LogLevel    string `yaml:"logLevel"`
	MetricsAddr string `yaml:"metricsAddr"`
	// Broker is one of pubsub, jetstream or kafka.
	Broker string `yaml:"broker"`
	// Store is one of gcs, azure, nats or file.
	Store string `yaml:"store"`
	// Trigger is one of none, cloudrun or temporal. Empty selects cloudrun
	// when a job name is configured.
	Trigger string `yaml:"trigger"`

	Collect  CollectConfig   `yaml:"collect"`
	Split    SplitConfig     `yaml:"split"`
	GCP      GCPConfig       `yaml:"gcp"`
	NATS     NATSConfig      `yaml:"nats"`
	Kafka    KafkaConfig     `yaml:"kafka"`
	Azure    AzureConfig     `yaml:"azure"`
	File     FileConfig      `yaml:"file"`
	CloudRun CloudRunConfig  `yaml:"cloudRun"`
	Temporal temporal.Config `yaml:"temporal"`
}

// CollectConfig configures the aggregation job.
type CollectConfig struct {
	Target int    `yaml:"target"`
	Bucket string `yaml:"bucket"`
	Object string `yaml:"object"`
	// WaitTimeout bounds listening; zero waits for the target or a signal.
	WaitTimeout  time.Duration `yaml:"waitTimeout"`
	DrainTimeout time.Duration `yaml:"drainTimeout"`
	NoClobber    bool          `yaml:"noClobber"`
	Workers      int           `yaml:"workers"`
	// DeadLetter is a topic or subject on the same broker that receives
	// undecodable messages. Empty acknowledges and drops them.
	DeadLetter string `yaml:"deadLetter"`
}

// SplitConfig configures the splitter.
type SplitConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	// PublishRate caps messages per second; zero is unlimited.
	PublishRate  float64 `yaml:"publishRate"`
	PublishBurst int     `yaml:"publishBurst"`
}

// GCPConfig holds Google Cloud settings shared by Pub/Sub, GCS and Cloud Run.
type GCPConfig struct {
	ProjectID    string `yaml:"projectId"`
	Subscription string `yaml:"subscription"`
	Topic        string `yaml:"topic"`
}

// NATSConfig holds JetStream settings.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	Durable string `yaml:"durable"`
	// Subject is the publish subject for the splitter and the filter subject
	// for the listener.
	Subject string        `yaml:"subject"`
	AckWait time.Duration `yaml:"ackWait"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Cluster     kafka.ClusterConfig `yaml:"cluster"`
	Topic       string              `yaml:"topic"`
	Group       string              `yaml:"group"`
	StartOffset string              `yaml:"startOffset"`
}

// AzureConfig holds Azure Blob Storage settings.
type AzureConfig struct {
	AccountURL       string `yaml:"accountUrl"`
	ConnectionString string `yaml:"connectionString"`
}

// FileConfig holds local file store settings.
type FileConfig struct {
	Root string `yaml:"root"`
}

// CloudRunConfig identifies the job started after a split.
type CloudRunConfig struct {
	Job       string `yaml:"job"`
	Region    string `yaml:"region"`
	PassBatch bool   `yaml:"passBatch"`
}

// Default returns a Config with defaults applied.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		MetricsAddr: DefaultMetricsAddr,
		Broker:      BrokerPubSub,
		Store:       StoreGCS,
		Collect: CollectConfig{
			Target: DefaultTarget,
			Object: DefaultObject,
		},
		Split: SplitConfig{
			ListenAddr: DefaultListenAddr,
		},
		Kafka: KafkaConfig{
			StartOffset: kafka.OffsetEarliest,
		},
	}
}

// Load reads .env, then the YAML file at path (or FANIN_CONFIG_FILE, or
// fanin.yaml if present), then applies environment overrides.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	return load(afero.NewOsFs(), path, os.LookupEnv)
}

// LoadDotEnv loads variables from the given files (default .env) into the
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func load(fsys afero.Fs, path string, lookup lookupFunc) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		if v, ok := lookup("FANIN_CONFIG_FILE"); ok && v != "" {
			path, explicit = v, true
		} else {
			path = DefaultConfigFile
		}
	}

	data, err := afero.ReadFile(fsys, path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if cfg.Trigger == "" {
		cfg.Trigger = TriggerNone
		if cfg.CloudRun.Job != "" {
			cfg.Trigger = TriggerCloudRun
		}
	}
	return cfg, nil
}

// env reads typed variables and collects parse errors.
type env struct {
	lookup lookupFunc
	errs   []error
}

func (e *env) string(dst *string, keys ...string) {
	for _, k := range keys {
		if v, ok := e.lookup(k); ok && v != "" {
			*dst = v
			return
		}
	}
}

func (e *env) int(dst *int, key string) {
	if v, ok := e.lookup(key); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *env) float(dst *float64, key string) {
	if v, ok := e.lookup(key); ok && v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *env) bool(dst *bool, key string) {
	if v, ok := e.lookup(key); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

// duration accepts Go durations ("90s") or plain seconds ("90").
func (e *env) duration(dst *time.Duration, key string) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func applyEnv(cfg *Config, lookup lookupFunc) error {
	e := &env{lookup: lookup}

	e.string(&cfg.LogLevel, "FANIN_LOG_LEVEL")
	e.string(&cfg.MetricsAddr, "FANIN_METRICS_ADDR")
	e.string(&cfg.Broker, "FANIN_BROKER")
	e.string(&cfg.Store, "FANIN_STORE")
	e.string(&cfg.Trigger, "FANIN_TRIGGER")

	e.int(&cfg.Collect.Target, "EXPECTED_MESSAGES_COUNT")
	e.string(&cfg.Collect.Bucket, "TARGET_GCS_BUCKET_NAME", "FANIN_BUCKET")
	e.string(&cfg.Collect.Object, "OUTPUT_GCS_FILENAME", "FANIN_OBJECT")
	e.duration(&cfg.Collect.WaitTimeout, "FANIN_WAIT_TIMEOUT")
	e.duration(&cfg.Collect.DrainTimeout, "FANIN_DRAIN_TIMEOUT")
	e.bool(&cfg.Collect.NoClobber, "FANIN_NO_CLOBBER")
	e.int(&cfg.Collect.Workers, "FANIN_WORKERS")
	e.string(&cfg.Collect.DeadLetter, "FANIN_DEAD_LETTER")

	e.string(&cfg.Split.ListenAddr, "FANIN_LISTEN_ADDR")
	if port, ok := lookup("PORT"); ok && port != "" {
		if _, set := lookup("FANIN_LISTEN_ADDR"); !set {
			cfg.Split.ListenAddr = ":" + port
		}
	}
	e.float(&cfg.Split.PublishRate, "FANIN_PUBLISH_RATE")
	e.int(&cfg.Split.PublishBurst, "FANIN_PUBLISH_BURST")

	e.string(&cfg.GCP.ProjectID, "GCP_PROJECT_ID", "GOOGLE_CLOUD_PROJECT")
	e.string(&cfg.GCP.Subscription, "PUBSUB_SUBSCRIPTION_ID")
	e.string(&cfg.GCP.Topic, "PUBSUB_TOPIC_ID")

	e.string(&cfg.NATS.URL, "FANIN_NATS_URL", "NATS_URL")
	e.string(&cfg.NATS.Stream, "FANIN_NATS_STREAM")
	e.string(&cfg.NATS.Durable, "FANIN_NATS_DURABLE")
	e.string(&cfg.NATS.Subject, "FANIN_NATS_SUBJECT")
	e.duration(&cfg.NATS.AckWait, "FANIN_NATS_ACK_WAIT")

	if v, ok := lookup("FANIN_KAFKA_BROKERS"); ok && v != "" {
		cfg.Kafka.Cluster.Brokers = kafka.ParseBrokers(v)
	}
	e.string(&cfg.Kafka.Cluster.ClientID, "FANIN_KAFKA_CLIENT_ID")
	e.string(&cfg.Kafka.Cluster.Auth.Mechanism, "FANIN_KAFKA_SASL_MECHANISM")
	e.string(&cfg.Kafka.Cluster.Auth.Username, "FANIN_KAFKA_SASL_USERNAME")
	e.string(&cfg.Kafka.Cluster.Auth.Password, "FANIN_KAFKA_SASL_PASSWORD")
	e.bool(&cfg.Kafka.Cluster.TLS.Enabled, "FANIN_KAFKA_TLS")
	e.string(&cfg.Kafka.Topic, "FANIN_KAFKA_TOPIC")
	e.string(&cfg.Kafka.Group, "FANIN_KAFKA_GROUP")
	e.string(&cfg.Kafka.StartOffset, "FANIN_KAFKA_START_OFFSET")

	e.string(&cfg.Azure.AccountURL, "AZURE_STORAGE_ACCOUNT_URL")
	e.string(&cfg.Azure.ConnectionString, "AZURE_STORAGE_CONNECTION_STRING")

	e.string(&cfg.File.Root, "FANIN_FILE_ROOT")

	e.string(&cfg.CloudRun.Job, "CLOUD_RUN_JOB_NAME")
	e.string(&cfg.CloudRun.Region, "CLOUD_RUN_JOB_REGION")
	e.bool(&cfg.CloudRun.PassBatch, "FANIN_PASS_BATCH")

	e.string(&cfg.Temporal.HostPort, "FANIN_TEMPORAL_HOST_PORT", "TEMPORAL_ADDRESS")
	e.string(&cfg.Temporal.Namespace, "FANIN_TEMPORAL_NAMESPACE", "TEMPORAL_NAMESPACE")
	e.string(&cfg.Temporal.TaskQueue, "FANIN_TEMPORAL_TASK_QUEUE")
	e.string(&cfg.Temporal.WorkflowType, "FANIN_TEMPORAL_WORKFLOW_TYPE")
	e.string(&cfg.Temporal.WorkflowID, "FANIN_TEMPORAL_WORKFLOW_ID")
	if v, ok := lookup("FANIN_TEMPORAL_MODE"); ok && v != "" {
		cfg.Temporal.Mode = temporal.Mode(v)
	}
	e.string(&cfg.Temporal.SignalName, "FANIN_TEMPORAL_SIGNAL")
	e.string(&cfg.Temporal.Auth.APIKeyEnv, "FANIN_TEMPORAL_API_KEY_ENV")

	return errors.Join(e.errs...)
}
