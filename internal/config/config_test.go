package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsm/fanin/internal/trigger/temporal"
)

func lookupMap(m map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(afero.NewMemMapFs(), "", lookupMap(nil))
	require.NoError(t, err)

	assert.Equal(t, BrokerPubSub, cfg.Broker)
	assert.Equal(t, StoreGCS, cfg.Store)
	assert.Equal(t, TriggerNone, cfg.Trigger)
	assert.Equal(t, DefaultTarget, cfg.Collect.Target)
	assert.Equal(t, DefaultObject, cfg.Collect.Object)
	assert.Equal(t, DefaultMetricsAddr, cfg.MetricsAddr)
	assert.Equal(t, DefaultListenAddr, cfg.Split.ListenAddr)
	assert.Zero(t, cfg.Collect.WaitTimeout)
}

func TestLoad_OriginalEnvironment(t *testing.T) {
	cfg, err := load(afero.NewMemMapFs(), "", lookupMap(map[string]string{
		"GCP_PROJECT_ID":          "acme",
		"PUBSUB_SUBSCRIPTION_ID":  "orders-sub",
		"PUBSUB_TOPIC_ID":         "orders",
		"TARGET_GCS_BUCKET_NAME":  "results",
		"EXPECTED_MESSAGES_COUNT": "25",
		"OUTPUT_GCS_FILENAME":     "out.json",
		"CLOUD_RUN_JOB_NAME":      "collector",
		"CLOUD_RUN_JOB_REGION":    "europe-west1",
	}))
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.GCP.ProjectID)
	assert.Equal(t, "orders-sub", cfg.GCP.Subscription)
	assert.Equal(t, "orders", cfg.GCP.Topic)
	assert.Equal(t, "results", cfg.Collect.Bucket)
	assert.Equal(t, 25, cfg.Collect.Target)
	assert.Equal(t, "out.json", cfg.Collect.Object)
	assert.Equal(t, TriggerCloudRun, cfg.Trigger)
	assert.NoError(t, cfg.ValidateCollect())
	assert.NoError(t, cfg.ValidateSplit())
}

func TestLoad_YAMLWithEnvOverride(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/etc/fanin.yaml", []byte(`
broker: kafka
store: file
trigger: temporal
collect:
  target: 50
  bucket: out
  waitTimeout: 2m
kafka:
  cluster:
    brokers: [k1:9092, k2:9092]
    auth:
      mechanism: PLAIN
      username: u
      password: p
  topic: orders
  group: fanin
file:
  root: /data
temporal:
  hostPort: temporal:7233
  taskQueue: batches
  workflowType: ProcessBatch
  timeout: 5s
`), 0o644))

	cfg, err := load(fsys, "", lookupMap(map[string]string{
		"FANIN_CONFIG_FILE":       "/etc/fanin.yaml",
		"EXPECTED_MESSAGES_COUNT": "60",
		"FANIN_WAIT_TIMEOUT":      "90",
	}))
	require.NoError(t, err)

	assert.Equal(t, BrokerKafka, cfg.Broker)
	assert.Equal(t, StoreFile, cfg.Store)
	assert.Equal(t, 60, cfg.Collect.Target)
	assert.Equal(t, 90*time.Second, cfg.Collect.WaitTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Cluster.Brokers)
	assert.Equal(t, "PLAIN", cfg.Kafka.Cluster.Auth.Mechanism)
	assert.Equal(t, "/data", cfg.File.Root)
	assert.Equal(t, 5*time.Second, cfg.Temporal.Timeout)
	assert.Equal(t, DefaultObject, cfg.Collect.Object)
	assert.NoError(t, cfg.ValidateCollect())
	assert.NoError(t, cfg.ValidateSplit())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := load(afero.NewMemMapFs(), "/nope.yaml", lookupMap(nil))
	require.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, DefaultConfigFile, []byte("collect: [oops"), 0o644))
	_, err := load(fsys, "", lookupMap(nil))
	require.Error(t, err)
}

func TestLoad_EnvParseErrorsAreJoined(t *testing.T) {
	_, err := load(afero.NewMemMapFs(), "", lookupMap(map[string]string{
		"EXPECTED_MESSAGES_COUNT": "ten",
		"FANIN_WAIT_TIMEOUT":      "soon",
		"FANIN_NO_CLOBBER":        "maybe",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXPECTED_MESSAGES_COUNT")
	assert.Contains(t, err.Error(), "FANIN_WAIT_TIMEOUT")
	assert.Contains(t, err.Error(), "FANIN_NO_CLOBBER")
}

func TestLoad_PortFallback(t *testing.T) {
	cfg, err := load(afero.NewMemMapFs(), "", lookupMap(map[string]string{"PORT": "8181"}))
	require.NoError(t, err)
	assert.Equal(t, ":8181", cfg.Split.ListenAddr)

	cfg, err = load(afero.NewMemMapFs(), "", lookupMap(map[string]string{
		"PORT":              "8181",
		"FANIN_LISTEN_ADDR": "127.0.0.1:7000",
	}))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Split.ListenAddr)
}

func TestValidateCollect(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "zero target", mutate: func(c *Config) { c.Collect.Target = 0 }, wantErr: "EXPECTED_MESSAGES_COUNT"},
		{name: "no bucket", mutate: func(c *Config) { c.Collect.Bucket = "" }, wantErr: "TARGET_GCS_BUCKET_NAME"},
		{name: "no subscription", mutate: func(c *Config) { c.GCP.Subscription = "" }, wantErr: "PUBSUB_SUBSCRIPTION_ID"},
		{name: "full path needs no project", mutate: func(c *Config) {
			c.GCP.ProjectID = ""
			c.GCP.Subscription = "projects/acme/subscriptions/orders"
		}},
		{name: "unknown broker", mutate: func(c *Config) { c.Broker = "rabbit" }, wantErr: "unsupported broker"},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "s3" }, wantErr: "unsupported store"},
		{name: "jetstream needs stream", mutate: func(c *Config) {
			c.Broker = BrokerJetStream
			c.NATS.URL = "nats://localhost:4222"
			c.NATS.Durable = "fanin"
		}, wantErr: "nats stream"},
		{name: "kafka bad offset", mutate: func(c *Config) {
			c.Broker = BrokerKafka
			c.Kafka.Cluster.Brokers = []string{"k:9092"}
			c.Kafka.Topic = "t"
			c.Kafka.Group = "g"
			c.Kafka.StartOffset = "middle"
		}, wantErr: "start offset"},
		{name: "azure needs credentials", mutate: func(c *Config) { c.Store = StoreAzure }, wantErr: "azure"},
		{name: "file needs root", mutate: func(c *Config) { c.Store = StoreFile }, wantErr: "file root"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.GCP.ProjectID = "acme"
			cfg.GCP.Subscription = "orders-sub"
			cfg.Collect.Bucket = "results"
			tt.mutate(cfg)

			err := cfg.ValidateCollect()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateSplit(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "no topic", mutate: func(c *Config) { c.GCP.Topic = "" }, wantErr: "PUBSUB_TOPIC_ID"},
		{name: "cloud run needs region", mutate: func(c *Config) {
			c.Trigger = TriggerCloudRun
			c.CloudRun.Job = "collector"
		}, wantErr: "CLOUD_RUN_JOB_REGION"},
		{name: "temporal needs task queue", mutate: func(c *Config) {
			c.Trigger = TriggerTemporal
			c.Temporal = temporal.Config{WorkflowType: "ProcessBatch"}
		}, wantErr: "task queue"},
		{name: "unknown trigger", mutate: func(c *Config) { c.Trigger = "lambda" }, wantErr: "unsupported trigger"},
		{name: "negative rate", mutate: func(c *Config) { c.Split.PublishRate = -1 }, wantErr: "publish rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Trigger = TriggerNone
			cfg.GCP.ProjectID = "acme"
			cfg.GCP.Topic = "orders"
			tt.mutate(cfg)

			err := cfg.ValidateSplit()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "FANIN_DOTENV_TEST_VALUE"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(key+"=from-file\n"), 0o600))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv(key))

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
