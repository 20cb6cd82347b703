package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hervala/kafka-flow/pkg/errors"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
consumers:
  - name: orders-consumer
    group_id: orders-group
    brokers: ["localhost:9092"]
    topics: ["orders"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Consumers, 1)

	c := cfg.Consumers[0]
	assert.Equal(t, "orders-consumer", c.Name)
	assert.Equal(t, 1048576, c.MaxFetchBytes)
	assert.Equal(t, 4, c.WorkerCount)
	assert.Equal(t, 100, c.BufferSize)
	assert.Equal(t, 5, c.CommitInterval)
	assert.Equal(t, 5, c.RecoveryDelay)
	assert.Equal(t, "broker", c.OffsetStorage.Backend)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
consumers:
  - name: orders-consumer
    group_id: orders-group
    brokers: ["kafka1:9092", "kafka2:9092"]
    topics: ["orders", "audit"]
    worker_count: 16
    buffer_size: 500
    recovery_delay: 10
    offset_storage:
      backend: mysql
      mysql:
        host: db.internal
        database: offsets
        user: flow
        password: secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	c := cfg.Consumers[0]
	assert.Equal(t, 16, c.WorkerCount)
	assert.Equal(t, 500, c.BufferSize)
	assert.Equal(t, 10, c.RecoveryDelay)
	assert.Equal(t, "mysql", c.OffsetStorage.Backend)
	assert.Equal(t, "db.internal", c.OffsetStorage.MySQL.Host)
	assert.Equal(t, 3306, c.OffsetStorage.MySQL.Port)
	assert.Equal(t, "kafka_flow_offsets", c.OffsetStorage.MySQL.Table)
}

func TestLoadPasswordFromEnv(t *testing.T) {
	t.Setenv("KAFKA_FLOW_MYSQL_PASSWORD", "env-secret")

	path := writeConfigFile(t, `
consumers:
  - name: orders-consumer
    group_id: orders-group
    brokers: ["localhost:9092"]
    topics: ["orders"]
    offset_storage:
      backend: mysql
      mysql:
        host: db.internal
        database: offsets
        user: flow
        password: file-secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-secret", cfg.Consumers[0].OffsetStorage.MySQL.Password)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConfigLoad, errors.Code(err))
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "no consumers",
			yaml: `consumers: []`,
		},
		{
			name: "missing group_id",
			yaml: `
consumers:
  - name: c1
    brokers: ["localhost:9092"]
    topics: ["orders"]
`,
		},
		{
			name: "missing brokers",
			yaml: `
consumers:
  - name: c1
    group_id: g1
    topics: ["orders"]
`,
		},
		{
			name: "missing topics",
			yaml: `
consumers:
  - name: c1
    group_id: g1
    brokers: ["localhost:9092"]
`,
		},
		{
			name: "duplicate names",
			yaml: `
consumers:
  - name: c1
    group_id: g1
    brokers: ["localhost:9092"]
    topics: ["orders"]
  - name: c1
    group_id: g2
    brokers: ["localhost:9092"]
    topics: ["audit"]
`,
		},
		{
			name: "unknown offset backend",
			yaml: `
consumers:
  - name: c1
    group_id: g1
    brokers: ["localhost:9092"]
    topics: ["orders"]
    offset_storage:
      backend: redis
`,
		},
		{
			name: "mysql backend without host",
			yaml: `
consumers:
  - name: c1
    group_id: g1
    brokers: ["localhost:9092"]
    topics: ["orders"]
    offset_storage:
      backend: mysql
      mysql:
        database: offsets
        user: flow
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfigFile(t, tt.yaml))
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeConfigValidate, errors.Code(err))
		})
	}
}

func TestStringMasksPassword(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Consumers[0].OffsetStorage.MySQL.Password = "super-secret"

	s := cfg.String()
	assert.NotContains(t, s, "super-secret")
	assert.Contains(t, s, "******")
	// 脱敏不改动原配置
	assert.Equal(t, "super-secret", cfg.Consumers[0].OffsetStorage.MySQL.Password)
}
