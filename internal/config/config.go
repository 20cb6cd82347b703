package config

import (
	"github.com/hervala/kafka-flow/pkg/logger"
)

// Config 全局配置
type Config struct {
	Consumers []ConsumerConfig `yaml:"consumers"`
	Log       logger.Config    `yaml:"log"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Admin     AdminConfig      `yaml:"admin"`
	Pprof     PprofConfig      `yaml:"pprof"`
}

// ConsumerConfig 单个逻辑消费者配置
type ConsumerConfig struct {
	Name              string              `yaml:"name"`
	GroupID           string              `yaml:"group_id"`
	Brokers           []string            `yaml:"brokers"`
	Topics            []string            `yaml:"topics"`
	FromEarliest      bool                `yaml:"from_earliest"`
	MaxFetchBytes     int                 `yaml:"max_fetch_bytes"`
	SessionTimeout    int                 `yaml:"session_timeout"`    // 秒
	HeartbeatInterval int                 `yaml:"heartbeat_interval"` // 秒
	WorkerCount       int                 `yaml:"worker_count"`
	BufferSize        int                 `yaml:"buffer_size"`     // 工作池准入队列长度
	CommitInterval    int                 `yaml:"commit_interval"` // 秒
	RecoveryDelay     int                 `yaml:"recovery_delay"`  // 秒，致命错误后重建客户端的延迟
	StatsInterval     int                 `yaml:"stats_interval"`  // 秒，0表示不上报统计
	OffsetStorage     OffsetStorageConfig `yaml:"offset_storage"`
}

// OffsetStorageConfig 位点存储配置
type OffsetStorageConfig struct {
	Backend string      `yaml:"backend"` // broker, mysql
	MySQL   MySQLConfig `yaml:"mysql"`
}

// MySQLConfig MySQL位点后端配置
type MySQLConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Database   string `yaml:"database"`
	Table      string `yaml:"table"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	MaxRetries int    `yaml:"max_retries"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// AdminConfig 管理接口配置
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// PprofConfig pprof配置
type PprofConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// DefaultConsumerConfig 返回单个消费者的默认配置
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Name:              "kafka-flow-consumer",
		GroupID:           "kafka-flow-group",
		Brokers:           []string{"localhost:9092"},
		Topics:            []string{"event_topic"},
		FromEarliest:      true,
		MaxFetchBytes:     1048576, // 1MB
		SessionTimeout:    30,
		HeartbeatInterval: 3,
		WorkerCount:       4,
		BufferSize:        100,
		CommitInterval:    5,
		RecoveryDelay:     5,
		StatsInterval:     30,
		OffsetStorage: OffsetStorageConfig{
			Backend: "broker",
			MySQL: MySQLConfig{
				Port:       3306,
				Table:      "kafka_flow_offsets",
				MaxRetries: 3,
			},
		},
	}
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Consumers: []ConsumerConfig{DefaultConsumerConfig()},
		Log: logger.Config{
			Level:          "info",
			Output:         "stdout",
			Format:         "json",
			EnableSampling: true,
			MaxSize:        100,
			MaxAge:         7,
			MaxBackups:     10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    8080,
		},
		Pprof: PprofConfig{
			Enabled: true,
			Port:    6060,
		},
	}
}
