package config

import (
	"os"

	"github.com/bytedance/sonic"
	"github.com/hervala/kafka-flow/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	// 读取文件
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigLoad, "failed to read config file", err)
	}

	// 解析YAML
	cfg := DefaultConfig()
	cfg.Consumers = nil // 消费者列表由文件内容决定，不继承默认项
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigLoad, "failed to parse config file", err)
	}

	// 逐个消费者填充默认值
	for i := range cfg.Consumers {
		applyConsumerDefaults(&cfg.Consumers[i])
	}

	// 从环境变量覆盖敏感信息
	if password := os.Getenv("KAFKA_FLOW_MYSQL_PASSWORD"); password != "" {
		for i := range cfg.Consumers {
			cfg.Consumers[i].OffsetStorage.MySQL.Password = password
		}
	}

	// 验证配置
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyConsumerDefaults 为未设置的字段填充默认值
func applyConsumerDefaults(c *ConsumerConfig) {
	def := DefaultConsumerConfig()

	if c.MaxFetchBytes <= 0 {
		c.MaxFetchBytes = def.MaxFetchBytes
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = def.SessionTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = def.WorkerCount
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = def.CommitInterval
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = def.RecoveryDelay
	}
	if c.OffsetStorage.Backend == "" {
		c.OffsetStorage.Backend = def.OffsetStorage.Backend
	}
	if c.OffsetStorage.MySQL.Port <= 0 {
		c.OffsetStorage.MySQL.Port = def.OffsetStorage.MySQL.Port
	}
	if c.OffsetStorage.MySQL.Table == "" {
		c.OffsetStorage.MySQL.Table = def.OffsetStorage.MySQL.Table
	}
	if c.OffsetStorage.MySQL.MaxRetries <= 0 {
		c.OffsetStorage.MySQL.MaxRetries = def.OffsetStorage.MySQL.MaxRetries
	}
}

// String 序列化配置用于日志输出，密码脱敏
func (c *Config) String() string {
	masked := *c
	masked.Consumers = make([]ConsumerConfig, len(c.Consumers))
	copy(masked.Consumers, c.Consumers)
	for i := range masked.Consumers {
		if masked.Consumers[i].OffsetStorage.MySQL.Password != "" {
			masked.Consumers[i].OffsetStorage.MySQL.Password = "******"
		}
	}

	b, err := sonic.Marshal(&masked)
	if err != nil {
		return ""
	}
	return string(b)
}
