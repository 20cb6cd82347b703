package config

import (
	"fmt"

	"github.com/hervala/kafka-flow/pkg/errors"
)

// Validate 验证配置
func Validate(cfg *Config) error {
	if len(cfg.Consumers) == 0 {
		return errors.New(errors.ErrCodeConfigValidate, "at least one consumer is required")
	}

	seen := make(map[string]struct{}, len(cfg.Consumers))
	for i := range cfg.Consumers {
		if err := validateConsumer(&cfg.Consumers[i]); err != nil {
			return err
		}
		if _, ok := seen[cfg.Consumers[i].Name]; ok {
			return errors.New(errors.ErrCodeConfigValidate,
				fmt.Sprintf("duplicate consumer name: %s", cfg.Consumers[i].Name))
		}
		seen[cfg.Consumers[i].Name] = struct{}{}
	}

	// 验证监控配置
	if cfg.Metrics.Enabled && cfg.Metrics.Port <= 0 {
		return errors.New(errors.ErrCodeConfigValidate, "metrics.port must be positive when enabled")
	}

	// 验证管理接口配置
	if cfg.Admin.Enabled && cfg.Admin.Port <= 0 {
		return errors.New(errors.ErrCodeConfigValidate, "admin.port must be positive when enabled")
	}

	// 验证pprof配置
	if cfg.Pprof.Enabled && cfg.Pprof.Port <= 0 {
		return errors.New(errors.ErrCodeConfigValidate, "pprof.port must be positive when enabled")
	}

	return nil
}

// validateConsumer 验证单个消费者配置
func validateConsumer(c *ConsumerConfig) error {
	if c.Name == "" {
		return errors.New(errors.ErrCodeConfigValidate, "consumer.name is required")
	}
	if c.GroupID == "" {
		return errors.New(errors.ErrCodeConfigValidate, "consumer.group_id is required")
	}
	if len(c.Brokers) == 0 {
		return errors.New(errors.ErrCodeConfigValidate, "consumer.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New(errors.ErrCodeConfigValidate, "consumer.topics is required")
	}
	if c.MaxFetchBytes <= 0 {
		return errors.New(errors.ErrCodeConfigValidate, "consumer.max_fetch_bytes must be positive")
	}
	if c.WorkerCount <= 0 {
		return errors.New(errors.ErrCodeConfigValidate, "consumer.worker_count must be positive")
	}
	if c.BufferSize <= 0 {
		return errors.New(errors.ErrCodeConfigValidate, "consumer.buffer_size must be positive")
	}

	switch c.OffsetStorage.Backend {
	case "broker":
	case "mysql":
		m := c.OffsetStorage.MySQL
		if m.Host == "" {
			return errors.New(errors.ErrCodeConfigValidate, "offset_storage.mysql.host is required")
		}
		if m.Database == "" {
			return errors.New(errors.ErrCodeConfigValidate, "offset_storage.mysql.database is required")
		}
		if m.User == "" {
			return errors.New(errors.ErrCodeConfigValidate, "offset_storage.mysql.user is required")
		}
	default:
		return errors.New(errors.ErrCodeConfigValidate, "offset_storage.backend must be 'broker' or 'mysql'")
	}

	return nil
}
