package offsets

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/hervala/kafka-flow/internal/client"
	"github.com/hervala/kafka-flow/internal/config"
	"github.com/hervala/kafka-flow/internal/metrics"
	"github.com/hervala/kafka-flow/pkg/errors"
	"github.com/hervala/kafka-flow/pkg/logger"
	"github.com/hervala/kafka-flow/pkg/utils"
)

// MySQLStore MySQL位点后端。适用于把位点与下游写入放在同一个库、
// 由应用自行决定起始消费位置的部署形态。
type MySQLStore struct {
	name       string
	groupID    string
	cfg        config.MySQLConfig
	db         *sql.DB
	upsertStmt string
}

// NewMySQLStore 创建MySQL位点存储
func NewMySQLStore(name, groupID string, cfg config.MySQLConfig) (*MySQLStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?timeout=10s&parseTime=true",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeOffsetStore, "failed to connect to mysql", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrCodeOffsetStore, "failed to ping mysql", err)
	}

	logger.Info("mysql offset store connected",
		zap.String("consumer", name),
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.String("table", cfg.Table),
	)

	return &MySQLStore{
		name:    name,
		groupID: groupID,
		cfg:     cfg,
		db:      db,
		upsertStmt: fmt.Sprintf(
			"INSERT INTO %s (group_id, topic, partition_id, next_offset, updated_at) VALUES (?, ?, ?, ?, NOW()) "+
				"ON DUPLICATE KEY UPDATE next_offset = VALUES(next_offset), updated_at = VALUES(updated_at)",
			cfg.Table),
	}, nil
}

// StoreOffset 持久化下一条待消费位置
func (s *MySQLStore) StoreOffset(tpo client.TopicPartitionOffset) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := utils.Retry(ctx, s.cfg.MaxRetries, 100*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx, s.upsertStmt,
			s.groupID, tpo.Topic, tpo.Partition, tpo.Offset+1)
		return err
	})
	if err != nil {
		metrics.OffsetCommits.WithLabelValues(s.name, "failed").Inc()
		return errors.Wrap(errors.ErrCodeOffsetStore,
			fmt.Sprintf("failed to store offset for %s[%d]", tpo.Topic, tpo.Partition), err)
	}

	metrics.OffsetsMarked.WithLabelValues(s.name).Inc()
	return nil
}

// Fetch 读取已保存的下一条待消费位置，不存在时返回-1
func (s *MySQLStore) Fetch(ctx context.Context, tp client.TopicPartition) (int64, error) {
	query := fmt.Sprintf(
		"SELECT next_offset FROM %s WHERE group_id = ? AND topic = ? AND partition_id = ?",
		s.cfg.Table)

	var next int64
	err := s.db.QueryRowContext(ctx, query, s.groupID, tp.Topic, tp.Partition).Scan(&next)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeOffsetStore, "failed to fetch offset", err)
	}
	return next, nil
}

// Flush 每次StoreOffset都是同步写库，无需额外动作
func (s *MySQLStore) Flush(ctx context.Context) error {
	return nil
}

// Close 关闭数据库连接
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
