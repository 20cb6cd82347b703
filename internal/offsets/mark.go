package offsets

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hervala/kafka-flow/internal/client"
	"github.com/hervala/kafka-flow/internal/metrics"
	"github.com/hervala/kafka-flow/pkg/errors"
	"github.com/hervala/kafka-flow/pkg/logger"
)

// MarkStore 内存标记存储，周期性将标记的位点提交给broker
type MarkStore struct {
	name      string
	committer Committer
	interval  time.Duration

	mu      sync.Mutex
	marks   map[client.TopicPartition]int64 // 下一条待消费位置
	closed  bool
	started bool

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewMarkStore 创建标记存储
func NewMarkStore(name string, committer Committer, interval time.Duration) *MarkStore {
	return &MarkStore{
		name:      name,
		committer: committer,
		interval:  interval,
		marks:     make(map[client.TopicPartition]int64),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start 启动提交循环
func (s *MarkStore) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.commitLoop(ctx)
}

// StoreOffset 标记位点，只保留每个分区的最大值
func (s *MarkStore) StoreOffset(tpo client.TopicPartitionOffset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.ErrCodeOffsetStore, "offset store closed")
	}

	tp := client.TopicPartition{Topic: tpo.Topic, Partition: tpo.Partition}
	next := tpo.Offset + 1
	if cur, ok := s.marks[tp]; !ok || next > cur {
		s.marks[tp] = next
	}

	metrics.OffsetsMarked.WithLabelValues(s.name).Inc()
	return nil
}

// commitLoop 提交循环
func (s *MarkStore) commitLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// 最后提交一次
			s.flush(context.Background())
			logger.Info("offset commit loop stopped", zap.String("consumer", s.name))
			return

		case <-s.stopCh:
			s.flush(context.Background())
			logger.Info("offset commit loop stopped", zap.String("consumer", s.name))
			return

		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

// Flush 立即提交当前标记的位点
func (s *MarkStore) Flush(ctx context.Context) error {
	return s.flush(ctx)
}

func (s *MarkStore) flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.marks) == 0 {
		s.mu.Unlock()
		return nil
	}
	snapshot := make([]client.TopicPartitionOffset, 0, len(s.marks))
	for tp, off := range s.marks {
		snapshot = append(snapshot, client.TopicPartitionOffset{
			Topic:     tp.Topic,
			Partition: tp.Partition,
			Offset:    off,
		})
	}
	s.mu.Unlock()

	if err := s.committer.Commit(ctx, snapshot); err != nil {
		// 提交失败保留标记，待下个周期重试
		logger.Warn("failed to commit offsets",
			zap.String("consumer", s.name),
			zap.Int("partitions", len(snapshot)),
			zap.Error(err),
		)
		metrics.OffsetCommits.WithLabelValues(s.name, "failed").Inc()
		return errors.Wrap(errors.ErrCodeOffsetCommit, "failed to commit marked offsets", err)
	}

	// 提交成功后清除未变化的标记
	s.mu.Lock()
	for _, o := range snapshot {
		tp := client.TopicPartition{Topic: o.Topic, Partition: o.Partition}
		if cur, ok := s.marks[tp]; ok && cur == o.Offset {
			delete(s.marks, tp)
		}
	}
	s.mu.Unlock()

	metrics.OffsetCommits.WithLabelValues(s.name, "success").Inc()
	return nil
}

// Close 关闭存储，提交剩余标记
func (s *MarkStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if started {
		<-s.done
	}
	return nil
}
