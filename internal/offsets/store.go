package offsets

import (
	"context"

	"github.com/hervala/kafka-flow/internal/client"
)

// Store 位点存储接口。StoreOffset记录的是已处理消息的offset，
// 各实现负责将其换算为下一条待消费位置(offset+1)再持久化。
type Store interface {
	StoreOffset(tpo client.TopicPartitionOffset) error
	Flush(ctx context.Context) error
	Close() error
}

// Committer 位点提交方，由编排器的Commit直通实现
type Committer interface {
	Commit(ctx context.Context, offsets []client.TopicPartitionOffset) error
}
