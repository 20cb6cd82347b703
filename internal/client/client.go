package client

import (
	"context"
	"time"
)

// TopicPartition 主题分区
type TopicPartition struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
}

// TopicPartitionOffset 主题分区位点
type TopicPartitionOffset struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

// Watermark 分区低/高水位
type Watermark struct {
	Low  int64 `json:"low"`
	High int64 `json:"high"`
}

// Header 消息头
type Header struct {
	Key   string
	Value []byte
}

// Message Kafka消息
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
}

// Statistics 客户端周期性统计快照
type Statistics struct {
	InstanceName   string
	MessagesPolled int64
	BytesPolled    int64
	PollErrors     int64
	Timestamp      time.Time
}

// Hooks 客户端回调，构造时注册。
// 分区回调在客户端自身的回调线程上同步执行，
// 回调返回前客户端不会继续rebalance流程。
type Hooks struct {
	OnAssigned func(assigned map[string][]int32)
	OnRevoked  func(revoked map[string][]int32)
	OnError    func(err error)
	OnStats    func(stats Statistics)
}

// Client 协议客户端接口
type Client interface {
	// Subscribe 订阅主题列表
	Subscribe(topics []string) error
	// Poll 拉取下一条消息，无消息时阻塞直到ctx取消
	Poll(ctx context.Context) (*Message, error)
	// Commit 同步提交位点
	Commit(ctx context.Context, offsets []TopicPartitionOffset) error
	// Position 当前消费位置（下一条待拉取的offset）
	Position(tp TopicPartition) (int64, error)
	// GetWatermarkOffsets 返回本地缓存的水位，不发起网络请求
	GetWatermarkOffsets(tp TopicPartition) (Watermark, error)
	// QueryWatermarkOffsets 向broker查询水位
	QueryWatermarkOffsets(ctx context.Context, tp TopicPartition, timeout time.Duration) (Watermark, error)
	// OffsetsForTimes 查询各分区在指定时间点之后的第一个offset
	OffsetsForTimes(ctx context.Context, t time.Time, tps []TopicPartition, timeout time.Duration) ([]TopicPartitionOffset, error)
	// Pause 暂停指定分区的拉取
	Pause(tps []TopicPartition)
	// Resume 恢复指定分区的拉取
	Resume(tps []TopicPartition)

	Assignment() []TopicPartition
	Subscription() []string
	MemberID() string
	InstanceName() string

	Close()
}

// Partitions 将rebalance回调的map形式转换为分区列表
func Partitions(m map[string][]int32) []TopicPartition {
	var tps []TopicPartition
	for topic, parts := range m {
		for _, p := range parts {
			tps = append(tps, TopicPartition{Topic: topic, Partition: p})
		}
	}
	return tps
}
