package flow

import (
	"context"
	"sync"
	"time"

	"github.com/hervala/kafka-flow/internal/client"
	"github.com/hervala/kafka-flow/internal/offsets"
)

// Owner 编排器暴露给流控的最小视图
type Owner interface {
	Name() string
	FlowManager() (*Manager, error)
	GetWatermarkOffsets(tp client.TopicPartition) (client.Watermark, error)
}

// MessageContext 单条消息的流控上下文，随消息一起交给工作池，
// 处理结束后丢弃。
type MessageContext struct {
	owner         Owner
	store         offsets.Store
	msg           *client.Message
	workerStopped context.Context

	mu          sync.Mutex
	storeOffset bool
}

// NewMessageContext 创建消息上下文
func NewMessageContext(owner Owner, store offsets.Store, msg *client.Message, workerStopped context.Context) *MessageContext {
	return &MessageContext{
		owner:         owner,
		store:         store,
		msg:           msg,
		workerStopped: workerStopped,
		storeOffset:   true,
	}
}

// Name 所属消费者名称
func (mc *MessageContext) Name() string {
	return mc.owner.Name()
}

// Message 原始消息
func (mc *MessageContext) Message() *client.Message {
	return mc.msg
}

// WorkerStopped 工作池停止信号，处理逻辑应监听它及时放弃长时间操作
func (mc *MessageContext) WorkerStopped() context.Context {
	return mc.workerStopped
}

// MessageTimestamp broker写入的消息时间戳，统一为UTC
func (mc *MessageContext) MessageTimestamp() time.Time {
	return mc.msg.Timestamp.UTC()
}

// ShouldStoreOffset 处理完成后是否自动记录位点
func (mc *MessageContext) ShouldStoreOffset() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.storeOffset
}

// SetShouldStoreOffset 置为false可抑制本条消息的自动位点记录，
// 例如处理逻辑自行批量管理位点时
func (mc *MessageContext) SetShouldStoreOffset(v bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.storeOffset = v
}

// StoreOffset 将本条消息记为已处理。只是标记为下次提交的候选，
// 何时真正提交到broker由offset store的策略决定。
func (mc *MessageContext) StoreOffset() error {
	return mc.store.StoreOffset(client.TopicPartitionOffset{
		Topic:     mc.msg.Topic,
		Partition: mc.msg.Partition,
		Offset:    mc.msg.Offset,
	})
}

// OffsetsWatermark 本条消息所在分区的低/高水位
func (mc *MessageContext) OffsetsWatermark() (client.Watermark, error) {
	return mc.owner.GetWatermarkOffsets(client.TopicPartition{
		Topic:     mc.msg.Topic,
		Partition: mc.msg.Partition,
	})
}

// Pause 暂停所属消费者当前分配的全部分区（不只是本消息的分区）
func (mc *MessageContext) Pause() error {
	mgr, err := mc.owner.FlowManager()
	if err != nil {
		return err
	}
	mgr.PauseAll()
	return nil
}

// Resume 恢复所属消费者当前分配的全部分区
func (mc *MessageContext) Resume() error {
	mgr, err := mc.owner.FlowManager()
	if err != nil {
		return err
	}
	mgr.ResumeAll()
	return nil
}
