package consumer

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/hervala/kafka-flow/internal/metrics"
	"github.com/hervala/kafka-flow/pkg/logger"
)

// onAssigned 分配回调。在客户端的回调线程上同步执行：
// 回调返回前工作池必须完成启动，保证新分配的第一条消息
// 到达时池已就绪。
func (o *Orchestrator) onAssigned(assigned map[string][]int32) {
	o.logRebalanceEvent("partitions assigned", assigned)
	metrics.RebalanceEvents.WithLabelValues(o.cfg.Name, "assigned").Inc()

	o.mu.Lock()
	pollCtx := o.pollCtx
	o.mu.Unlock()
	if pollCtx == nil {
		pollCtx = o.shutdown
	}

	// cooperative协议下可能在池运行中追加分配，此时重启池以绑定完整分区集
	if o.pool.Running() {
		o.pool.Stop()
	}
	if err := o.pool.Start(pollCtx, o.Assignment()); err != nil {
		logger.Error("failed to start worker pool on assignment",
			zap.String("group_id", o.cfg.GroupID),
			zap.String("consumer", o.cfg.Name),
			zap.Error(err),
		)
	}
}

// onRevoked 撤销回调。阻塞到工作池完全停止，保证broker
// 认为分区已释放时没有worker仍在处理这些分区的消息。
func (o *Orchestrator) onRevoked(revoked map[string][]int32) {
	o.logRebalanceEvent("partitions revoked", revoked)
	metrics.RebalanceEvents.WithLabelValues(o.cfg.Name, "revoked").Inc()

	o.pool.Stop()

	// 分区易主前提交已处理的位点，减少重投递
	if err := o.store.Flush(context.Background()); err != nil {
		logger.Warn("failed to flush offsets on revocation",
			zap.String("consumer", o.cfg.Name),
			zap.Error(err),
		)
	}
}

// logRebalanceEvent 按topic输出分区数量与分区号
func (o *Orchestrator) logRebalanceEvent(event string, m map[string][]int32) {
	for topic, parts := range m {
		sorted := append([]int32(nil), parts...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		logger.Info(event,
			zap.String("group_id", o.cfg.GroupID),
			zap.String("consumer", o.cfg.Name),
			zap.String("topic", topic),
			zap.Int("partitions_count", len(sorted)),
			zap.Int32s("partitions", sorted),
		)
	}
}
