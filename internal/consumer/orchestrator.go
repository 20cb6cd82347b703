package consumer

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hervala/kafka-flow/internal/client"
	"github.com/hervala/kafka-flow/internal/config"
	"github.com/hervala/kafka-flow/internal/flow"
	"github.com/hervala/kafka-flow/internal/metrics"
	"github.com/hervala/kafka-flow/internal/offsets"
	"github.com/hervala/kafka-flow/internal/registry"
	"github.com/hervala/kafka-flow/internal/worker"
	"github.com/hervala/kafka-flow/pkg/errors"
	"github.com/hervala/kafka-flow/pkg/logger"
)

// State 编排器的客户端生命周期状态
type State int32

const (
	StateStopped State = iota
	StateLive
	StateTearingDown
	StatePendingRebuild
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateTearingDown:
		return "tearing_down"
	case StatePendingRebuild:
		return "pending_rebuild"
	default:
		return "stopped"
	}
}

// ClientFactory 协议客户端工厂
type ClientFactory func(cfg config.ConsumerConfig, hooks client.Hooks) (client.Client, error)

// defaultFactory 默认构建franz-go客户端
func defaultFactory(cfg config.ConsumerConfig, hooks client.Hooks) (client.Client, error) {
	return client.NewFranzClient(cfg, hooks)
}

// Orchestrator 消费者编排器。持有唯一的协议客户端、后台poll循环
// 和工作池引用；客户端因致命错误被销毁重建时编排器本身不变。
type Orchestrator struct {
	cfg      config.ConsumerConfig
	shutdown context.Context // 进程级关闭信号
	pool     worker.Pool
	store    offsets.Store
	reg      *registry.Registry
	factory  ClientFactory

	recoveryDelay time.Duration

	mu            sync.Mutex
	cl            client.Client
	fm            *flow.Manager
	state         State
	stopRequested bool
	pollCtx       context.Context
	pollCancel    context.CancelFunc
	pollDone      chan struct{}
	rebuildTimer  *time.Timer
	statsHandlers []func(client.Statistics)
}

// New 创建编排器
func New(shutdown context.Context, cfg config.ConsumerConfig, pool worker.Pool, store offsets.Store, reg *registry.Registry) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg,
		shutdown:      shutdown,
		pool:          pool,
		store:         store,
		reg:           reg,
		factory:       defaultFactory,
		recoveryDelay: time.Duration(cfg.RecoveryDelay) * time.Second,
	}
}

// SetOffsetStore 绑定位点存储。标记型存储的提交方是编排器自身，
// 两者互相引用，先建编排器再回填存储。必须在Start前调用。
func (o *Orchestrator) SetOffsetStore(s offsets.Store) {
	o.store = s
}

// Start 幂等启动：构建客户端、注册、订阅并拉起poll循环，
// 不等待第一次poll即返回
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	o.stopRequested = false
	return o.startLocked()
}

// restart 重建路径专用启动：不清除停止请求。Stop抢先完成时
// 必须在同一临界区内检测到并放弃，避免已停止的消费者复活。
func (o *Orchestrator) restart() error {
	o.mu.Lock()
	if o.stopRequested {
		o.state = StateStopped
		o.mu.Unlock()
		return nil
	}
	return o.startLocked()
}

// startLocked 进入时持有o.mu，返回前解锁
func (o *Orchestrator) startLocked() error {
	if err := o.shutdown.Err(); err != nil {
		o.mu.Unlock()
		return errors.Wrap(errors.ErrCodeClientNotReady, "process shutting down", err)
	}
	if o.state == StateLive || o.state == StateTearingDown {
		o.mu.Unlock()
		return nil
	}
	if o.rebuildTimer != nil {
		o.rebuildTimer.Stop()
		o.rebuildTimer = nil
	}

	cl, err := o.factory(o.cfg, client.Hooks{
		OnAssigned: o.onAssigned,
		OnRevoked:  o.onRevoked,
		OnError:    o.onClientError,
		OnStats:    o.onStats,
	})
	if err != nil {
		o.mu.Unlock()
		return errors.Wrap(errors.ErrCodeClientConnect, "failed to build client", err)
	}

	pollCtx, pollCancel := context.WithCancel(o.shutdown)
	o.cl = cl
	o.fm = flow.NewManager(cl)
	o.pollCtx = pollCtx
	o.pollCancel = pollCancel
	o.pollDone = make(chan struct{})
	done := o.pollDone
	o.state = StateLive
	o.mu.Unlock()

	o.reg.AddOrUpdate(o)

	if err := cl.Subscribe(o.cfg.Topics); err != nil {
		pollCancel()
		o.releaseClient(cl)
		return err
	}

	go o.pollLoop(pollCtx, cl, done)

	logger.Info("consumer started",
		zap.String("group_id", o.cfg.GroupID),
		zap.String("consumer", o.cfg.Name),
		zap.Strings("topics", o.cfg.Topics),
	)
	return nil
}

// pollLoop 后台poll循环，直到取消或致命错误
func (o *Orchestrator) pollLoop(ctx context.Context, cl client.Client, done chan struct{}) {
	defer close(done)

	for {
		msg, err := cl.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, context.Canceled) {
				// 预期关闭路径，静默退出并释放客户端
				o.releaseClient(cl)
				return
			}
			if errors.IsFatal(err) {
				logger.Error("fatal client error, scheduling rebuild",
					zap.String("group_id", o.cfg.GroupID),
					zap.String("consumer", o.cfg.Name),
					zap.Error(err),
				)
				metrics.PollErrors.WithLabelValues(o.cfg.Name, "fatal").Inc()
				o.pool.Stop()
				o.scheduleRebuild(cl)
				return
			}
			// 瞬时错误不影响循环
			logger.Warn("transient poll error",
				zap.String("consumer", o.cfg.Name),
				zap.Error(err),
			)
			metrics.PollErrors.WithLabelValues(o.cfg.Name, "transient").Inc()
			continue
		}

		mc := flow.NewMessageContext(o, o.store, msg, o.pool.Context())
		if err := o.pool.Enqueue(ctx, mc); err != nil {
			if ctx.Err() != nil {
				o.releaseClient(cl)
				return
			}
			logger.Warn("failed to enqueue message",
				zap.String("consumer", o.cfg.Name),
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			continue
		}

		metrics.MessagesConsumed.WithLabelValues(o.cfg.Name, msg.Topic).Inc()
		metrics.BytesConsumed.WithLabelValues(o.cfg.Name, msg.Topic).Add(float64(len(msg.Value)))
	}
}

// releaseClient 关闭客户端并清空引用（仅当它仍是当前客户端）
func (o *Orchestrator) releaseClient(cl client.Client) {
	o.mu.Lock()
	if o.cl == cl {
		o.cl = nil
		o.fm = nil
		o.state = StateStopped
	}
	o.mu.Unlock()

	cl.Close()
}

// scheduleRebuild 致命错误后的重建：先拆除旧客户端，
// 延迟固定时间后在独立任务上重建整个客户端+poll循环
func (o *Orchestrator) scheduleRebuild(old client.Client) {
	o.mu.Lock()
	o.state = StateTearingDown
	if o.cl == old {
		o.cl = nil
		o.fm = nil
	}
	// 取消本代poll上下文，否则它挂在进程级shutdown上直到退出
	if o.pollCancel != nil {
		o.pollCancel()
		o.pollCancel = nil
	}
	o.mu.Unlock()

	old.Close()

	o.mu.Lock()
	if o.shutdown.Err() != nil || o.stopRequested {
		o.state = StateStopped
		o.mu.Unlock()
		return
	}
	o.state = StatePendingRebuild
	o.rebuildTimer = time.AfterFunc(o.recoveryDelay, o.rebuild)
	o.mu.Unlock()

	logger.Info("client rebuild scheduled",
		zap.String("consumer", o.cfg.Name),
		zap.Duration("delay", o.recoveryDelay),
	)
}

// rebuild 延迟任务：重建前检查外层关闭信号与状态
func (o *Orchestrator) rebuild() {
	o.mu.Lock()
	if o.shutdown.Err() != nil || o.stopRequested || o.state != StatePendingRebuild {
		if o.state == StatePendingRebuild {
			o.state = StateStopped
		}
		o.mu.Unlock()
		return
	}
	o.state = StateStopped
	o.rebuildTimer = nil
	o.mu.Unlock()

	metrics.ClientRebuilds.WithLabelValues(o.cfg.Name).Inc()

	if err := o.restart(); err != nil {
		logger.Error("client rebuild failed, rescheduling",
			zap.String("consumer", o.cfg.Name),
			zap.Error(err),
		)
		o.mu.Lock()
		if o.shutdown.Err() == nil && !o.stopRequested {
			o.state = StatePendingRebuild
			o.rebuildTimer = time.AfterFunc(o.recoveryDelay, o.rebuild)
		}
		o.mu.Unlock()
	}
}

// Stop 先停工作池，再取消poll循环并等待其退出释放客户端。
// 重建等待期间调用也安全：挂起的重建会被取消。
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	o.stopRequested = true
	if o.rebuildTimer != nil {
		o.rebuildTimer.Stop()
		o.rebuildTimer = nil
	}
	if o.state == StatePendingRebuild {
		o.state = StateStopped
	}
	o.mu.Unlock()

	// 先停池，避免在途enqueue与关闭竞争
	o.pool.Stop()

	o.mu.Lock()
	cancel := o.pollCancel
	done := o.pollDone
	o.pollCancel = nil
	o.pollDone = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	logger.Info("consumer stopped",
		zap.String("group_id", o.cfg.GroupID),
		zap.String("consumer", o.cfg.Name),
	)
	return nil
}

// onClientError 客户端内部错误回调
func (o *Orchestrator) onClientError(err error) {
	if errors.IsFatal(err) {
		logger.Error("client error",
			zap.String("consumer", o.cfg.Name),
			zap.Error(err),
		)
		return
	}
	logger.Warn("client error",
		zap.String("consumer", o.cfg.Name),
		zap.Error(err),
	)
}

// AddStatisticsHandler 注册统计回调
func (o *Orchestrator) AddStatisticsHandler(fn func(client.Statistics)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statsHandlers = append(o.statsHandlers, fn)
}

// onStats 将客户端统计扇出给所有已注册的处理器
func (o *Orchestrator) onStats(stats client.Statistics) {
	o.mu.Lock()
	handlers := make([]func(client.Statistics), len(o.statsHandlers))
	copy(handlers, o.statsHandlers)
	o.mu.Unlock()

	for _, fn := range handlers {
		fn(stats)
	}
}

// liveClient 获取当前客户端，重建窗口内返回未就绪错误
func (o *Orchestrator) liveClient() (client.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cl == nil {
		return nil, errors.New(errors.ErrCodeClientNotReady, "consumer not ready: no active client")
	}
	return o.cl, nil
}

// Position 当前消费位置直通
func (o *Orchestrator) Position(tp client.TopicPartition) (int64, error) {
	cl, err := o.liveClient()
	if err != nil {
		return 0, err
	}
	return cl.Position(tp)
}

// GetWatermarkOffsets 本地水位直通
func (o *Orchestrator) GetWatermarkOffsets(tp client.TopicPartition) (client.Watermark, error) {
	cl, err := o.liveClient()
	if err != nil {
		return client.Watermark{}, err
	}
	return cl.GetWatermarkOffsets(tp)
}

// QueryWatermarkOffsets broker水位查询直通
func (o *Orchestrator) QueryWatermarkOffsets(ctx context.Context, tp client.TopicPartition, timeout time.Duration) (client.Watermark, error) {
	cl, err := o.liveClient()
	if err != nil {
		return client.Watermark{}, err
	}
	return cl.QueryWatermarkOffsets(ctx, tp, timeout)
}

// OffsetsForTimes 时间点查询直通
func (o *Orchestrator) OffsetsForTimes(ctx context.Context, t time.Time, tps []client.TopicPartition, timeout time.Duration) ([]client.TopicPartitionOffset, error) {
	cl, err := o.liveClient()
	if err != nil {
		return nil, err
	}
	return cl.OffsetsForTimes(ctx, t, tps, timeout)
}

// Commit 位点提交直通，offset store的提交循环也走这里
func (o *Orchestrator) Commit(ctx context.Context, offsets []client.TopicPartitionOffset) error {
	cl, err := o.liveClient()
	if err != nil {
		return err
	}
	return cl.Commit(ctx, offsets)
}

// FlowManager 当前客户端代的流控管理器
func (o *Orchestrator) FlowManager() (*flow.Manager, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fm == nil {
		return nil, errors.New(errors.ErrCodeClientNotReady, "consumer not ready: no active client")
	}
	return o.fm, nil
}

// Name 消费者名称
func (o *Orchestrator) Name() string {
	return o.cfg.Name
}

// GroupID 消费组ID
func (o *Orchestrator) GroupID() string {
	return o.cfg.GroupID
}

// Subscription 当前订阅
func (o *Orchestrator) Subscription() []string {
	if cl, err := o.liveClient(); err == nil {
		return cl.Subscription()
	}
	return append([]string(nil), o.cfg.Topics...)
}

// Assignment 当前分配，无存活客户端时为空
func (o *Orchestrator) Assignment() []client.TopicPartition {
	if cl, err := o.liveClient(); err == nil {
		return cl.Assignment()
	}
	return nil
}

// MemberID 消费组成员ID，无存活客户端时为空
func (o *Orchestrator) MemberID() string {
	if cl, err := o.liveClient(); err == nil {
		return cl.MemberID()
	}
	return ""
}

// ClientInstanceName 客户端实例名，无存活客户端时为空
func (o *Orchestrator) ClientInstanceName() string {
	if cl, err := o.liveClient(); err == nil {
		return cl.InstanceName()
	}
	return ""
}

// State 当前状态
func (o *Orchestrator) State() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.String()
}

// WorkerCount 工作池大小
func (o *Orchestrator) WorkerCount() int {
	return o.cfg.WorkerCount
}

// Pause 暂停当前分配的全部分区
func (o *Orchestrator) Pause() error {
	mgr, err := o.FlowManager()
	if err != nil {
		return err
	}
	mgr.PauseAll()
	return nil
}

// Resume 恢复当前分配的全部分区
func (o *Orchestrator) Resume() error {
	mgr, err := o.FlowManager()
	if err != nil {
		return err
	}
	mgr.ResumeAll()
	return nil
}
