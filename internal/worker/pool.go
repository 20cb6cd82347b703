package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hervala/kafka-flow/internal/client"
	"github.com/hervala/kafka-flow/internal/flow"
	"github.com/hervala/kafka-flow/internal/metrics"
	"github.com/hervala/kafka-flow/pkg/errors"
	"github.com/hervala/kafka-flow/pkg/logger"
)

// Pool 工作池接口。Start在rebalance分配回调中同步调用，
// 返回即表示池已就绪；Stop阻塞到所有worker退出。
type Pool interface {
	Start(ctx context.Context, partitions []client.TopicPartition) error
	Stop() error
	Enqueue(ctx context.Context, mc *flow.MessageContext) error
	Context() context.Context
	Running() bool
	Partitions() []client.TopicPartition
}

// pool 固定数量worker加有界准入队列的实现。
// 队列满时Enqueue阻塞，由此对poll循环形成背压。
type pool struct {
	name    string
	size    int
	buffer  int
	handler Handler

	mu         sync.Mutex
	running    bool
	partitions []client.TopicPartition
	taskCh     chan *flow.MessageContext
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New 创建工作池
func New(name string, size, buffer int, h Handler, mws ...Middleware) Pool {
	// 未启动时Context()返回已取消的上下文
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	return &pool{
		name:    name,
		size:    size,
		buffer:  buffer,
		handler: Chain(h, mws...),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 为指定分区集启动worker，全部worker就绪后返回
func (p *pool) Start(ctx context.Context, partitions []client.TopicPartition) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New(errors.ErrCodeWorkerStart, "worker pool already running")
	}

	p.taskCh = make(chan *flow.MessageContext, p.buffer)
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.partitions = append([]client.TopicPartition(nil), partitions...)
	p.running = true

	var ready sync.WaitGroup
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		ready.Add(1)
		go p.worker(i, p.ctx, p.taskCh, &ready)
	}
	ready.Wait()

	metrics.WorkersRunning.WithLabelValues(p.name).Set(float64(p.size))
	logger.Info("worker pool started",
		zap.String("consumer", p.name),
		zap.Int("workers", p.size),
		zap.Int("partitions", len(partitions)),
	)
	return nil
}

// worker 工作协程
func (p *pool) worker(id int, ctx context.Context, taskCh <-chan *flow.MessageContext, ready *sync.WaitGroup) {
	defer p.wg.Done()
	ready.Done()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped",
				zap.String("consumer", p.name),
				zap.Int("worker_id", id),
			)
			return
		case mc := <-taskCh:
			metrics.WorkerQueueDepth.WithLabelValues(p.name).Set(float64(len(taskCh)))
			p.process(ctx, mc)
		}
	}
}

// process 执行处理器并按flag自动记录位点
func (p *pool) process(ctx context.Context, mc *flow.MessageContext) {
	msg := mc.Message()
	start := time.Now()

	err := p.handler.Handle(ctx, mc)
	metrics.ProcessDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Error("message processing failed",
			zap.String("consumer", p.name),
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		metrics.MessagesProcessed.WithLabelValues(p.name, "error").Inc()
		return
	}

	metrics.MessagesProcessed.WithLabelValues(p.name, "success").Inc()

	if mc.ShouldStoreOffset() {
		if serr := mc.StoreOffset(); serr != nil {
			logger.Warn("failed to store offset after processing",
				zap.String("consumer", p.name),
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(serr),
			)
		}
	}
}

// Enqueue 提交消息，队列满时阻塞直到有空位或取消
func (p *pool) Enqueue(ctx context.Context, mc *flow.MessageContext) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return errors.New(errors.ErrCodeWorkerStopped, "worker pool not running")
	}
	taskCh, poolCtx := p.taskCh, p.ctx
	p.mu.Unlock()

	select {
	case taskCh <- mc:
		metrics.WorkerQueueDepth.WithLabelValues(p.name).Set(float64(len(taskCh)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-poolCtx.Done():
		return errors.New(errors.ErrCodeWorkerStopped, "worker pool stopped")
	}
}

// Stop 停止工作池：取消上下文，等待所有worker退出。
// 队列中尚未处理的消息被丢弃，按at-least-once语义由broker重新投递。
func (p *pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.partitions = nil
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()

	metrics.WorkersRunning.WithLabelValues(p.name).Set(0)
	metrics.WorkerQueueDepth.WithLabelValues(p.name).Set(0)
	logger.Info("worker pool stopped", zap.String("consumer", p.name))
	return nil
}

// Context 当前池的停止信号，供流控上下文透出给处理逻辑
func (p *pool) Context() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx
}

// Running 池是否在运行
func (p *pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Partitions 当前绑定的分区集
func (p *pool) Partitions() []client.TopicPartition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]client.TopicPartition(nil), p.partitions...)
}
