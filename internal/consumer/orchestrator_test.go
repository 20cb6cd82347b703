package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hervala/kafka-flow/internal/client"
	"github.com/hervala/kafka-flow/internal/config"
	"github.com/hervala/kafka-flow/internal/flow"
	"github.com/hervala/kafka-flow/internal/registry"
	"github.com/hervala/kafka-flow/pkg/errors"
)

type pollResult struct {
	msg *client.Message
	err error
}

// fakeClient 可编程的协议客户端
type fakeClient struct {
	mu           sync.Mutex
	pollCh       chan pollResult
	subscribed   []string
	assignment   []client.TopicPartition
	commits      [][]client.TopicPartitionOffset
	paused       []client.TopicPartition
	resumed      []client.TopicPartition
	closed       bool
	position     int64
	watermark    client.Watermark
	instanceName string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		pollCh:       make(chan pollResult, 16),
		watermark:    client.Watermark{Low: 0, High: 100},
		instanceName: "fake-1",
	}
}

func (f *fakeClient) Subscribe(topics []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append([]string(nil), topics...)
	return nil
}

func (f *fakeClient) Poll(ctx context.Context) (*client.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-f.pollCh:
		return r.msg, r.err
	}
}

func (f *fakeClient) Commit(_ context.Context, offsets []client.TopicPartitionOffset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, offsets)
	return nil
}

func (f *fakeClient) Position(client.TopicPartition) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeClient) GetWatermarkOffsets(client.TopicPartition) (client.Watermark, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watermark, nil
}

func (f *fakeClient) QueryWatermarkOffsets(context.Context, client.TopicPartition, time.Duration) (client.Watermark, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watermark, nil
}

func (f *fakeClient) OffsetsForTimes(context.Context, time.Time, []client.TopicPartition, time.Duration) ([]client.TopicPartitionOffset, error) {
	return nil, nil
}

func (f *fakeClient) Pause(tps []client.TopicPartition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, tps...)
}

func (f *fakeClient) Resume(tps []client.TopicPartition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, tps...)
}

func (f *fakeClient) Assignment() []client.TopicPartition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]client.TopicPartition(nil), f.assignment...)
}

func (f *fakeClient) setAssignment(tps []client.TopicPartition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignment = tps
}

func (f *fakeClient) Subscription() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

func (f *fakeClient) MemberID() string     { return "member-1" }
func (f *fakeClient) InstanceName() string { return f.instanceName }

func (f *fakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakePool 记录启停与入队的工作池
type fakePool struct {
	mu         sync.Mutex
	running    bool
	partitions []client.TopicPartition
	startCount int
	stopCount  int
	enqueued   []*flow.MessageContext
	ctx        context.Context
}

func newFakePool() *fakePool {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return &fakePool{ctx: ctx}
}

func (p *fakePool) Start(ctx context.Context, partitions []client.TopicPartition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	p.partitions = append([]client.TopicPartition(nil), partitions...)
	p.startCount++
	p.ctx = ctx
	return nil
}

func (p *fakePool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.stopCount++
	return nil
}

func (p *fakePool) Enqueue(ctx context.Context, mc *flow.MessageContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueued = append(p.enqueued, mc)
	return nil
}

func (p *fakePool) Context() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx
}

func (p *fakePool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakePool) Partitions() []client.TopicPartition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]client.TopicPartition(nil), p.partitions...)
}

func (p *fakePool) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startCount, p.stopCount
}

// fakeStore 记录位点操作
type fakeStore struct {
	mu      sync.Mutex
	stored  []client.TopicPartitionOffset
	flushes int
}

func (s *fakeStore) StoreOffset(tpo client.TopicPartitionOffset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, tpo)
	return nil
}

func (s *fakeStore) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func testConsumerConfig() config.ConsumerConfig {
	cfg := config.DefaultConsumerConfig()
	cfg.Name = "test-consumer"
	cfg.GroupID = "test-group"
	cfg.Topics = []string{"orders"}
	return cfg
}

type testHarness struct {
	o       *Orchestrator
	pool    *fakePool
	store   *fakeStore
	reg     *registry.Registry
	clients []*fakeClient
	mu      sync.Mutex
}

func newTestHarness(shutdown context.Context) *testHarness {
	h := &testHarness{
		pool:  newFakePool(),
		store: &fakeStore{},
		reg:   registry.New(),
	}
	h.o = New(shutdown, testConsumerConfig(), h.pool, h.store, h.reg)
	h.o.recoveryDelay = 50 * time.Millisecond
	h.o.factory = func(_ config.ConsumerConfig, _ client.Hooks) (client.Client, error) {
		fc := newFakeClient()
		h.mu.Lock()
		h.clients = append(h.clients, fc)
		h.mu.Unlock()
		return fc, nil
	}
	return h
}

func (h *testHarness) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *testHarness) clientAt(i int) *fakeClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[i]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartSubscribesAndRegisters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newTestHarness(ctx)
	require.NoError(t, h.o.Start())
	defer h.o.Stop()

	require.Equal(t, 1, h.clientCount())
	assert.Equal(t, []string{"orders"}, h.clientAt(0).Subscription())
	assert.Equal(t, "live", h.o.State())

	handle, ok := h.reg.Get("test-consumer")
	require.True(t, ok)
	assert.Equal(t, "test-group", handle.GroupID())
}

func TestStartIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newTestHarness(ctx)
	require.NoError(t, h.o.Start())
	defer h.o.Stop()

	require.NoError(t, h.o.Start())
	assert.Equal(t, 1, h.clientCount())
}

func TestStopReleasesClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newTestHarness(ctx)
	require.NoError(t, h.o.Start())
	require.NoError(t, h.o.Stop())

	assert.True(t, h.clientAt(0).isClosed())
	assert.Equal(t, "stopped", h.o.State())

	// 客户端释放后直通操作返回未就绪错误
	_, err := h.o.Position(client.TopicPartition{Topic: "orders", Partition: 0})
	assert.True(t, errors.IsNotReady(err))

	// 重复Stop安全
	require.NoError(t, h.o.Stop())
}

func TestAssignStartsPoolWithExactPartitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newTestHarness(ctx)
	require.NoError(t, h.o.Start())
	defer h.o.Stop()

	assigned := map[string][]int32{"orders": {0, 1}}
	h.clientAt(0).setAssignment([]client.TopicPartition{
		{Topic: "orders", Partition: 0},
		{Topic: "orders", Partition: 1},
	})
	h.o.onAssigned(assigned)

	assert.True(t, h.pool.Running())
	assert.Equal(t, []client.TopicPartition{
		{Topic: "orders", Partition: 0},
		{Topic: "orders", Partition: 1},
	}, h.pool.Partitions())
}

func TestRevokeStopsPoolAndFlushesOffsets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newTestHarness(ctx)
	require.NoError(t, h.o.Start())
	defer h.o.Stop()

	h.clientAt(0).setAssignment([]client.TopicPartition{{Topic: "orders", Partition: 0}})
	h.o.onAssigned(map[string][]int32{"orders": {0}})
	require.True(t, h.pool.Running())

	h.o.onRevoked(map[string][]int32{"orders": {0}})

	assert.False(t, h.pool.Running())
	assert.Equal(t, 1, h.store.flushCount())
}

func TestPolledMessagesAreEnqueued(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newTestHarness(ctx)
	require.NoError(t, h.o.Start())
	defer h.o.Stop()

	h.clientAt(0).pollCh <- pollResult{msg: &client.Message{
		Topic: "orders", Partition: 0, Offset: 42, Value: []byte("v"),
	}}

	waitFor(t, func() bool {
		h.pool.mu.Lock()
		defer h.pool.mu.Unlock()
		return len(h.pool.enqueued) == 1
	}, "message not enqueued")

	h.pool.mu.Lock()
	mc := h.pool.enqueued[0]
	h.pool.mu.Unlock()
	assert.Equal(t, int64(42), mc.Message().Offset)
	assert.Equal(t, "test-consumer", mc.Name())
}

func TestTransientErrorKeepsPolling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newTestHarness(ctx)
	require.NoError(t, h.o.Start())
	defer h.o.Stop()

	fc := h.clientAt(0)
	fc.pollCh <- pollResult{err: errors.New(errors.ErrCodeClientTransient, "broker hiccup")}
	fc.pollCh <- pollResult{msg: &client.Message{Topic: "orders", Partition: 0, Offset: 7}}

	waitFor(t, func() bool {
		h.pool.mu.Lock()
		defer h.pool.mu.Unlock()
		return len(h.pool.enqueued) == 1
	}, "poll loop did not survive transient error")

	_, stops := h.pool.counts()
	assert.Equal(t, 0, stops)
	assert.Equal(t, 1, h.clientCount())
}

func TestFatalErrorStopsPoolAndRebuilds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newTestHarness(ctx)
	require.NoError(t, h.o.Start())
	defer h.o.Stop()

	first := h.clientAt(0)
	first.pollCh <- pollResult{err: errors.New(errors.ErrCodeClientFatal, "broker gone")}

	// 池停止且旧客户端关闭，循环不再poll旧客户端
	waitFor(t, func() bool {
		_, stops := h.pool.counts()
		return stops == 1 && first.isClosed()
	}, "pool not stopped after fatal error")

	// 延迟后重建：新客户端重新订阅并开始poll
	waitFor(t, func() bool { return h.clientCount() == 2 }, "client not rebuilt")
	waitFor(t, func() bool {
		return len(h.clientAt(1).Subscription()) == 1
	}, "rebuilt client not resubscribed")
	assert.Equal(t, "live", h.o.State())
}

func TestFatalRebuildWaitsForDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newTestHarness(ctx)
	h.o.recoveryDelay = 150 * time.Millisecond
	require.NoError(t, h.o.Start())
	defer h.o.Stop()

	h.clientAt(0).pollCh <- pollResult{err: errors.New(errors.ErrCodeClientFatal, "broker gone")}

	waitFor(t, func() bool { return h.o.State() == "pending_rebuild" }, "rebuild not pending")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.clientCount(), "rebuilt before the delay elapsed")

	waitFor(t, func() bool { return h.clientCount() == 2 }, "client not rebuilt after delay")
}

func TestFatalRebuildCancelsOldPollContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newTestHarness(ctx)
	require.NoError(t, h.o.Start())
	defer h.o.Stop()

	h.o.mu.Lock()
	oldPollCtx := h.o.pollCtx
	h.o.mu.Unlock()
	require.NoError(t, oldPollCtx.Err())

	h.clientAt(0).pollCh <- pollResult{err: errors.New(errors.ErrCodeClientFatal, "broker gone")}
	waitFor(t, func() bool { return h.clientCount() == 2 }, "client not rebuilt")

	// 旧一代的poll上下文必须随拆除取消，不能挂在进程级shutdown上积累
	assert.Error(t, oldPollCtx.Err())
}

func TestRebuildAfterCompletedStopDoesNotRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newTestHarness(ctx)
	require.NoError(t, h.o.Start())

	h.clientAt(0).pollCh <- pollResult{err: errors.New(errors.ErrCodeClientFatal, "broker gone")}
	waitFor(t, func() bool { return h.o.State() == "pending_rebuild" }, "rebuild not pending")

	require.NoError(t, h.o.Stop())

	// 重建任务与Stop竞争时序：即使定时器回调已通过前置检查，
	// 启动临界区内也必须再次看到停止请求并放弃
	require.NoError(t, h.o.restart())

	assert.Equal(t, 1, h.clientCount(), "stopped consumer restarted itself")
	assert.Equal(t, "stopped", h.o.State())
}

func TestStopDuringPendingRebuildSkipsRebuild(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newTestHarness(ctx)
	h.o.recoveryDelay = 100 * time.Millisecond
	require.NoError(t, h.o.Start())

	h.clientAt(0).pollCh <- pollResult{err: errors.New(errors.ErrCodeClientFatal, "broker gone")}
	waitFor(t, func() bool { return h.o.State() == "pending_rebuild" }, "rebuild not pending")

	require.NoError(t, h.o.Stop())

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, h.clientCount(), "rebuild happened despite stop")
	assert.Equal(t, "stopped", h.o.State())
}

func TestPassthroughsNotReadyWithoutClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newTestHarness(ctx)
	tp := client.TopicPartition{Topic: "orders", Partition: 0}

	_, err := h.o.Position(tp)
	assert.True(t, errors.IsNotReady(err))

	_, err = h.o.GetWatermarkOffsets(tp)
	assert.True(t, errors.IsNotReady(err))

	_, err = h.o.QueryWatermarkOffsets(ctx, tp, time.Second)
	assert.True(t, errors.IsNotReady(err))

	err = h.o.Commit(ctx, []client.TopicPartitionOffset{{Topic: "orders", Partition: 0, Offset: 1}})
	assert.True(t, errors.IsNotReady(err))

	_, err = h.o.FlowManager()
	assert.True(t, errors.IsNotReady(err))

	assert.Empty(t, h.o.MemberID())
	assert.Empty(t, h.o.ClientInstanceName())
	assert.Nil(t, h.o.Assignment())
}

func TestStatisticsFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newTestHarness(ctx)

	var mu sync.Mutex
	var got []string
	h.o.AddStatisticsHandler(func(s client.Statistics) {
		mu.Lock()
		got = append(got, "a:"+s.InstanceName)
		mu.Unlock()
	})
	h.o.AddStatisticsHandler(func(s client.Statistics) {
		mu.Lock()
		got = append(got, "b:"+s.InstanceName)
		mu.Unlock()
	})

	h.o.onStats(client.Statistics{InstanceName: "fake-1"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a:fake-1", "b:fake-1"}, got)
}
