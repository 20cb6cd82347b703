package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kzap"
	"go.uber.org/zap"

	"github.com/hervala/kafka-flow/internal/config"
	"github.com/hervala/kafka-flow/pkg/errors"
	"github.com/hervala/kafka-flow/pkg/logger"
)

// FranzClient franz-go协议客户端实现
type FranzClient struct {
	cfg          config.ConsumerConfig
	cl           *kgo.Client
	adm          *kadm.Client
	hooks        Hooks
	instanceName string

	mu           sync.Mutex
	subscription []string
	assignment   map[string]map[int32]struct{}
	positions    map[TopicPartition]int64
	watermarks   map[TopicPartition]Watermark

	// 统计计数器
	polled     atomic.Int64
	polledByte atomic.Int64
	pollErrs   atomic.Int64

	closeOnce sync.Once
	stopCh    chan struct{}
}

// groupErrHook 将客户端内部的组管理错误转发给OnError回调
type groupErrHook struct {
	fn func(err error)
}

func (h *groupErrHook) OnGroupManageError(err error) {
	if h.fn != nil && err != nil {
		h.fn(classifyClientError(err))
	}
}

// NewFranzClient 创建franz-go客户端
func NewFranzClient(cfg config.ConsumerConfig, hooks Hooks) (*FranzClient, error) {
	instanceName := fmt.Sprintf("%s-%s", cfg.Name, uuid.NewString()[:8])

	fc := &FranzClient{
		cfg:          cfg,
		hooks:        hooks,
		instanceName: instanceName,
		assignment:   make(map[string]map[int32]struct{}),
		positions:    make(map[TopicPartition]int64),
		watermarks:   make(map[TopicPartition]Watermark),
		stopCh:       make(chan struct{}),
	}

	// 配置选项
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ClientID(instanceName),
		kgo.FetchMaxBytes(int32(cfg.MaxFetchBytes)),
		kgo.FetchMinBytes(1),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeout) * time.Second),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatInterval) * time.Second),
		kgo.DisableAutoCommit(), // 位点由offset store统一管理
		// eager协议：revoke先于assign整体触发，与工作池的停/启握手对应
		kgo.Balancers(kgo.RangeBalancer(), kgo.RoundRobinBalancer()),
		kgo.WithLogger(kzap.New(logger.Named("kgo"))),
		kgo.WithHooks(&groupErrHook{fn: hooks.OnError}),
		kgo.OnPartitionsAssigned(fc.onAssigned),
		kgo.OnPartitionsRevoked(fc.onRevoked),
		kgo.OnPartitionsLost(fc.onRevoked),
	}

	// 设置消费起始位置
	if cfg.FromEarliest {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	// 创建客户端
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeClientConnect, "failed to create kafka client", err)
	}

	fc.cl = cl
	fc.adm = kadm.NewClient(cl)

	logger.Info("kafka client created",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group_id", cfg.GroupID),
		zap.String("instance", instanceName),
	)

	// 启动统计上报
	if cfg.StatsInterval > 0 && hooks.OnStats != nil {
		go fc.statsLoop(time.Duration(cfg.StatsInterval) * time.Second)
	}

	return fc, nil
}

// onAssigned 分配回调，先更新本地分配视图再转发
func (fc *FranzClient) onAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	fc.mu.Lock()
	for topic, parts := range assigned {
		set, ok := fc.assignment[topic]
		if !ok {
			set = make(map[int32]struct{})
			fc.assignment[topic] = set
		}
		for _, p := range parts {
			set[p] = struct{}{}
		}
	}
	fc.mu.Unlock()

	if fc.hooks.OnAssigned != nil {
		fc.hooks.OnAssigned(assigned)
	}
}

// onRevoked 撤销/丢失回调，先转发（回调期间分配仍然有效）再收缩视图
func (fc *FranzClient) onRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	if fc.hooks.OnRevoked != nil {
		fc.hooks.OnRevoked(revoked)
	}

	fc.mu.Lock()
	for topic, parts := range revoked {
		set, ok := fc.assignment[topic]
		if !ok {
			continue
		}
		for _, p := range parts {
			delete(set, p)
		}
		if len(set) == 0 {
			delete(fc.assignment, topic)
		}
	}
	fc.mu.Unlock()
}

// Subscribe 订阅主题列表
func (fc *FranzClient) Subscribe(topics []string) error {
	if len(topics) == 0 {
		return errors.New(errors.ErrCodeClientSubscribe, "no topics to subscribe")
	}

	fc.cl.AddConsumeTopics(topics...)

	fc.mu.Lock()
	fc.subscription = append([]string(nil), topics...)
	fc.mu.Unlock()

	logger.Info("topics subscribed",
		zap.String("instance", fc.instanceName),
		zap.Strings("topics", topics),
	)
	return nil
}

// Poll 拉取下一条消息
func (fc *FranzClient) Poll(ctx context.Context) (*Message, error) {
	for {
		fetches := fc.cl.PollRecords(ctx, 1)
		if fetches.IsClientClosed() {
			return nil, context.Canceled
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			fc.pollErrs.Add(1)
			first := errs[0]
			return nil, classifyFetchError(first.Topic, first.Partition, first.Err)
		}

		var msg *Message
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			tp := TopicPartition{Topic: p.Topic, Partition: p.Partition}
			fc.mu.Lock()
			fc.watermarks[tp] = Watermark{Low: p.LogStartOffset, High: p.HighWatermark}
			fc.mu.Unlock()

			for _, r := range p.Records {
				msg = recordToMessage(r)
				fc.mu.Lock()
				fc.positions[tp] = r.Offset + 1
				fc.mu.Unlock()
			}
		})

		if msg == nil {
			// 本次poll只推进了元数据，继续等待消息
			continue
		}

		fc.polled.Add(1)
		fc.polledByte.Add(int64(len(msg.Value)))
		return msg, nil
	}
}

func recordToMessage(r *kgo.Record) *Message {
	msg := &Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
	}
	for _, h := range r.Headers {
		msg.Headers = append(msg.Headers, Header{Key: h.Key, Value: h.Value})
	}
	return msg
}

// classifyFetchError 将拉取错误归入致命/瞬时/取消三类
func classifyFetchError(topic string, partition int32, err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if stderrors.Is(err, kgo.ErrClientClosed) {
		return context.Canceled
	}
	return classifyClientError(errors.Wrap(errors.ErrCodeClientTransient,
		fmt.Sprintf("fetch error on %s[%d]", topic, partition), err))
}

// classifyClientError 不可重试的broker错误视为致命错误
func classifyClientError(err error) error {
	var ke *kerr.Error
	if stderrors.As(err, &ke) && !ke.Retriable {
		return errors.Wrap(errors.ErrCodeClientFatal, "non-retriable client error", err)
	}
	if errors.Code(err) != 0 {
		return err
	}
	return errors.Wrap(errors.ErrCodeClientTransient, "transient client error", err)
}

// Commit 同步提交位点
func (fc *FranzClient) Commit(ctx context.Context, offsets []TopicPartitionOffset) error {
	if len(offsets) == 0 {
		return nil
	}

	toCommit := make(map[string]map[int32]kgo.EpochOffset)
	for _, o := range offsets {
		parts, ok := toCommit[o.Topic]
		if !ok {
			parts = make(map[int32]kgo.EpochOffset)
			toCommit[o.Topic] = parts
		}
		parts[o.Partition] = kgo.EpochOffset{Epoch: -1, Offset: o.Offset}
	}

	var commitErr error
	fc.cl.CommitOffsetsSync(ctx, toCommit,
		func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
			commitErr = err
		})
	if commitErr != nil {
		return errors.Wrap(errors.ErrCodeClientCommit, "failed to commit offsets", commitErr)
	}
	return nil
}

// Position 当前消费位置
func (fc *FranzClient) Position(tp TopicPartition) (int64, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	pos, ok := fc.positions[tp]
	if !ok {
		return 0, errors.New(errors.ErrCodeClientTransient,
			fmt.Sprintf("no position for %s[%d]", tp.Topic, tp.Partition))
	}
	return pos, nil
}

// GetWatermarkOffsets 返回本地缓存的水位
func (fc *FranzClient) GetWatermarkOffsets(tp TopicPartition) (Watermark, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	wm, ok := fc.watermarks[tp]
	if !ok {
		return Watermark{}, errors.New(errors.ErrCodeClientTransient,
			fmt.Sprintf("no cached watermark for %s[%d]", tp.Topic, tp.Partition))
	}
	return wm, nil
}

// QueryWatermarkOffsets 向broker查询水位
func (fc *FranzClient) QueryWatermarkOffsets(ctx context.Context, tp TopicPartition, timeout time.Duration) (Watermark, error) {
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	starts, err := fc.adm.ListStartOffsets(qctx, tp.Topic)
	if err != nil {
		return Watermark{}, classifyClientError(errors.Wrap(errors.ErrCodeClientTransient, "failed to list start offsets", err))
	}
	ends, err := fc.adm.ListEndOffsets(qctx, tp.Topic)
	if err != nil {
		return Watermark{}, classifyClientError(errors.Wrap(errors.ErrCodeClientTransient, "failed to list end offsets", err))
	}

	low, lok := starts.Lookup(tp.Topic, tp.Partition)
	high, hok := ends.Lookup(tp.Topic, tp.Partition)
	if !lok || !hok {
		return Watermark{}, errors.New(errors.ErrCodeClientTransient,
			fmt.Sprintf("partition %s[%d] not found", tp.Topic, tp.Partition))
	}

	wm := Watermark{Low: low.Offset, High: high.Offset}

	// 顺带刷新缓存
	fc.mu.Lock()
	fc.watermarks[tp] = wm
	fc.mu.Unlock()

	return wm, nil
}

// OffsetsForTimes 查询各分区在指定时间点之后的第一个offset
func (fc *FranzClient) OffsetsForTimes(ctx context.Context, t time.Time, tps []TopicPartition, timeout time.Duration) ([]TopicPartitionOffset, error) {
	if len(tps) == 0 {
		return nil, nil
	}

	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	topicSet := make(map[string]struct{})
	for _, tp := range tps {
		topicSet[tp.Topic] = struct{}{}
	}
	topics := make([]string, 0, len(topicSet))
	for topic := range topicSet {
		topics = append(topics, topic)
	}

	listed, err := fc.adm.ListOffsetsAfterMilli(qctx, t.UnixMilli(), topics...)
	if err != nil {
		return nil, classifyClientError(errors.Wrap(errors.ErrCodeClientTransient, "failed to list offsets for times", err))
	}

	res := make([]TopicPartitionOffset, 0, len(tps))
	for _, tp := range tps {
		lo, ok := listed.Lookup(tp.Topic, tp.Partition)
		if !ok {
			return nil, errors.New(errors.ErrCodeClientTransient,
				fmt.Sprintf("partition %s[%d] not found", tp.Topic, tp.Partition))
		}
		res = append(res, TopicPartitionOffset{Topic: tp.Topic, Partition: tp.Partition, Offset: lo.Offset})
	}
	return res, nil
}

// Pause 暂停指定分区的拉取
func (fc *FranzClient) Pause(tps []TopicPartition) {
	fc.cl.PauseFetchPartitions(toPartitionMap(tps))
}

// Resume 恢复指定分区的拉取
func (fc *FranzClient) Resume(tps []TopicPartition) {
	fc.cl.ResumeFetchPartitions(toPartitionMap(tps))
}

func toPartitionMap(tps []TopicPartition) map[string][]int32 {
	m := make(map[string][]int32)
	for _, tp := range tps {
		m[tp.Topic] = append(m[tp.Topic], tp.Partition)
	}
	return m
}

// Assignment 当前持有的分区集合，按topic和分区号排序
func (fc *FranzClient) Assignment() []TopicPartition {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	var tps []TopicPartition
	for topic, parts := range fc.assignment {
		for p := range parts {
			tps = append(tps, TopicPartition{Topic: topic, Partition: p})
		}
	}
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Topic != tps[j].Topic {
			return tps[i].Topic < tps[j].Topic
		}
		return tps[i].Partition < tps[j].Partition
	})
	return tps
}

// Subscription 当前订阅的主题列表
func (fc *FranzClient) Subscription() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.subscription...)
}

// MemberID 消费组成员ID
func (fc *FranzClient) MemberID() string {
	memberID, _ := fc.cl.GroupMetadata()
	return memberID
}

// InstanceName 客户端实例名
func (fc *FranzClient) InstanceName() string {
	return fc.instanceName
}

// statsLoop 周期性上报统计快照
func (fc *FranzClient) statsLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-fc.stopCh:
			return
		case <-ticker.C:
			fc.hooks.OnStats(Statistics{
				InstanceName:   fc.instanceName,
				MessagesPolled: fc.polled.Load(),
				BytesPolled:    fc.polledByte.Load(),
				PollErrors:     fc.pollErrs.Load(),
				Timestamp:      time.Now(),
			})
		}
	}
}

// Close 关闭客户端
func (fc *FranzClient) Close() {
	fc.closeOnce.Do(func() {
		close(fc.stopCh)
		fc.cl.Close()
		logger.Info("kafka client closed", zap.String("instance", fc.instanceName))
	})
}
