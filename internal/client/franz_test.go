package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/hervala/kafka-flow/pkg/errors"
)

func TestClassifyFetchErrorFatal(t *testing.T) {
	// 不可重试的broker错误归为致命
	err := classifyFetchError("orders", 0, kerr.TopicAuthorizationFailed)
	assert.True(t, errors.IsFatal(err))
}

func TestClassifyFetchErrorTransient(t *testing.T) {
	// 可重试的broker错误归为瞬时
	err := classifyFetchError("orders", 0, kerr.UnknownTopicOrPartition)
	assert.False(t, errors.IsFatal(err))
	assert.Equal(t, errors.ErrCodeClientTransient, errors.Code(err))
}

func TestClassifyFetchErrorCancellation(t *testing.T) {
	// 取消与客户端关闭原样透传，不归为错误类
	assert.ErrorIs(t, classifyFetchError("orders", 0, context.Canceled), context.Canceled)
	assert.ErrorIs(t, classifyFetchError("orders", 0, context.DeadlineExceeded), context.DeadlineExceeded)
	assert.ErrorIs(t, classifyFetchError("orders", 0, kgo.ErrClientClosed), context.Canceled)
}

func TestClassifyClientErrorKeepsExistingCode(t *testing.T) {
	in := errors.New(errors.ErrCodeClientCommit, "commit failed")
	assert.Equal(t, errors.ErrCodeClientCommit, errors.Code(classifyClientError(in)))
}

func TestAssignmentBookkeeping(t *testing.T) {
	fc := &FranzClient{assignment: make(map[string]map[int32]struct{})}

	fc.onAssigned(context.Background(), nil, map[string][]int32{
		"orders": {1, 0},
		"audit":  {2},
	})

	// 排序输出
	assert.Equal(t, []TopicPartition{
		{Topic: "audit", Partition: 2},
		{Topic: "orders", Partition: 0},
		{Topic: "orders", Partition: 1},
	}, fc.Assignment())

	// 增量分配合并
	fc.onAssigned(context.Background(), nil, map[string][]int32{"orders": {3}})
	assert.Len(t, fc.Assignment(), 4)

	fc.onRevoked(context.Background(), nil, map[string][]int32{
		"orders": {0, 1, 3},
	})
	assert.Equal(t, []TopicPartition{{Topic: "audit", Partition: 2}}, fc.Assignment())

	// 撤销未知分区不报错
	fc.onRevoked(context.Background(), nil, map[string][]int32{"ghost": {0}})
	assert.Len(t, fc.Assignment(), 1)
}

func TestRevokeForwardsBeforeShrinkingAssignment(t *testing.T) {
	fc := &FranzClient{assignment: make(map[string]map[int32]struct{})}

	var seenDuringRevoke int
	fc.hooks = Hooks{
		OnRevoked: func(map[string][]int32) {
			// 回调期间分配仍然有效
			seenDuringRevoke = len(fc.Assignment())
		},
	}

	fc.onAssigned(context.Background(), nil, map[string][]int32{"orders": {0, 1}})
	fc.onRevoked(context.Background(), nil, map[string][]int32{"orders": {0, 1}})

	assert.Equal(t, 2, seenDuringRevoke)
	assert.Empty(t, fc.Assignment())
}

func TestCachedPositionAndWatermark(t *testing.T) {
	fc := &FranzClient{
		positions:  map[TopicPartition]int64{{Topic: "orders", Partition: 0}: 43},
		watermarks: map[TopicPartition]Watermark{{Topic: "orders", Partition: 0}: {Low: 1, High: 99}},
	}

	pos, err := fc.Position(TopicPartition{Topic: "orders", Partition: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(43), pos)

	wm, err := fc.GetWatermarkOffsets(TopicPartition{Topic: "orders", Partition: 0})
	require.NoError(t, err)
	assert.Equal(t, Watermark{Low: 1, High: 99}, wm)

	// 未知分区返回瞬时错误
	_, err = fc.Position(TopicPartition{Topic: "orders", Partition: 9})
	assert.Equal(t, errors.ErrCodeClientTransient, errors.Code(err))

	_, err = fc.GetWatermarkOffsets(TopicPartition{Topic: "orders", Partition: 9})
	assert.Equal(t, errors.ErrCodeClientTransient, errors.Code(err))
}

func TestRecordToMessage(t *testing.T) {
	now := time.Now()
	r := &kgo.Record{
		Topic:     "orders",
		Partition: 2,
		Offset:    7,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Headers:   []kgo.RecordHeader{{Key: "trace_id", Value: []byte("abc")}},
		Timestamp: now,
	}

	msg := recordToMessage(r)
	assert.Equal(t, "orders", msg.Topic)
	assert.Equal(t, int32(2), msg.Partition)
	assert.Equal(t, int64(7), msg.Offset)
	assert.Equal(t, []byte("k"), msg.Key)
	assert.Equal(t, []byte("v"), msg.Value)
	assert.Equal(t, now, msg.Timestamp)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "trace_id", msg.Headers[0].Key)
}

func TestToPartitionMap(t *testing.T) {
	m := toPartitionMap([]TopicPartition{
		{Topic: "orders", Partition: 0},
		{Topic: "orders", Partition: 1},
		{Topic: "audit", Partition: 3},
	})
	assert.Equal(t, map[string][]int32{
		"orders": {0, 1},
		"audit":  {3},
	}, m)
}

func TestPartitionsHelper(t *testing.T) {
	tps := Partitions(map[string][]int32{"orders": {0, 1}})
	assert.Len(t, tps, 2)
	assert.Nil(t, Partitions(nil))
}
