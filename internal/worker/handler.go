package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hervala/kafka-flow/internal/flow"
	"github.com/hervala/kafka-flow/pkg/errors"
	"github.com/hervala/kafka-flow/pkg/logger"
)

// Handler 消息处理器
type Handler interface {
	Handle(ctx context.Context, mc *flow.MessageContext) error
}

// HandlerFunc 函数式处理器
type HandlerFunc func(ctx context.Context, mc *flow.MessageContext) error

func (f HandlerFunc) Handle(ctx context.Context, mc *flow.MessageContext) error {
	return f(ctx, mc)
}

// Middleware 处理器中间件
type Middleware func(Handler) Handler

// Chain 按声明顺序包装中间件，第一个中间件最先执行
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recover 捕获处理器panic并转换为错误
func Recover() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, mc *flow.MessageContext) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic",
						zap.String("consumer", mc.Name()),
						zap.Any("panic", r),
					)
					err = errors.New(errors.ErrCodeWorkerEnqueue, fmt.Sprintf("handler panic: %v", r))
				}
			}()
			return next.Handle(ctx, mc)
		})
	}
}
