package utils

import (
	"context"
	"time"
)

// 退避上限，位点写库的重试间隔不会超过它
const maxBackoff = 30 * time.Second

// RetryFunc 可重试的操作
type RetryFunc func() error

// Retry 指数退避重试，共执行maxRetries+1次。
// 主要服务于MySQL位点后端的写入，等待期间随ctx取消提前返回。
func Retry(ctx context.Context, maxRetries int, initialBackoff time.Duration, fn RetryFunc) error {
	backoff := initialBackoff

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == maxRetries {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
