package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode int

const (
	// 客户端相关错误 1xxx
	ErrCodeClientConnect   ErrorCode = 1001
	ErrCodeClientFatal     ErrorCode = 1002
	ErrCodeClientTransient ErrorCode = 1003
	ErrCodeClientNotReady  ErrorCode = 1004
	ErrCodeClientCommit    ErrorCode = 1005
	ErrCodeClientSubscribe ErrorCode = 1006

	// 工作池相关错误 2xxx
	ErrCodeWorkerStart   ErrorCode = 2001
	ErrCodeWorkerStopped ErrorCode = 2002
	ErrCodeWorkerEnqueue ErrorCode = 2003

	// 位点相关错误 3xxx
	ErrCodeOffsetStore  ErrorCode = 3001
	ErrCodeOffsetCommit ErrorCode = 3002

	// 流控相关错误 4xxx
	ErrCodeFlowStale ErrorCode = 4001

	// 配置相关错误 5xxx
	ErrCodeConfigLoad     ErrorCode = 5001
	ErrCodeConfigValidate ErrorCode = 5002
)

// FlowError 自定义错误类型
type FlowError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// New 创建新错误
func New(code ErrorCode, message string) *FlowError {
	return &FlowError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装错误
func Wrap(code ErrorCode, message string, err error) *FlowError {
	return &FlowError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Code 提取错误码，非FlowError返回0
func Code(err error) ErrorCode {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return 0
}

// IsFatal 判断是否为不可恢复的客户端错误
func IsFatal(err error) bool {
	return Code(err) == ErrCodeClientFatal
}

// IsNotReady 判断是否为客户端未就绪错误
func IsNotReady(err error) bool {
	return Code(err) == ErrCodeClientNotReady
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch Code(err) {
	case ErrCodeClientConnect, ErrCodeClientTransient, ErrCodeOffsetStore, ErrCodeOffsetCommit:
		return true
	default:
		return false
	}
}
