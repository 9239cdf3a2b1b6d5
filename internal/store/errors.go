package store

import "errors"

// StoreError 定义存储操作可能返回的错误类型
type StoreError struct {
	Code    int
	Message string
	Err     error
}

// Error 实现error接口
func (e *StoreError) Error() string {
	return e.Message
}

// Unwrap 返回底层错误
func (e *StoreError) Unwrap() error {
	return e.Err
}

// 定义错误代码
const (
	// ErrNotFound 资源不存在
	ErrNotFound = iota + 1
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
	// ErrUnavailable 存储不可达，协调操作无法继续
	ErrUnavailable
	// ErrInternal 内部错误
	ErrInternal
)

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string) *StoreError {
	return &StoreError{
		Code:    ErrNotFound,
		Message: message,
	}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *StoreError {
	return &StoreError{
		Code:    ErrInvalidArgument,
		Message: message,
	}
}

// NewUnavailableError 创建存储不可达错误
func NewUnavailableError(message string, err error) *StoreError {
	return &StoreError{
		Code:    ErrUnavailable,
		Message: message,
		Err:     err,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string, err error) *StoreError {
	return &StoreError{
		Code:    ErrInternal,
		Message: message,
		Err:     err,
	}
}

// IsNotFound 判断错误是否为资源不存在
func IsNotFound(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code == ErrNotFound
	}
	return false
}

// IsUnavailable 判断错误是否为存储不可达
func IsUnavailable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code == ErrUnavailable
	}
	return false
}
