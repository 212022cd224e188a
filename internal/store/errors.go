package store

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed store 已关闭后的所有操作返回
	ErrClosed = errors.New("store: closed")
	// ErrReadOnly 只读（检查模式）打开时，写操作返回
	ErrReadOnly = errors.New("store: read-only")
	// ErrInvalidMessage 消息无法编码时 Append 返回
	ErrInvalidMessage = errors.New("store: invalid message")
)

// StorageError 本地持久化失败：操作未落盘
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError 判断 err 是否为（或包裹）StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
