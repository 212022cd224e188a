package goid

import (
	"runtime"
	"strconv"
)

// GetGID 获取当前 goroutine 的 ID
// goroutine 栈的第一行形如 "goroutine 123 [running]:"
func GetGID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	var id uint64
	for i := len("goroutine "); i < len(b); i++ {
		c := b[i]
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}

// String 返回当前 goroutine id，用于日志字段
func String() string {
	return strconv.FormatUint(GetGID(), 10)
}
