package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	metaFileName = "ack.json"
	metaVersion  = 1
)

// ackState 持久化的确认状态。所有 segment 删除后 NextSequence 依然保留，序号永不复用
type ackState struct {
	Version      int    `json:"version"`
	AckedThrough uint64 `json:"acked_through"`
	NextSequence uint64 `json:"next_sequence"`
	// ServerOffset 本地序号到服务端序号的映射：server = local + offset
	ServerOffset int64     `json:"server_offset,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func readAckState(dir string) (ackState, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if errors.Is(err, os.ErrNotExist) {
		return ackState{Version: metaVersion, NextSequence: 1}, nil
	}
	if err != nil {
		return ackState{}, err
	}
	var st ackState
	if err := json.Unmarshal(data, &st); err != nil {
		return ackState{}, fmt.Errorf("decode %s: %w", metaFileName, err)
	}
	if st.Version != metaVersion {
		return ackState{}, fmt.Errorf("unsupported %s version %d", metaFileName, st.Version)
	}
	if st.NextSequence == 0 {
		st.NextSequence = 1
	}
	if st.AckedThrough >= st.NextSequence {
		st.NextSequence = st.AckedThrough + 1
	}
	return st, nil
}

// writeAckState 原子替换 ack.json（tmp + fsync + rename），新文件写完前旧文件保持不变
func writeAckState(dir string, st ackState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, metaFileName)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return syncDir(dir)
}
