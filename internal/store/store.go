// Package store 持久化、带序号的出站消息队列。
//
// 消息追加到以首个序号命名的 segment 文件（{first:020d}.seg）。
// 确认状态保存在 ack.json 中并原子替换；全部记录已确认的 segment 会被删除。
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/exchange-agent/pkg/config"
	"github.com/exchange-agent/pkg/logger"
)

// Message 一条排队的出站消息，追加后不可变
type Message struct {
	Sequence  uint64    `json:"sequence"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload"`
}

// Batch 最早的待发送消息快照。Base 为第一个待发送序号（无待发送时为下一个将分配的序号）。
// 序号均为本地编号，Offset 用于换算成服务端编号
type Batch struct {
	Base     uint64
	Offset   int64
	Messages []Message
}

// ServerSequence 本地序号 -> 服务端序号
func (b Batch) ServerSequence(local uint64) uint64 { return ToServer(local, b.Offset) }

// LocalSequence 服务端序号 -> 本地序号
func (b Batch) LocalSequence(server uint64) uint64 { return ToLocal(server, b.Offset) }

// ToServer 对本地序号加上 offset，结果不小于 0
func ToServer(local uint64, offset int64) uint64 {
	if v := int64(local) + offset; v > 0 {
		return uint64(v)
	}
	return 0
}

// ToLocal ToServer 的逆运算
func ToLocal(server uint64, offset int64) uint64 {
	if v := int64(server) - offset; v > 0 {
		return uint64(v)
	}
	return 0
}

func (b Batch) Empty() bool { return len(b.Messages) == 0 }

// Last 批次中最大的序号，空批次时为 Base-1
func (b Batch) Last() uint64 {
	if len(b.Messages) == 0 {
		return b.Base - 1
	}
	return b.Messages[len(b.Messages)-1].Sequence
}

// Size 批次中 type 和 payload 的总字节数
func (b Batch) Size() int {
	n := 0
	for i := range b.Messages {
		n += len(b.Messages[i].Type) + len(b.Messages[i].Payload)
	}
	return n
}

type indexEntry struct {
	seq   uint64
	seg   *segment
	off   int64
	size  int
	bytes int
}

// Options Open 的参数
type Options struct {
	Dir             string
	SegmentMaxBytes int64
	// ReadOnly 仅用于检查：不截断、不删除、不写入
	ReadOnly bool
	Logger   *zap.Logger
	Clock    clockwork.Clock
}

// OptionsFrom 从 exchange 配置构建 store 参数
func OptionsFrom(cfg *config.ExchangeConfig) Options {
	return Options{Dir: cfg.QueueDir, SegmentMaxBytes: cfg.SegmentMaxBytes}
}

// Stats 队列的即时状态
type Stats struct {
	Pending      int    `json:"pending"`
	PendingBytes int64  `json:"pending_bytes"`
	AckedThrough uint64 `json:"acked_through"`
	NextSequence uint64 `json:"next_sequence"`
	ServerOffset int64  `json:"server_offset"`
	Segments     int    `json:"segments"`
}

// Store 并发安全，Append 和 Acknowledge 是仅有的修改操作
type Store struct {
	mu    sync.Mutex
	opts  Options
	log   *zap.Logger
	clock clockwork.Clock

	segments     []*segment
	active       *os.File // 尾部 segment 的追加句柄
	pending      []indexEntry
	pendingBytes int64
	state        ackState

	failed error // 追加失败且无法回滚时设置
	closed bool
}

// Open 回放队列目录（不存在则创建）。segment 中第一条损坏记录之后的内容被丢弃，
// 非只读模式下会被截断
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, &StorageError{Op: "open", Err: errors.New("empty queue directory")}
	}
	if opts.SegmentMaxBytes <= 0 {
		opts.SegmentMaxBytes = 4 << 20
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("store")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if !opts.ReadOnly {
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, &StorageError{Op: "open", Path: opts.Dir, Err: err}
		}
	}

	s := &Store{opts: opts, log: opts.Logger, clock: opts.Clock}
	if err := s.replay(); err != nil {
		return nil, err
	}
	s.log.Info("message store opened",
		zap.String("dir", opts.Dir),
		zap.Int("pending", len(s.pending)),
		zap.Uint64("acked_through", s.state.AckedThrough),
		zap.Uint64("next_sequence", s.state.NextSequence),
		zap.Int("segments", len(s.segments)))
	return s, nil
}

func (s *Store) replay() error {
	st, err := readAckState(s.opts.Dir)
	if err != nil {
		return &StorageError{Op: "replay", Path: filepath.Join(s.opts.Dir, metaFileName), Err: err}
	}
	segs, err := discoverSegments(s.opts.Dir)
	if err != nil {
		return &StorageError{Op: "replay", Path: s.opts.Dir, Err: err}
	}

	var lastSeen uint64
	var keep []*segment
	for _, seg := range segs {
		res, err := scanSegment(seg, lastSeen)
		if err != nil {
			return &StorageError{Op: "replay", Path: seg.path, Err: err}
		}
		seg.size = res.validEnd
		if res.torn != nil {
			s.log.Warn("discarding torn tail of segment",
				zap.String("segment", seg.path),
				zap.Int64("valid_bytes", res.validEnd),
				zap.Error(res.torn))
			if !s.opts.ReadOnly {
				if err := os.Truncate(seg.path, res.validEnd); err != nil {
					return &StorageError{Op: "truncate", Path: seg.path, Err: err}
				}
			}
		}
		if n := len(res.entries); n > 0 {
			seg.last = res.entries[n-1].seq
			lastSeen = seg.last
		}
		for _, e := range res.entries {
			if e.seq > st.AckedThrough {
				s.pending = append(s.pending, e)
				s.pendingBytes += int64(e.bytes)
			}
		}

		if len(res.entries) == 0 || seg.last <= st.AckedThrough {
			if !s.opts.ReadOnly {
				if err := os.Remove(seg.path); err != nil {
					s.log.Warn("remove acknowledged segment", zap.String("segment", seg.path), zap.Error(err))
				}
				continue
			}
		}
		keep = append(keep, seg)
	}
	s.segments = keep

	if lastSeen+1 > st.NextSequence {
		st.NextSequence = lastSeen + 1
		if !s.opts.ReadOnly {
			st.UpdatedAt = s.clock.Now().UTC()
			if err := writeAckState(s.opts.Dir, st); err != nil {
				return &StorageError{Op: "replay", Path: filepath.Join(s.opts.Dir, metaFileName), Err: err}
			}
		}
	}
	s.state = st
	return nil
}

// Append 为 msg 分配下一个序号，记录 fsync 之后才返回
func (s *Store) Append(msg Message) (uint64, error) {
	if msg.Type == "" || len(msg.Type) > MaxTypeLen {
		return 0, fmt.Errorf("%w: type length %d", ErrInvalidMessage, len(msg.Type))
	}
	if len(msg.Payload) > MaxPayload {
		return 0, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrInvalidMessage, len(msg.Payload), MaxPayload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.opts.ReadOnly {
		return 0, ErrReadOnly
	}
	if s.failed != nil {
		return 0, &StorageError{Op: "append", Path: s.opts.Dir, Err: s.failed}
	}

	msg.Sequence = s.state.NextSequence
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock.Now()
	}
	rec := encodeRecord(&msg)

	seg, err := s.writable(len(rec))
	if err != nil {
		return 0, &StorageError{Op: "append", Path: s.opts.Dir, Err: err}
	}
	prevSize := seg.size
	if _, err := s.active.Write(rec); err != nil {
		s.rollback(seg, prevSize, err)
		return 0, &StorageError{Op: "append", Path: seg.path, Err: err}
	}
	if err := s.active.Sync(); err != nil {
		s.rollback(seg, prevSize, err)
		return 0, &StorageError{Op: "sync", Path: seg.path, Err: err}
	}

	seg.size += int64(len(rec))
	seg.last = msg.Sequence
	e := indexEntry{seq: msg.Sequence, seg: seg, off: prevSize, size: len(rec), bytes: len(msg.Type) + len(msg.Payload)}
	s.pending = append(s.pending, e)
	s.pendingBytes += int64(e.bytes)
	s.state.NextSequence++
	return msg.Sequence, nil
}

// writable 返回下一条 recLen 字节记录要写入的 segment，尾部写满时轮转。调用方持有 mu
func (s *Store) writable(recLen int) (*segment, error) {
	if n := len(s.segments); n > 0 {
		tail := s.segments[n-1]
		if tail.size == 0 || tail.size+int64(recLen) <= s.opts.SegmentMaxBytes {
			if s.active == nil {
				f, err := os.OpenFile(tail.path, os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return nil, err
				}
				s.active = f
			}
			return tail, nil
		}
	}

	if s.active != nil {
		if err := s.active.Close(); err != nil {
			return nil, err
		}
		s.active = nil
	}
	seg := &segment{
		first: s.state.NextSequence,
		last:  s.state.NextSequence - 1,
		path:  filepath.Join(s.opts.Dir, segmentName(s.state.NextSequence)),
	}
	f, err := os.OpenFile(seg.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syncDir(s.opts.Dir); err != nil {
		_ = f.Close()
		return nil, err
	}
	s.active = f
	s.segments = append(s.segments, seg)
	s.log.Debug("segment rotated", zap.String("segment", seg.path))
	return seg, nil
}

// rollback 把失败的写入截回最后一条完整记录。截断也失败时，重新打开回放前拒绝继续追加
func (s *Store) rollback(seg *segment, size int64, cause error) {
	if err := s.active.Truncate(size); err != nil {
		s.failed = fmt.Errorf("unrecoverable append failure: %w", cause)
		s.log.Error("append rollback failed", zap.String("segment", seg.path), zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	s.log.Warn("append rolled back", zap.String("segment", seg.path), zap.Error(cause))
}

// Snapshot 按序返回最早的待发送消息，最多 maxCount 条、type+payload 最多 maxBytes 字节。
// 第一条待发送消息总会被包含，超大消息不会卡住队列。限制 <= 0 表示不限
func (s *Store) Snapshot(maxCount, maxBytes int) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Batch{}, ErrClosed
	}

	batch := Batch{Base: s.state.NextSequence, Offset: s.state.ServerOffset}
	if len(s.pending) == 0 {
		return batch, nil
	}
	batch.Base = s.pending[0].seq

	var picked []indexEntry
	total := 0
	for _, e := range s.pending {
		if maxCount > 0 && len(picked) >= maxCount {
			break
		}
		if maxBytes > 0 && len(picked) > 0 && total+e.bytes > maxBytes {
			break
		}
		picked = append(picked, e)
		total += e.bytes
	}

	files := make(map[*segment]*os.File)
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	batch.Messages = make([]Message, 0, len(picked))
	for _, e := range picked {
		f, ok := files[e.seg]
		if !ok {
			var err error
			if f, err = os.Open(e.seg.path); err != nil {
				return Batch{}, &StorageError{Op: "snapshot", Path: e.seg.path, Err: err}
			}
			files[e.seg] = f
		}
		buf := make([]byte, e.size)
		if _, err := f.ReadAt(buf, e.off); err != nil {
			return Batch{}, &StorageError{Op: "snapshot", Path: e.seg.path, Err: err}
		}
		msg, _, err := readRecord(bytes.NewReader(buf))
		if err != nil {
			return Batch{}, &StorageError{Op: "snapshot", Path: e.seg.path, Err: err}
		}
		if msg.Sequence != e.seq {
			return Batch{}, &StorageError{Op: "snapshot", Path: e.seg.path,
				Err: fmt.Errorf("index points at sequence %d, found %d", e.seq, msg.Sequence)}
		}
		batch.Messages = append(batch.Messages, msg)
	}
	return batch, nil
}

// Acknowledge 持久删除所有序号 <= through 的消息。
// 不大于当前确认点时为空操作；超过已分配的最大序号时按最大序号处理
func (s *Store) Acknowledge(through uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	if through >= s.state.NextSequence {
		through = s.state.NextSequence - 1
	}
	if through <= s.state.AckedThrough {
		return nil
	}
	next := s.state
	next.AckedThrough = through
	return s.commit("acknowledge", next)
}

// AdvanceTo 使 next 成为队列可能持有的最小序号：之前的全部视为已确认，之后追加的序号不小于 next。
// 服务端权威序号领先本地队列时使用
func (s *Store) AdvanceTo(next uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	if next == 0 {
		return nil
	}
	st := s.state
	if next > st.NextSequence {
		st.NextSequence = next
	}
	if next-1 > st.AckedThrough {
		st.AckedThrough = next - 1
	}
	if st == s.state {
		return nil
	}
	return s.commit("advance", st)
}

// Rebase 把队列重新对齐到服务端序号：此后第一条未确认消息以 serverNext 发送。
// 服务端丢失了本地已确认的消息时使用，本地序号不变
func (s *Store) Rebase(serverNext uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	if serverNext == 0 {
		return nil
	}
	st := s.state
	st.ServerOffset = int64(serverNext) - int64(st.AckedThrough+1)
	if st == s.state {
		return nil
	}
	s.log.Info("queue rebased onto server sequence",
		zap.Uint64("server_next", serverNext),
		zap.Uint64("local_next", st.AckedThrough+1),
		zap.Int64("offset", st.ServerOffset))
	return s.commit("rebase", st)
}

// commit 持久化 st，然后清理内存索引和已全部确认的 segment。调用方持有 mu
func (s *Store) commit(op string, st ackState) error {
	st.UpdatedAt = s.clock.Now().UTC()
	if err := writeAckState(s.opts.Dir, st); err != nil {
		return &StorageError{Op: op, Path: filepath.Join(s.opts.Dir, metaFileName), Err: err}
	}
	s.state = st

	cut := sort.Search(len(s.pending), func(i int) bool { return s.pending[i].seq > st.AckedThrough })
	for _, e := range s.pending[:cut] {
		s.pendingBytes -= int64(e.bytes)
	}
	s.pending = append(s.pending[:0:0], s.pending[cut:]...)

	keep := s.segments[:0]
	for i, seg := range s.segments {
		if seg.last > st.AckedThrough || (seg.size == 0 && seg.first > st.AckedThrough) {
			keep = append(keep, seg)
			continue
		}
		if i == len(s.segments)-1 && s.active != nil {
			if err := s.active.Close(); err != nil {
				s.log.Warn("close acknowledged segment", zap.String("segment", seg.path), zap.Error(err))
			}
			s.active = nil
		}
		if err := os.Remove(seg.path); err != nil {
			// 回放会跳过已确认记录，残留文件无影响
			s.log.Warn("remove acknowledged segment", zap.String("segment", seg.path), zap.Error(err))
		}
	}
	s.segments = keep
	return nil
}

// IsPending seq 已分配且尚未确认
func (s *Store) IsPending(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seq > s.state.AckedThrough && seq < s.state.NextSequence
}

// Count 待发送消息数
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Store) NextSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.NextSequence
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:      len(s.pending),
		PendingBytes: s.pendingBytes,
		AckedThrough: s.state.AckedThrough,
		NextSequence: s.state.NextSequence,
		ServerOffset: s.state.ServerOffset,
		Segments:     len(s.segments),
	}
}

// Close 同步并释放追加句柄，可重复调用
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.active == nil {
		return nil
	}
	f := s.active
	s.active = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return &StorageError{Op: "close", Path: f.Name(), Err: err}
	}
	if err := f.Close(); err != nil {
		return &StorageError{Op: "close", Path: f.Name(), Err: err}
	}
	return nil
}
