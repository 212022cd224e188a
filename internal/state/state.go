// Package state 持久化消息队列之外的交换状态：agent 标识、服务端接受的消息类型、
// 服务端设置的间隔，以及最近的交换尝试记录。
package state

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const historyLimit = 200

// EnsureSchema 建表（不存在时）
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS agent (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS accepted_types (
  type TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS exchange_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  started_at DATETIME NOT NULL,
  finished_at DATETIME NOT NULL,
  reason TEXT NOT NULL,
  outcome TEXT NOT NULL,
  detail TEXT,
  sent INTEGER NOT NULL DEFAULT 0,
  acked_through INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_exchange_log_started ON exchange_log(started_at);
`
	_, err := db.Exec(schema)
	return err
}

// Attempt 一条交换历史记录
type Attempt struct {
	ID           int64     `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Reason       string    `json:"reason"`
	Outcome      string    `json:"outcome"`
	Detail       string    `json:"detail,omitempty"`
	Sent         int       `json:"sent"`
	AckedThrough uint64    `json:"acked_through"`
}

// Store 在内存中缓存标识和接受类型，读取不访问数据库
type Store struct {
	db *sql.DB

	mu       sync.RWMutex
	agentID  string
	accepted map[string]struct{}
	digest   string
}

// Open 打开（或创建）path 处的状态库并加载缓存。新库会生成新的 agent id
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite 单写者

	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	s := &Store{db: db, accepted: map[string]struct{}{}}
	if err := s.load(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	id, err := s.get(ctx, "agent_id")
	if errors.Is(err, sql.ErrNoRows) {
		id = uuid.NewString()
		if err := s.put(ctx, "agent_id", id); err != nil {
			return fmt.Errorf("store agent id: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("load agent id: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT type FROM accepted_types`)
	if err != nil {
		return fmt.Errorf("load accepted types: %w", err)
	}
	defer rows.Close()
	accepted := map[string]struct{}{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return err
		}
		accepted[t] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.agentID = id
	s.accepted = accepted
	s.digest = digestOf(accepted)
	s.mu.Unlock()
	return nil
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM agent WHERE key = ?`, key).Scan(&v)
	return v, err
}

func (s *Store) put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO agent (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, key, value)
	return err
}

// AgentID 每次交换和 ping 携带的标识
func (s *Store) AgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentID
}

// Accepts 类型 t 的消息是否可以生产，空集合表示全部接受
func (s *Store) Accepts(t string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.accepted) == 0 {
		return true
	}
	_, ok := s.accepted[t]
	return ok
}

// AcceptedTypes 返回排序后的接受类型
func (s *Store) AcceptedTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.accepted))
	for t := range s.accepted {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Digest 接受类型集合的摘要，服务端据此判断 agent 是否过期。全部接受时为空
func (s *Store) Digest() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.digest
}

// SetAcceptedTypes 在一个事务中替换接受类型
func (s *Store) SetAcceptedTypes(ctx context.Context, types []string) error {
	next := map[string]struct{}{}
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			next[t] = struct{}{}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM accepted_types`); err != nil {
		return err
	}
	for t := range next {
		if _, err := tx.ExecContext(ctx, `INSERT INTO accepted_types (type) VALUES (?)`, t); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	s.accepted = next
	s.digest = digestOf(next)
	s.mu.Unlock()
	return nil
}

// SaveIntervals 持久化服务端设置的间隔，重启后仍然生效
func (s *Store) SaveIntervals(ctx context.Context, urgent, regular time.Duration) error {
	if err := s.put(ctx, "urgent_interval", urgent.String()); err != nil {
		return err
	}
	return s.put(ctx, "regular_interval", regular.String())
}

// Intervals 返回服务端设置的间隔，从未保存过时 ok 为 false
func (s *Store) Intervals(ctx context.Context) (urgent, regular time.Duration, ok bool, err error) {
	u, err := s.get(ctx, "urgent_interval")
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	r, err := s.get(ctx, "regular_interval")
	if err != nil {
		return 0, 0, false, err
	}
	if urgent, err = time.ParseDuration(u); err != nil {
		return 0, 0, false, fmt.Errorf("parse urgent interval: %w", err)
	}
	if regular, err = time.ParseDuration(r); err != nil {
		return 0, 0, false, fmt.Errorf("parse regular interval: %w", err)
	}
	return urgent, regular, true, nil
}

// RecordAttempt 追加一条交换历史，只保留最近的若干条
func (s *Store) RecordAttempt(ctx context.Context, a Attempt) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO exchange_log (started_at, finished_at, reason, outcome, detail, sent, acked_through)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.StartedAt.UTC(), a.FinishedAt.UTC(), a.Reason, a.Outcome, a.Detail, a.Sent, int64(a.AckedThrough))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
DELETE FROM exchange_log WHERE id NOT IN (SELECT id FROM exchange_log ORDER BY id DESC LIMIT ?)`, historyLimit)
	return err
}

// RecentAttempts 返回最多 limit 条尝试，最新的在前
func (s *Store) RecentAttempts(ctx context.Context, limit int) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, started_at, finished_at, reason, outcome, COALESCE(detail, ''), sent, acked_through
FROM exchange_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var acked int64
		if err := rows.Scan(&a.ID, &a.StartedAt, &a.FinishedAt, &a.Reason, &a.Outcome, &a.Detail, &a.Sent, &acked); err != nil {
			return nil, err
		}
		a.AckedThrough = uint64(acked)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

func digestOf(set map[string]struct{}) string {
	if len(set) == 0 {
		return ""
	}
	types := make([]string, 0, len(set))
	for t := range set {
		types = append(types, t)
	}
	sort.Strings(types)
	sum := sha256.Sum256([]byte(strings.Join(types, ";")))
	return hex.EncodeToString(sum[:])
}
