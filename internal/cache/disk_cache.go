package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"go.uber.org/zap"
)

const (
	// CompressionThreshold 超过此大小的值才进行压缩（1KB）
	CompressionThreshold = 1024
	// CompressionLevel gzip 压缩级别
	CompressionLevel = gzip.DefaultCompression
)

// DiskStore 基于 SQLite 的本地 Store，Redis 不可用时承载规则与统计缓存
type DiskStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewDiskStore 打开（或创建）缓存数据库并启动过期清理
func NewDiskStore(dbPath string, cleanupInterval time.Duration, logger *zap.Logger) (*DiskStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("设置数据库参数失败 [%s]: %w", pragma, err)
		}
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &DiskStore{
		db:     db,
		logger: logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s, nil
}

// initSchema 初始化表结构
func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv_cache (
		cache_key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		compressed BOOLEAN DEFAULT 0,
		expires_at INTEGER,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv_cache(expires_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("初始化数据库表结构失败: %w", err)
	}
	return nil
}

// Get 读取缓存，过期条目视为未命中
func (s *DiskStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer observe("disk", "get", start)

	var (
		value      []byte
		compressed bool
		expiresAt  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, compressed, expires_at FROM kv_cache WHERE cache_key = ?`, key,
	).Scan(&value, &compressed, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		recordMiss("disk")
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("查询缓存失败: %w", err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= s.now().UnixNano() {
		recordMiss("disk")
		return nil, ErrMiss
	}

	recordHit("disk")
	if compressed {
		out, err := decompress(value)
		if err != nil {
			return nil, fmt.Errorf("解压缓存数据失败: %w", err)
		}
		return out, nil
	}
	return value, nil
}

// Set 写入缓存，ttl<=0 表示不过期
func (s *DiskStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	defer observe("disk", "set", start)

	now := s.now()
	expiresAt := sql.NullInt64{}
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(ttl).UnixNano(), Valid: true}
	}

	data := value
	compressed := false
	if len(value) >= CompressionThreshold {
		if packed, err := compress(value); err == nil && len(packed) < len(value) {
			data = packed
			compressed = true
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_cache (cache_key, value, compressed, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			value = excluded.value,
			compressed = excluded.compressed,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, key, data, compressed, expiresAt, now.UnixNano())
	if err != nil {
		return fmt.Errorf("写入缓存失败: %w", err)
	}
	return nil
}

// Delete 删除缓存
func (s *DiskStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_cache WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("删除缓存失败: %w", err)
	}
	return nil
}

// PurgeExpired 删除所有过期条目，返回删除数量
func (s *DiskStore) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_cache WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("清理过期缓存失败: %w", err)
	}
	return result.RowsAffected()
}

func (s *DiskStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rows, err := s.PurgeExpired(context.Background())
			if err != nil {
				s.logger.Warn("清理过期缓存失败", zap.Error(err))
				continue
			}
			if rows > 0 {
				s.logger.Debug("清理过期缓存", zap.Int64("rows", rows))
			}
		case <-s.stopCh:
			return
		}
	}
}

// Close 停止清理并关闭数据库
func (s *DiskStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return s.db.Close()
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("创建gzip写入器失败: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("gzip写入失败: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip关闭失败: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("创建gzip读取器失败: %w", err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
