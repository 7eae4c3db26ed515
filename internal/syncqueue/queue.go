package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Item 表示一条离线期间捕获的待回放变更。ID 由 SQLite 自增主键分配，
// 同时承担 FIFO 次序。
type Item struct {
	ID        int64
	Method    string
	URL       string
	Header    http.Header
	Payload   []byte
	CreatedAt time.Time
}

// Queue 是 SQLite 落盘的写回队列，进程重启后内容仍在。
type Queue struct {
	db     *sql.DB
	logger *logrus.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS sync_queue (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	method     TEXT    NOT NULL,
	url        TEXT    NOT NULL,
	header     TEXT    NOT NULL DEFAULT '{}',
	payload    BLOB,
	created_at INTEGER NOT NULL
);`

// Open 打开（必要时创建）队列数据库文件并准备表结构。
func Open(path string, logger *logrus.Logger) (*Queue, error) {
	if path == "" {
		return nil, errors.New("sync queue path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sync queue dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sync queue: %w", err)
	}
	// 单写者即可，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare sync queue schema: %w", err)
	}

	return &Queue{db: db, logger: logger}, nil
}

// Close 释放数据库句柄。
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue 追加一条变更并返回分配的自增 ID。
func (q *Queue) Enqueue(ctx context.Context, item Item) (int64, error) {
	headerJSON, err := json.Marshal(item.Header)
	if err != nil {
		return 0, fmt.Errorf("encode header: %w", err)
	}

	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	result, err := q.db.ExecContext(ctx,
		`INSERT INTO sync_queue (method, url, header, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		item.Method, item.URL, string(headerJSON), item.Payload, createdAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	if q.logger != nil {
		q.logger.WithFields(logrus.Fields{
			"action": "sync_enqueue",
			"id":     id,
			"method": item.Method,
			"url":    item.URL,
		}).Info("mutation_queued")
	}
	return id, nil
}

// Items 按插入顺序返回全部待回放条目。
func (q *Queue) Items(ctx context.Context) ([]Item, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, method, url, header, payload, created_at FROM sync_queue ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sync queue: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			item      Item
			headerRaw string
			createdMS int64
		)
		if err := rows.Scan(&item.ID, &item.Method, &item.URL, &headerRaw, &item.Payload, &createdMS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(headerRaw), &item.Header); err != nil {
			item.Header = http.Header{}
		}
		item.CreatedAt = time.UnixMilli(createdMS).UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

// Len 返回当前排队条数。
func (q *Queue) Len(ctx context.Context) (int, error) {
	var count int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Drain 按 FIFO 顺序逐条回放：成功即删除，失败即停止并把剩余条目
// 留给下一轮。回放成功但删除失败的条目会被重试，因此回放目标必须
// 幂等或容忍重复提交（at-least-once）。返回成功回放的条数。
func (q *Queue) Drain(ctx context.Context, replay func(context.Context, Item) error) (int, error) {
	items, err := q.Items(ctx)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := replay(ctx, item); err != nil {
			if q.logger != nil {
				q.logger.WithFields(logrus.Fields{
					"action": "sync_replay",
					"id":     item.ID,
					"url":    item.URL,
				}).WithError(err).Warn("sync_replay_failed")
			}
			return replayed, err
		}
		if _, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, item.ID); err != nil {
			return replayed, fmt.Errorf("dequeue %d: %w", item.ID, err)
		}
		replayed++
	}
	return replayed, nil
}
