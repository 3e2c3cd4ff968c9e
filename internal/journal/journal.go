// Package journal 将引擎生命周期事件以流水形式落盘 SQLite，
// 供运维排查与成交回溯。订单状态本身只存在于内存，流水是
// 唯一的持久化痕迹。
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"algoexec/internal/config"
	"algoexec/internal/order"
)

// Journal 封装 SQLite 连接与事件表。
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open 根据配置打开流水库并初始化表结构。
func Open(cfg config.JournalConfig, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := cfg.Path
	if cfg.InMemory {
		dsn = ":memory:"
	} else {
		if err := ensureDir(filepath.Dir(cfg.Path)); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dsn))
	if err != nil {
		return nil, fmt.Errorf("journal: 打开 SQLite 数据库失败: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("journal: 设置 SQLite WAL 模式失败: %w", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("journal: 设置 SQLite 同步级别失败: %w", err)
	}

	j := &Journal{db: conn, logger: logger}
	if err := j.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS order_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	order_id TEXT NOT NULL,
	strategy TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id);
CREATE INDEX IF NOT EXISTS idx_order_events_type ON order_events(event_type);
`
	if _, err := j.db.Exec(stmt); err != nil {
		return fmt.Errorf("journal: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单条事件流水。
func (j *Journal) Record(ctx context.Context, ev order.Event) error {
	payload, err := json.Marshal(eventPayload{
		Symbol:   ev.Symbol,
		Side:     string(ev.Side),
		Price:    ev.Price,
		Quantity: ev.Quantity,
		Slice:    ev.Slice,
		Note:     ev.Note,
	})
	if err != nil {
		return fmt.Errorf("journal: 序列化事件失败: %w", err)
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO order_events (event_type, order_id, strategy, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(ev.Type), ev.OrderID, string(ev.Strategy), string(payload), at.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal: 写入事件失败: %w", err)
	}
	return nil
}

// Sink 返回可直接挂到引擎上的事件回调。写入失败只记日志，
// 不向引擎回传错误。
func (j *Journal) Sink() order.EventSink {
	return func(ev order.Event) {
		if err := j.Record(context.Background(), ev); err != nil {
			j.logger.Warn("记录订单事件失败",
				zap.String("order_id", ev.OrderID),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err),
			)
		}
	}
}

// Entry 为查询返回的流水行。
type Entry struct {
	ID        int64
	Type      order.EventType
	OrderID   string
	Strategy  order.StrategyType
	Payload   string
	CreatedAt time.Time
}

// OrderEvents 按时间顺序返回指定订单的全部流水。
func (j *Journal) OrderEvents(ctx context.Context, orderID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, event_type, order_id, strategy, payload, created_at
		 FROM order_events WHERE order_id = ? ORDER BY id ASC`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: 查询订单流水失败: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Recent 返回最近的 limit 条流水，最新在前。
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, event_type, order_id, strategy, payload, created_at
		 FROM order_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: 查询最近流水失败: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Close 关闭底层数据库连接。
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

type eventPayload struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Quantity int64   `json:"quantity,omitempty"`
	Slice    int     `json:"slice,omitempty"`
	Note     string  `json:"note,omitempty"`
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var entry Entry
		var eventType, strategy, createdAt string
		if err := rows.Scan(&entry.ID, &eventType, &entry.OrderID, &strategy, &entry.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("journal: 读取流水行失败: %w", err)
		}
		entry.Type = order.EventType(eventType)
		entry.Strategy = order.StrategyType(strategy)
		if at, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			entry.CreatedAt = at
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: 遍历流水失败: %w", err)
	}
	return out, nil
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("journal: 创建目录 %q 失败: %w", path, err)
	}
	return nil
}
