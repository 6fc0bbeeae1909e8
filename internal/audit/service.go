package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"futures-exec/internal/order"
	"futures-exec/internal/store"
)

// Service 将审计事件持久化到 SQLite。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ Sink = (*Service)(nil)

// NewService 初始化审计服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("audit: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	intent_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	seq INTEGER NOT NULL,
	old_status TEXT NOT NULL,
	new_status TEXT NOT NULL,
	payload_digest TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_intent ON audit_events(intent_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("audit: 初始化表失败: %w", err)
	}
	return nil
}

// Record 追加写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events
		 (event_type, intent_id, symbol, seq, old_status, new_status, payload_digest, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(event.Type), event.IntentID, event.Symbol, event.Seq,
		string(event.OldStatus), string(event.NewStatus),
		event.PayloadDigest, event.Reason,
		event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: 写入事件失败: %w", err)
	}

	return nil
}

// ListEvents 按写入顺序读取某一意图的全部事件，供对账回放使用。
func (s *Service) ListEvents(ctx context.Context, intentID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, intent_id, symbol, seq, old_status, new_status, payload_digest, reason, created_at
		 FROM audit_events WHERE intent_id = ? ORDER BY id ASC`, intentID)
	if err != nil {
		return nil, fmt.Errorf("audit: 查询事件失败: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event     Event
			eventType string
			oldStatus string
			newStatus string
			createdAt string
		)
		if err := rows.Scan(&eventType, &event.IntentID, &event.Symbol, &event.Seq,
			&oldStatus, &newStatus, &event.PayloadDigest, &event.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: 读取事件失败: %w", err)
		}
		event.Type = EventType(eventType)
		event.OldStatus = order.Status(oldStatus)
		event.NewStatus = order.Status(newStatus)
		if ts, parseErr := time.Parse(time.RFC3339Nano, createdAt); parseErr == nil {
			event.Timestamp = ts
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: 遍历事件失败: %w", err)
	}

	return events, nil
}
