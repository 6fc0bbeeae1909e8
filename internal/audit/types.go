package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"futures-exec/internal/order"
)

// EventType 表示审计事件类型。
type EventType string

const (
	// EventAttempt 记录对交易所的一次实际提交。
	EventAttempt EventType = "attempt"
	// EventTransition 记录一次订单状态迁移。
	EventTransition EventType = "transition"
)

// Event 为追加写入的审计记录，事后对账的唯一依据。
type Event struct {
	Type          EventType    `json:"type"`
	IntentID      string       `json:"intent_id"`
	Symbol        string       `json:"symbol"`
	Seq           int          `json:"seq"`
	OldStatus     order.Status `json:"old_status,omitempty"`
	NewStatus     order.Status `json:"new_status,omitempty"`
	PayloadDigest string       `json:"payload_digest,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Sink 为只写审计出口。写入失败由调用方吞掉并计数，绝不反向影响下单流程。
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// Digest 计算请求载荷的摘要，审计记录不落原始密钥相关内容。
func Digest(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
