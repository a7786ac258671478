package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/stockflow/pkg/enums"
)

// TxMessage is a transactional message tracked from half through publish.
type TxMessage struct {
	ID           uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	Topic        string               `gorm:"column:topic;not null;index:idx_tx_messages_topic_state"`
	Tag          string               `gorm:"column:tag;not null;default:''"`
	MessageKey   string               `gorm:"column:message_key;not null;default:''"`
	Body         json.RawMessage      `gorm:"column:body;type:jsonb;not null"`
	State        enums.TxMessageState `gorm:"column:state;type:varchar(16);not null;index:idx_tx_messages_topic_state"`
	CheckCount   int                  `gorm:"column:check_count;not null;default:0"`
	NextCheckAt  time.Time            `gorm:"column:next_check_at;not null;index"`
	AttemptCount int                  `gorm:"column:attempt_count;not null;default:0"`
	LastError    *string              `gorm:"column:last_error"`
	CreatedAt    time.Time            `gorm:"column:created_at;autoCreateTime"`
	ResolvedAt   *time.Time           `gorm:"column:resolved_at"`
	PublishedAt  *time.Time           `gorm:"column:published_at"`
}

func (TxMessage) TableName() string { return "tx_messages" }

// TxMessageDLQ captures messages the relay gave up on.
type TxMessageDLQ struct {
	ID           uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	MessageID    uuid.UUID                `gorm:"column:message_id;type:uuid;not null;index"`
	Topic        string                   `gorm:"column:topic;not null"`
	Tag          string                   `gorm:"column:tag;not null;default:''"`
	MessageKey   string                   `gorm:"column:message_key;not null;default:''"`
	Body         json.RawMessage          `gorm:"column:body;type:jsonb;not null"`
	ErrorReason  enums.TxMessageDLQReason `gorm:"column:error_reason;type:varchar(32);not null"`
	ErrorMessage *string                  `gorm:"column:error_message"`
	AttemptCount int                      `gorm:"column:attempt_count;not null;default:0"`
	CheckCount   int                      `gorm:"column:check_count;not null;default:0"`
	FailedAt     time.Time                `gorm:"column:failed_at;autoCreateTime"`
}

func (TxMessageDLQ) TableName() string { return "tx_message_dlq" }
