package chat

import (
	"time"

	"gorm.io/datatypes"
)

type conversation struct {
	ID         uint64    `gorm:"primaryKey"`
	UserID     uint64    `gorm:"column:user_id;index:idx_conversations_user_doc,priority:1"`
	DocumentID *uint64   `gorm:"column:document_id;index:idx_conversations_user_doc,priority:2"`
	Title      string    `gorm:"column:title;size:255"`
	LastMsgAt  time.Time `gorm:"column:last_msg_at"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (conversation) TableName() string {
	return "conversations"
}

type message struct {
	ID             uint64         `gorm:"primaryKey"`
	ConversationID uint64         `gorm:"column:conversation_id;index:idx_messages_conversation_seq,priority:1"`
	Seq            int            `gorm:"column:seq;index:idx_messages_conversation_seq,priority:2"`
	Role           string         `gorm:"column:role;size:16"`
	Content        string         `gorm:"column:content;type:text"`
	Citations      datatypes.JSON `gorm:"column:citations"`
	TokenInput     *int           `gorm:"column:token_input"`
	TokenOutput    *int           `gorm:"column:token_output"`
	CreatedAt      time.Time      `gorm:"column:created_at"`
}

func (message) TableName() string {
	return "messages"
}
