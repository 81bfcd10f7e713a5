package chat

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// ConversationRecord is the API projection of a conversation.
type ConversationRecord struct {
	ID         uint64    `json:"id"`
	DocumentID *uint64   `json:"document_id,omitempty"`
	Title      string    `json:"title"`
	LastMsgAt  time.Time `json:"last_msg_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// MessageRecord is the API projection of one persisted turn.
type MessageRecord struct {
	ID        uint64     `json:"id"`
	Seq       int        `json:"seq"`
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ListConversations returns the owner's conversations, most recent first.
func (m *Module) ListConversations(ctx context.Context, userID uint64) ([]ConversationRecord, error) {
	var rows []conversation
	if err := m.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_msg_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]ConversationRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, buildConversationRecord(row))
	}
	return records, nil
}

// GetConversation returns one owned conversation with its full transcript in
// sequence order.
func (m *Module) GetConversation(ctx context.Context, userID, conversationID uint64) (*ConversationRecord, []MessageRecord, error) {
	var conv conversation
	if err := m.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", conversationID, userID).
		Take(&conv).Error; err != nil {
		return nil, nil, err
	}

	var rows []message
	if err := m.db.WithContext(ctx).
		Where("conversation_id = ?", conv.ID).
		Order("seq ASC").
		Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	messages := make([]MessageRecord, 0, len(rows))
	for _, row := range rows {
		record := MessageRecord{
			ID:        row.ID,
			Seq:       row.Seq,
			Role:      row.Role,
			Content:   row.Content,
			CreatedAt: row.CreatedAt,
		}
		if len(row.Citations) > 0 {
			var citations []Citation
			if err := json.Unmarshal(row.Citations, &citations); err == nil {
				record.Citations = citations
			}
		}
		messages = append(messages, record)
	}

	record := buildConversationRecord(conv)
	return &record, messages, nil
}

// DeleteConversation removes an owned conversation and its transcript.
func (m *Module) DeleteConversation(ctx context.Context, userID, conversationID uint64) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv conversation
		if err := tx.Where("id = ? AND user_id = ?", conversationID, userID).Take(&conv).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", conv.ID).Delete(&message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&conversation{}, conv.ID).Error
	})
	if err != nil {
		return err
	}

	m.history.invalidate(ctx, conversationID)
	return nil
}

// DeleteByDocument removes every conversation attached to a document.
// Satisfies the cascade hook the knowledge service calls on document delete.
func (m *Module) DeleteByDocument(ctx context.Context, documentID uint64) error {
	var ids []uint64
	if err := m.db.WithContext(ctx).
		Model(&conversation{}).
		Where("document_id = ?", documentID).
		Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id IN ?", ids).Delete(&message{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&conversation{}).Error
	})
	if err != nil {
		return err
	}

	for _, id := range ids {
		m.history.invalidate(ctx, id)
	}
	return nil
}

func buildConversationRecord(row conversation) ConversationRecord {
	return ConversationRecord{
		ID:         row.ID,
		DocumentID: row.DocumentID,
		Title:      row.Title,
		LastMsgAt:  row.LastMsgAt,
		CreatedAt:  row.CreatedAt,
	}
}
