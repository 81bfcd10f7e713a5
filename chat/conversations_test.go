package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedConversation(t *testing.T, f *askFixture, userID uint64, docID *uint64, turns int) conversation {
	t.Helper()
	conv := conversation{
		UserID:     userID,
		DocumentID: docID,
		Title:      "seeded conversation",
		LastMsgAt:  time.Now().UTC(),
	}
	require.NoError(t, f.db.Create(&conv).Error)
	for i := 1; i <= turns; i++ {
		role := "user"
		if i%2 == 0 {
			role = "assistant"
		}
		require.NoError(t, f.db.Create(&message{
			ConversationID: conv.ID,
			Seq:            i,
			Role:           role,
			Content:        fmt.Sprintf("turn %d", i),
		}).Error)
	}
	return conv
}

func TestListConversations(t *testing.T) {
	ctx := context.Background()
	f := newAskFixture(t)

	older := seedConversation(t, f, 7, nil, 2)
	require.NoError(t, f.db.Model(&conversation{}).Where("id = ?", older.ID).
		Update("last_msg_at", time.Now().UTC().Add(-time.Hour)).Error)
	newer := seedConversation(t, f, 7, nil, 2)
	seedConversation(t, f, 99, nil, 2)

	records, err := f.module.ListConversations(ctx, 7)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, newer.ID, records[0].ID)
	assert.Equal(t, older.ID, records[1].ID)
}

func TestGetConversation(t *testing.T) {
	ctx := context.Background()
	f := newAskFixture(t)
	conv := seedConversation(t, f, 7, nil, 4)

	record, messages, err := f.module.GetConversation(ctx, 7, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, record.ID)
	require.Len(t, messages, 4)
	for i, msg := range messages {
		assert.Equal(t, i+1, msg.Seq)
	}

	t.Run("foreign conversation is invisible", func(t *testing.T) {
		_, _, err := f.module.GetConversation(ctx, 99, conv.ID)
		assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	})
}

func TestDeleteConversation(t *testing.T) {
	ctx := context.Background()
	f := newAskFixture(t)
	conv := seedConversation(t, f, 7, nil, 4)

	t.Run("owner only", func(t *testing.T) {
		err := f.module.DeleteConversation(ctx, 99, conv.ID)
		assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	})

	require.NoError(t, f.module.DeleteConversation(ctx, 7, conv.ID))

	var msgCount int64
	require.NoError(t, f.db.Model(&message{}).Where("conversation_id = ?", conv.ID).Count(&msgCount).Error)
	assert.Zero(t, msgCount)

	_, _, err := f.module.GetConversation(ctx, 7, conv.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestDeleteByDocumentPurgesAttachedConversations(t *testing.T) {
	ctx := context.Background()
	f := newAskFixture(t)

	docID := uint64(3)
	attached := seedConversation(t, f, 7, &docID, 4)
	unrelated := seedConversation(t, f, 7, nil, 2)

	require.NoError(t, f.module.DeleteByDocument(ctx, docID))

	_, _, err := f.module.GetConversation(ctx, 7, attached.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	_, messages, err := f.module.GetConversation(ctx, 7, unrelated.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 2)

	// No conversations for the document is a no-op.
	assert.NoError(t, f.module.DeleteByDocument(ctx, docID))
}
