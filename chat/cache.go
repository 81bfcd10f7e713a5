package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	historyCacheTTL     = 30 * time.Second
	historyCacheTimeout = 300 * time.Millisecond
)

// historyRecord is the cached shape of one persisted conversation turn.
type historyRecord struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// historyCache keeps a short-lived copy of a conversation's recent turns so
// rapid follow-up questions skip the database read.
type historyCache struct {
	client *redis.Client
}

func newHistoryCache(client *redis.Client) *historyCache {
	if client == nil {
		return nil
	}
	return &historyCache{client: client}
}

func (h *historyCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), historyCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= historyCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, historyCacheTimeout)
}

func (h *historyCache) key(conversationID uint64) string {
	if h == nil || h.client == nil || conversationID == 0 {
		return ""
	}
	return fmt.Sprintf("chat:recent:%d", conversationID)
}

func (h *historyCache) get(ctx context.Context, conversationID uint64) ([]historyRecord, error) {
	if h == nil || h.client == nil {
		return nil, redis.Nil
	}
	key := h.key(conversationID)
	if key == "" {
		return nil, redis.Nil
	}

	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	data, err := h.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}

	var records []historyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (h *historyCache) store(ctx context.Context, conversationID uint64, records []historyRecord) {
	if h == nil || h.client == nil {
		return
	}
	key := h.key(conversationID)
	if key == "" {
		return
	}

	payload, err := json.Marshal(records)
	if err != nil {
		log.Printf("chat: marshal history cache payload failed: %v", err)
		return
	}

	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	if err := h.client.Set(ctx, key, payload, historyCacheTTL).Err(); err != nil {
		log.Printf("chat: store history cache failed: %v", err)
	}
}

func (h *historyCache) invalidate(ctx context.Context, conversationID uint64) {
	if h == nil || h.client == nil {
		return
	}
	key := h.key(conversationID)
	if key == "" {
		return
	}

	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	if err := h.client.Del(ctx, key).Err(); err != nil {
		log.Printf("chat: invalidate history cache failed: %v", err)
	}
}
