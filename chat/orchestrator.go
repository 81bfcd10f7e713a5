package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"mentora_back/knowledge"

	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	retrievalTopK  = 5
	retrievalPool  = 100
	historyTurns   = 10
	titleRuneLimit = 50
	excerptLimit   = 200
	maxQueryRunes  = 4000

	chatReputationBonus = 2
)

const genericTutorPrompt = "You are a patient, encouraging tutor. Explain concepts step by step, " +
	"check the learner's understanding, and prefer concrete examples over abstractions. " +
	"If you are not sure about something, say so instead of guessing."

// ErrEmptyQuery marks a question that is blank after sanitization.
var ErrEmptyQuery = errors.New("chat: query is empty")

// ErrModelNotAllowed marks a model override absent from the catalog.
var ErrModelNotAllowed = errors.New("chat: requested model is not in the catalog")

// EventSink receives best-effort push notifications for the asking user.
type EventSink interface {
	Publish(userID uint64, event string, payload any)
}

// ReputationAwarder grants activity points. Calls must not block or fail the
// chat flow.
type ReputationAwarder interface {
	Award(userID uint64, points int, reason string)
}

// Module owns conversations and the grounded ask flow: embed the question,
// retrieve document chunks, assemble the prompt and stream the answer while
// persisting both turns.
type Module struct {
	db         *gorm.DB
	client     *Client
	docs       *knowledge.Service
	embedder   knowledge.Embedder
	store      knowledge.VectorStore
	history    *historyCache
	catalog    []ModelOption
	events     EventSink
	reputation ReputationAwarder
}

// NewModule wires the chat module. redisClient may be nil; the history cache
// is then skipped and every read hits the database.
func NewModule(db *gorm.DB, client *Client, docs *knowledge.Service, embedder knowledge.Embedder, store knowledge.VectorStore, redisClient *redis.Client) (*Module, error) {
	if db == nil {
		return nil, errors.New("chat: database connection is required")
	}
	if client == nil {
		return nil, errors.New("chat: completion client is required")
	}
	if docs == nil {
		return nil, errors.New("chat: knowledge service is required")
	}
	if embedder == nil {
		return nil, errors.New("chat: embedder is required")
	}
	if store == nil {
		return nil, errors.New("chat: vector store is required")
	}
	return &Module{
		db:       db,
		client:   client,
		docs:     docs,
		embedder: embedder,
		store:    store,
		history:  newHistoryCache(redisClient),
		catalog:  loadModelCatalog(),
	}, nil
}

// SetEvents wires the push notification sink.
func (m *Module) SetEvents(sink EventSink) { m.events = sink }

// SetReputation wires the activity point client.
func (m *Module) SetReputation(awards ReputationAwarder) { m.reputation = awards }

// AutoMigrate creates the conversation and message tables.
func (m *Module) AutoMigrate() error {
	return m.db.AutoMigrate(&conversation{}, &message{})
}

// Models returns the selectable model catalog.
func (m *Module) Models() []ModelOption {
	return append([]ModelOption(nil), m.catalog...)
}

// AskRequest is one question against an optional document and conversation.
type AskRequest struct {
	Query          string  `json:"query"`
	DocumentID     *uint64 `json:"document_id,omitempty"`
	ConversationID *uint64 `json:"conversation_id,omitempty"`
	Model          string  `json:"model,omitempty"`
}

// Citation points an answer back at a retrieved chunk.
type Citation struct {
	ChunkID string  `json:"chunk_id"`
	Seq     int     `json:"seq"`
	Page    int     `json:"page"`
	Excerpt string  `json:"excerpt"`
	Score   float64 `json:"score"`
}

// Frame is one unit of the streamed answer. Exactly one of Content, Done or
// Error is meaningful per frame.
type Frame struct {
	Content        string     `json:"content,omitempty"`
	Done           bool       `json:"done,omitempty"`
	ConversationID uint64     `json:"conversation_id,omitempty"`
	Citations      []Citation `json:"citations,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Ask runs the grounded chat flow and streams frames through send. A failure
// before the first token yields a single error frame and persists nothing; a
// failure mid-stream persists the partial answer and still emits the done
// frame so the client can reattach to the conversation.
func (m *Module) Ask(ctx context.Context, userID uint64, req AskRequest, send func(Frame) error) error {
	query := sanitizeQuery(req.Query)
	if query == "" {
		return m.sendError(send, ErrEmptyQuery)
	}
	if !catalogAllows(m.catalog, req.Model) {
		return m.sendError(send, ErrModelNotAllowed)
	}

	var doc *knowledge.Document
	if req.DocumentID != nil && *req.DocumentID > 0 {
		found, err := m.docs.VerifyOwnedIndexed(ctx, userID, *req.DocumentID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return m.sendError(send, errors.New("chat: document not found"))
			}
			return m.sendError(send, err)
		}
		doc = found
	}

	var citations []Citation
	var contextBlock string
	if doc != nil {
		vector, err := m.embedder.Embed(ctx, query)
		if err != nil {
			return m.sendError(send, fmt.Errorf("chat: embed query: %w", err))
		}
		citations, contextBlock = m.retrieve(ctx, doc.ID, vector)
	}

	conv, created, err := m.resolveConversation(ctx, userID, req, doc, query)
	if err != nil {
		return m.sendError(send, err)
	}

	history := m.loadHistory(ctx, conv.ID, created)
	messages := buildMessages(doc, contextBlock, history, query)

	var streamedAny bool
	result, streamErr := m.client.ChatStream(ctx, req.Model, messages, func(delta StreamDelta) error {
		if delta.Content == "" {
			return nil
		}
		streamedAny = true
		return send(Frame{Content: delta.Content})
	})

	if streamErr != nil && !streamedAny {
		// Nothing reached the client; drop the conversation if this request
		// created it so retries start clean.
		if created {
			m.discardConversation(ctx, conv.ID)
		}
		return m.sendError(send, streamErr)
	}

	answer := result.Content
	if streamErr != nil {
		log.Printf("chat: stream for conversation %d interrupted: %v", conv.ID, streamErr)
	}

	if err := m.persistTurns(ctx, conv, query, answer, citations, result.Usage); err != nil {
		log.Printf("chat: persist conversation %d turns: %v", conv.ID, err)
	}

	if doc != nil {
		m.docs.IncrementQueryCount(ctx, doc.ID)
	}
	if m.events != nil {
		m.events.Publish(userID, "chat-done", map[string]any{
			"conversation_id": conv.ID,
			"document_id":     req.DocumentID,
		})
	}
	if m.reputation != nil {
		go m.reputation.Award(userID, chatReputationBonus, "chat question answered")
	}

	return send(Frame{Done: true, ConversationID: conv.ID, Citations: citations})
}

func (m *Module) sendError(send func(Frame) error, cause error) error {
	if err := send(Frame{Error: cause.Error()}); err != nil {
		return err
	}
	return cause
}

// retrieve pulls the top scoring chunks for the query vector. Retrieval
// trouble degrades to an ungrounded answer instead of failing the ask.
func (m *Module) retrieve(ctx context.Context, docID uint64, vector []float32) ([]Citation, string) {
	scored, err := m.store.QueryTopK(ctx, docID, vector, retrievalTopK, retrievalPool)
	if err != nil {
		log.Printf("chat: retrieve chunks for document %d: %v", docID, err)
		return nil, ""
	}
	if len(scored) == 0 {
		return nil, ""
	}

	citations := make([]Citation, 0, len(scored))
	var block strings.Builder
	for i, chunk := range scored {
		if i > 0 {
			block.WriteString("\n\n")
		}
		fmt.Fprintf(&block, "[Source %d, page %d]\n%s", i+1, chunk.Page, chunk.Text)
		citations = append(citations, Citation{
			ChunkID: chunk.VectorID,
			Seq:     chunk.Seq,
			Page:    chunk.Page,
			Excerpt: truncateRunes(chunk.Text, excerptLimit),
			Score:   chunk.Score,
		})
	}
	return citations, block.String()
}

// resolveConversation loads the requested conversation or opens a new one.
// An id that does not resolve to an owned conversation opens a new one
// rather than failing the ask.
func (m *Module) resolveConversation(ctx context.Context, userID uint64, req AskRequest, doc *knowledge.Document, query string) (*conversation, bool, error) {
	if req.ConversationID != nil && *req.ConversationID > 0 {
		var conv conversation
		err := m.db.WithContext(ctx).
			Where("id = ? AND user_id = ?", *req.ConversationID, userID).
			Take(&conv).Error
		if err == nil {
			return &conv, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, err
		}
	}

	now := time.Now().UTC()
	conv := conversation{
		UserID:    userID,
		Title:     truncateRunes(query, titleRuneLimit),
		LastMsgAt: now,
	}
	if doc != nil {
		id := doc.ID
		conv.DocumentID = &id
	}
	if err := m.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return nil, false, err
	}
	return &conv, true, nil
}

func (m *Module) discardConversation(ctx context.Context, conversationID uint64) {
	if err := m.db.WithContext(ctx).Delete(&conversation{}, conversationID).Error; err != nil {
		log.Printf("chat: discard empty conversation %d: %v", conversationID, err)
	}
}

// loadHistory returns the most recent persisted turns, oldest first.
func (m *Module) loadHistory(ctx context.Context, conversationID uint64, created bool) []historyRecord {
	if created {
		return nil
	}

	if records, err := m.history.get(ctx, conversationID); err == nil {
		return records
	} else if !errors.Is(err, redis.Nil) {
		log.Printf("chat: read history cache for conversation %d: %v", conversationID, err)
	}

	var rows []message
	if err := m.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq DESC").
		Limit(historyTurns).
		Find(&rows).Error; err != nil {
		log.Printf("chat: load history for conversation %d: %v", conversationID, err)
		return nil
	}

	records := make([]historyRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		records = append(records, historyRecord{Role: rows[i].Role, Content: rows[i].Content})
	}

	m.history.store(ctx, conversationID, records)
	return records
}

// persistTurns appends the user question and the assistant answer with
// contiguous sequence numbers in one transaction.
func (m *Module) persistTurns(ctx context.Context, conv *conversation, query, answer string, citations []Citation, usage *Usage) error {
	var citationsJSON datatypes.JSON
	if len(citations) > 0 {
		encoded, err := json.Marshal(citations)
		if err != nil {
			return fmt.Errorf("chat: encode citations: %w", err)
		}
		citationsJSON = encoded
	}

	now := time.Now().UTC()
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		if err := tx.Model(&message{}).
			Where("conversation_id = ?", conv.ID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}

		userTurn := message{
			ConversationID: conv.ID,
			Seq:            maxSeq + 1,
			Role:           "user",
			Content:        query,
			CreatedAt:      now,
		}
		if err := tx.Create(&userTurn).Error; err != nil {
			return err
		}

		assistantTurn := message{
			ConversationID: conv.ID,
			Seq:            maxSeq + 2,
			Role:           "assistant",
			Content:        answer,
			Citations:      citationsJSON,
			CreatedAt:      now,
		}
		if usage != nil {
			in, out := usage.PromptTokens, usage.CompletionTokens
			assistantTurn.TokenInput = &in
			assistantTurn.TokenOutput = &out
		}
		if err := tx.Create(&assistantTurn).Error; err != nil {
			return err
		}

		return tx.Model(&conversation{}).
			Where("id = ?", conv.ID).
			Update("last_msg_at", now).Error
	})
	if err != nil {
		return err
	}

	m.history.invalidate(ctx, conv.ID)
	return nil
}

// buildMessages assembles the prompt: persona or generic system role, the
// retrieved context block, recent history and the fresh question.
func buildMessages(doc *knowledge.Document, contextBlock string, history []historyRecord, query string) []Message {
	system := genericTutorPrompt
	if doc != nil && doc.PersonaPrompt != nil && strings.TrimSpace(*doc.PersonaPrompt) != "" {
		system = strings.TrimSpace(*doc.PersonaPrompt)
	}

	if contextBlock != "" {
		system += "\n\nAnswer using the following source material. Cite it where relevant " +
			"and say when the material does not cover the question.\n\n" + contextBlock
	}

	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: system})
	for _, turn := range history {
		messages = append(messages, Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, Message{Role: "user", Content: query})
	return messages
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// sanitizeQuery strips markup and control characters and bounds the length.
func sanitizeQuery(raw string) string {
	cleaned := tagPattern.ReplaceAllString(raw, " ")
	cleaned = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	return truncateRunes(cleaned, maxQueryRunes)
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
