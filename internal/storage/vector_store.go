package storage

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps everything in process. It is the default for tests and single-node dev.
type MemoryStore struct {
	mu            sync.RWMutex
	documents     map[uuid.UUID]*models.Document
	chunks        map[uuid.UUID][]models.Chunk
	conversations map[uuid.UUID]*models.Conversation
	messages      map[uuid.UUID][]models.Message
	settings      map[string]models.GuardrailSetting

	// failWrites makes every write fail, to exercise rollback paths.
	failWrites bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents:     make(map[uuid.UUID]*models.Document),
		chunks:        make(map[uuid.UUID][]models.Chunk),
		conversations: make(map[uuid.UUID]*models.Conversation),
		messages:      make(map[uuid.UUID][]models.Message),
		settings:      make(map[string]models.GuardrailSetting),
	}
}

// SetFailWrites toggles simulated write failures.
func (m *MemoryStore) SetFailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = fail
}

func (m *MemoryStore) writeErr(op string) error {
	if m.failWrites {
		return apperrors.Persistence(op, errSimulated)
	}
	return nil
}

var errSimulated = errors.New("simulated write failure")

func (m *MemoryStore) CreateDocument(_ context.Context, doc *models.Document, chunks []models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("create document"); err != nil {
		return err
	}

	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	indexChunks(doc.ID, chunks)
	doc.ChunkCount = len(chunks)

	stored := *doc
	m.documents[doc.ID] = &stored
	m.chunks[doc.ID] = append([]models.Chunk(nil), chunks...)
	return nil
}

func (m *MemoryStore) ReplaceChunks(_ context.Context, documentID uuid.UUID, text string, chunks []models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("replace chunks"); err != nil {
		return err
	}

	doc, ok := m.documents[documentID]
	if !ok {
		return apperrors.NotFound("document")
	}
	indexChunks(documentID, chunks)
	doc.Text = text
	doc.ChunkCount = len(chunks)
	doc.UpdatedAt = time.Now().UTC()
	m.chunks[documentID] = append([]models.Chunk(nil), chunks...)
	return nil
}

func (m *MemoryStore) GetDocument(_ context.Context, id uuid.UUID) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[id]
	if !ok {
		return nil, apperrors.NotFound("document")
	}
	out := *doc
	return &out, nil
}

func (m *MemoryStore) ListDocuments(_ context.Context) ([]models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Document, 0, len(m.documents))
	for _, doc := range m.documents {
		out = append(out, *doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *MemoryStore) UpdateDocument(_ context.Context, id uuid.UUID, active *bool, topic *string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("update document"); err != nil {
		return nil, err
	}
	doc, ok := m.documents[id]
	if !ok {
		return nil, apperrors.NotFound("document")
	}
	if active != nil {
		doc.Active = *active
	}
	if topic != nil {
		doc.Topic = *topic
	}
	doc.UpdatedAt = time.Now().UTC()
	out := *doc
	return &out, nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("delete document"); err != nil {
		return err
	}
	if _, ok := m.documents[id]; !ok {
		return apperrors.NotFound("document")
	}
	delete(m.documents, id)
	delete(m.chunks, id)
	return nil
}

func (m *MemoryStore) ListChunks(_ context.Context, documentID uuid.UUID) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Chunk(nil), m.chunks[documentID]...), nil
}

func (m *MemoryStore) SimilaritySearch(_ context.Context, query []float32, topK int, topic string) ([]models.SearchResult, error) {
	if topK <= 0 {
		return []models.SearchResult{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]models.SearchResult, 0)
	for docID, chunks := range m.chunks {
		doc := m.documents[docID]
		if doc == nil || !matchesFilter(doc.Active, doc.Topic, topic) {
			continue
		}
		for _, c := range chunks {
			results = append(results, models.SearchResult{
				Chunk:      c,
				DocumentID: docID,
				Score:      float64(cosineSimilarity(query, c.Embedding)),
			})
		}
	}

	return rankResults(results, topK), nil
}

func (m *MemoryStore) GetOrCreateConversation(_ context.Context, id *uuid.UUID, userID, sessionID string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != nil {
		conv, ok := m.conversations[*id]
		if !ok {
			return nil, apperrors.NotFound("conversation")
		}
		out := *conv
		return &out, nil
	}

	var latest *models.Conversation
	for _, conv := range m.conversations {
		if conv.UserID == userID && conv.SessionID == sessionID && conv.EndedAt == nil {
			if latest == nil || conv.CreatedAt.After(latest.CreatedAt) {
				latest = conv
			}
		}
	}
	if latest != nil {
		out := *latest
		return &out, nil
	}

	if err := m.writeErr("create conversation"); err != nil {
		return nil, err
	}
	conv := models.NewConversation(userID, sessionID)
	m.conversations[conv.ID] = conv
	out := *conv
	return &out, nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id uuid.UUID) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, apperrors.NotFound("conversation")
	}
	out := *conv
	return &out, nil
}

func (m *MemoryStore) ListMessages(_ context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Message(nil), lastN(m.messages[conversationID], limit)...), nil
}

func (m *MemoryStore) AppendExchange(_ context.Context, conversationID uuid.UUID, user, assistant *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("append messages"); err != nil {
		return err
	}
	conv, ok := m.conversations[conversationID]
	if !ok {
		return apperrors.NotFound("conversation")
	}
	user.ConversationID = conversationID
	assistant.ConversationID = conversationID
	m.messages[conversationID] = append(m.messages[conversationID], *user, *assistant)
	conv.MessageCount += 2
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) EndConversation(_ context.Context, id uuid.UUID, feedback models.Feedback, end bool) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("end conversation"); err != nil {
		return nil, err
	}
	conv, ok := m.conversations[id]
	if !ok {
		return nil, apperrors.NotFound("conversation")
	}
	now := time.Now().UTC()
	conv.Feedback = feedback
	if end && conv.EndedAt == nil {
		conv.EndedAt = &now
	}
	conv.UpdatedAt = now
	out := *conv
	return &out, nil
}

func (m *MemoryStore) GetGuardrailSetting(_ context.Context, key string) (*models.GuardrailSetting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[key]
	if !ok {
		return nil, apperrors.NotFound("guardrail setting")
	}
	return &s, nil
}

func (m *MemoryStore) PutGuardrailSetting(_ context.Context, setting *models.GuardrailSetting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr("save guardrail setting"); err != nil {
		return err
	}
	if setting.UpdatedAt.IsZero() {
		setting.UpdatedAt = time.Now().UTC()
	}
	m.settings[setting.Key] = *setting
	return nil
}

func (m *MemoryStore) ListGuardrailSettings(_ context.Context) ([]models.GuardrailSetting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.GuardrailSetting, 0, len(m.settings))
	for _, s := range m.settings {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
