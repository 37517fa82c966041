package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // Import sqlite3 driver

	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/models"
	"rag-chatbot/internal/storage/migrations"
)

func init() {
	sqlite_vec.Auto()
}

var _ Store = (*SQLiteStore)(nil)

// sqlite-vec rejects KNN queries with k above this.
const maxKNN = 4096

const (
	initialMultiplier = 2
	growthFactor      = 2.0
	maxAttempts       = 10
)

// SQLiteStore implements Store on SQLite with a sqlite-vec vec0 table for chunk vectors.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// vecMu guards embeddingLength and the creation of vec_chunks.
	vecMu           sync.RWMutex
	embeddingLength int
}

// NewSQLiteStore opens dsn, applies migrations and prepares the vector table when
// dimensions is known. With dimensions 0 the table is created on first insert.
func NewSQLiteStore(ctx context.Context, dsn string, dimensions int, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps PRAGMAs in effect and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	store := &SQLiteStore{db: db, logger: logger}

	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.loadEmbeddingLength(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if dimensions > 0 {
		if err := store.ensureVecTableExists(ctx, dimensions); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return store, nil
}

// Migrate applies pending schema migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	list, err := migrations.SQLite()
	if err != nil {
		return err
	}
	applied, err := migrateSQL(ctx, s.db, list)
	if err != nil {
		return apperrors.Persistence("migrate", err)
	}
	if applied > 0 {
		s.logger.Info("applied migrations", "driver", "sqlite", "count", applied)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.Persistence("ping", err)
	}
	return nil
}

// serializeFloat32Vector converts a float32 slice to the byte format expected by sqlite-vec
func serializeFloat32Vector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:(i+1)*4], math.Float32bits(v))
	}
	return buf
}

func deserializeFloat32Vector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4 : (i+1)*4]))
	}
	return vec
}

func (s *SQLiteStore) vecTableExists(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='vec_chunks'").Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check vec_chunks existence: %w", err)
	}
	return n > 0, nil
}

// loadEmbeddingLength reads the dimension of an existing vector table.
func (s *SQLiteStore) loadEmbeddingLength(ctx context.Context) error {
	exists, err := s.vecTableExists(ctx)
	if err != nil || !exists {
		return err
	}
	var length sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT vec_length(embedding) FROM vec_chunks LIMIT 1`).Scan(&length)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read embedding length: %w", err)
	}
	s.vecMu.Lock()
	s.embeddingLength = int(length.Int64)
	s.vecMu.Unlock()
	return nil
}

func (s *SQLiteStore) embeddingDims() int {
	s.vecMu.RLock()
	defer s.vecMu.RUnlock()
	return s.embeddingLength
}

// ensureVecTableExists creates vec_chunks for embeddingLen and refuses a different
// dimension once vectors are stored.
func (s *SQLiteStore) ensureVecTableExists(ctx context.Context, embeddingLen int) error {
	if embeddingLen == 0 {
		return apperrors.InvalidInput("embedding is empty")
	}
	s.vecMu.Lock()
	defer s.vecMu.Unlock()
	if s.embeddingLength != 0 && s.embeddingLength != embeddingLen {
		return apperrors.InvalidInput(fmt.Sprintf(
			"embedding length %d does not match stored length %d", embeddingLen, s.embeddingLength))
	}

	exists, err := s.vecTableExists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		vecQuery := fmt.Sprintf(`
			CREATE VIRTUAL TABLE vec_chunks USING vec0(
				chunk_id TEXT PRIMARY KEY,
				embedding FLOAT[%d] distance_metric=cosine
			)
		`, embeddingLen)
		if _, err := s.db.ExecContext(ctx, vecQuery); err != nil {
			return fmt.Errorf("failed to create vec_chunks table: %w", err)
		}
	}
	s.embeddingLength = embeddingLen
	return nil
}

func chunkEmbeddingLength(chunks []models.Chunk) int {
	for _, c := range chunks {
		if len(c.Embedding) > 0 {
			return len(c.Embedding)
		}
	}
	return 0
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if len(chunks) > 0 {
		if err := s.ensureVecTableExists(ctx, chunkEmbeddingLength(chunks)); err != nil {
			return err
		}
	}
	indexChunks(doc.ID, chunks)
	doc.ChunkCount = len(chunks)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Persistence("create document", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, title, storage_path, file_type, size_bytes, text, topic, active,
			uploaded_by, chunk_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID.String(), doc.Title, doc.StoragePath, doc.FileType, doc.SizeBytes, doc.Text, doc.Topic,
		doc.Active, doc.UploadedBy, doc.ChunkCount, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return apperrors.Persistence("create document", err)
	}

	if err := insertChunks(ctx, tx, chunks); err != nil {
		return apperrors.Persistence("create document", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Persistence("create document", err)
	}
	return nil
}

func insertChunks(ctx context.Context, tx *sql.Tx, chunks []models.Chunk) error {
	now := time.Now().UTC()
	for i := range chunks {
		c := &chunks[i]
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode chunk metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunks (id, document_id, chunk_index, content, token_count, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID.String(), c.DocumentID.String(), c.Index, c.Content, c.TokenCount, string(meta), c.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.Index, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)`,
			c.ID.String(), serializeFloat32Vector(c.Embedding)); err != nil {
			return fmt.Errorf("failed to insert chunk vector %d: %w", c.Index, err)
		}
	}
	return nil
}

// deleteChunks removes a document's chunks and their vectors. vec0 rows do not cascade.
func (s *SQLiteStore) deleteChunks(ctx context.Context, tx *sql.Tx, documentID uuid.UUID) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM chunks WHERE document_id = ?`, documentID.String())
	if err != nil {
		return fmt.Errorf("failed to list chunks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	hasVec, err := s.vecTableExistsTx(ctx, tx)
	if err != nil {
		return err
	}
	if hasVec {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM vec_chunks WHERE chunk_id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete chunk vector: %w", err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID.String()); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

func (s *SQLiteStore) vecTableExistsTx(ctx context.Context, tx *sql.Tx) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='vec_chunks'").Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check vec_chunks existence: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReplaceChunks(ctx context.Context, documentID uuid.UUID, text string, chunks []models.Chunk) error {
	if len(chunks) > 0 {
		if err := s.ensureVecTableExists(ctx, chunkEmbeddingLength(chunks)); err != nil {
			return err
		}
	}
	indexChunks(documentID, chunks)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Persistence("replace chunks", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE documents SET text = ?, chunk_count = ?, updated_at = ? WHERE id = ?`,
		text, len(chunks), time.Now().UTC(), documentID.String())
	if err != nil {
		return apperrors.Persistence("replace chunks", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("document")
	}

	if err := s.deleteChunks(ctx, tx, documentID); err != nil {
		return apperrors.Persistence("replace chunks", err)
	}
	if err := insertChunks(ctx, tx, chunks); err != nil {
		return apperrors.Persistence("replace chunks", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Persistence("replace chunks", err)
	}
	return nil
}

const documentColumns = `id, title, storage_path, file_type, size_bytes, text, topic, active,
	uploaded_by, chunk_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		doc models.Document
		id  string
	)
	err := row.Scan(&id, &doc.Title, &doc.StoragePath, &doc.FileType, &doc.SizeBytes, &doc.Text, &doc.Topic,
		&doc.Active, &doc.UploadedBy, &doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if doc.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid document id %q: %w", id, err)
	}
	return &doc, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id.String())
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("document")
	}
	if err != nil {
		return nil, apperrors.Persistence("get document", err)
	}
	return doc, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]models.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, apperrors.Persistence("list documents", err)
	}
	defer func() { _ = rows.Close() }()

	documents := make([]models.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, apperrors.Persistence("list documents", err)
		}
		documents = append(documents, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence("list documents", err)
	}
	return documents, nil
}

func (s *SQLiteStore) UpdateDocument(ctx context.Context, id uuid.UUID, active *bool, topic *string) (*models.Document, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if active != nil {
		sets = append(sets, "active = ?")
		args = append(args, *active)
	}
	if topic != nil {
		sets = append(sets, "topic = ?")
		args = append(args, *topic)
	}
	args = append(args, id.String())

	res, err := s.db.ExecContext(ctx, `UPDATE documents SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, apperrors.Persistence("update document", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.NotFound("document")
	}
	return s.GetDocument(ctx, id)
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Persistence("delete document", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.deleteChunks(ctx, tx, id); err != nil {
		return apperrors.Persistence("delete document", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id.String())
	if err != nil {
		return apperrors.Persistence("delete document", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("document")
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Persistence("delete document", err)
	}
	return nil
}

func scanChunk(row rowScanner, extra ...any) (models.Chunk, error) {
	var (
		c            models.Chunk
		id, docID    string
		metadataJSON string
	)
	dest := append([]any{&id, &docID, &c.Index, &c.Content, &c.TokenCount, &metadataJSON, &c.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return c, err
	}
	var err error
	if c.ID, err = uuid.Parse(id); err != nil {
		return c, fmt.Errorf("invalid chunk id %q: %w", id, err)
	}
	if c.DocumentID, err = uuid.Parse(docID); err != nil {
		return c, fmt.Errorf("invalid document id %q: %w", docID, err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &c.Metadata); err != nil {
		return c, fmt.Errorf("invalid chunk metadata: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListChunks(ctx context.Context, documentID uuid.UUID) ([]models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, chunk_index, content, token_count, metadata, created_at
		FROM chunks WHERE document_id = ? ORDER BY chunk_index`, documentID.String())
	if err != nil {
		return nil, apperrors.Persistence("list chunks", err)
	}

	chunks := make([]models.Chunk, 0)
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			_ = rows.Close()
			return nil, apperrors.Persistence("list chunks", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Close(); err != nil {
		return nil, apperrors.Persistence("list chunks", err)
	}

	if s.embeddingDims() == 0 {
		return chunks, nil
	}
	for i := range chunks {
		var blob []byte
		err := s.db.QueryRowContext(ctx, `SELECT embedding FROM vec_chunks WHERE chunk_id = ?`,
			chunks[i].ID.String()).Scan(&blob)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.Persistence("list chunks", err)
		}
		chunks[i].Embedding = deserializeFloat32Vector(blob)
	}
	return chunks, nil
}

// SimilaritySearch runs a KNN query on vec_chunks and filters on document state. When the
// filter drops too many candidates the candidate pool grows until topK hits are found or
// the table is exhausted.
func (s *SQLiteStore) SimilaritySearch(ctx context.Context, query []float32, topK int, topic string) ([]models.SearchResult, error) {
	dims := s.embeddingDims()
	if topK <= 0 || dims == 0 {
		return []models.SearchResult{}, nil
	}
	if len(query) != dims {
		return nil, apperrors.InvalidInput(fmt.Sprintf(
			"query has %d dimensions, store has %d", len(query), dims))
	}
	results, err := s.searchWithFilterRecursive(ctx, query, topK, topic, initialMultiplier, 0)
	if err != nil {
		return nil, apperrors.Persistence("similarity search", err)
	}
	return rankResults(results, topK), nil
}

// searchWithFilterRecursive recursively fetches more candidates until topK matching chunks are found
func (s *SQLiteStore) searchWithFilterRecursive(ctx context.Context, query []float32, topK int, topic string, multiplier, attempt int) ([]models.SearchResult, error) {
	candidateCount := min(topK*multiplier, maxKNN)
	candidates, err := s.searchWithSqliteVec(ctx, query, candidateCount, topic)
	if err != nil {
		return nil, err
	}

	filtered := make([]models.SearchResult, 0, topK)
	for _, c := range candidates {
		if c.matches {
			filtered = append(filtered, c.result)
		}
	}

	// Enough hits, or the table holds no more rows.
	if len(filtered) >= topK || len(candidates) < candidateCount || candidateCount == maxKNN {
		return filtered, nil
	}
	if attempt+1 >= maxAttempts {
		s.logger.Warn("reached max attempts in recursive search, returning partial results",
			"max_attempts", maxAttempts, "found", len(filtered), "top_k", topK)
		return filtered, nil
	}

	newMultiplier := int(float64(multiplier) * growthFactor)
	s.logger.Debug("widening vector search",
		"found", len(filtered), "top_k", topK, "from", candidateCount, "to", topK*newMultiplier, "attempt", attempt+1)
	return s.searchWithFilterRecursive(ctx, query, topK, topic, newMultiplier, attempt+1)
}

type candidate struct {
	result  models.SearchResult
	matches bool
}

// searchWithSqliteVec performs KNN vector search using sqlite-vec
func (s *SQLiteStore) searchWithSqliteVec(ctx context.Context, query []float32, k int, topic string) ([]candidate, error) {
	// sqlite-vec requires k inside the MATCH constraint, so the document filter runs after.
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.id, c.document_id, c.chunk_index, c.content, c.token_count, c.metadata, c.created_at,
			d.active, d.topic, v.distance
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`,
		serializeFloat32Vector(query), k)
	if err != nil {
		return nil, fmt.Errorf("failed to perform vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []candidate
	for rows.Next() {
		var (
			active   bool
			docTopic string
			distance float64
		)
		c, err := scanChunk(rows, &active, &docTopic, &distance)
		if err != nil {
			return nil, err
		}
		out = append(out, candidate{
			result: models.SearchResult{
				Chunk:      c,
				DocumentID: c.DocumentID,
				Score:      1 - distance,
			},
			matches: matchesFilter(active, docTopic, topic),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return out, nil
}

const conversationColumns = `id, user_id, session_id, message_count, feedback, ended_at, created_at, updated_at`

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv    models.Conversation
		id      string
		endedAt sql.NullTime
	)
	if err := row.Scan(&id, &conv.UserID, &conv.SessionID, &conv.MessageCount, &conv.Feedback,
		&endedAt, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if conv.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid conversation id %q: %w", id, err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		conv.EndedAt = &t
	}
	return &conv, nil
}

func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, id *uuid.UUID, userID, sessionID string) (*models.Conversation, error) {
	if id != nil {
		return s.GetConversation(ctx, *id)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE user_id = ? AND session_id = ? AND ended_at IS NULL ORDER BY created_at DESC LIMIT 1`,
		userID, sessionID)
	conv, err := scanConversation(row)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Persistence("get conversation", err)
	}

	conv = models.NewConversation(userID, sessionID)
	_, err = s.db.ExecContext(ctx, `INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID.String(), conv.UserID, conv.SessionID, conv.MessageCount, conv.Feedback, nil,
		conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, apperrors.Persistence("create conversation", err)
	}
	return conv, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id.String())
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("conversation")
	}
	if err != nil {
		return nil, apperrors.Persistence("get conversation", err)
	}
	return conv, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	// Newest first so LIMIT keeps the tail, reversed below.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, chunk_ids, provider_message_id, token_count, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY rowid DESC LIMIT ?`, conversationID.String(), limit)
	if err != nil {
		return nil, apperrors.Persistence("list messages", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var (
			m          models.Message
			id, convID string
			chunkIDs   sql.NullString
		)
		if err := rows.Scan(&id, &convID, &m.Role, &m.Content, &chunkIDs, &m.ProviderMessageID,
			&m.TokenCount, &m.CreatedAt); err != nil {
			return nil, apperrors.Persistence("list messages", err)
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, apperrors.Persistence("list messages", err)
		}
		if m.ConversationID, err = uuid.Parse(convID); err != nil {
			return nil, apperrors.Persistence("list messages", err)
		}
		if chunkIDs.Valid {
			if err := json.Unmarshal([]byte(chunkIDs.String), &m.ChunkIDs); err != nil {
				return nil, apperrors.Persistence("list messages", err)
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence("list messages", err)
	}
	slices.Reverse(messages)
	return messages, nil
}

func (s *SQLiteStore) AppendExchange(ctx context.Context, conversationID uuid.UUID, user, assistant *models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Persistence("append messages", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_count = message_count + 2, updated_at = ? WHERE id = ?`,
		now, conversationID.String())
	if err != nil {
		return apperrors.Persistence("append messages", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("conversation")
	}

	for _, m := range []*models.Message{user, assistant} {
		m.ConversationID = conversationID
		var chunkIDs any
		if m.ChunkIDs != nil {
			raw, err := json.Marshal(m.ChunkIDs)
			if err != nil {
				return apperrors.Persistence("append messages", err)
			}
			chunkIDs = string(raw)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, chunk_ids, provider_message_id, token_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID.String(), conversationID.String(), string(m.Role), m.Content, chunkIDs, m.ProviderMessageID,
			m.TokenCount, m.CreatedAt)
		if err != nil {
			return apperrors.Persistence("append messages", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Persistence("append messages", err)
	}
	return nil
}

func (s *SQLiteStore) EndConversation(ctx context.Context, id uuid.UUID, feedback models.Feedback, end bool) (*models.Conversation, error) {
	now := time.Now().UTC()
	query := `UPDATE conversations SET feedback = ?, updated_at = ? WHERE id = ?`
	args := []any{string(feedback), now, id.String()}
	if end {
		query = `UPDATE conversations SET feedback = ?, updated_at = ?, ended_at = COALESCE(ended_at, ?) WHERE id = ?`
		args = []any{string(feedback), now, now, id.String()}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Persistence("end conversation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.NotFound("conversation")
	}
	return s.GetConversation(ctx, id)
}

func (s *SQLiteStore) GetGuardrailSetting(ctx context.Context, key string) (*models.GuardrailSetting, error) {
	var (
		setting models.GuardrailSetting
		value   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, description, updated_by, updated_at FROM guardrail_settings WHERE key = ?`, key).
		Scan(&setting.Key, &value, &setting.Description, &setting.UpdatedBy, &setting.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("guardrail setting")
	}
	if err != nil {
		return nil, apperrors.Persistence("get guardrail setting", err)
	}
	setting.Value = json.RawMessage(value)
	return &setting, nil
}

func (s *SQLiteStore) PutGuardrailSetting(ctx context.Context, setting *models.GuardrailSetting) error {
	if setting.UpdatedAt.IsZero() {
		setting.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guardrail_settings (key, value, description, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = excluded.description,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		setting.Key, string(setting.Value), setting.Description, setting.UpdatedBy, setting.UpdatedAt)
	if err != nil {
		return apperrors.Persistence("save guardrail setting", err)
	}
	return nil
}

func (s *SQLiteStore) ListGuardrailSettings(ctx context.Context) ([]models.GuardrailSetting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, description, updated_by, updated_at FROM guardrail_settings ORDER BY key`)
	if err != nil {
		return nil, apperrors.Persistence("list guardrail settings", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]models.GuardrailSetting, 0)
	for rows.Next() {
		var (
			setting models.GuardrailSetting
			value   string
		)
		if err := rows.Scan(&setting.Key, &value, &setting.Description, &setting.UpdatedBy, &setting.UpdatedAt); err != nil {
			return nil, apperrors.Persistence("list guardrail settings", err)
		}
		setting.Value = json.RawMessage(value)
		out = append(out, setting)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence("list guardrail settings", err)
	}
	return out, nil
}
