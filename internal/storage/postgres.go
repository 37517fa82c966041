package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/models"
	"rag-chatbot/internal/storage/migrations"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on PostgreSQL with pgvector.
type PostgresStore struct {
	pool       *pgxpool.Pool
	logger     *slog.Logger
	dimensions int
}

// NewPostgresStore connects to dsn, migrates, and pins the embedding column to dimensions
// with an HNSW cosine index.
func NewPostgresStore(ctx context.Context, dsn string, maxConns, dimensions int, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	s := &PostgresStore{pool: pool, logger: logger, dimensions: dimensions}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if dimensions > 0 {
		if err := s.pinDimensions(ctx, dimensions); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate applies pending schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	list, err := migrations.Postgres()
	if err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return apperrors.Persistence("migrate", err)
	}

	var current int
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return apperrors.Persistence("migrate", err)
	}

	for _, m := range list {
		if m.Version <= current {
			continue
		}
		if err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("migration %s: %w", m.Name, err)
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name)
			return err
		}); err != nil {
			return apperrors.Persistence("migrate", err)
		}
		s.logger.Info("applied migration", "driver", "postgres", "name", m.Name)
	}
	return nil
}

// pinDimensions types the embedding column once so the HNSW index can be built.
func (s *PostgresStore) pinDimensions(ctx context.Context, dimensions int) error {
	var typmod int
	err := s.pool.QueryRow(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = 'chunks'::regclass AND attname = 'embedding'`).Scan(&typmod)
	if err != nil {
		return apperrors.Persistence("inspect embedding column", err)
	}

	switch {
	case typmod == dimensions:
	case typmod <= 0:
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(
			`ALTER TABLE chunks ALTER COLUMN embedding TYPE vector(%d)`, dimensions)); err != nil {
			return apperrors.Persistence("pin embedding dimensions", err)
		}
	default:
		return apperrors.Configuration(fmt.Sprintf(
			"database stores %d-dimensional embeddings, provider produces %d", typmod, dimensions), nil)
	}

	if _, err := s.pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks USING hnsw (embedding vector_cosine_ops)`); err != nil {
		return apperrors.Persistence("create embedding index", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return apperrors.Persistence("ping", err)
	}
	return nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	indexChunks(doc.ID, chunks)
	doc.ChunkCount = len(chunks)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.Persistence("create document", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (id, title, storage_path, file_type, size_bytes, text, topic, active,
			uploaded_by, chunk_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		doc.ID, doc.Title, doc.StoragePath, doc.FileType, doc.SizeBytes, doc.Text, doc.Topic,
		doc.Active, doc.UploadedBy, doc.ChunkCount, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return apperrors.Persistence("create document", err)
	}
	if err := pgInsertChunks(ctx, tx, chunks); err != nil {
		return apperrors.Persistence("create document", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Persistence("create document", err)
	}
	return nil
}

func pgInsertChunks(ctx context.Context, tx pgx.Tx, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for i := range chunks {
		c := &chunks[i]
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("encode chunk metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO chunks (id, document_id, chunk_index, content, embedding, token_count, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5::vector, $6, $7::jsonb, $8)`,
			c.ID, c.DocumentID, c.Index, c.Content, pgvector.NewVector(c.Embedding), c.TokenCount, string(meta), c.CreatedAt)
	}
	return tx.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) ReplaceChunks(ctx context.Context, documentID uuid.UUID, text string, chunks []models.Chunk) error {
	indexChunks(documentID, chunks)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.Persistence("replace chunks", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE documents SET text = $1, chunk_count = $2, updated_at = now() WHERE id = $3`,
		text, len(chunks), documentID)
	if err != nil {
		return apperrors.Persistence("replace chunks", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("document")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return apperrors.Persistence("replace chunks", err)
	}
	if err := pgInsertChunks(ctx, tx, chunks); err != nil {
		return apperrors.Persistence("replace chunks", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Persistence("replace chunks", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanPgDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("document")
	}
	if err != nil {
		return nil, apperrors.Persistence("get document", err)
	}
	return doc, nil
}

func scanPgDocument(row pgx.Row) (*models.Document, error) {
	var doc models.Document
	err := row.Scan(&doc.ID, &doc.Title, &doc.StoragePath, &doc.FileType, &doc.SizeBytes, &doc.Text, &doc.Topic,
		&doc.Active, &doc.UploadedBy, &doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]models.Document, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, apperrors.Persistence("list documents", err)
	}
	defer rows.Close()

	documents := make([]models.Document, 0)
	for rows.Next() {
		doc, err := scanPgDocument(rows)
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

func (s *PostgresStore) UpdateDocument(ctx context.Context, id uuid.UUID, active *bool, topic *string) (*models.Document, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET
			active = COALESCE($1, active),
			topic = COALESCE($2, topic),
			updated_at = now()
		WHERE id = $3`, active, topic, id)
	if err != nil {
		return nil, apperrors.Persistence("update document", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperrors.NotFound("document")
	}
	return s.GetDocument(ctx, id)
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return apperrors.Persistence("delete document", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("document")
	}
	return nil
}

func (s *PostgresStore) ListChunks(ctx context.Context, documentID uuid.UUID) ([]models.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, chunk_index, content, embedding, token_count, metadata, created_at
		FROM chunks WHERE document_id = $1 ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, apperrors.Persistence("list chunks", err)
	}
	defer rows.Close()

	chunks := make([]models.Chunk, 0)
	for rows.Next() {
		var (
			c    models.Chunk
			emb  pgvector.Vector
			meta []byte
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Content, &emb, &c.TokenCount, &meta, &c.CreatedAt); err != nil {
			return nil, apperrors.Persistence("list chunks", err)
		}
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return nil, apperrors.Persistence("list chunks", err)
		}
		c.Embedding = emb.Slice()
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence("list chunks", err)
	}
	return chunks, nil
}

// SimilaritySearch filters in SQL and orders by cosine distance, so no widening is needed.
func (s *PostgresStore) SimilaritySearch(ctx context.Context, query []float32, topK int, topic string) ([]models.SearchResult, error) {
	if topK <= 0 {
		return []models.SearchResult{}, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.document_id, c.chunk_index, c.content, c.token_count, c.metadata, c.created_at,
			1 - (c.embedding <=> $1::vector) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.active AND ($2 = '' OR d.topic = $2)
		ORDER BY c.embedding <=> $1::vector, c.id
		LIMIT $3`,
		pgvector.NewVector(query), topic, topK)
	if err != nil {
		return nil, apperrors.Persistence("similarity search", err)
	}
	defer rows.Close()

	results := make([]models.SearchResult, 0, topK)
	for rows.Next() {
		var (
			c     models.Chunk
			meta  []byte
			score float64
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Content, &c.TokenCount, &meta, &c.CreatedAt, &score); err != nil {
			return nil, apperrors.Persistence("similarity search", err)
		}
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return nil, apperrors.Persistence("similarity search", err)
		}
		results = append(results, models.SearchResult{Chunk: c, DocumentID: c.DocumentID, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence("similarity search", err)
	}
	return rankResults(results, topK), nil
}

func scanPgConversation(row pgx.Row) (*models.Conversation, error) {
	var conv models.Conversation
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.SessionID, &conv.MessageCount, &conv.Feedback,
		&conv.EndedAt, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *PostgresStore) GetOrCreateConversation(ctx context.Context, id *uuid.UUID, userID, sessionID string) (*models.Conversation, error) {
	if id != nil {
		return s.GetConversation(ctx, *id)
	}

	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE user_id = $1 AND session_id = $2 AND ended_at IS NULL ORDER BY created_at DESC LIMIT 1`,
		userID, sessionID)
	conv, err := scanPgConversation(row)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.Persistence("get conversation", err)
	}

	conv = models.NewConversation(userID, sessionID)
	_, err = s.pool.Exec(ctx, `INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, NULL, $6, $7)`,
		conv.ID, conv.UserID, conv.SessionID, conv.MessageCount, string(conv.Feedback), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, apperrors.Persistence("create conversation", err)
	}
	return conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanPgConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("conversation")
	}
	if err != nil {
		return nil, apperrors.Persistence("get conversation", err)
	}
	return conv, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, chunk_ids, provider_message_id, token_count, created_at
		FROM (
			SELECT * FROM messages WHERE conversation_id = $1
			ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq`, conversationID, limitArg)
	if err != nil {
		return nil, apperrors.Persistence("list messages", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var (
			m        models.Message
			chunkIDs []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &chunkIDs, &m.ProviderMessageID,
			&m.TokenCount, &m.CreatedAt); err != nil {
			return nil, apperrors.Persistence("list messages", err)
		}
		if chunkIDs != nil {
			if err := json.Unmarshal(chunkIDs, &m.ChunkIDs); err != nil {
				return nil, apperrors.Persistence("list messages", err)
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence("list messages", err)
	}
	return messages, nil
}

func (s *PostgresStore) AppendExchange(ctx context.Context, conversationID uuid.UUID, user, assistant *models.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.Persistence("append messages", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE conversations SET message_count = message_count + 2, updated_at = now() WHERE id = $1`, conversationID)
	if err != nil {
		return apperrors.Persistence("append messages", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("conversation")
	}

	for _, m := range []*models.Message{user, assistant} {
		m.ConversationID = conversationID
		var chunkIDs *string
		if m.ChunkIDs != nil {
			raw, err := json.Marshal(m.ChunkIDs)
			if err != nil {
				return apperrors.Persistence("append messages", err)
			}
			encoded := string(raw)
			chunkIDs = &encoded
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, chunk_ids, provider_message_id, token_count, created_at)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)`,
			m.ID, conversationID, string(m.Role), m.Content, chunkIDs, m.ProviderMessageID, m.TokenCount, m.CreatedAt); err != nil {
			return apperrors.Persistence("append messages", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.Persistence("append messages", err)
	}
	return nil
}

func (s *PostgresStore) EndConversation(ctx context.Context, id uuid.UUID, feedback models.Feedback, end bool) (*models.Conversation, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET
			feedback = $1,
			updated_at = now(),
			ended_at = CASE WHEN $2 THEN COALESCE(ended_at, now()) ELSE ended_at END
		WHERE id = $3`, string(feedback), end, id)
	if err != nil {
		return nil, apperrors.Persistence("end conversation", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperrors.NotFound("conversation")
	}
	return s.GetConversation(ctx, id)
}

func (s *PostgresStore) GetGuardrailSetting(ctx context.Context, key string) (*models.GuardrailSetting, error) {
	var (
		setting models.GuardrailSetting
		value   []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT key, value, description, updated_by, updated_at FROM guardrail_settings WHERE key = $1`, key).
		Scan(&setting.Key, &value, &setting.Description, &setting.UpdatedBy, &setting.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("guardrail setting")
	}
	if err != nil {
		return nil, apperrors.Persistence("get guardrail setting", err)
	}
	setting.Value = json.RawMessage(value)
	return &setting, nil
}

func (s *PostgresStore) PutGuardrailSetting(ctx context.Context, setting *models.GuardrailSetting) error {
	if setting.UpdatedAt.IsZero() {
		setting.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO guardrail_settings (key, value, description, updated_by, updated_at)
		VALUES ($1, $2::jsonb, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			description = EXCLUDED.description,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at`,
		setting.Key, string(setting.Value), setting.Description, setting.UpdatedBy, setting.UpdatedAt)
	if err != nil {
		return apperrors.Persistence("save guardrail setting", err)
	}
	return nil
}

func (s *PostgresStore) ListGuardrailSettings(ctx context.Context) ([]models.GuardrailSetting, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value, description, updated_by, updated_at FROM guardrail_settings ORDER BY key`)
	if err != nil {
		return nil, apperrors.Persistence("list guardrail settings", err)
	}
	defer rows.Close()

	out := make([]models.GuardrailSetting, 0)
	for rows.Next() {
		var (
			setting models.GuardrailSetting
			value   []byte
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
