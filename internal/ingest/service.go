// Package ingest uploads documents and indexes their chunks for retrieval.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"rag-chatbot/internal/blob"
	"rag-chatbot/internal/chunker"
	"rag-chatbot/internal/embeddings"
	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/extract"
	"rag-chatbot/internal/models"
	"rag-chatbot/internal/storage"
)

const (
	DefaultConcurrency = 4
	DefaultBatchSize   = 16
	// MaxUploadBytes bounds a single upload.
	MaxUploadBytes = 20 << 20
)

// TextExtractor turns raw file bytes into text.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, fileType string) (string, error)
}

// UploadRequest is one document upload.
type UploadRequest struct {
	Title      string
	FileName   string
	Data       []byte
	FileType   string
	Topic      string
	UploadedBy string
}

// Service runs extraction, chunking and embedding for uploads and reprocessing.
type Service struct {
	store     storage.DocumentStore
	blobs     blob.Store
	extractor TextExtractor
	chunker   *chunker.Chunker
	embedder  embeddings.Embedder
	logger    *slog.Logger

	concurrency int
	batchSize   int
}

// Option configures the service.
type Option func(*Service)

// WithConcurrency bounds how many embedding batches run at once.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithBatchSize sets how many chunks go into one embedding request.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func NewService(
	store storage.DocumentStore,
	blobs blob.Store,
	extractor TextExtractor,
	chunks *chunker.Chunker,
	embedder embeddings.Embedder,
	logger *slog.Logger,
	opts ...Option,
) (*Service, error) {
	if err := chunks.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		store:       store,
		blobs:       blobs,
		extractor:   extractor,
		chunker:     chunks,
		embedder:    embedder,
		logger:      logger.With("component", "ingest"),
		concurrency: DefaultConcurrency,
		batchSize:   DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// UploadAndIndexDocument stores the raw file, extracts its text and persists the document
// together with its embedded chunks. The stored file is removed again if indexing fails.
func (s *Service) UploadAndIndexDocument(ctx context.Context, req UploadRequest) (*models.Document, error) {
	if len(req.Data) == 0 {
		return nil, apperrors.InvalidInput("file is empty")
	}
	if len(req.Data) > MaxUploadBytes {
		return nil, apperrors.InvalidInput(fmt.Sprintf("file exceeds %d bytes", MaxUploadBytes))
	}
	fileType, err := extract.NormalizeFileType(req.FileType, req.FileName)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = strings.TrimSpace(req.FileName)
	}
	if title == "" {
		return nil, apperrors.InvalidInput("title is required")
	}

	started := time.Now()
	doc := models.NewDocument(title, fileType, strings.TrimSpace(req.Topic))
	doc.UploadedBy = req.UploadedBy
	doc.SizeBytes = int64(len(req.Data))
	doc.StoragePath = blob.DocumentKey(doc.ID, req.FileName)

	text, err := s.extractor.Extract(ctx, req.Data, fileType)
	if err != nil {
		return nil, err
	}
	doc.Text = text

	chunks, err := s.buildChunks(ctx, text)
	if err != nil {
		return nil, err
	}

	location, err := s.blobs.Put(ctx, doc.StoragePath, req.Data, extract.ContentType(fileType))
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateDocument(ctx, doc, chunks); err != nil {
		s.removeBlob(doc.StoragePath)
		return nil, err
	}

	s.logger.Info("document indexed",
		"document_id", doc.ID,
		"file_type", fileType,
		"chunks", len(chunks),
		"location", location,
		"duration", time.Since(started),
	)
	return doc, nil
}

// ReprocessDocument replaces every chunk of a document. An empty newText re-extracts the
// stored file.
func (s *Service) ReprocessDocument(ctx context.Context, documentID uuid.UUID, newText string) ([]models.Chunk, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	text := extract.Sanitize(newText)
	if text == "" {
		data, err := s.blobs.Get(ctx, doc.StoragePath)
		if err != nil {
			return nil, err
		}
		text, err = s.extractor.Extract(ctx, data, doc.FileType)
		if err != nil {
			return nil, err
		}
	}

	chunks, err := s.buildChunks(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := s.store.ReplaceChunks(ctx, documentID, text, chunks); err != nil {
		return nil, err
	}

	s.logger.Info("document reprocessed", "document_id", documentID, "chunks", len(chunks))
	return chunks, nil
}

// DeleteDocument removes the document with its chunks, then its stored file.
func (s *Service) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	s.removeBlob(doc.StoragePath)
	return nil
}

func (s *Service) removeBlob(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to remove stored file", "key", key, "error", err)
	}
}

// buildChunks splits text and embeds every chunk.
func (s *Service) buildChunks(ctx context.Context, text string) ([]models.Chunk, error) {
	segments, err := s.chunker.Split(text)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, apperrors.InvalidInput("document contains no extractable text")
	}

	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Text
	}
	vectors, err := s.embedAll(ctx, texts)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	chunks := make([]models.Chunk, len(segments))
	for i, seg := range segments {
		chunks[i] = models.Chunk{
			ID:         uuid.New(),
			Index:      i,
			Content:    seg.Text,
			Embedding:  vectors[i],
			TokenCount: models.EstimateTokens(seg.Text),
			Metadata:   models.ChunkMetadata{Position: i, Total: len(segments)},
			CreatedAt:  now,
		}
	}
	return chunks, nil
}

// embedAll sends batches concurrently and keeps the input order.
func (s *Service) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	want := s.embedder.Dimensions()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for start := 0; start < len(texts); start += s.batchSize {
		end := min(start+s.batchSize, len(texts))
		g.Go(func() error {
			batch, err := s.embedder.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			if len(batch) != end-start {
				return apperrors.Provider(s.embedder.ModelName(),
					fmt.Errorf("got %d embeddings for %d texts", len(batch), end-start))
			}
			for i, vec := range batch {
				if want > 0 && len(vec) != want {
					return apperrors.Provider(s.embedder.ModelName(),
						fmt.Errorf("embedding has %d dimensions, want %d", len(vec), want))
				}
				vectors[start+i] = vec
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}
