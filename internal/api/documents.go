package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"rag-chatbot/internal/auth"
	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/ingest"
	"rag-chatbot/internal/models"
)

const (
	maxSearchTopK   = 50
	maxJSONBodySize = 1 << 20
	multipartMemory = 8 << 20
)

func (s *Server) uploadDocument(w http.ResponseWriter, r *http.Request) {
	// Leave room for the multipart framing around the file.
	r.Body = http.MaxBytesReader(w, r.Body, ingest.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.errors.HandleValidationError(w, r, apperrors.InvalidInput("file exceeds the maximum upload size"))
			return
		}
		s.errors.HandleValidationError(w, r, apperrors.InvalidInput("invalid multipart form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.errors.HandleValidationError(w, r, apperrors.InvalidInput("file is required"))
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, ingest.MaxUploadBytes+1))
	if err != nil {
		s.errors.HandleValidationError(w, r, apperrors.InvalidInput("could not read the uploaded file"))
		return
	}

	fileType := r.FormValue("file_type")
	if fileType == "" {
		fileType = partType(header.Header.Get("Content-Type"))
	}

	doc, err := s.ingest.UploadAndIndexDocument(r.Context(), ingest.UploadRequest{
		Title:      r.FormValue("title"),
		FileName:   header.Filename,
		Data:       data,
		FileType:   fileType,
		Topic:      r.FormValue("topic"),
		UploadedBy: auth.GetUserFromContext(r.Context()),
	})
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	s.writer.WriteCreated(w, r, "/documents/"+doc.ID.String(), doc)
}

// partType returns the media type of a multipart file part. Generic binary types are
// dropped so the file extension decides.
func partType(header string) string {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil || mediaType == "application/octet-stream" {
		return ""
	}
	return mediaType
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListDocuments(r.Context())
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	s.writer.Write(w, r, &models.DocumentListResponse{Documents: docs, Count: len(docs)})
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	s.writer.Write(w, r, doc)
}

func (s *Server) reprocessDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	// An empty body re-extracts the stored file.
	var req models.ReprocessRequest
	if r.ContentLength != 0 {
		if !s.decodeJSON(w, r, &req) {
			return
		}
	}

	chunks, err := s.ingest.ReprocessDocument(r.Context(), id, req.Text)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	s.writer.Write(w, r, &models.ReprocessResponse{DocumentID: id, Chunks: len(chunks)})
}

func (s *Server) updateDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req models.DocumentUpdateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Active == nil && req.Topic == nil {
		s.errors.HandleValidationError(w, r, apperrors.InvalidInput("nothing to update"))
		return
	}
	if req.Topic != nil {
		topic := strings.TrimSpace(*req.Topic)
		req.Topic = &topic
	}

	doc, err := s.store.UpdateDocument(r.Context(), id, req.Active, req.Topic)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	s.logger.Info("document updated", "document_id", id, "by", auth.GetUserFromContext(r.Context()))
	s.writer.Write(w, r, doc)
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.ingest.DeleteDocument(r.Context(), id); err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.errors.HandleValidationError(w, r, apperrors.InvalidInput("query is required"))
		return
	}
	if req.TopK <= 0 {
		req.TopK = s.cfg.RAG.TopK
	}
	if req.TopK > maxSearchTopK {
		req.TopK = maxSearchTopK
	}

	items, err := s.retriever.RetrieveContext(r.Context(), req.Query, req.TopK, strings.TrimSpace(req.Topic))
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	if items == nil {
		items = []models.ContextItem{}
	}
	s.writer.Write(w, r, &models.SearchResponse{Items: items, Count: len(items)})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.errors.HandleValidationError(w, r, apperrors.InvalidInput("invalid id"))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.errors.HandleValidationError(w, r, apperrors.InvalidInput("invalid request body: "+err.Error()))
		return false
	}
	return true
}
