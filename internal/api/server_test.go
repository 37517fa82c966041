package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"rag-chatbot/internal/auth"
	"rag-chatbot/internal/blob"
	"rag-chatbot/internal/chat"
	"rag-chatbot/internal/chunker"
	"rag-chatbot/internal/config"
	"rag-chatbot/internal/embeddings/embeddingstest"
	"rag-chatbot/internal/extract"
	"rag-chatbot/internal/guardrails"
	"rag-chatbot/internal/ingest"
	"rag-chatbot/internal/llm/llmtest"
	"rag-chatbot/internal/logging"
	"rag-chatbot/internal/models"
	"rag-chatbot/internal/permissions"
	"rag-chatbot/internal/retrieval"
	"rag-chatbot/internal/storage"
)

const testDims = 64

type testEnv struct {
	server    *Server
	store     *storage.MemoryStore
	embedder  *embeddingstest.BagOfWords
	completer *llmtest.Completer
	checks    map[string]HealthCheck
}

func createTestServer(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Defaults()
	cfg.Security.AuthMode = "mock"
	cfg.Security.AdminUsers = []string{"admin"}
	cfg.RAG.TopK = 3

	store := storage.NewMemoryStore()
	blobs, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create blob store: %v", err)
	}
	embedder := embeddingstest.New(testDims)
	completer := llmtest.New("We offer GDPR audits.")
	logger := logging.Discard()

	svc, err := ingest.NewService(store, blobs, extract.New(false), chunker.New(), embedder, logger)
	if err != nil {
		t.Fatalf("Failed to create ingest service: %v", err)
	}
	retriever := retrieval.NewRetriever(embedder, store, logger)
	engine := guardrails.NewEngine(guardrails.NewMemoryRateLimitStore(), logger)
	orch := chat.NewOrchestrator(store, engine, retriever, completer, chat.Config{TopK: 3, HistoryMessages: 6}, logger)

	env := &testEnv{
		store:     store,
		embedder:  embedder,
		completer: completer,
		checks:    map[string]HealthCheck{},
	}
	env.server = NewServer(Dependencies{
		Config:      cfg,
		Store:       store,
		Ingest:      svc,
		Chat:        orch,
		Retriever:   retriever,
		Permissions: permissions.NewPermissionService(cfg.Security.AdminUsers),
		Checks:      env.checks,
		Logger:      logger,
	})
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func createAuthenticatedRequest(method, url string, body []byte, username string) *http.Request {
	req := httptest.NewRequest(method, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if username != "" {
		req.Header.Set("Authorization", "Bearer "+username)
	}
	return req
}

func createUploadRequest(t *testing.T, username, fileName, title, topic string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if title != "" {
		_ = mw.WriteField("title", title)
	}
	if topic != "" {
		_ = mw.WriteField("topic", topic)
	}
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("Failed to create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("Failed to write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Failed to close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if username != "" {
		req.Header.Set("Authorization", "Bearer "+username)
	}
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to unmarshal response %q: %v", w.Body.String(), err)
	}
}

func uploadDocument(t *testing.T, env *testEnv, title, content string) models.Document {
	t.Helper()
	w := env.do(createUploadRequest(t, "admin", strings.ToLower(title)+".txt", title, "services", []byte(content)))
	if w.Code != http.StatusCreated {
		t.Fatalf("Failed to upload document: status %d body %s", w.Code, w.Body.String())
	}
	var doc models.Document
	decode(t, w, &doc)
	return doc
}

func TestHealthCheck(t *testing.T) {
	env := createTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var response models.HealthResponse
	decode(t, w, &response)
	if response.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got %q", response.Status)
	}
	if response.Services != nil {
		t.Errorf("Expected no service details without deep=1, got %v", response.Services)
	}
}

func TestHealthCheckDeep(t *testing.T) {
	env := createTestServer(t)
	env.checks["embeddings"] = func(context.Context) error { return nil }
	env.checks["redis"] = func(context.Context) error { return errors.New("connection refused") }

	w := env.do(httptest.NewRequest(http.MethodGet, "/health?deep=1", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	var response models.HealthResponse
	decode(t, w, &response)
	if response.Status != "degraded" {
		t.Errorf("Expected status 'degraded', got %q", response.Status)
	}
	want := map[string]string{"database": "ok", "embeddings": "ok", "redis": "unavailable"}
	for name, status := range want {
		if response.Services[name] != status {
			t.Errorf("Expected %s to be %q, got %q", name, status, response.Services[name])
		}
	}
}

func TestHealthCheckInvalidMethod(t *testing.T) {
	env := createTestServer(t)

	w := env.do(httptest.NewRequest(http.MethodPost, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}

func TestUploadDocumentSuccess(t *testing.T) {
	env := createTestServer(t)

	doc := uploadDocument(t, env, "Services", "We run GDPR audits for data protection compliance.")
	if doc.ID == uuid.Nil {
		t.Fatal("Expected document id to be set")
	}
	if doc.ChunkCount != 1 {
		t.Errorf("Expected 1 chunk, got %d", doc.ChunkCount)
	}
	if doc.UploadedBy != "admin" {
		t.Errorf("Expected uploaded_by 'admin', got %q", doc.UploadedBy)
	}
	if doc.Topic != "services" {
		t.Errorf("Expected topic 'services', got %q", doc.Topic)
	}

	chunks, err := env.store.ListChunks(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("Failed to list chunks: %v", err)
	}
	if len(chunks) != 1 || len(chunks[0].Embedding) != testDims {
		t.Errorf("Expected one embedded chunk, got %d", len(chunks))
	}
}

func TestUploadDocumentRequiresAdmin(t *testing.T) {
	env := createTestServer(t)
	content := []byte("some text")

	w := env.do(createUploadRequest(t, "", "a.txt", "A", "", content))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d for guests, got %d", http.StatusUnauthorized, w.Code)
	}

	w = env.do(createUploadRequest(t, "alice", "a.txt", "A", "", content))
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d for non-admins, got %d", http.StatusForbidden, w.Code)
	}
}

func TestUploadDocumentInvalid(t *testing.T) {
	env := createTestServer(t)

	tests := []struct {
		name     string
		fileName string
		content  []byte
	}{
		{"empty file", "a.txt", nil},
		{"unsupported type", "a.exe", []byte("MZ")},
		{"invalid utf8", "a.txt", []byte{0xff, 0xfe, 0xfd}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(createUploadRequest(t, "admin", tt.fileName, "A", "", tt.content))
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status %d, got %d: %s", http.StatusBadRequest, w.Code, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/documents", strings.NewReader("not multipart"))
	req.Header.Set("Authorization", "Bearer admin")
	req.Header.Set("Content-Type", "text/plain")
	if w := env.do(req); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for a non-multipart body, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestUploadDocumentEmbeddingError(t *testing.T) {
	env := createTestServer(t)
	env.embedder.SetShouldFail(true)

	w := env.do(createUploadRequest(t, "admin", "a.txt", "A", "", []byte("some text")))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	docs, _ := env.store.ListDocuments(context.Background())
	if len(docs) != 0 {
		t.Errorf("Expected no documents after a failed upload, got %d", len(docs))
	}
}

func TestUploadDocumentStoreError(t *testing.T) {
	env := createTestServer(t)
	env.store.SetFailWrites(true)

	w := env.do(createUploadRequest(t, "admin", "a.txt", "A", "", []byte("some text")))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestListAndGetDocuments(t *testing.T) {
	env := createTestServer(t)
	first := uploadDocument(t, env, "First", "GDPR audits.")
	uploadDocument(t, env, "Second", "Pricing for small teams.")

	w := env.do(createAuthenticatedRequest(http.MethodGet, "/documents", nil, ""))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d without auth, got %d", http.StatusUnauthorized, w.Code)
	}

	w = env.do(createAuthenticatedRequest(http.MethodGet, "/documents", nil, "alice"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var list models.DocumentListResponse
	decode(t, w, &list)
	if list.Count != 2 || len(list.Documents) != 2 {
		t.Errorf("Expected 2 documents, got %d", list.Count)
	}

	w = env.do(createAuthenticatedRequest(http.MethodGet, "/documents/"+first.ID.String(), nil, "alice"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var doc models.Document
	decode(t, w, &doc)
	if doc.Title != "First" {
		t.Errorf("Expected title 'First', got %q", doc.Title)
	}

	w = env.do(createAuthenticatedRequest(http.MethodGet, "/documents/"+uuid.NewString(), nil, "alice"))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d for a missing document, got %d", http.StatusNotFound, w.Code)
	}
	w = env.do(createAuthenticatedRequest(http.MethodGet, "/documents/not-a-uuid", nil, "alice"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for a bad id, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestUpdateDocument(t *testing.T) {
	env := createTestServer(t)
	doc := uploadDocument(t, env, "Services", "GDPR audits.")
	url := "/documents/" + doc.ID.String()

	w := env.do(createAuthenticatedRequest(http.MethodPatch, url, []byte(`{"active":false,"topic":" legal "}`), "admin"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var updated models.Document
	decode(t, w, &updated)
	if updated.Active {
		t.Error("Expected document to be inactive")
	}
	if updated.Topic != "legal" {
		t.Errorf("Expected topic 'legal', got %q", updated.Topic)
	}

	w = env.do(createAuthenticatedRequest(http.MethodPatch, url, []byte(`{}`), "admin"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for an empty update, got %d", http.StatusBadRequest, w.Code)
	}
	w = env.do(createAuthenticatedRequest(http.MethodPatch, url, []byte(`{"unknown":1}`), "admin"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for unknown fields, got %d", http.StatusBadRequest, w.Code)
	}
	w = env.do(createAuthenticatedRequest(http.MethodPatch, url, []byte(`{"active":true}`), "alice"))
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d for non-admins, got %d", http.StatusForbidden, w.Code)
	}
}

func TestReprocessDocument(t *testing.T) {
	env := createTestServer(t)
	doc := uploadDocument(t, env, "Services", "GDPR audits.")
	url := "/documents/" + doc.ID.String() + "/reprocess"

	body := []byte(`{"text":"` + strings.Repeat("Updated pricing text. ", 100) + `"}`)
	w := env.do(createAuthenticatedRequest(http.MethodPost, url, body, "admin"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var response models.ReprocessResponse
	decode(t, w, &response)
	if response.DocumentID != doc.ID || response.Chunks < 2 {
		t.Errorf("Unexpected reprocess response %+v", response)
	}

	// Without a body the stored file is extracted again.
	req := httptest.NewRequest(http.MethodPost, url, nil)
	req.Header.Set("Authorization", "Bearer admin")
	w = env.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	decode(t, w, &response)
	if response.Chunks != 1 {
		t.Errorf("Expected 1 chunk after re-extraction, got %d", response.Chunks)
	}

	w = env.do(createAuthenticatedRequest(http.MethodPost, "/documents/"+uuid.NewString()+"/reprocess", []byte(`{"text":"x"}`), "admin"))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d for a missing document, got %d", http.StatusNotFound, w.Code)
	}
}

func TestDeleteDocument(t *testing.T) {
	env := createTestServer(t)
	doc := uploadDocument(t, env, "Services", "GDPR audits.")
	url := "/documents/" + doc.ID.String()

	w := env.do(createAuthenticatedRequest(http.MethodDelete, url, nil, "admin"))
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status %d, got %d", http.StatusNoContent, w.Code)
	}
	w = env.do(createAuthenticatedRequest(http.MethodGet, url, nil, "admin"))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d after delete, got %d", http.StatusNotFound, w.Code)
	}
	w = env.do(createAuthenticatedRequest(http.MethodDelete, url, nil, "admin"))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d for a second delete, got %d", http.StatusNotFound, w.Code)
	}
}

func TestSearch(t *testing.T) {
	env := createTestServer(t)
	uploadDocument(t, env, "Audits", "We run GDPR audits for data protection compliance.")
	uploadDocument(t, env, "Pricing", "Our pricing starts with a fixed fee for small teams.")

	w := env.do(createAuthenticatedRequest(http.MethodPost, "/search", []byte(`{"query":"pricing fee","top_k":1}`), "alice"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var response models.SearchResponse
	decode(t, w, &response)
	if response.Count != 1 {
		t.Fatalf("Expected 1 item, got %d", response.Count)
	}
	if !strings.Contains(response.Items[0].Text, "pricing") {
		t.Errorf("Expected the pricing chunk first, got %q", response.Items[0].Text)
	}

	w = env.do(createAuthenticatedRequest(http.MethodPost, "/search", []byte(`{"query":"  "}`), "alice"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for an empty query, got %d", http.StatusBadRequest, w.Code)
	}
	w = env.do(createAuthenticatedRequest(http.MethodPost, "/search", []byte(`{invalid`), "alice"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for invalid json, got %d", http.StatusBadRequest, w.Code)
	}

	env.embedder.SetShouldFail(true)
	w = env.do(createAuthenticatedRequest(http.MethodPost, "/search", []byte(`{"query":"pricing"}`), "alice"))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d when embedding fails, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestGuardrails(t *testing.T) {
	env := createTestServer(t)

	w := env.do(createAuthenticatedRequest(http.MethodGet, "/guardrails", nil, ""))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	body := []byte(`{"config":{"blacklist":["competitor"],"max_requests_per_hour":5},"description":"launch policy"}`)
	w = env.do(createAuthenticatedRequest(http.MethodPut, "/guardrails", body, "alice"))
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d for non-admins, got %d", http.StatusForbidden, w.Code)
	}

	w = env.do(createAuthenticatedRequest(http.MethodPut, "/guardrails", body, "admin"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	setting, err := env.store.GetGuardrailSetting(context.Background(), models.GuardrailConfigKey)
	if err != nil {
		t.Fatalf("Expected guardrail setting to be stored: %v", err)
	}
	if setting.UpdatedBy != "admin" || setting.Description != "launch policy" {
		t.Errorf("Unexpected setting metadata %+v", setting)
	}

	w = env.do(createAuthenticatedRequest(http.MethodGet, "/guardrails", nil, ""))
	var cfg models.GuardrailConfig
	decode(t, w, &cfg)
	if cfg.MaxRequestsPerHour != 5 || len(cfg.Blacklist) != 1 {
		t.Errorf("Unexpected guardrail config %+v", cfg)
	}

	w = env.do(createAuthenticatedRequest(http.MethodPut, "/guardrails", []byte(`{"config":{"max_requests_per_hour":-1}}`), "admin"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for negative limits, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := createTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", auth.SessionHeader)
	w := env.do(req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Expected allowed origin, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w = env.do(req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no allowed origin for unknown sites, got %q", got)
	}
}
