package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"rag-chatbot/internal/auth"
	"rag-chatbot/internal/models"
)

// E2E tests drive the full router: auth middleware, ingestion, retrieval and chat.

func TestE2E_DocumentLifecycle(t *testing.T) {
	env := createTestServer(t)
	doc := uploadDocument(t, env, "Audits", "We run GDPR audits for data protection compliance.")
	uploadDocument(t, env, "Pricing", "Our pricing starts with a fixed fee for small teams.")

	ask := func(session string) models.ChatResponse {
		t.Helper()
		w := env.do(createAuthenticatedRequest(http.MethodPost, "/chat",
			chatBody(t, models.ChatRequest{SessionID: session, Message: "GDPR audits?", Topic: "services"}), ""))
		if w.Code != http.StatusOK {
			t.Fatalf("Chat failed: status %d body %s", w.Code, w.Body.String())
		}
		var response models.ChatResponse
		decode(t, w, &response)
		return response
	}

	first := ask("e2e-1")
	if len(first.ChunkIDs) != 2 {
		t.Fatalf("Expected both chunks as context, got %d", len(first.ChunkIDs))
	}

	// Deactivated documents drop out of retrieval.
	auditChunks, _ := env.store.ListChunks(context.Background(), doc.ID)
	w := env.do(createAuthenticatedRequest(http.MethodPatch, "/documents/"+doc.ID.String(), []byte(`{"active":false}`), "admin"))
	if w.Code != http.StatusOK {
		t.Fatalf("Failed to deactivate document: status %d", w.Code)
	}
	second := ask("e2e-2")
	if len(second.ChunkIDs) != 1 {
		t.Fatalf("Expected one chunk after deactivation, got %d", len(second.ChunkIDs))
	}
	if second.ChunkIDs[0] == auditChunks[0].ID {
		t.Error("Inactive document chunk was retrieved")
	}

	// Reactivate and reprocess: the old chunk ids disappear.
	w = env.do(createAuthenticatedRequest(http.MethodPatch, "/documents/"+doc.ID.String(), []byte(`{"active":true}`), "admin"))
	if w.Code != http.StatusOK {
		t.Fatalf("Failed to reactivate document: status %d", w.Code)
	}
	before, _ := env.store.ListChunks(context.Background(), doc.ID)
	w = env.do(createAuthenticatedRequest(http.MethodPost, "/documents/"+doc.ID.String()+"/reprocess",
		[]byte(`{"text":"We now also run ISO audits."}`), "admin"))
	if w.Code != http.StatusOK {
		t.Fatalf("Failed to reprocess document: status %d", w.Code)
	}
	after, _ := env.store.ListChunks(context.Background(), doc.ID)
	if len(before) != 1 || len(after) != 1 || before[0].ID == after[0].ID {
		t.Errorf("Expected the chunk to be replaced")
	}
	if !strings.Contains(after[0].Content, "ISO") {
		t.Errorf("Expected the new text to be indexed, got %q", after[0].Content)
	}

	// Deleting removes the document from listings and retrieval.
	w = env.do(createAuthenticatedRequest(http.MethodDelete, "/documents/"+doc.ID.String(), nil, "admin"))
	if w.Code != http.StatusNoContent {
		t.Fatalf("Failed to delete document: status %d", w.Code)
	}
	w = env.do(createAuthenticatedRequest(http.MethodGet, "/documents", nil, "alice"))
	var list models.DocumentListResponse
	decode(t, w, &list)
	if list.Count != 1 || list.Documents[0].Title != "Pricing" {
		t.Errorf("Expected only the pricing document, got %+v", list.Documents)
	}
	third := ask("e2e-3")
	if len(third.ChunkIDs) != 1 {
		t.Errorf("Expected one chunk after delete, got %d", len(third.ChunkIDs))
	}
}

func TestE2E_MultiTurnConversation(t *testing.T) {
	env := createTestServer(t)
	uploadDocument(t, env, "Audits", "We run GDPR audits for data protection compliance.")

	var last *models.ChatResponse
	for i := 0; i < 3; i++ {
		req := models.ChatRequest{SessionID: "multi", Message: fmt.Sprintf("Question %d about audits", i+1)}
		if last != nil {
			id := last.ConversationID
			req.ConversationID = &id
		}
		w := env.do(createAuthenticatedRequest(http.MethodPost, "/chat", chatBody(t, req), "carol"))
		if w.Code != http.StatusOK {
			t.Fatalf("Turn %d failed: status %d body %s", i+1, w.Code, w.Body.String())
		}
		var response models.ChatResponse
		decode(t, w, &response)
		if last != nil && response.ConversationID != last.ConversationID {
			t.Fatalf("Turn %d started a new conversation", i+1)
		}
		last = &response
	}

	requests := env.completer.Requests()
	if len(requests) != 3 {
		t.Fatalf("Expected 3 completion calls, got %d", len(requests))
	}
	// The last call carries the two earlier exchanges and the new question.
	if got := len(requests[2].Messages); got != 5 {
		t.Errorf("Expected 5 messages in the last request, got %d", got)
	}

	w := env.do(createAuthenticatedRequest(http.MethodGet,
		"/conversations/"+last.ConversationID.String()+"/messages?limit=2", nil, "carol"))
	var list models.MessageListResponse
	decode(t, w, &list)
	if list.Count != 2 || !strings.Contains(list.Messages[0].Content, "Question 3") {
		t.Errorf("Expected the last exchange, got %+v", list.Messages)
	}
}

func TestE2E_ConcurrentChat(t *testing.T) {
	env := createTestServer(t)
	uploadDocument(t, env, "Audits", "We run GDPR audits for data protection compliance.")

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	ids := make(chan string, workers)
	body := chatBody(t, models.ChatRequest{Message: "Audits?"})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Half the workers share one session and must end up in one conversation.
			session := fmt.Sprintf("solo-%d", i)
			if i%2 == 0 {
				session = "shared"
			}
			req := createAuthenticatedRequest(http.MethodPost, "/chat", body, "")
			req.Header.Set(auth.SessionHeader, session)
			w := env.do(req)
			if w.Code != http.StatusOK {
				errs <- fmt.Errorf("worker %d: status %d", i, w.Code)
				return
			}
			if session == "shared" {
				var response models.ChatResponse
				if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
					errs <- err
					return
				}
				ids <- response.ConversationID.String()
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	close(ids)

	for err := range errs {
		t.Error(err)
	}
	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("Expected the shared session to use one conversation, got %d", len(seen))
	}
	for id := range seen {
		w := env.do(createAuthenticatedRequest(http.MethodGet, "/conversations/"+id+"/messages", nil, "admin"))
		var list models.MessageListResponse
		decode(t, w, &list)
		if list.Count != workers {
			t.Errorf("Expected %d messages in the shared conversation, got %d", workers, list.Count)
		}
	}
}

func TestE2E_InvalidEndpoints(t *testing.T) {
	env := createTestServer(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/nonexistent", http.StatusNotFound},
		{http.MethodDelete, "/chat", http.StatusMethodNotAllowed},
		{http.MethodGet, "/chat/stream", http.StatusMethodNotAllowed},
		{http.MethodGet, "/conversations/not-a-uuid/messages", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := env.do(createAuthenticatedRequest(tt.method, tt.path, nil, "alice"))
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}
