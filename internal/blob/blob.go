// Package blob keeps the raw bytes of uploaded documents.
package blob

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	apperrors "rag-chatbot/internal/errors"
)

// Store persists uploaded files by key.
type Store interface {
	// Put writes data under key and returns the storage path recorded on the document.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// DocumentKey is the key an uploaded file is stored under.
func DocumentKey(documentID uuid.UUID, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return fmt.Sprintf("documents/%s/%s", documentID, name)
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", apperrors.InvalidInput("blob key is empty")
	}
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(key, "/") {
		return "", apperrors.InvalidInput(fmt.Sprintf("invalid blob key %q", key))
	}
	return cleaned, nil
}
