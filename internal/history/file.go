package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

// FileStore writes one JSON file per conversation under a base directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the base directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: mkdir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Save implements Store. The snapshot is written to a temp file and renamed
// into place so readers never observe a partial transcript.
func (s *FileStore) Save(_ context.Context, conversationID string, messages []providers.Message) error {
	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal %s: %w", conversationID, err)
	}

	final := filepath.Join(s.dir, conversationID+".json")

	tmp, err := os.CreateTemp(s.dir, conversationID+".*.tmp")
	if err != nil {
		return fmt.Errorf("history: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("history: write %s: %w", conversationID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("history: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("history: rename %s: %w", conversationID, err)
	}
	return nil
}

// Load reads a snapshot back. Used by tests and offline tooling.
func (s *FileStore) Load(conversationID string) ([]providers.Message, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, conversationID+".json"))
	if err != nil {
		return nil, fmt.Errorf("history: read %s: %w", conversationID, err)
	}
	var messages []providers.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("history: decode %s: %w", conversationID, err)
	}
	return messages, nil
}
