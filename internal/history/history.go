// Package history persists conversation transcripts keyed by conversation id.
//
// Persistence is best-effort and fully detached from the request path: the
// gateway enqueues a snapshot through Writer and moves on. Each save replaces
// the previous snapshot for the conversation, so re-saving after every turn
// is idempotent.
package history

import (
	"context"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

// Store persists one conversation snapshot.
//
// Save overwrites any previous snapshot under conversationID. Messages are
// written in order and must not be mutated by the store.
type Store interface {
	Save(ctx context.Context, conversationID string, messages []providers.Message) error
}
