// Package chatid derives a deterministic conversation identity from the
// immutable opening prefix of a conversation.
//
// Every later turn of the same conversation resubmits the same system prompt,
// leading user turn, and tool declarations, so the derived id is stable
// across turns — usable as a history partition key — yet changes whenever the
// opening prompt or the tool set changes.
package chatid

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

// Derive returns the first 16 hex characters of a SHA-256 digest over a
// canonical serialization of the tool declarations and the truncated message
// list. Truncation keeps only the messages strictly before the first
// assistant turn; a conversation without assistant turns is hashed whole.
func Derive(tools json.RawMessage, messages []providers.Message) string {
	trunc := messages
	for i, m := range messages {
		if m.Role == "assistant" {
			trunc = messages[:i]
			break
		}
	}

	payload := map[string]any{
		"messages": canonicalize(trunc),
		"tools":    canonicalizeRaw(tools),
	}

	// Map keys marshal in sorted order, giving a canonical byte sequence.
	data, err := json.Marshal(payload)
	if err != nil {
		// Only unmarshalable values can fail here, and canonicalize only
		// produces plain JSON values.
		panic("chatid: marshal canonical payload: " + err.Error())
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// canonicalize round-trips v through generic JSON values so that nested
// object keys sort on the final marshal.
func canonicalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		panic("chatid: canonicalize: " + err.Error())
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		panic("chatid: canonicalize: " + err.Error())
	}
	if out == nil {
		return []any{}
	}
	return out
}

// canonicalizeRaw treats absent tool declarations as the empty list, so a
// request without tools hashes identically to one with "tools": [].
func canonicalizeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return []any{}
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return []any{}
	}
	if out == nil {
		return []any{}
	}
	return out
}
