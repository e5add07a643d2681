// Package sse codecs individual Server-Sent-Event data lines to and from
// structured stream chunks.
//
// Only the "data:" line format of the OpenAI streaming protocol is handled;
// event/id/retry fields do not occur on this wire. Lines that carry no
// decodable chunk — blank keep-alives, the terminal sentinel, malformed
// payloads — are reported as non-decodable so callers can pass them through
// untouched.
package sse

import (
	"encoding/json"
	"strings"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

const prefix = "data: "

// Done is the terminal sentinel line of an OpenAI-compatible stream.
const Done = "data: [DONE]"

// Decode parses one raw line into a stream chunk. The second return value is
// false when the line carries no chunk (blank line, [DONE], non-data line,
// or undecodable JSON) — such lines must be forwarded unchanged.
func Decode(line string) (*providers.StreamChunk, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, prefix) {
		return nil, false
	}
	payload := line[len(prefix):]
	if payload == "[DONE]" {
		return nil, false
	}
	var chunk providers.StreamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return nil, false
	}
	return &chunk, true
}

// Encode renders a chunk as a raw "data:" line (without the blank-line
// terminator — the transport adds it).
func Encode(chunk *providers.StreamChunk) (string, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return "", err
	}
	return prefix + string(data), nil
}
