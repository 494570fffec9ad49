package chat

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Entry is one prompt/response turn together with its accounting metadata.
// The history store round-trips entries as opaque JSON payloads and never
// interprets their contents.
type Entry struct {
	Prompt          string            `json:"prompt"`
	Response        string            `json:"response"`
	DisplayResponse string            `json:"display_response,omitempty"`
	Tokens          int               `json:"tokens"`
	RawResult       json.RawMessage   `json:"raw_result,omitempty"`
	ToolResults     []json.RawMessage `json:"tool_results,omitempty"`
}

// DecodeEntry parses a stored entry payload. An empty display response falls
// back to the plain response so older payloads keep rendering.
func DecodeEntry(payload []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return Entry{}, errors.Wrap(err, "chat: decode entry payload")
	}
	if e.DisplayResponse == "" {
		e.DisplayResponse = e.Response
	}
	return e, nil
}

// EncodeEntry serializes an entry into its storage payload.
func EncodeEntry(e Entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "chat: encode entry payload")
	}
	return b, nil
}
