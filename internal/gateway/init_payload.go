package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidInit rejects a malformed session initiation message. The
// session never starts its producer or consumer after this.
var ErrInvalidInit = errors.New("invalid session init payload")

// InitPayload is the session initiation message sent by the backend
// before any agent output flows.
type InitPayload struct {
	Type            string          `json:"type"`
	UserID          int64           `json:"user_id"`
	SessionID       string          `json:"session_id"`
	AICharacterName string          `json:"ai_character_name"`
	Source          string          `json:"source"`
	TTSSettings     json.RawMessage `json:"tts_settings"`
	ClaudeSessionID string          `json:"claude_session_id"`
}

// ParseInitPayload decodes and validates an initiation message.
func ParseInitPayload(data []byte) (*InitPayload, error) {
	var payload InitPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInit, err)
	}
	if payload.Type != "init" {
		return nil, fmt.Errorf("%w: type %q, want init", ErrInvalidInit, payload.Type)
	}
	if payload.UserID <= 0 {
		return nil, fmt.Errorf("%w: missing user_id", ErrInvalidInit)
	}
	if strings.TrimSpace(payload.SessionID) == "" {
		return nil, fmt.Errorf("%w: missing session_id", ErrInvalidInit)
	}
	if strings.TrimSpace(payload.AICharacterName) == "" {
		return nil, fmt.Errorf("%w: missing ai_character_name", ErrInvalidInit)
	}
	return &payload, nil
}
