package server

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ClientMessage is the inbound envelope: a type tag plus an opaque payload
// decoded by the matching handler.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ServerMessage is the outbound envelope.
type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ErrorMessage is sent only to the offending sender; the connection stays
// open.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PresenceNotice announces a participant joining or leaving a room. The
// user fields sit at the top level of the envelope, matching the client
// protocol.
type PresenceNotice struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	UserID   int64  `json:"user_id"`
}

// WhisperTarget is the optional addressee of a dice roll or chat message.
// On the wire it is null (public), the string "dm", or a numeric user id.
type WhisperTarget struct {
	ToDM    bool
	UserID  int64
	present bool
}

// Public reports whether the message has no addressee and should be
// broadcast to the whole room.
func (w WhisperTarget) Public() bool {
	return !w.present
}

func (w *WhisperTarget) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*w = WhisperTarget{}
		return nil
	}

	var asString string
	if err := json.Unmarshal(b, &asString); err == nil {
		if asString == "dm" {
			*w = WhisperTarget{ToDM: true, present: true}
			return nil
		}
		id, err := strconv.ParseInt(asString, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid whisper_to target %q", asString)
		}
		*w = WhisperTarget{UserID: id, present: true}
		return nil
	}

	var asID int64
	if err := json.Unmarshal(b, &asID); err != nil {
		return fmt.Errorf("invalid whisper_to target %s", string(b))
	}
	*w = WhisperTarget{UserID: asID, present: true}
	return nil
}

func (w WhisperTarget) MarshalJSON() ([]byte, error) {
	if !w.present {
		return []byte("null"), nil
	}
	if w.ToDM {
		return json.Marshal("dm")
	}
	return json.Marshal(w.UserID)
}
