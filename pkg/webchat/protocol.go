package webchat

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Client-visible protocol error texts.
const (
	ErrMsgInvalidFormat   = "Invalid message format"
	ErrMsgMessageRequired = "message is required"
)

// ProtocolError is a malformed or incomplete client frame. It is reported to the client and never closes the connection.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Request is one client frame.
type Request struct {
	Message       string `json:"message"`
	Model         string `json:"model"`
	ChatSessionID *int64 `json:"chatSessionId,omitempty"`
	Token         string `json:"token,omitempty"`
}

// ConversationID returns the referenced conversation, or 0 when none was named.
func (r Request) ConversationID() int64 {
	if r.ChatSessionID == nil || *r.ChatSessionID <= 0 {
		return 0
	}
	return *r.ChatSessionID
}

// ParseRequest decodes a client frame. A missing model falls back to defaultModel.
func ParseRequest(data []byte, defaultModel string) (Request, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Request{}, &ProtocolError{Msg: ErrMsgInvalidFormat}
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, &ProtocolError{Msg: ErrMsgInvalidFormat, Err: err}
	}
	if strings.TrimSpace(req.Message) == "" {
		return Request{}, &ProtocolError{Msg: ErrMsgMessageRequired}
	}
	req.Model = strings.TrimSpace(req.Model)
	if req.Model == "" {
		req.Model = defaultModel
	}
	req.Token = strings.TrimSpace(req.Token)
	return req, nil
}

type EventType string

const (
	EventStart EventType = "start"
	EventChunk EventType = "chunk"
	EventEnd   EventType = "end"
	EventError EventType = "error"
)

// Event is one server frame.
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
	Error   string    `json:"error,omitempty"`
}

func StartEvent() Event               { return Event{Type: EventStart} }
func ChunkEvent(content string) Event { return Event{Type: EventChunk, Content: content} }
func EndEvent() Event                 { return Event{Type: EventEnd} }

func ErrorEvent(err error) Event {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		msg = pe.Msg
	}
	return Event{Type: EventError, Error: msg}
}

// MarshalJSON keeps "content" on chunk events even when the fragment is empty.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Type == EventChunk {
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Content string    `json:"content"`
		}{e.Type, e.Content})
	}
	type plain Event
	return json.Marshal(plain(e))
}
