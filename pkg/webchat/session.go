package webchat

import (
	"github.com/go-go-golems/chatrelay/pkg/chat"
	"github.com/go-go-golems/chatrelay/pkg/chatcontext"
)

// ConnectionSession is the state owned by one connection: the connect-time principal and the
// transcript of completed exchanges. It is discarded when the connection closes.
type ConnectionSession struct {
	ID         string
	Principal  *chat.Principal
	Transcript *chatcontext.Transcript
}

func NewConnectionSession(id string, transcriptLimit int) *ConnectionSession {
	return &ConnectionSession{ID: id, Transcript: chatcontext.NewTranscript(transcriptLimit)}
}

func (s *ConnectionSession) Authenticated() bool {
	return s != nil && s.Principal != nil
}

func (s *ConnectionSession) discard() {
	if s == nil {
		return
	}
	s.Transcript.Reset()
	s.Principal = nil
}
