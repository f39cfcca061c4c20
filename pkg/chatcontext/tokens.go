package chatcontext

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/weaviate/tiktoken-go"

	"github.com/go-go-golems/chatrelay/pkg/chat"
)

const DefaultEncoding = "cl100k_base"

// TokenCounter estimates the token size of a text.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenCounter(encoding string) (TokenCounter, error) {
	encoding = strings.TrimSpace(encoding)
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, errors.Wrapf(err, "load tiktoken encoding %q", encoding)
	}
	return &tiktokenCounter{enc: enc}, nil
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// per-message framing overhead used by OpenAI chat formats
const messageOverheadTokens = 4

// CountMessages estimates prompt tokens for msgs. A nil counter yields 0.
func CountMessages(counter TokenCounter, msgs []chat.Message) int {
	if counter == nil {
		return 0
	}
	total := 0
	for _, m := range msgs {
		total += messageOverheadTokens + counter.Count(string(m.Role)) + counter.Count(m.Content)
	}
	return total
}
