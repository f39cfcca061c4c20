package upstream

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// DeltaStream is a lazy, finite sequence of reply fragments.
// Recv returns io.EOF once the provider signals completion and an *Error on failure.
// Close abandons the outbound call; it is safe to call more than once.
type DeltaStream interface {
	Recv() (string, error)
	Close() error
}

type openAIStream struct {
	ctx      context.Context
	stream   *openai.ChatCompletionStream
	cancel   context.CancelFunc
	provider Provider
	model    string

	closeOnce sync.Once
	closeErr  error
	done      bool
}

var _ DeltaStream = &openAIStream{}

func (s *openAIStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return "", io.EOF
		}
		if err != nil {
			s.done = true
			return "", s.wrap(err)
		}
		var delta string
		for _, choice := range resp.Choices {
			delta += choice.Delta.Content
		}
		if delta == "" {
			continue
		}
		return delta, nil
	}
}

func (s *openAIStream) wrap(err error) error {
	if errors.Is(s.ctx.Err(), context.DeadlineExceeded) {
		err = errors.Wrap(ErrTimeout, err.Error())
	}
	return &Error{Provider: s.provider, Model: s.model, Err: err}
}

func (s *openAIStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.stream.Close()
		s.cancel()
	})
	return s.closeErr
}
