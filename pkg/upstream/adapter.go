// Package upstream wraps the streaming chat completion APIs of the supported providers
// behind a single DeltaStream abstraction.
package upstream

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/chatrelay/pkg/chat"
)

const (
	DefaultTimeout     = 2 * time.Minute
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000

	DefaultOpenAIBaseURL   = "https://api.openai.com/v1"
	DefaultDeepSeekBaseURL = "https://api.deepseek.com/v1"
)

type ProviderConfig struct {
	APIKey       string
	BaseURL      string
	SystemPrompt string
}

type Config struct {
	Providers   map[Provider]ProviderConfig
	Timeout     time.Duration
	Temperature float32
	MaxTokens   int
	HTTPClient  *http.Client
}

type providerClient struct {
	client       *openai.Client
	systemPrompt string
}

// Adapter dispatches chat completions to the provider selected by the model name.
// Credentials live on the adapter instance only.
type Adapter struct {
	clients     map[Provider]providerClient
	timeout     time.Duration
	temperature float32
	maxTokens   int
}

func New(cfg Config) (*Adapter, error) {
	a := &Adapter{
		clients:     map[Provider]providerClient{},
		timeout:     cfg.Timeout,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
	if a.timeout <= 0 {
		a.timeout = DefaultTimeout
	}
	for p, pc := range cfg.Providers {
		if p == ProviderUnknown {
			return nil, errors.New("upstream: cannot configure unknown provider")
		}
		if strings.TrimSpace(pc.APIKey) == "" {
			log.Warn().Str("component", "upstream").Str("provider", p.String()).Msg("no api key configured, requests for this provider will fail")
			continue
		}
		oc := openai.DefaultConfig(pc.APIKey)
		oc.BaseURL = baseURLFor(p, pc.BaseURL)
		if cfg.HTTPClient != nil {
			oc.HTTPClient = cfg.HTTPClient
		}
		a.clients[p] = providerClient{
			client:       openai.NewClientWithConfig(oc),
			systemPrompt: strings.TrimSpace(pc.SystemPrompt),
		}
	}
	return a, nil
}

func baseURLFor(p Provider, configured string) string {
	if u := strings.TrimRight(strings.TrimSpace(configured), "/"); u != "" {
		return u
	}
	if p == ProviderDeepSeek {
		return DefaultDeepSeekBaseURL
	}
	return DefaultOpenAIBaseURL
}

// Configured reports whether requests for model can be dispatched.
func (a *Adapter) Configured(model string) bool {
	if a == nil {
		return false
	}
	_, ok := a.clients[Classify(model)]
	return ok
}

// Stream issues one streaming completion call. It never retries.
func (a *Adapter) Stream(ctx context.Context, msgs []chat.Message, model string) (DeltaStream, error) {
	provider := Classify(model)
	if len(msgs) == 0 {
		return nil, &Error{Provider: provider, Model: model, Err: ErrEmptyContext}
	}
	if provider == ProviderUnknown {
		return nil, &Error{Provider: provider, Model: model, Err: errors.Wrapf(ErrUnsupportedModel, "model %q", model)}
	}
	pc, ok := a.clients[provider]
	if !ok {
		return nil, &Error{Provider: provider, Model: model, Err: errors.Wrap(ErrProviderNotConfigured, provider.String())}
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(pc.systemPrompt, msgs),
		Stream:      true,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	s, err := pc.client.CreateChatCompletionStream(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = errors.Wrap(ErrTimeout, err.Error())
		}
		cancel()
		return nil, &Error{Provider: provider, Model: model, Err: err}
	}
	log.Debug().Str("component", "upstream").Str("provider", provider.String()).Str("model", model).Int("messages", len(req.Messages)).Msg("upstream stream opened")
	return &openAIStream{
		ctx:      callCtx,
		stream:   s,
		cancel:   cancel,
		provider: provider,
		model:    model,
	}, nil
}

func toOpenAIMessages(systemPrompt string, msgs []chat.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
