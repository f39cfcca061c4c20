package upstream

import "strings"

// Provider is the closed set of upstream backends the relay can dispatch to.
type Provider int

const (
	ProviderUnknown Provider = iota
	ProviderOpenAI
	ProviderDeepSeek
)

func (p Provider) String() string {
	switch p {
	case ProviderOpenAI:
		return "openai"
	case ProviderDeepSeek:
		return "deepseek"
	default:
		return "unknown"
	}
}

// ParseProvider maps a configuration key to a Provider.
func ParseProvider(s string) Provider {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return ProviderOpenAI
	case "deepseek":
		return ProviderDeepSeek
	default:
		return ProviderUnknown
	}
}

const deepSeekPrefix = "deepseek"

// Classify selects the provider for a model name. Names starting with "deepseek" go to DeepSeek,
// any other non-empty name goes to OpenAI.
func Classify(model string) Provider {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case m == "":
		return ProviderUnknown
	case strings.HasPrefix(m, deepSeekPrefix):
		return ProviderDeepSeek
	default:
		return ProviderOpenAI
	}
}
