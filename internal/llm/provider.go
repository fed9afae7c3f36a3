package llm

import (
	"os"
	"strings"
)

// Provider identifies an LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderGroq      Provider = "groq"
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
)

// GroqBaseURL is Groq's OpenAI-compatible API root.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// ParseModelString parses a model string into provider and model name.
//
// Supported formats:
//
//	"groq/llama3-8b-8192"      → (groq, "llama3-8b-8192")
//	"ollama/llama3.2"          → (ollama, "llama3.2")
//	"openai/gpt-4o"            → (openai, "gpt-4o")
//	"claude-sonnet-4-20250514" → (anthropic, "claude-sonnet-4-20250514")
//	"gpt-4o"                   → (openai, "gpt-4o")
//	"llama3-8b-8192"           → (groq, "llama3-8b-8192") fallback
func ParseModelString(model string) (Provider, string) {
	if i := strings.Index(model, "/"); i > 0 {
		prefix := strings.ToLower(model[:i])
		name := model[i+1:]
		switch prefix {
		case "groq":
			return ProviderGroq, name
		case "ollama":
			return ProviderOllama, name
		case "openai":
			return ProviderOpenAI, name
		case "anthropic":
			return ProviderAnthropic, name
		}
	}

	// No prefix, infer from model name patterns
	lower := strings.ToLower(model)
	if strings.HasPrefix(lower, "claude") {
		return ProviderAnthropic, model
	}
	if strings.HasPrefix(lower, "gpt-") || strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3") || strings.HasPrefix(lower, "o4") {
		return ProviderOpenAI, model
	}

	// Check env vars as a last resort
	if os.Getenv("OLLAMA_HOST") != "" {
		return ProviderOllama, model
	}
	if os.Getenv("GROQ_API_KEY") == "" && os.Getenv("OPENAI_API_KEY") != "" {
		return ProviderOpenAI, model
	}

	return ProviderGroq, model
}

// ClientOptions carries credentials and transport settings for a provider
// client. Empty fields fall back to the provider's environment variables.
type ClientOptions struct {
	APIKey  string
	BaseURL string
	Opts    []OpenAIOption
}

// NewClientForModel creates the appropriate LLM client based on the model string.
//
// Environment variables used:
//
//	GROQ_API_KEY       Groq API key
//	ANTHROPIC_API_KEY  Anthropic API key (read by SDK automatically)
//	OPENAI_API_KEY     OpenAI API key
//	OPENAI_BASE_URL    Custom OpenAI-compatible base URL
//	OLLAMA_HOST        Ollama server address (default: http://localhost:11434)
func NewClientForModel(model string, co ClientOptions) (Client, string) {
	provider, modelName := ParseModelString(model)

	switch provider {
	case ProviderOllama:
		host := co.BaseURL
		if host == "" {
			host = os.Getenv("OLLAMA_HOST")
		}
		return NewOllamaClient(host, co.Opts...), modelName

	case ProviderOpenAI:
		apiKey := firstNonEmpty(co.APIKey, os.Getenv("OPENAI_API_KEY"))
		baseURL := firstNonEmpty(co.BaseURL, os.Getenv("OPENAI_BASE_URL"))
		if baseURL != "" {
			return NewOpenAICompatibleClient(baseURL, apiKey, co.Opts...), modelName
		}
		return NewOpenAIClient(apiKey, co.Opts...), modelName

	case ProviderAnthropic:
		if co.APIKey != "" {
			return NewAnthropicClientWithKey(co.APIKey), modelName
		}
		return NewAnthropicClient(), modelName

	default: // ProviderGroq
		apiKey := firstNonEmpty(co.APIKey, os.Getenv("GROQ_API_KEY"))
		baseURL := firstNonEmpty(co.BaseURL, GroqBaseURL)
		return NewOpenAICompatibleClient(baseURL, apiKey, co.Opts...), modelName
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
