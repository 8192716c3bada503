package models

import (
	"os"
	"strings"
)

// ============================================================
// Task Type Constants
// ============================================================

const (
	TaskTypeChat          = "chat"           // Conversational text generation
	TaskTypeTextEmbedding = "text_embedding" // Text to vector
)

// ModelConfig describes one provider endpoint. The same struct configures
// chat providers and the embedding backend; Extra stores vendor specific
// parameters (for example the Ark region).
type ModelConfig struct {
	ID        string         `json:"id" yaml:"id"`
	Provider  string         `json:"provider" yaml:"provider"`
	TaskTypes []string       `json:"task_types,omitempty" yaml:"task_types,omitempty"`
	Model     string         `json:"model" yaml:"model"`
	Name      string         `json:"name,omitempty" yaml:"name,omitempty"`
	BaseUrl   string         `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	ApiKey    string         `json:"-" yaml:"api_key,omitempty"`
	ApiKeyEnv string         `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"` // Environment variable holding the key
	MaxTokens int            `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Extra     map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

func (m *ModelConfig) Normalize() {
	m.Provider = strings.ToLower(strings.TrimSpace(m.Provider))
	if len(m.TaskTypes) == 0 {
		m.TaskTypes = []string{TaskTypeChat}
	}
	if m.Extra == nil {
		m.Extra = map[string]any{}
	}
	if m.Name == "" {
		m.Name = m.Provider
		if m.Model != "" {
			m.Name = m.Provider + "/" + m.Model
		}
	}
	if m.ID == "" {
		m.ID = m.Name
	}
}

// ResolvedAPIKey returns the inline key, or the value of ApiKeyEnv when the
// inline key is empty.
func (m *ModelConfig) ResolvedAPIKey() string {
	if key := strings.TrimSpace(m.ApiKey); key != "" {
		return key
	}
	if m.ApiKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(m.ApiKeyEnv))
	}
	return ""
}

// ExtraString reads a string vendor parameter.
func (m *ModelConfig) ExtraString(key string) string {
	if m.Extra == nil {
		return ""
	}
	v, _ := m.Extra[key].(string)
	return v
}

// HasCredentials reports whether the provider has what it needs to be
// called. Ollama is keyless and only needs an explicit endpoint.
func (m *ModelConfig) HasCredentials() bool {
	switch m.Provider {
	case "ollama":
		return strings.TrimSpace(m.BaseUrl) != ""
	case "custom":
		return strings.TrimSpace(m.BaseUrl) != "" && m.ResolvedAPIKey() != ""
	default:
		return m.ResolvedAPIKey() != ""
	}
}

// SupportedModelProviders supported chat model providers
var SupportedModelProviders = map[string]struct{}{
	"openai":    {},
	"deepseek":  {},
	"anthropic": {},
	"google":    {},
	"ark":       {},
	"ollama":    {},
	"qianfan":   {},
	"qwen":      {},
	"custom":    {},
}

// SupportedEmbeddingProviders supported embedding providers
var SupportedEmbeddingProviders = map[string]struct{}{
	"openai":    {},
	"ark":       {},
	"dashscope": {},
	"google":    {},
	"ollama":    {},
	"qianfan":   {},
	"custom":    {},
}
