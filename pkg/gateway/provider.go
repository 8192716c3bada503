// Package gateway puts interchangeable text generation providers behind one
// total API: callers always get a response, from the primary provider, the
// fallback, or the offline simulator.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	einoEmbedding "github.com/cloudwego/eino/components/embedding"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

var (
	ErrEmbeddingUnsupported = errors.New("provider does not support embeddings")
	ErrProviderUnavailable  = errors.New("provider is not available")
	errEmptyResponse        = errors.New("provider returned an empty response")
)

// Usage is token accounting for one response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the result of one generation.
type Response struct {
	Content   string `json:"content"`
	Usage     Usage  `json:"usage"`
	Provider  string `json:"provider"`
	Model     string `json:"model,omitempty"`
	Simulated bool   `json:"simulated,omitempty"`
}

// GenerateOptions tunes a generation call.
type GenerateOptions struct {
	Temperature *float32
	MaxTokens   int
	// OnAttempt is called with the provider name before every attempt,
	// including the simulator. Text streamed by an earlier attempt is void
	// once it fires again.
	OnAttempt func(provider string)
}

func (o GenerateOptions) notify(provider string) {
	if o.OnAttempt != nil {
		o.OnAttempt(provider)
	}
}

func (o GenerateOptions) modelOptions() []einoModel.Option {
	var opts []einoModel.Option
	if o.Temperature != nil {
		opts = append(opts, einoModel.WithTemperature(*o.Temperature))
	}
	if o.MaxTokens > 0 {
		opts = append(opts, einoModel.WithMaxTokens(o.MaxTokens))
	}
	return opts
}

// Provider is one generation backend.
type Provider interface {
	Name() string
	Available() bool
	Generate(ctx context.Context, messages []*schema.Message, opts GenerateOptions) (*Response, error)
	// Stream calls onDelta for each piece of text as it arrives.
	Stream(ctx context.Context, messages []*schema.Message, opts GenerateOptions, onDelta func(string)) (*Response, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EinoProvider adapts an eino chat model, and optionally an eino embedder.
type EinoProvider struct {
	name     string
	model    string
	chat     einoModel.BaseChatModel
	embedder einoEmbedding.Embedder
}

// NewEinoProvider wraps chat. A nil chat model makes the provider unavailable.
func NewEinoProvider(name, model string, chat einoModel.BaseChatModel, embedder einoEmbedding.Embedder) *EinoProvider {
	return &EinoProvider{name: name, model: model, chat: chat, embedder: embedder}
}

func (p *EinoProvider) Name() string { return p.name }

func (p *EinoProvider) Available() bool { return p.chat != nil }

func (p *EinoProvider) CanEmbed() bool { return p.embedder != nil }

func (p *EinoProvider) Generate(ctx context.Context, messages []*schema.Message, opts GenerateOptions) (*Response, error) {
	if p.chat == nil {
		return nil, ErrProviderUnavailable
	}
	msg, err := p.chat.Generate(ctx, messages, opts.modelOptions()...)
	if err != nil {
		return nil, fmt.Errorf("%s generate: %w", p.name, err)
	}
	if msg == nil {
		return nil, errEmptyResponse
	}
	return &Response{
		Content:  msg.Content,
		Usage:    usageFromMessage(msg),
		Provider: p.name,
		Model:    p.model,
	}, nil
}

func (p *EinoProvider) Stream(ctx context.Context, messages []*schema.Message, opts GenerateOptions, onDelta func(string)) (*Response, error) {
	if p.chat == nil {
		return nil, ErrProviderUnavailable
	}
	reader, err := p.chat.Stream(ctx, messages, opts.modelOptions()...)
	if err != nil {
		return nil, fmt.Errorf("%s stream: %w", p.name, err)
	}
	defer reader.Close()

	var (
		content strings.Builder
		usage   Usage
	)
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s stream: %w", p.name, err)
		}
		if chunk == nil {
			continue
		}
		if chunk.Content != "" {
			content.WriteString(chunk.Content)
			if onDelta != nil {
				onDelta(chunk.Content)
			}
		}
		if u := usageFromMessage(chunk); u.TotalTokens > 0 {
			usage = u
		}
	}

	return &Response{
		Content:  content.String(),
		Usage:    usage,
		Provider: p.name,
		Model:    p.model,
	}, nil
}

func (p *EinoProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.embedder == nil {
		return nil, ErrEmbeddingUnsupported
	}
	embeddings, err := p.embedder.EmbedStrings(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%s embed: %w", p.name, err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("%s embed: no embeddings returned", p.name)
	}
	vec := make([]float32, len(embeddings[0]))
	for i, v := range embeddings[0] {
		vec[i] = float32(v)
	}
	return vec, nil
}

func usageFromMessage(msg *schema.Message) Usage {
	if msg == nil || msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil {
		return Usage{}
	}
	u := msg.ResponseMeta.Usage
	return Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
