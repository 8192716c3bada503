package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type fakeChatModel struct {
	chunks  []*schema.Message
	failErr error
}

func (m *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.Message, error) {
	if m.failErr != nil {
		return nil, m.failErr
	}
	var sb strings.Builder
	for _, c := range m.chunks {
		sb.WriteString(c.Content)
	}
	msg := schema.AssistantMessage(sb.String(), nil)
	msg.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6}}
	return msg, nil
}

func (m *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	reader, writer := schema.Pipe[*schema.Message](len(m.chunks) + 1)
	go func() {
		defer writer.Close()
		for _, c := range m.chunks {
			writer.Send(c, nil)
		}
		if m.failErr != nil {
			writer.Send(nil, m.failErr)
		}
	}()
	return reader, nil
}

func TestEinoProviderStream(t *testing.T) {
	last := schema.AssistantMessage("!", nil)
	last.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}
	chat := &fakeChatModel{chunks: []*schema.Message{
		schema.AssistantMessage("Hi", nil),
		schema.AssistantMessage("", nil),
		schema.AssistantMessage(" there", nil),
		last,
	}}
	p := NewEinoProvider("openai/test", "test", chat, nil)

	var deltas []string
	resp, err := p.Stream(context.Background(), userMessages("hello"), GenerateOptions{}, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if resp.Content != "Hi there!" || strings.Join(deltas, "") != resp.Content {
		t.Fatalf("Content = %q, deltas = %v", resp.Content, deltas)
	}
	if len(deltas) != 3 {
		t.Errorf("empty chunks must not be forwarded, got %d deltas", len(deltas))
	}
	if resp.Usage.TotalTokens != 5 || resp.Provider != "openai/test" {
		t.Errorf("response = %+v", resp)
	}
}

func TestEinoProviderStreamError(t *testing.T) {
	chat := &fakeChatModel{
		chunks:  []*schema.Message{schema.AssistantMessage("partial", nil)},
		failErr: errors.New("connection reset"),
	}
	p := NewEinoProvider("p", "m", chat, nil)

	_, err := p.Stream(context.Background(), userMessages("q"), GenerateOptions{}, func(string) {})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("Stream() error = %v", err)
	}
}

func TestEinoProviderGenerate(t *testing.T) {
	temp := float32(0.2)
	chat := &fakeChatModel{chunks: []*schema.Message{schema.AssistantMessage("done", nil)}}
	p := NewEinoProvider("p", "m", chat, nil)

	resp, err := p.Generate(context.Background(), userMessages("q"), GenerateOptions{Temperature: &temp, MaxTokens: 10})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Content != "done" || resp.Usage.TotalTokens != 6 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestEinoProviderUnavailable(t *testing.T) {
	p := NewEinoProvider("p", "m", nil, nil)
	if p.Available() {
		t.Fatalf("Available() = true without a chat model")
	}
	if _, err := p.Generate(context.Background(), nil, GenerateOptions{}); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := p.Embed(context.Background(), "x"); !errors.Is(err, ErrEmbeddingUnsupported) {
		t.Fatalf("Embed() error = %v", err)
	}
}
