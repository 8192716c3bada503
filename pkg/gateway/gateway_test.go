package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/choraleia/chatcore/pkg/metrics"
	"github.com/cloudwego/eino/schema"
)

// fakeProvider streams chunks and then optionally fails.
type fakeProvider struct {
	name      string
	available bool
	chunks    []string
	failAfter int // fail once this many chunks were sent; -1 never
	usage     Usage
	embedding []float32

	mu    sync.Mutex
	calls int
}

func newFake(name string, chunks ...string) *fakeProvider {
	return &fakeProvider{name: name, available: true, chunks: chunks, failAfter: -1}
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Available() bool { return f.available }

func (f *fakeProvider) Generate(ctx context.Context, messages []*schema.Message, opts GenerateOptions) (*Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.failAfter >= 0 {
		return nil, errors.New("boom")
	}
	return &Response{Content: strings.Join(f.chunks, ""), Usage: f.usage, Provider: f.name}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, messages []*schema.Message, opts GenerateOptions, onDelta func(string)) (*Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	for i, c := range f.chunks {
		if i == f.failAfter {
			return nil, errors.New("stream broke")
		}
		onDelta(c)
	}
	if f.failAfter >= len(f.chunks) {
		return nil, errors.New("stream broke")
	}
	return &Response{Content: strings.Join(f.chunks, ""), Usage: f.usage, Provider: f.name}, nil
}

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.embedding == nil {
		return nil, ErrEmbeddingUnsupported
	}
	return f.embedding, nil
}

func userMessages(content string) []*schema.Message {
	return []*schema.Message{schema.UserMessage(content)}
}

func fastOptions() Options {
	return Options{Timeout: time.Second, FallbackDepth: 1}
}

func isCanned(content string) bool {
	for _, c := range CannedResponses {
		if c == content {
			return true
		}
	}
	return false
}

func TestGenerateWithoutProvidersSimulates(t *testing.T) {
	g := New(nil, fastOptions(), nil, nil)

	resp := g.Generate(context.Background(), userMessages("hi"), GenerateOptions{})
	if resp.Provider != SimulationProvider {
		t.Fatalf("Provider = %q, want %q", resp.Provider, SimulationProvider)
	}
	if !isCanned(resp.Content) {
		t.Fatalf("Content = %q is not a canned answer", resp.Content)
	}
	if resp.Usage.TotalTokens <= 0 {
		t.Fatalf("Usage = %+v, want positive total", resp.Usage)
	}
	if !g.Status().Simulation {
		t.Errorf("Status().Simulation = false")
	}
}

func TestGenerateFallsBackToSecondProvider(t *testing.T) {
	primary := newFake("primary", "nope")
	primary.failAfter = 0
	fallback := newFake("fallback", "answer")

	g := New([]Provider{primary, fallback}, fastOptions(), nil, metrics.New())
	resp := g.Generate(context.Background(), userMessages("question"), GenerateOptions{})

	if resp.Provider != "fallback" {
		t.Fatalf("Provider = %q, want fallback", resp.Provider)
	}
	if resp.Content != "answer" {
		t.Fatalf("Content = %q", resp.Content)
	}
}

func TestGenerateBothFailSimulates(t *testing.T) {
	primary := newFake("primary")
	primary.failAfter = 0
	fallback := newFake("fallback")
	fallback.failAfter = 0

	var attempts []string
	g := New([]Provider{primary, fallback}, fastOptions(), nil, nil)
	resp := g.Generate(context.Background(), userMessages("q"), GenerateOptions{
		OnAttempt: func(p string) { attempts = append(attempts, p) },
	})

	if resp.Provider != SimulationProvider {
		t.Fatalf("Provider = %q, want simulation", resp.Provider)
	}
	want := []string{"primary", "fallback", SimulationProvider}
	if strings.Join(attempts, ",") != strings.Join(want, ",") {
		t.Fatalf("attempts = %v, want %v", attempts, want)
	}
}

func TestNewCapsFallbackDepth(t *testing.T) {
	unavailable := newFake("offline")
	unavailable.available = false
	a, b, c := newFake("a", "x"), newFake("b", "x"), newFake("c", "x")

	g := New([]Provider{unavailable, a, b, c}, fastOptions(), nil, nil)
	s := g.Status()
	if s.Primary != "a" || len(s.Fallbacks) != 1 || s.Fallbacks[0] != "b" {
		t.Fatalf("Status() = %+v", s)
	}
	if len(s.Configured) != 4 {
		t.Fatalf("Configured = %v", s.Configured)
	}

	a.failAfter = 0
	b.failAfter = 0
	resp := g.Generate(context.Background(), userMessages("q"), GenerateOptions{})
	if resp.Provider != SimulationProvider {
		t.Fatalf("third provider must not be tried, got %q", resp.Provider)
	}
	if c.calls != 0 {
		t.Fatalf("provider c called %d times", c.calls)
	}
}

func TestGenerateStreamConcatenation(t *testing.T) {
	tests := []struct {
		name      string
		providers func() []Provider
		provider  string
	}{
		{
			name:      "primary",
			providers: func() []Provider { return []Provider{newFake("p", "Hel", "lo ", "world")} },
			provider:  "p",
		},
		{
			name:      "simulation",
			providers: func() []Provider { return nil },
			provider:  SimulationProvider,
		},
		{
			name: "primary fails mid stream",
			providers: func() []Provider {
				p := newFake("p", "partial ", "text ", "lost")
				p.failAfter = 2
				return []Provider{p, newFake("f", "fresh ", "answer")}
			},
			provider: "f",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.providers(), fastOptions(), nil, nil)

			var chunks []string
			resp := g.GenerateStream(context.Background(), userMessages("hi"), GenerateOptions{
				OnAttempt: func(string) { chunks = nil },
			}, func(delta string) {
				chunks = append(chunks, delta)
			})

			if resp.Provider != tt.provider {
				t.Fatalf("Provider = %q, want %q", resp.Provider, tt.provider)
			}
			if got := strings.Join(chunks, ""); got != resp.Content {
				t.Fatalf("concatenated chunks = %q, content = %q", got, resp.Content)
			}
		})
	}
}

func TestGenerateStreamProviderWithoutDeltas(t *testing.T) {
	p := newFake("p")
	g := New([]Provider{&finalOnlyProvider{fakeProvider: p, content: "all at once"}}, fastOptions(), nil, nil)

	var got strings.Builder
	resp := g.GenerateStream(context.Background(), userMessages("q"), GenerateOptions{}, func(d string) { got.WriteString(d) })
	if resp.Content != "all at once" || got.String() != resp.Content {
		t.Fatalf("content = %q, streamed = %q", resp.Content, got.String())
	}
}

type finalOnlyProvider struct {
	*fakeProvider
	content string
}

func (f *finalOnlyProvider) Stream(ctx context.Context, messages []*schema.Message, opts GenerateOptions, onDelta func(string)) (*Response, error) {
	return &Response{Content: f.content}, nil
}

func TestGenerateUsesReportedUsage(t *testing.T) {
	p := newFake("p", "abcd")
	p.usage = Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}
	g := New([]Provider{p}, fastOptions(), nil, nil)

	resp := g.Generate(context.Background(), userMessages("q"), GenerateOptions{})
	if resp.Usage != p.usage {
		t.Fatalf("Usage = %+v, want %+v", resp.Usage, p.usage)
	}

	p.usage = Usage{}
	resp = g.Generate(context.Background(), userMessages("12345678"), GenerateOptions{})
	want := Usage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3}
	if resp.Usage != want {
		t.Fatalf("estimated Usage = %+v, want %+v", resp.Usage, want)
	}
}

func TestGenerateTimeoutFallsBack(t *testing.T) {
	slow := &blockingProvider{fakeProvider: newFake("slow")}
	g := New([]Provider{slow, newFake("fast", "ok")}, Options{Timeout: 20 * time.Millisecond, FallbackDepth: 1}, nil, nil)

	resp := g.GenerateStream(context.Background(), userMessages("q"), GenerateOptions{}, nil)
	if resp.Provider != "fast" {
		t.Fatalf("Provider = %q, want fast", resp.Provider)
	}
}

type blockingProvider struct {
	*fakeProvider
}

func (b *blockingProvider) Stream(ctx context.Context, messages []*schema.Message, opts GenerateOptions, onDelta func(string)) (*Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGatewayEmbed(t *testing.T) {
	plain := newFake("plain", "x")
	g := New([]Provider{plain}, fastOptions(), nil, nil)
	if _, err := g.Embed(context.Background(), "text"); !errors.Is(err, ErrEmbeddingUnsupported) {
		t.Fatalf("Embed() error = %v, want ErrEmbeddingUnsupported", err)
	}

	withVectors := newFake("vectors", "x")
	withVectors.embedding = []float32{1, 2}
	g = New([]Provider{plain, withVectors}, fastOptions(), nil, nil)
	vec, err := g.Embed(context.Background(), "text")
	if err != nil || len(vec) != 2 {
		t.Fatalf("Embed() = %v, %v", vec, err)
	}
}
