package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/choraleia/chatcore/pkg/metrics"
	"github.com/choraleia/chatcore/pkg/utils"
	"github.com/cloudwego/eino/schema"
)

const (
	DefaultTimeout            = 30 * time.Second
	DefaultFallbackDepth      = 1
	DefaultSimulationDelayMin = 50 * time.Millisecond
	DefaultSimulationDelayMax = 150 * time.Millisecond
)

// Options configures a Gateway.
type Options struct {
	// Timeout bounds each provider attempt.
	Timeout time.Duration
	// FallbackDepth is how many available providers after the primary are tried.
	FallbackDepth      int
	SimulationDelayMin time.Duration
	SimulationDelayMax time.Duration
}

// Status describes the provider chain.
type Status struct {
	Primary    string   `json:"primary"`
	Fallbacks  []string `json:"fallbacks"`
	Simulation bool     `json:"simulation"`
	Configured []string `json:"configured"`
}

// Gateway tries its providers in order and falls back to the simulator.
// Generate and GenerateStream never fail.
type Gateway struct {
	chain      []Provider
	configured []Provider
	simulator  *Simulator
	timeout    time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New keeps the available providers, in order, up to one primary plus
// opts.FallbackDepth fallbacks. With none available the gateway simulates.
func New(providers []Provider, opts Options, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	if logger == nil {
		logger = utils.GetLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.FallbackDepth < 0 {
		opts.FallbackDepth = 0
	}

	g := &Gateway{
		simulator: NewSimulator(opts.SimulationDelayMin, opts.SimulationDelayMax),
		timeout:   opts.Timeout,
		metrics:   m,
		logger:    logger,
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		g.configured = append(g.configured, p)
		if !p.Available() {
			continue
		}
		if len(g.chain) > opts.FallbackDepth {
			logger.Debug("Provider beyond fallback depth", "provider", p.Name())
			continue
		}
		g.chain = append(g.chain, p)
	}

	if len(g.chain) == 0 {
		logger.Warn("No generation provider available, running in simulation mode")
	} else {
		logger.Info("Generation gateway ready", "primary", g.chain[0].Name(), "fallbacks", len(g.chain)-1)
	}
	return g
}

// Simulating reports whether no real provider is configured.
func (g *Gateway) Simulating() bool {
	return len(g.chain) == 0
}

func (g *Gateway) Status() Status {
	s := Status{
		Fallbacks:  []string{},
		Simulation: g.Simulating(),
		Configured: make([]string, 0, len(g.configured)),
	}
	for _, p := range g.configured {
		s.Configured = append(s.Configured, p.Name())
	}
	for i, p := range g.chain {
		if i == 0 {
			s.Primary = p.Name()
		} else {
			s.Fallbacks = append(s.Fallbacks, p.Name())
		}
	}
	if s.Simulation {
		s.Primary = SimulationProvider
	}
	return s
}

// Generate returns a complete response.
func (g *Gateway) Generate(ctx context.Context, messages []*schema.Message, opts GenerateOptions) *Response {
	for i, p := range g.chain {
		g.beginAttempt(i, p.Name(), opts)

		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err := p.Generate(attemptCtx, messages, opts)
		cancel()
		if err == nil && (resp == nil || resp.Content == "") {
			err = errEmptyResponse
		}
		g.metrics.ProviderAttempt(p.Name(), err)
		if err != nil {
			g.logger.Warn("Provider generate failed", "provider", p.Name(), "attempt", i+1, "error", err)
			continue
		}
		return g.finish(resp, p.Name(), messages)
	}

	opts.notify(SimulationProvider)
	g.metrics.Simulated()
	return g.simulator.Generate(ctx, messages)
}

// GenerateStream streams deltas to onDelta and returns the complete response.
// Within one attempt the deltas concatenate to exactly the returned content.
// When an attempt fails the next one starts over; opts.OnAttempt marks the
// boundary.
func (g *Gateway) GenerateStream(ctx context.Context, messages []*schema.Message, opts GenerateOptions, onDelta func(string)) *Response {
	emit := func(delta string) {
		if onDelta != nil && delta != "" {
			onDelta(delta)
		}
	}

	for i, p := range g.chain {
		g.beginAttempt(i, p.Name(), opts)

		var streamed strings.Builder
		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err := p.Stream(attemptCtx, messages, opts, func(delta string) {
			if delta == "" {
				return
			}
			streamed.WriteString(delta)
			emit(delta)
		})
		cancel()
		if err == nil && resp == nil {
			err = errEmptyResponse
		}
		if err == nil && streamed.Len() == 0 {
			// Some providers only return the final text.
			if resp.Content == "" {
				err = errEmptyResponse
			} else {
				streamed.WriteString(resp.Content)
				emit(resp.Content)
			}
		}
		g.metrics.ProviderAttempt(p.Name(), err)
		if err != nil {
			g.logger.Warn("Provider stream failed", "provider", p.Name(), "attempt", i+1,
				"streamed_chars", streamed.Len(), "error", err)
			continue
		}
		resp.Content = streamed.String()
		return g.finish(resp, p.Name(), messages)
	}

	opts.notify(SimulationProvider)
	g.metrics.Simulated()
	return g.simulator.Stream(ctx, messages, emit)
}

// Embed asks each provider in order for an embedding.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	lastErr := ErrEmbeddingUnsupported
	for _, p := range g.chain {
		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		vec, err := p.Embed(attemptCtx, text)
		cancel()
		if err == nil && len(vec) > 0 {
			return vec, nil
		}
		if err != nil && !errors.Is(err, ErrEmbeddingUnsupported) {
			lastErr = err
		}
	}
	return nil, lastErr
}

// CanEmbed reports whether any provider in the chain serves embeddings.
func (g *Gateway) CanEmbed() bool {
	for _, p := range g.chain {
		if e, ok := p.(interface{ CanEmbed() bool }); ok && e.CanEmbed() {
			return true
		}
	}
	return false
}

func (g *Gateway) beginAttempt(i int, name string, opts GenerateOptions) {
	if i > 0 {
		g.metrics.Fallback()
		g.logger.Info("Falling back to next provider", "provider", name)
	}
	opts.notify(name)
}

func (g *Gateway) finish(resp *Response, name string, messages []*schema.Message) *Response {
	resp.Provider = name
	if resp.Usage.TotalTokens <= 0 {
		resp.Usage = EstimateUsage(messages, resp.Content)
	}
	return resp
}
