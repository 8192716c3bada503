package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
)

var ErrUnknownProvider = errors.New("unknown provider")

// PingResult is the outcome of a connection test against one provider.
type PingResult struct {
	Provider  string `json:"provider"`
	Success   bool   `json:"success"`
	LatencyMS int64  `json:"latency_ms"`
	Message   string `json:"message"`
}

// Ping sends a short prompt to the named provider outside the fallback
// chain. Providers beyond the fallback depth can be pinged too. Failures
// are reported in the result; the error is only for unknown names.
func (g *Gateway) Ping(ctx context.Context, name string) (PingResult, error) {
	var provider Provider
	for _, p := range g.configured {
		if p.Name() == name {
			provider = p
			break
		}
	}
	if provider == nil {
		return PingResult{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	res := PingResult{Provider: name}
	if !provider.Available() {
		res.Message = "Provider has no credentials"
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	_, err := provider.Generate(ctx, []*schema.Message{schema.UserMessage("Hi")}, GenerateOptions{MaxTokens: 16})
	res.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		g.logger.Warn("Provider ping failed", "provider", name, "error", err)
		res.Message = "Connection failed: " + err.Error()
		return res, nil
	}
	res.Success = true
	res.Message = "Connection successful"
	return res, nil
}
