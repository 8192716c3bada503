package gateway

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
)

// SimulationProvider is the provider name on simulated responses.
const SimulationProvider = "simulation"

const simulationModel = "canned"

// CannedResponses are the answers given while no provider is reachable.
var CannedResponses = []string{
	"I'm running in offline mode, so this reply comes from a built-in answer instead of a language model. Configure a provider to get real answers.",
	"Good question. No generation provider is reachable right now, so all I can offer is this placeholder reply.",
	"I can't reach a language model at the moment. Your message has been saved and you can ask again once a provider is back.",
	"This is a simulated response. Retrieval, streaming and persistence are working; only the model itself is missing.",
	"Offline mode is active. Try again later or check the provider settings in the configuration file.",
}

// Simulator produces deterministic canned answers.
type Simulator struct {
	delayMin time.Duration
	delayMax time.Duration
}

func NewSimulator(delayMin, delayMax time.Duration) *Simulator {
	if delayMin < 0 {
		delayMin = 0
	}
	if delayMax < delayMin {
		delayMax = delayMin
	}
	return &Simulator{delayMin: delayMin, delayMax: delayMax}
}

// Pick selects the canned answer for a conversation from the FNV-1a hash of
// the last user message, so the same question always gets the same answer.
func (s *Simulator) Pick(messages []*schema.Message) string {
	h := fnv.New32a()
	for i := len(messages) - 1; i >= 0; i-- {
		if m := messages[i]; m != nil && m.Role == schema.User {
			h.Write([]byte(m.Content))
			break
		}
	}
	return CannedResponses[h.Sum32()%uint32(len(CannedResponses))]
}

func (s *Simulator) Generate(ctx context.Context, messages []*schema.Message) *Response {
	content := s.Pick(messages)
	return s.response(messages, content)
}

// Stream emits the canned answer word by word. Each chunk is a word with its
// trailing space, so the chunks concatenate to the full answer. Delays stop
// once ctx is done; the answer is still delivered in full.
func (s *Simulator) Stream(ctx context.Context, messages []*schema.Message, onDelta func(string)) *Response {
	content := s.Pick(messages)
	for _, word := range strings.SplitAfter(content, " ") {
		if word == "" {
			continue
		}
		s.sleep(ctx)
		if onDelta != nil {
			onDelta(word)
		}
	}
	return s.response(messages, content)
}

func (s *Simulator) response(messages []*schema.Message, content string) *Response {
	return &Response{
		Content:   content,
		Usage:     EstimateUsage(messages, content),
		Provider:  SimulationProvider,
		Model:     simulationModel,
		Simulated: true,
	}
}

func (s *Simulator) sleep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	d := s.delayMin
	if spread := s.delayMax - s.delayMin; spread > 0 {
		d += rand.N(spread + 1)
	}
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
