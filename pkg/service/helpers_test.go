package service

import (
	"context"
	"sync"
	"testing"

	"github.com/choraleia/chatcore/pkg/db"
	"github.com/choraleia/chatcore/pkg/event"
	"github.com/choraleia/chatcore/pkg/gateway"
	"github.com/cloudwego/eino/schema"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := database.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return database
}

// recordingRooms captures published events in order.
type recordingRooms struct {
	mu     sync.Mutex
	events []event.Event
	except []string
}

func (r *recordingRooms) Publish(roomID string, ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingRooms) PublishExcept(roomID string, ev event.Event, exceptID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.except = append(r.except, exceptID)
}

func (r *recordingRooms) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventName()
	}
	return out
}

func (r *recordingRooms) ofType(name string) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, ev := range r.events {
		if ev.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}

// scriptedGenerator streams one chunk list per attempt. Every attempt but
// the last is reported under the provider name "broken".
type scriptedGenerator struct {
	provider string
	attempts [][]string

	started chan struct{} // receives once generation starts, if set
	release chan struct{} // generation waits for it, if set
	during  func()        // runs after streaming, before returning

	mu           sync.Mutex
	lastMessages []*schema.Message
	streamCalls  int
	plainCalls   int
}

func (g *scriptedGenerator) run(messages []*schema.Message, opts gateway.GenerateOptions, onDelta func(string)) *gateway.Response {
	g.mu.Lock()
	g.lastMessages = messages
	g.mu.Unlock()

	if g.started != nil {
		g.started <- struct{}{}
	}
	if g.release != nil {
		<-g.release
	}

	var content string
	for i, chunks := range g.attempts {
		name := g.provider
		if i < len(g.attempts)-1 {
			name = "broken"
		}
		if opts.OnAttempt != nil {
			opts.OnAttempt(name)
		}
		content = ""
		for _, c := range chunks {
			if onDelta != nil {
				onDelta(c)
			}
			content += c
		}
	}
	if g.during != nil {
		g.during()
	}
	return &gateway.Response{Content: content, Provider: g.provider, Usage: gateway.EstimateUsage(messages, content)}
}

func (g *scriptedGenerator) GenerateStream(ctx context.Context, messages []*schema.Message, opts gateway.GenerateOptions, onDelta func(string)) *gateway.Response {
	g.mu.Lock()
	g.streamCalls++
	g.mu.Unlock()
	return g.run(messages, opts, onDelta)
}

func (g *scriptedGenerator) Generate(ctx context.Context, messages []*schema.Message, opts gateway.GenerateOptions) *gateway.Response {
	g.mu.Lock()
	g.plainCalls++
	g.mu.Unlock()
	return g.run(messages, opts, nil)
}

func (g *scriptedGenerator) prompt() []*schema.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastMessages
}
