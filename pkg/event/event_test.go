package event

import (
	"sync"
	"testing"
)

func TestEmitterOnAndUnsubscribe(t *testing.T) {
	e := NewEmitter(nil)

	var got []string
	unsubscribe := e.On(DocumentIndexed, func(ev Event) {
		got = append(got, ev.(DocumentIndexedEvent).DocumentID)
	})

	e.Emit(DocumentIndexedEvent{DocumentID: "d1", Fragments: 2})
	e.Emit(DocumentRemovedEvent{DocumentID: "d1"})
	unsubscribe()
	e.Emit(DocumentIndexedEvent{DocumentID: "d2"})

	if len(got) != 1 || got[0] != "d1" {
		t.Fatalf("received %v, want [d1]", got)
	}
}

func TestEmitterUnsubscribeKeepsOtherListeners(t *testing.T) {
	e := NewEmitter(nil)

	var first, second int
	unsubFirst := e.On(ConversationDeleted, func(Event) { first++ })
	e.On(ConversationDeleted, func(Event) { second++ })

	unsubFirst()
	unsubFirst()
	e.Emit(ConversationDeletedEvent{ConversationID: "c1"})

	if first != 0 || second != 1 {
		t.Fatalf("first = %d, second = %d, want 0 and 1", first, second)
	}
}

func TestEmitterOnAny(t *testing.T) {
	e := NewEmitter(nil)

	var mu sync.Mutex
	names := map[string]int{}
	unsubscribe := e.OnAny(func(ev Event) {
		mu.Lock()
		names[ev.EventName()]++
		mu.Unlock()
	})
	defer unsubscribe()

	e.Emit(ConversationUpdatedEvent{ConversationID: "c1"})
	e.Emit(DocumentRemovedEvent{DocumentID: "d1"})

	if names[ConversationUpdated] != 1 || names[DocumentRemoved] != 1 {
		t.Fatalf("names = %v", names)
	}
}

func TestParseEventFilter(t *testing.T) {
	tests := []struct {
		name     string
		param    string
		expected []string
	}{
		{name: "empty", param: "", expected: nil},
		{name: "blank entries", param: " , ,", expected: nil},
		{name: "two names", param: "document.indexed, conversation.deleted", expected: []string{DocumentIndexed, ConversationDeleted}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter := ParseEventFilter(tt.param)
			if tt.expected == nil {
				if filter != nil {
					t.Fatalf("ParseEventFilter(%q) = %v, want nil", tt.param, filter)
				}
				return
			}
			if len(filter) != len(tt.expected) {
				t.Fatalf("ParseEventFilter(%q) = %v", tt.param, filter)
			}
			for _, name := range tt.expected {
				if !filter[name] {
					t.Errorf("filter missing %q", name)
				}
			}
		})
	}
}

func TestEventToDataRemote(t *testing.T) {
	data := eventToData(RemoteEvent{Name: StreamChunk, Data: map[string]any{"content": "hi"}})
	if data["content"] != "hi" {
		t.Fatalf("eventToData() = %v", data)
	}

	data = eventToData(StreamChunkEvent{ConversationID: "c1", Content: "Hello", Delta: "lo"})
	if data["content"] != "Hello" || data["delta"] != "lo" {
		t.Fatalf("eventToData() = %v", data)
	}
}
