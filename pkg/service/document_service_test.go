package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/choraleia/chatcore/pkg/embedding"
	"github.com/choraleia/chatcore/pkg/event"
	"github.com/choraleia/chatcore/pkg/retrieval"
)

func newDocumentService(t *testing.T) *DocumentService {
	t.Helper()
	engine := retrieval.NewEngine(retrieval.NewMemoryIndex(), embedding.New(nil, 0, nil), nil)
	return NewDocumentService(openTestDB(t), engine, retrieval.ChunkOptions{Size: 40, Overlap: 10}, nil)
}

func TestDocumentServiceIngestText(t *testing.T) {
	ctx := context.Background()
	svc := newDocumentService(t)

	text := strings.Repeat("Cats are small carnivorous mammals. ", 6)
	res, err := svc.Ingest(ctx, IngestRequest{DocumentID: "cats", UserID: "alice", Name: "cats.txt", Text: text})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.DocumentID != "cats" || res.Fragments < 2 || res.Replaced != 0 {
		t.Fatalf("Ingest() = %+v", res)
	}

	fragments, _ := svc.Fragments(ctx, "cats", "alice")
	if len(fragments) != res.Fragments {
		t.Fatalf("Fragments() = %d, want %d", len(fragments), res.Fragments)
	}
	for _, f := range fragments {
		if f.Embedding != nil {
			t.Fatalf("fragment %s exposes its embedding", f.Key())
		}
	}

	doc, err := svc.Get(ctx, "cats", "alice")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc.Name != "cats.txt" || doc.Fragments != res.Fragments || doc.Words != 30 || doc.Characters != len(text) {
		t.Fatalf("Get() = %+v", doc)
	}

	again, err := svc.Ingest(ctx, IngestRequest{DocumentID: "cats", UserID: "alice", Text: "Short replacement."})
	if err != nil {
		t.Fatalf("second Ingest() error = %v", err)
	}
	if again.Replaced != res.Fragments || again.Fragments != 1 {
		t.Fatalf("second Ingest() = %+v", again)
	}
	if stats := svc.Stats(); stats.Fragments != 1 {
		t.Fatalf("Stats() = %+v", stats)
	}
}

func TestDocumentServiceIngestFragments(t *testing.T) {
	ctx := context.Background()
	svc := newDocumentService(t)

	res, err := svc.Ingest(ctx, IngestRequest{UserID: "alice", Fragments: []retrieval.Fragment{
		{Content: "first part"},
		{Content: "   "},
		{Content: "second part"},
	}})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.DocumentID == "" || res.Fragments != 2 {
		t.Fatalf("Ingest() = %+v", res)
	}

	results, err := svc.Search(ctx, "alice", "second part", retrieval.SearchOptions{Limit: 5, Threshold: 0.99})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].Content != "second part" || results[0].DocumentID != res.DocumentID {
		t.Fatalf("Search() = %+v", results)
	}

	batches, err := svc.BatchSearch(ctx, "alice", []string{"first part", "second part"}, retrieval.SearchOptions{Limit: 1, Threshold: 0.99})
	if err != nil {
		t.Fatalf("BatchSearch() error = %v", err)
	}
	if len(batches) != 2 || batches[0][0].Ordinal != 0 || batches[1][0].Ordinal != 1 {
		t.Fatalf("BatchSearch() = %+v", batches)
	}

	removed, _ := svc.Remove(ctx, res.DocumentID, "alice")
	if removed != 2 {
		t.Fatalf("Remove() = %d, want 2", removed)
	}
	if _, err := svc.Get(ctx, res.DocumentID, "alice"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("Get() after Remove() error = %v", err)
	}
}

func TestDocumentServiceRejectsEmpty(t *testing.T) {
	svc := newDocumentService(t)
	if _, err := svc.Ingest(context.Background(), IngestRequest{DocumentID: "d", UserID: "alice", Text: " \n "}); !errors.Is(err, ErrEmptyDocument) {
		t.Fatalf("Ingest() error = %v, want ErrEmptyDocument", err)
	}
	if _, err := svc.Ingest(context.Background(), IngestRequest{DocumentID: "d", Text: "text"}); !errors.Is(err, ErrUserRequired) {
		t.Fatalf("Ingest() without user error = %v, want ErrUserRequired", err)
	}
	results, err := svc.Search(context.Background(), "alice", "  ", retrieval.SearchOptions{})
	if err != nil || results == nil || len(results) != 0 {
		t.Fatalf("Search(blank) = %v, %v", results, err)
	}
}

func TestDocumentServiceOwnerScoping(t *testing.T) {
	ctx := context.Background()
	svc := newDocumentService(t)

	secret := "the vault code is written under the desk"
	if _, err := svc.Ingest(ctx, IngestRequest{DocumentID: "vault", UserID: "bob", Text: secret}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if _, err := svc.Ingest(ctx, IngestRequest{DocumentID: "garden", UserID: "alice", Text: "tomatoes need sun"}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	t.Run("search", func(t *testing.T) {
		results, err := svc.Search(ctx, "alice", secret, retrieval.SearchOptions{Threshold: -1})
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		for _, r := range results {
			if r.DocumentID == "vault" {
				t.Fatalf("alice found bob's document: %+v", r)
			}
		}
		narrowed, _ := svc.Search(ctx, "alice", secret, retrieval.SearchOptions{Threshold: -1, DocumentIDs: []string{"vault"}})
		if len(narrowed) != 0 {
			t.Fatalf("Search() restricted to a foreign document = %+v", narrowed)
		}
	})

	t.Run("read and delete", func(t *testing.T) {
		if _, err := svc.Fragments(ctx, "vault", "alice"); !errors.Is(err, ErrDocumentNotFound) {
			t.Fatalf("Fragments() error = %v", err)
		}
		if _, err := svc.Similar(ctx, "vault", "alice", retrieval.SearchOptions{}); !errors.Is(err, ErrDocumentNotFound) {
			t.Fatalf("Similar() error = %v", err)
		}
		if _, err := svc.Remove(ctx, "vault", "alice"); !errors.Is(err, ErrDocumentNotFound) {
			t.Fatalf("Remove() error = %v", err)
		}
		if frags, err := svc.Fragments(ctx, "vault", "bob"); err != nil || len(frags) == 0 {
			t.Fatalf("bob lost his fragments: %v, %v", frags, err)
		}
	})

	t.Run("similar", func(t *testing.T) {
		results, err := svc.Similar(ctx, "garden", "alice", retrieval.SearchOptions{Threshold: -1})
		if err != nil {
			t.Fatalf("Similar() error = %v", err)
		}
		if len(results) != 0 {
			t.Fatalf("Similar() = %+v, want none", results)
		}
	})

	t.Run("ingest over foreign id", func(t *testing.T) {
		_, err := svc.Ingest(ctx, IngestRequest{DocumentID: "vault", UserID: "alice", Text: "overwrite"})
		if !errors.Is(err, ErrDocumentTaken) {
			t.Fatalf("Ingest() error = %v, want ErrDocumentTaken", err)
		}
	})

	t.Run("list", func(t *testing.T) {
		docs, total, err := svc.List(ctx, "alice", 10, 0)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if total != 1 || len(docs) != 1 || docs[0].ID != "garden" || docs[0].Content != "" {
			t.Fatalf("List() = %+v, %d", docs, total)
		}
	})
}

func TestDocumentServiceEmitsOwnedEvents(t *testing.T) {
	ctx := context.Background()
	svc := newDocumentService(t)
	emitter := event.NewEmitter(nil)
	svc.SetEmitter(emitter)

	var got []event.Event
	emitter.OnAny(func(ev event.Event) { got = append(got, ev) })

	svc.Ingest(ctx, IngestRequest{DocumentID: "d1", UserID: "alice", Text: "one two"})
	svc.Remove(ctx, "d1", "alice")
	svc.Remove(ctx, "missing", "alice")

	if len(got) != 2 {
		t.Fatalf("events = %v", got)
	}
	indexed, ok := got[0].(event.DocumentIndexedEvent)
	if !ok || indexed.UserID != "alice" || indexed.Fragments != 1 {
		t.Fatalf("first event = %+v", got[0])
	}
	removed, ok := got[1].(event.DocumentRemovedEvent)
	if !ok || removed.UserID != "alice" || removed.DocumentID != "d1" {
		t.Fatalf("second event = %+v", got[1])
	}
}
