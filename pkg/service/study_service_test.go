package service

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newStudyService(t *testing.T, gen *scriptedGenerator, limit int) (*StudyService, *DocumentService, *QuotaService) {
	t.Helper()
	docs := newDocumentService(t)
	quota := NewQuotaService(docs.db, limit, nil)
	return NewStudyService(gen, docs, quota, nil), docs, quota
}

func TestStudySummarize(t *testing.T) {
	ctx := context.Background()
	gen := &scriptedGenerator{provider: "primary", attempts: [][]string{{"Plants ", "need light."}}}
	svc, _, quota := newStudyService(t, gen, 0)

	text := "Photosynthesis turns light into chemical energy inside the leaves of plants."
	res, err := svc.Summarize(ctx, StudyRequest{UserID: "alice", Text: text, MaxLength: 20})
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if res.Summary != "Plants need light." || res.Provider != "primary" {
		t.Fatalf("Summarize() = %+v", res)
	}
	if res.OriginalLength != len(text) || res.SummaryLength != len(res.Summary) || res.TokensUsed == 0 {
		t.Fatalf("Summarize() lengths = %+v", res)
	}

	prompt := gen.prompt()
	if len(prompt) != 2 || !strings.Contains(prompt[0].Content, "approximately 20 words") || prompt[1].Content != text {
		t.Fatalf("prompt = %+v", prompt)
	}
	usage, _ := quota.Usage(ctx, "alice")
	if usage.Used != res.TokensUsed {
		t.Fatalf("Usage().Used = %d, want %d", usage.Used, res.TokensUsed)
	}
}

func TestStudySummarizeDocument(t *testing.T) {
	ctx := context.Background()
	gen := &scriptedGenerator{provider: "primary", attempts: [][]string{{"ok"}}}
	svc, docs, _ := newStudyService(t, gen, 0)

	if _, err := docs.Ingest(ctx, IngestRequest{DocumentID: "notes", UserID: "alice", Text: "Mitochondria make energy."}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if _, err := svc.Summarize(ctx, StudyRequest{UserID: "alice", DocumentID: "notes"}); err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got := gen.prompt()[1].Content; got != "Mitochondria make energy." {
		t.Fatalf("user message = %q", got)
	}
	if !strings.Contains(gen.prompt()[0].Content, "approximately 200 words") {
		t.Fatalf("system message = %q", gen.prompt()[0].Content)
	}

	if _, err := svc.Summarize(ctx, StudyRequest{UserID: "bob", DocumentID: "notes"}); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("Summarize() of a foreign document error = %v", err)
	}
}

func TestStudyRejects(t *testing.T) {
	ctx := context.Background()
	gen := &scriptedGenerator{provider: "primary", attempts: [][]string{{"unused"}}}
	svc, _, _ := newStudyService(t, gen, 60)

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{
			name: "no text",
			run: func() error {
				_, err := svc.Summarize(ctx, StudyRequest{UserID: "alice", Text: "  "})
				return err
			},
			want: ErrStudyTextMissing,
		},
		{
			name: "text too long",
			run: func() error {
				_, err := svc.Summarize(ctx, StudyRequest{UserID: "alice", Text: strings.Repeat("a", MaxStudyTextLength+1)})
				return err
			},
			want: ErrStudyTextTooLong,
		},
		{
			name: "too many cards",
			run: func() error {
				_, err := svc.Flashcards(ctx, StudyRequest{UserID: "alice", Text: "text", Count: MaxFlashcardCount + 1})
				return err
			},
			want: ErrInvalidFlashcardCount,
		},
		{
			name: "negative count",
			run: func() error {
				_, err := svc.Flashcards(ctx, StudyRequest{UserID: "alice", Text: "text", Count: -1})
				return err
			},
			want: ErrInvalidFlashcardCount,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("flashcards need more quota", func(t *testing.T) {
		// 60 tokens cover a summary but not a flashcard set.
		_, err := svc.Flashcards(ctx, StudyRequest{UserID: "alice", Text: "text"})
		var quotaErr *QuotaExceededError
		if !errors.As(err, &quotaErr) || quotaErr.Requested != FlashcardQuotaRequired {
			t.Fatalf("Flashcards() error = %v", err)
		}
	})

	if gen.plainCalls != 0 {
		t.Fatalf("generator called %d times for rejected requests", gen.plainCalls)
	}
}

func TestStudyFlashcards(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		answer string
		want   []Flashcard
	}{
		{
			name:   "json array",
			answer: `[{"question":"What is H2O?","answer":"Water"},{"question":"What is NaCl?","answer":"Salt"}]`,
			want:   []Flashcard{{"What is H2O?", "Water"}, {"What is NaCl?", "Salt"}},
		},
		{
			name:   "fenced array",
			answer: "Here you go:\n```json\n[{\"question\":\"Q\",\"answer\":\"A\"}]\n```",
			want:   []Flashcard{{"Q", "A"}},
		},
		{
			name:   "prose",
			answer: "Water is made of hydrogen and oxygen.",
			want:   []Flashcard{{"What is the main topic of this content?", "Water is made of hydrogen and oxygen...."}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &scriptedGenerator{provider: "primary", attempts: [][]string{{tt.answer}}}
			svc, _, _ := newStudyService(t, gen, 0)

			res, err := svc.Flashcards(ctx, StudyRequest{UserID: "alice", Text: "Chemistry basics.", Count: 2})
			if err != nil {
				t.Fatalf("Flashcards() error = %v", err)
			}
			if res.Count != len(tt.want) || len(res.Flashcards) != len(tt.want) {
				t.Fatalf("Flashcards() = %+v", res)
			}
			for i, card := range tt.want {
				if res.Flashcards[i] != card {
					t.Fatalf("card %d = %+v, want %+v", i, res.Flashcards[i], card)
				}
			}
			if !strings.Contains(gen.prompt()[0].Content, "exactly 2 flashcards") {
				t.Fatalf("system message = %q", gen.prompt()[0].Content)
			}
		})
	}
}
