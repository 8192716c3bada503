package embedding

import (
	"context"
	"errors"
	"testing"
)

func TestFallbackDeterministic(t *testing.T) {
	texts := []string{"", "cats are mammals", "what are cats", "猫は哺乳類", "a much longer sentence with several words in it"}
	for _, text := range texts {
		a := Fallback(text, 64)
		b := Fallback(text, 64)
		if len(a) != 64 {
			t.Fatalf("len(Fallback(%q)) = %d, want 64", text, len(a))
		}
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("Fallback(%q)[%d] differs between calls: %v vs %v", text, i, a[i], b[i])
			}
			if a[i] < -0.5 || a[i] >= 0.5 {
				t.Fatalf("Fallback(%q)[%d] = %v out of range", text, i, a[i])
			}
		}
	}
}

func TestFallbackDistinguishesTexts(t *testing.T) {
	a := Fallback("alpha", 16)
	b := Fallback("beta", 16)
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("different texts produced identical vectors")
	}
}

func TestFallbackDefaultDimension(t *testing.T) {
	if got := len(Fallback("x", 0)); got != DefaultDimension {
		t.Fatalf("len(Fallback(x, 0)) = %d, want %d", got, DefaultDimension)
	}
}

func TestEstimatorWithoutBackend(t *testing.T) {
	e := New(nil, 32, nil)
	vec := e.Embed(context.Background(), "hello")
	if len(vec) != 32 {
		t.Fatalf("len(Embed()) = %d, want 32", len(vec))
	}
	if e.Mode() != ModeFallback {
		t.Fatalf("Mode() = %q, want %q", e.Mode(), ModeFallback)
	}
}

func TestEstimatorUsesBackend(t *testing.T) {
	backend := BackendFunc(func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 2, 3}, nil
	})
	e := New(backend, 1536, nil)

	vec := e.Embed(context.Background(), "hello")
	if len(vec) != 3 || vec[0] != 1 {
		t.Fatalf("Embed() = %v, want backend vector", vec)
	}
	if e.Dimension() != 3 {
		t.Fatalf("Dimension() = %d, want backend width 3", e.Dimension())
	}
	if e.Mode() != ModeProvider {
		t.Fatalf("Mode() = %q, want %q", e.Mode(), ModeProvider)
	}
}

func TestEstimatorFallsBackOnError(t *testing.T) {
	calls := 0
	backend := BackendFunc(func(ctx context.Context, text string) ([]float32, error) {
		calls++
		if calls == 1 {
			return []float32{0.1, 0.2, 0.3, 0.4}, nil
		}
		return nil, errors.New("connection refused")
	})
	e := New(backend, 1536, nil)
	ctx := context.Background()

	_ = e.Embed(ctx, "first")
	got := e.Embed(ctx, "second")
	want := Fallback("second", 4)
	if len(got) != len(want) {
		t.Fatalf("fallback length = %d, want learned width %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fallback[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if e.Mode() != ModeFallback {
		t.Fatalf("Mode() = %q, want %q", e.Mode(), ModeFallback)
	}
}

func TestEstimatorEmbedBatch(t *testing.T) {
	e := New(nil, 8, nil)
	out := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if len(out) != 3 {
		t.Fatalf("len(EmbedBatch()) = %d, want 3", len(out))
	}
	for i, text := range []string{"a", "b", "c"} {
		want := Fallback(text, 8)
		if out[i][0] != want[0] {
			t.Fatalf("EmbedBatch()[%d] does not match Fallback(%q)", i, text)
		}
	}
}
