package service

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestQuotaService(t *testing.T) {
	ctx := context.Background()
	q := NewQuotaService(openTestDB(t), 500, nil)

	usage, err := q.Usage(ctx, "alice")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if usage != (QuotaUsage{Used: 0, Limit: 500, Remaining: 500}) {
		t.Fatalf("Usage() = %+v", usage)
	}

	if err := q.Consume(ctx, "alice", 350); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	q.Consume(ctx, "alice", 0)

	tests := []struct {
		name     string
		n        int
		expected bool
	}{
		{name: "fits", n: 100, expected: true},
		{name: "exactly the rest", n: 150, expected: true},
		{name: "too much", n: 151, expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			usage, ok, err := q.HasQuota(ctx, "alice", tt.n)
			if err != nil {
				t.Fatalf("HasQuota() error = %v", err)
			}
			if ok != tt.expected {
				t.Errorf("HasQuota(%d) = %v, want %v", tt.n, ok, tt.expected)
			}
			if usage.Used != 350 || usage.Remaining != 150 {
				t.Errorf("usage = %+v", usage)
			}
		})
	}

	if err := q.SetLimit(ctx, "alice", 1000); err != nil {
		t.Fatalf("SetLimit() error = %v", err)
	}
	if _, ok, _ := q.HasQuota(ctx, "alice", 600); !ok {
		t.Fatalf("HasQuota() after raising limit = false")
	}

	if _, err := q.Usage(ctx, ""); !errors.Is(err, ErrUserRequired) {
		t.Fatalf("Usage(\"\") error = %v", err)
	}
}

func TestQuotaExceededErrorMessage(t *testing.T) {
	err := &QuotaExceededError{Used: 9950, Limit: 10000, Requested: 100}
	msg := err.Error()
	if !strings.Contains(msg, "9950") || !strings.Contains(msg, "10000") {
		t.Fatalf("Error() = %q, want usage and limit", msg)
	}
}
