package recall

import (
	"io"
	"log"
	"strings"
	"testing"
	"time"
)

var recallBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := NewIndex(WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestRecallSurfacesLexicalMatch(t *testing.T) {
	idx := testIndex(t)
	idx.Remember("s1", "message", "user: filter the table to the EMEA region", recallBase)
	idx.Remember("s1", "message", "assistant: done, twelve rows remain", recallBase.Add(time.Minute))
	idx.Remember("s1", "observation", "dom_action success removed the revenue card", recallBase.Add(2*time.Minute))

	got := idx.Recall("s1", "which emea rows did we keep", 2)
	if len(got) == 0 {
		t.Fatal("expected snippets")
	}
	found := false
	for _, s := range got {
		if strings.Contains(s, "EMEA") {
			found = true
		}
	}
	if !found {
		t.Fatalf("EMEA line did not surface: %v", got)
	}
}

func TestRecallScopedToSession(t *testing.T) {
	idx := testIndex(t)
	idx.Remember("s1", "message", "user: show the quarterly forecast", recallBase)
	idx.Remember("s2", "message", "user: show the quarterly forecast for s2", recallBase)

	for _, s := range idx.Recall("s1", "quarterly forecast", 5) {
		if strings.Contains(s, "s2") {
			t.Fatalf("snippet leaked across sessions: %q", s)
		}
	}
	if got := idx.Recall("missing", "quarterly forecast", 5); len(got) != 0 {
		t.Fatalf("unknown session returned %v", got)
	}
}

func TestRecallFallsBackToRecency(t *testing.T) {
	idx := testIndex(t)
	idx.Remember("s1", "message", "oldest line", recallBase)
	idx.Remember("s1", "message", "middle line", recallBase.Add(time.Minute))
	idx.Remember("s1", "message", "newest line", recallBase.Add(2*time.Minute))

	got := idx.Recall("s1", "zzzzz unmatched query", 2)
	if len(got) != 2 {
		t.Fatalf("got %d snippets, want 2", len(got))
	}
	if got[0] != "newest line" || got[1] != "middle line" {
		t.Fatalf("recency order wrong: %v", got)
	}
}

func TestRecallHonorsK(t *testing.T) {
	idx := testIndex(t)
	for i := 0; i < 10; i++ {
		idx.Remember("s1", "message", "revenue line number "+strings.Repeat("x", i+1), recallBase.Add(time.Duration(i)*time.Second))
	}
	if got := idx.Recall("s1", "revenue", 3); len(got) != 3 {
		t.Fatalf("got %d snippets, want 3", len(got))
	}
	if got := idx.Recall("s1", "revenue", 0); got != nil {
		t.Fatalf("k=0 returned %v", got)
	}
}

func TestSearchRanksAreSequential(t *testing.T) {
	idx := testIndex(t)
	idx.Remember("s1", "message", "alpha budget review", recallBase)
	idx.Remember("s1", "message", "beta budget review", recallBase.Add(time.Minute))
	idx.Remember("s1", "message", "gamma headcount plan", recallBase.Add(2*time.Minute))

	hits := idx.Search("s1", "budget review", 3)
	if len(hits) == 0 {
		t.Fatal("expected hits")
	}
	for i, h := range hits {
		if h.Rank != i+1 {
			t.Fatalf("hit %d has rank %d", i, h.Rank)
		}
		if h.Score <= 0 {
			t.Fatalf("hit %d has score %v", i, h.Score)
		}
	}
}

func TestForgetDropsSession(t *testing.T) {
	idx := testIndex(t)
	idx.Remember("s1", "message", "keep this s1 line about margins", recallBase)
	idx.Remember("s2", "message", "keep this s2 line about margins", recallBase)

	idx.Forget("s1")
	if got := idx.Recall("s1", "margins", 5); len(got) != 0 {
		t.Fatalf("forgot session still recalls %v", got)
	}
	if got := idx.Recall("s2", "margins", 5); len(got) != 1 {
		t.Fatalf("other session lost lines: %v", got)
	}
}

func TestRememberIgnoresEmpty(t *testing.T) {
	idx := testIndex(t)
	idx.Remember("", "message", "no session", recallBase)
	idx.Remember("s1", "message", "", recallBase)
	if got := idx.Recall("s1", "anything", 5); len(got) != 0 {
		t.Fatalf("empty remembers were indexed: %v", got)
	}
}
