package envelope

import (
	"testing"
	"time"
)

func TestParseMinted(t *testing.T) {
	tag, ok := ParseMinted("1717243200123-4")
	if !ok {
		t.Fatal("expected minted token to parse")
	}
	if tag.Epoch != 1717243200123 || tag.Seq != 4 {
		t.Fatalf("unexpected parse: %+v", tag)
	}

	tag, ok = ParseMinted("1717243200123-4-after_filter")
	if !ok || tag.Suffix != "after_filter" {
		t.Fatalf("expected suffix to parse, got %+v ok=%v", tag, ok)
	}

	for _, bad := range []string{"", "executing", "abc-1", "-1-2", "1717243200123"} {
		if _, ok := ParseMinted(bad); ok {
			t.Fatalf("expected %q not to parse as minted", bad)
		}
	}
}

func TestMintedOrdering(t *testing.T) {
	a := MintedTag{Epoch: 100, Seq: 5}
	b := MintedTag{Epoch: 100, Seq: 6}
	c := MintedTag{Epoch: 101, Seq: 0}
	if !a.Less(b) || !b.Less(c) || !a.Less(c) {
		t.Fatal("expected epoch-then-seq ordering")
	}
	if b.Less(a) || a.Less(a) {
		t.Fatal("ordering must be strict")
	}
}

func TestDeriveNextStateIsStrictlyIncreasing(t *testing.T) {
	now := time.UnixMilli(1717243200000)
	prev := ""
	for i := 0; i < 10; i++ {
		cur := DeriveNextState(prev, now)
		curTag, ok := ParseMinted(cur)
		if !ok {
			t.Fatalf("derived tag %q is not minted", cur)
		}
		if prevTag, ok := ParseMinted(prev); ok && !prevTag.Less(curTag) {
			t.Fatalf("derived %q not greater than %q", cur, prev)
		}
		prev = cur
	}
}

func TestDeriveNextStateSurvivesClockRollback(t *testing.T) {
	prev := DeriveNextState("", time.UnixMilli(2000))
	next := DeriveNextState(prev, time.UnixMilli(1000))
	p, _ := ParseMinted(prev)
	n, ok := ParseMinted(next)
	if !ok || !p.Less(n) {
		t.Fatalf("expected %q > %q despite clock rollback", next, prev)
	}
}

func TestSuspensiveLabels(t *testing.T) {
	if !Suspensive(TagAwaitingClarification) || !Suspensive(TagBlocked) {
		t.Fatal("denylist labels must be suspensive")
	}
	if Suspensive(TagExecuting) || Suspensive("1717243200123-0") {
		t.Fatal("only the two denylist labels suspend continuation")
	}
}
