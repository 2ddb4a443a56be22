package envelope

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Session-level state tag labels. An action may carry one of these instead of
// a minted ordering token.
const (
	TagInitial               = "initial"
	TagPlanning              = "planning"
	TagExecuting             = "executing"
	TagAwaitingClarification = "awaiting_clarification"
	TagBlocked               = "blocked"
	TagDone                  = "done"
)

var knownLabels = map[string]bool{
	TagInitial:               true,
	TagPlanning:              true,
	TagExecuting:             true,
	TagAwaitingClarification: true,
	TagBlocked:               true,
	TagDone:                  true,
}

// KnownLabel reports whether s is one of the closed session-level labels.
func KnownLabel(s string) bool { return knownLabels[s] }

// Suspensive reports whether the tag suspends automatic continuation.
func Suspensive(s string) bool {
	return s == TagAwaitingClarification || s == TagBlocked
}

// MintedTag is a parsed ordering token of the form "<epochMillis>-<seq>" with
// an optional trailing suffix. Tokens order by epoch first, then seq; the
// suffix never participates in ordering.
type MintedTag struct {
	Epoch  int64
	Seq    int
	Suffix string
}

// ParseMinted parses s as a minted token. The boolean is false when s is not
// token-shaped (labels and arbitrary text both fail the parse).
func ParseMinted(s string) (MintedTag, bool) {
	parts := strings.SplitN(s, "-", 3)
	if len(parts) < 2 {
		return MintedTag{}, false
	}
	epoch, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || epoch <= 0 {
		return MintedTag{}, false
	}
	seq, err := strconv.Atoi(parts[1])
	if err != nil || seq < 0 {
		return MintedTag{}, false
	}
	t := MintedTag{Epoch: epoch, Seq: seq}
	if len(parts) == 3 {
		t.Suffix = parts[2]
	}
	return t, true
}

// Less orders minted tokens by epoch, then seq.
func (t MintedTag) Less(o MintedTag) bool {
	if t.Epoch != o.Epoch {
		return t.Epoch < o.Epoch
	}
	return t.Seq < o.Seq
}

// String renders the canonical token form.
func (t MintedTag) String() string {
	s := fmt.Sprintf("%d-%d", t.Epoch, t.Seq)
	if t.Suffix != "" {
		s += "-" + t.Suffix
	}
	return s
}

// DeriveNextState mints the token that must follow prev. When prev is a label
// or empty, a fresh token at the current epoch is minted. The result is always
// strictly greater than a minted prev, even if the wall clock stepped
// backwards.
func DeriveNextState(prev string, now time.Time) string {
	epoch := now.UnixMilli()
	p, ok := ParseMinted(prev)
	if !ok {
		return MintedTag{Epoch: epoch, Seq: 0}.String()
	}
	if epoch > p.Epoch {
		return MintedTag{Epoch: epoch, Seq: 0}.String()
	}
	return MintedTag{Epoch: p.Epoch, Seq: p.Seq + 1}.String()
}
