// Package recall keeps a lexical memory of chat messages and observation
// summaries per session. The prompt builder asks it for the few lines of
// older history most related to the current user message, so context that
// rotated out of the trailing window can still reach the model.
package recall

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
)

const rrfK = 60 // reciprocal-rank-fusion constant

// Entry is one remembered line of session history.
type Entry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// Hit is a scored, ranked search result.
type Hit struct {
	Entry Entry
	Score float64
	Rank  int
}

// Index is an in-memory BM25 index over remembered lines. One index serves
// every session; results are filtered per session at query time.
type Index struct {
	index  bleve.Index
	logger *log.Logger

	mu   sync.RWMutex
	meta map[string]Entry
	seq  uint64
}

// Option adjusts an Index.
type Option func(*Index)

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Index) { r.logger = l }
}

// NewIndex builds an empty memory-only index.
func NewIndex(opts ...Option) (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("recall index: %w", err)
	}
	r := &Index{
		index:  idx,
		logger: log.New(log.Writer(), "[RECALL] ", log.LstdFlags),
		meta:   make(map[string]Entry),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Remember indexes one line. Empty lines and lines without a session are
// dropped silently.
func (r *Index) Remember(sessionID, kind, text string, at time.Time) {
	if sessionID == "" || text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e := Entry{
		ID:        fmt.Sprintf("%s-%06d", sessionID, r.seq),
		SessionID: sessionID,
		Kind:      kind,
		Text:      text,
		At:        at,
	}
	if err := r.index.Index(e.ID, e); err != nil {
		r.logger.Printf("index %s: %v", e.ID, err)
		return
	}
	r.meta[e.ID] = e
}

// Recall returns up to k snippet texts for the session, best first.
func (r *Index) Recall(sessionID, query string, k int) []string {
	hits := r.Search(sessionID, query, k)
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Entry.Text)
	}
	return out
}

// Search fuses the BM25 rank with a recency rank so stale matches do not
// crowd out what just happened.
func (r *Index) Search(sessionID, query string, k int) []Hit {
	if k <= 0 {
		return nil
	}
	return fuseRRF(r.lexical(sessionID, query, k), r.recent(sessionID, k), k)
}

func (r *Index) lexical(sessionID, query string, k int) []Hit {
	if query == "" {
		return nil
	}
	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(q, k*3, 0, false)
	res, err := r.index.Search(req)
	if err != nil {
		r.logger.Printf("search %q: %v", query, err)
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Hit
	for _, hit := range res.Hits {
		e, ok := r.meta[hit.ID]
		if !ok || e.SessionID != sessionID {
			continue
		}
		out = append(out, Hit{Entry: e, Score: hit.Score, Rank: len(out) + 1})
		if len(out) >= k {
			break
		}
	}
	return out
}

func (r *Index) recent(sessionID string, k int) []Hit {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.meta))
	for _, e := range r.meta {
		if e.SessionID == sessionID {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].At.Equal(entries[j].At) {
			return entries[i].ID > entries[j].ID
		}
		return entries[i].At.After(entries[j].At)
	})
	if len(entries) > k {
		entries = entries[:k]
	}
	out := make([]Hit, 0, len(entries))
	for i, e := range entries {
		out = append(out, Hit{Entry: e, Rank: i + 1})
	}
	return out
}

// fuseRRF merges two ranked lists by reciprocal-rank fusion.
func fuseRRF(a, b []Hit, k int) []Hit {
	type agg struct {
		hit   Hit
		score float64
	}
	m := map[string]*agg{}
	add := func(list []Hit) {
		for _, h := range list {
			x, ok := m[h.Entry.ID]
			if !ok {
				x = &agg{hit: h}
				m[h.Entry.ID] = x
			}
			x.score += 1.0 / float64(rrfK+h.Rank)
		}
	}
	add(a)
	add(b)
	fused := make([]Hit, 0, len(m))
	for _, v := range m {
		v.hit.Score = v.score
		fused = append(fused, v.hit)
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score == fused[j].Score {
			return fused[i].Entry.ID > fused[j].Entry.ID
		}
		return fused[i].Score > fused[j].Score
	})
	if len(fused) > k {
		fused = fused[:k]
	}
	for i := range fused {
		fused[i].Rank = i + 1
	}
	return fused
}

// Forget drops every line remembered for a session.
func (r *Index) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.meta {
		if e.SessionID != sessionID {
			continue
		}
		if err := r.index.Delete(id); err != nil {
			r.logger.Printf("delete %s: %v", id, err)
		}
		delete(r.meta, id)
	}
}

// Close releases the underlying index.
func (r *Index) Close() error {
	return r.index.Close()
}
