package plagscan

import (
	"container/heap"
	"sort"
	"sync"
	"time"
)

var _ TextSearch = (*textSearch)(nil)

// textSearch implements TextSearch for a single loaded Engine,
// following the builder-pattern search APIs used throughout the
// example corpus (WithX()...Execute()).
type textSearch struct {
	engine      *Engine
	text        string
	k           int
	excludeIDs  []uint32
	allowIDs    []uint32
}

// NewSearch returns a new search builder bound to this engine.
func (e *Engine) NewSearch() TextSearch {
	return &textSearch{engine: e, k: 10}
}

func (s *textSearch) WithText(text string) TextSearch {
	s.text = text
	return s
}

func (s *textSearch) WithK(k int) TextSearch {
	s.k = k
	return s
}

func (s *textSearch) WithExcludeDocIDs(localDocIDs ...uint32) TextSearch {
	s.excludeIDs = localDocIDs
	return s
}

func (s *textSearch) WithDocumentIDs(localDocIDs ...uint32) TextSearch {
	s.allowIDs = localDocIDs
	return s
}

// queryTerm is a query shingle that was found in the index posting
// table: L is the index into uniq/off for that hash, df its document
// frequency.
type queryTerm struct {
	hash uint64
	df   int
	L    int
}

// candidate is a document surfaced during seed candidate gathering,
// carrying the number of seeds it matched (seedHits) and, after the
// intersection pass, the number of distinct query terms it matched
// (inter).
type candidate struct {
	doc      uint32
	seedHits uint16
	inter    uint16
}

// scratch holds the per-query buffers reused across Execute calls via
// sync.Pool, soft-capped so a pathological query's buffers shrink
// back down after the request completes (§5's memory-cap guidance).
type scratch struct {
	rawDids    []uint32
	candidates []candidate
	terms      []queryTerm
	scored     []SearchHit
}

const (
	scratchRawDidsSoftCap = 4_000_000 // ~16MB of u32
	scratchCandsSoftCap   = 4096
)

var scratchPool = sync.Pool{New: func() interface{} { return &scratch{} }}

func getScratch() *scratch { return scratchPool.Get().(*scratch) }

func putScratch(s *scratch) {
	if cap(s.rawDids) > scratchRawDidsSoftCap {
		s.rawDids = nil
	} else {
		s.rawDids = s.rawDids[:0]
	}
	if cap(s.candidates) > scratchCandsSoftCap {
		s.candidates = nil
	} else {
		s.candidates = s.candidates[:0]
	}
	s.terms = s.terms[:0]
	s.scored = s.scored[:0]
	scratchPool.Put(s)
}

// Execute runs the hot query path described in §4.4 steps 1-8:
// normalize and shingle the query, look up postings, select rare
// seeds, gather and cap candidates, intersect against the full query
// term set, score, and return the top-K.
func (s *textSearch) Execute() ([]SearchHit, error) {
	return s.ExecuteWithStats(nil)
}

// ExecuteWithStats runs the same query as Execute, timing each
// hot-path phase into stats when the engine's perf_stats config flag
// is enabled and stats is non-nil — mirroring the original engine's
// optional SearchStats* out-param and its perf-gated mark() closure.
func (s *textSearch) ExecuteWithStats(stats *SearchStats) ([]SearchHit, error) {
	if s.text == "" {
		return nil, newErr(ErrBadRequest, "empty query text")
	}

	li, err := s.engine.borrow()
	if err != nil {
		return nil, err
	}
	defer li.release()

	cfg := s.engine.cfg
	perf := cfg.PerfStats && stats != nil
	mark := func(dst *int64, t0 time.Time) {
		if perf {
			*dst += time.Since(t0).Nanoseconds()
		}
	}

	norm := Normalize(s.text)
	spans := Tokenize(norm)

	// Failure semantics: queries below w_min_query tokens return
	// empty results, never an error.
	if len(spans) < cfg.WMinQuery {
		return nil, nil
	}

	hashes := BuildShingles(norm, spans, cfg.K)
	if len(hashes) == 0 {
		return nil, nil
	}
	q := DedupSorted(hashes)
	if len(q) > cfg.MaxQUniq9 {
		q = q[:cfg.MaxQUniq9] // keep lexicographically smallest, deterministic
	}
	qSize := len(q)
	if qSize == 0 {
		return nil, nil
	}

	sc := getScratch()
	defer putScratch(sc)

	// Step 2: posting lookup.
	terms := sc.terms
	for _, h := range q {
		idx := sort.Search(len(li.csr.Uniq), func(i int) bool { return li.csr.Uniq[i] >= h })
		if idx >= len(li.csr.Uniq) || li.csr.Uniq[idx] != h {
			continue
		}
		df := int(li.csr.Off[idx+1] - li.csr.Off[idx])
		terms = append(terms, queryTerm{hash: h, df: df, L: idx})
	}
	sc.terms = terms
	if len(terms) == 0 {
		return nil, nil
	}

	// Step 3: seed selection (rare-first).
	var t0 time.Time
	if perf {
		t0 = time.Now()
	}
	seedCandidates := make([]queryTerm, 0, len(terms))
	for _, t := range terms {
		if t.df <= cfg.MaxDfForSeed {
			seedCandidates = append(seedCandidates, t)
		}
	}
	if len(seedCandidates) == 0 {
		// every term is too common; fall back to the single rarest
		// term overall so at least one seed is used.
		best := terms[0]
		for _, t := range terms[1:] {
			if t.df < best.df {
				best = t
			}
		}
		seedCandidates = []queryTerm{best}
	}
	sort.Slice(seedCandidates, func(i, j int) bool { return seedCandidates[i].df < seedCandidates[j].df })

	seeds := make([]queryTerm, 0, cfg.FetchPerKDoc)
	var sumDf uint64
	for _, t := range seedCandidates {
		if len(seeds) >= cfg.FetchPerKDoc {
			break
		}
		if len(seeds) > 0 {
			// max_sum_df_seeds == 0 disables the soft budget; the hard
			// ceiling below still applies regardless.
			if cfg.MaxSumDfSeeds != 0 && sumDf+uint64(t.df) > cfg.MaxSumDfSeeds {
				break
			}
			if sumDf+uint64(t.df) > cfg.HardMaxSumDfSeeds {
				break
			}
		}
		seeds = append(seeds, t)
		sumDf += uint64(t.df)
	}
	if len(seeds) == 0 {
		seeds = append(seeds, seedCandidates[0])
	}
	if perf {
		mark(&stats.SeedSelectNs, t0)
		t0 = time.Now()
	}

	// Step 4: candidate gathering.
	raw := sc.rawDids
	for _, seed := range seeds {
		lo, hi := li.csr.Off[seed.L], li.csr.Off[seed.L+1]
		raw = append(raw, li.csr.Did[lo:hi]...)
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i] < raw[j] })
	sc.rawDids = raw

	candidates := sc.candidates
	for i := 0; i < len(raw); {
		doc := raw[i]
		count := 0
		for i < len(raw) && raw[i] == doc {
			if count < 0xFFFF {
				count++
			}
			i++
		}
		candidates = append(candidates, candidate{doc: doc, seedHits: uint16(count)})
	}
	sc.candidates = candidates

	// Step 5: candidate cap.
	if len(candidates) > cfg.MaxCandsDoc {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].seedHits > candidates[j].seedHits })
		candidates = candidates[:cfg.MaxCandsDoc]
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].doc < candidates[j].doc })
	}
	if perf {
		mark(&stats.GatherNs, t0)
		stats.SeedCount = len(seeds)
		stats.CandidateCount = len(candidates)
		t0 = time.Now()
	}

	// Step 6: intersection refinement against the FULL query term set
	// (not just the seeds) — the authoritative contract per §9.
	excludeFilt := newDocFilter(s.excludeIDs, true)
	defer returnDocFilter(excludeFilt)
	allowFilt := newDocFilter(s.allowIDs, false)
	defer returnDocFilter(allowFilt)

	for _, t := range terms {
		lo, hi := li.csr.Off[t.L], li.csr.Off[t.L+1]
		post := li.csr.Did[lo:hi]
		ci, pi := 0, 0
		for ci < len(candidates) && pi < len(post) {
			switch {
			case candidates[ci].doc == post[pi]:
				if candidates[ci].inter < 0xFFFF {
					candidates[ci].inter++
				}
				ci++
				pi++
			case candidates[ci].doc < post[pi]:
				ci++
			default:
				pi++
			}
		}
	}
	if perf {
		mark(&stats.IntersectNs, t0)
		t0 = time.Now()
	}

	// Step 7: scoring.
	scored := sc.scored
	alpha := cfg.Weights.Alpha
	w9 := cfg.Weights.W9
	for _, c := range candidates {
		if !excludeFilt.allowed(c.doc) || !allowFilt.allowed(c.doc) {
			continue
		}
		if c.inter == 0 {
			continue
		}
		tokLen := li.tokLen(c.doc)
		if int(tokLen) < cfg.WMinDoc {
			continue
		}
		t := int(tokLen) - cfg.K + 1
		if t <= 0 {
			continue
		}
		inter := float64(c.inter)
		denom := float64(qSize) + float64(t) - inter
		if denom < 1 {
			denom = 1
		}
		j := inter / denom
		cc := inter / float64(qSize)
		score := w9 * (alpha*j + (1-alpha)*cc)

		docID := ""
		if int(c.doc) < len(li.docIDs) {
			docID = li.docIDs[c.doc]
		}
		scored = append(scored, SearchHit{
			LocalDocID: c.doc,
			DocID:      docID,
			Score:      score,
			J:          j,
			C:          cc,
			CandHits:   c.inter,
		})
	}
	sc.scored = scored
	if perf {
		mark(&stats.ScoreNs, t0)
		t0 = time.Now()
	}

	// Step 8: top-K via bounded min-heap.
	k := s.k
	if k <= 0 {
		k = len(scored)
	}
	if k > TopKHardMax {
		k = TopKHardMax
	}
	out := topKHits(scored, k)
	if perf {
		mark(&stats.TopKNs, t0)
	}
	return out, nil
}

// hitHeap is a min-heap of SearchHit ordered by ascending Score, used
// to retain only the top-K highest-scoring entries without sorting
// the full candidate list — grounded on the teacher's resultHeap.
type hitHeap []SearchHit

func (h hitHeap) Len() int            { return len(h) }
func (h hitHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h hitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x interface{}) { *h = append(*h, x.(SearchHit)) }
func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func topKHits(scored []SearchHit, k int) []SearchHit {
	if k <= 0 || len(scored) == 0 {
		return nil
	}
	if k >= len(scored) {
		sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
		out := make([]SearchHit, len(scored))
		copy(out, scored)
		return out
	}

	h := make(hitHeap, 0, k)
	heap.Init(&h)
	for _, hit := range scored {
		if h.Len() < k {
			heap.Push(&h, hit)
		} else if hit.Score > h[0].Score {
			heap.Pop(&h)
			heap.Push(&h, hit)
		}
	}
	out := make([]SearchHit, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(SearchHit)
	}
	return out
}
