package plagscan

import (
	"container/heap"
	"container/list"
	"fmt"
	"sort"
	"sync"
	"time"
)

// cacheEntry is one LRU slot in the Aggregator's engine cache: either
// a successfully loaded Engine, or a cached load failure that is
// retried no more often than LoadRetryMs (§5).
type cacheEntry struct {
	dir      string
	engine   *Engine
	loadErr  error
	failedAt time.Time
	pins     int
	elem     *list.Element
}

// Aggregator fans a single query out across many independently loaded
// indexes and merges their per-index hits into one global ranking
// (C5). Its engine cache is a plain sync.Mutex-guarded LRU, adapted
// from oarkflow-search's xsync-backed LRU since the aggregator's own
// critical sections are already short enough not to need a
// lock-free map.
type Aggregator struct {
	cfg *AggregatorConfig

	mu    sync.Mutex
	cache map[string]*cacheEntry
	order *list.List
}

// NewAggregator returns an Aggregator using cfg, or defaults if nil.
func NewAggregator(cfg *AggregatorConfig) *Aggregator {
	if cfg == nil {
		cfg = DefaultAggregatorConfig()
	}
	return &Aggregator{
		cfg:   cfg,
		cache: make(map[string]*cacheEntry),
		order: list.New(),
	}
}

// borrow returns a pinned Engine for dir, loading and caching it if
// necessary. The caller must call the returned release func exactly
// once. A failed load is cached and not retried until LoadRetryMs has
// elapsed, so a consistently missing or corrupt index directory does
// not re-pay the load cost on every query.
func (a *Aggregator) borrow(dir string) (*Engine, func(), error) {
	a.mu.Lock()
	ent, ok := a.cache[dir]
	if ok && ent.engine != nil {
		ent.pins++
		a.order.MoveToFront(ent.elem)
		eng := ent.engine
		a.mu.Unlock()
		return eng, func() { a.release(dir) }, nil
	}
	if ok && ent.loadErr != nil {
		retryAfter := time.Duration(a.cfg.LoadRetryMs) * time.Millisecond
		if time.Since(ent.failedAt) < retryAfter {
			err := ent.loadErr
			a.mu.Unlock()
			return nil, func() {}, err
		}
	}
	a.mu.Unlock()

	eng, loadErr := LoadIndex(dir, nil)

	a.mu.Lock()
	defer a.mu.Unlock()

	ent, ok = a.cache[dir]
	if !ok {
		ent = &cacheEntry{dir: dir}
		ent.elem = a.order.PushFront(dir)
		a.cache[dir] = ent
	} else {
		a.order.MoveToFront(ent.elem)
	}

	if loadErr != nil {
		ent.engine = nil
		ent.loadErr = loadErr
		ent.failedAt = time.Now()
		a.evictIfNeeded()
		return nil, func() {}, loadErr
	}

	ent.engine = eng
	ent.loadErr = nil
	ent.pins++
	a.evictIfNeeded()
	return eng, func() { a.release(dir) }, nil
}

func (a *Aggregator) release(dir string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ent, ok := a.cache[dir]; ok && ent.pins > 0 {
		ent.pins--
	}
}

// evictIfNeeded drops least-recently-used, currently-unpinned entries
// until the cache is within CacheMax. Pinned entries are skipped and
// revisited on the next call, never evicted out from under an
// in-flight search.
func (a *Aggregator) evictIfNeeded() {
	max := a.cfg.CacheMax
	if max <= 0 {
		max = 256
	}
	if len(a.cache) <= max {
		return
	}
	elem := a.order.Back()
	for elem != nil && len(a.cache) > max {
		dir := elem.Value.(string)
		prev := elem.Prev()
		ent, ok := a.cache[dir]
		if ok && ent.pins == 0 {
			if ent.engine != nil {
				_ = ent.engine.Close()
			}
			delete(a.cache, dir)
			a.order.Remove(elem)
		}
		elem = prev
	}
}

// AggregateHit is one merged, ranked result in a multi-index query
// response (§4.5).
type AggregateHit struct {
	DocID        string  `json:"doc_id"`
	DocUID       string  `json:"doc_uid"`
	BestIndexDir string  `json:"best_index_dir"`
	Score        float64 `json:"score"`
	J9           float64 `json:"j9"`
	C9           float64 `json:"c9"`
	CandHits     uint16  `json:"cand_hits"`
	FoundIn      int     `json:"found_in"`
}

// AggregateResult is the top-level JSON response envelope for a
// multi-index query, per §4.5/§6.
type AggregateResult struct {
	OK                    bool           `json:"ok"`
	TopK                  int            `json:"top_k"`
	LocalK                int            `json:"local_k"`
	DirsOK                int            `json:"dirs_ok"`
	DirsFailed            int            `json:"dirs_failed"`
	UniqueDocsConsidered  int            `json:"unique_docs_considered"`
	Count                 int            `json:"count"`
	Hits                  []AggregateHit `json:"hits"`
	Error                 *AggregateErr  `json:"error,omitempty"`
}

// AggregateErr is the error sub-object of a failed query response.
type AggregateErr struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func errorResult(code ErrorCode, msg string) *AggregateResult {
	return &AggregateResult{
		OK:    false,
		Hits:  []AggregateHit{},
		Error: &AggregateErr{Code: code, Message: msg},
	}
}

const maxAggregateDirs = 20000

// localKFor computes the per-index fetch depth for a fan-out over n
// indexes: smaller deployments fetch proportionally deeper per index
// since there is less to merge, per §4.5's fan-out policy.
func localKFor(topK, n int) int {
	mult := 1
	switch {
	case n <= 8:
		mult = 4
	case n <= 64:
		mult = 3
	case n <= 512:
		mult = 2
	}
	k := topK * mult
	if k > LocalKHardMax {
		k = LocalKHardMax
	}
	if k < topK {
		k = topK
	}
	return k
}

// fanoutOutcome is one index directory's search outcome, gathered
// concurrently by Search's worker pool.
type fanoutOutcome struct {
	dir  string
	hits []SearchHit
	err  error
}

// Search runs query against every index directory in dirs, merging
// per-index hits into one globally ranked top-K (§4.5). It never
// returns a Go error. Partial per-directory failures are reflected in
// DirsFailed; only malformed top-level input yields a result with
// OK=false and Error set.
func (a *Aggregator) Search(query string, dirs []string, topK int) *AggregateResult {
	if query == "" {
		return errorResult(ErrBadRequest, "query text is empty")
	}
	if len(dirs) == 0 {
		return errorResult(ErrBadRequest, "no index directories given")
	}
	if len(dirs) > maxAggregateDirs {
		return errorResult(ErrBadRequest, fmt.Sprintf("too many index directories: %d > %d", len(dirs), maxAggregateDirs))
	}
	if topK <= 0 {
		topK = 10
	}
	if topK > TopKHardMax {
		topK = TopKHardMax
	}

	localK := localKFor(topK, len(dirs))

	concurrency := runtimeConcurrencyCap(len(dirs))
	jobs := make(chan string, len(dirs))
	for _, d := range dirs {
		jobs <- d
	}
	close(jobs)

	outcomes := make(chan fanoutOutcome, len(dirs))
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for dir := range jobs {
				outcomes <- a.searchOne(dir, query, localK)
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	best := make(map[string]*AggregateHit)
	foundDirs := make(map[string]map[string]bool)
	dirsOK, dirsFailed := 0, 0

	for oc := range outcomes {
		if oc.err != nil {
			dirsFailed++
			continue
		}
		dirsOK++
		for _, hit := range oc.hits {
			key := aggregationKey(oc.dir, hit)
			if foundDirs[key] == nil {
				foundDirs[key] = make(map[string]bool)
			}
			foundDirs[key][oc.dir] = true

			cur, exists := best[key]
			if !exists || betterHit(hit, oc.dir, cur) {
				best[key] = &AggregateHit{
					DocID:        hit.DocID,
					DocUID:       key,
					BestIndexDir: oc.dir,
					Score:        hit.Score,
					J9:           hit.J,
					C9:           hit.C,
					CandHits:     hit.CandHits,
				}
			}
		}
	}

	merged := make([]AggregateHit, 0, len(best))
	for key, h := range best {
		h.FoundIn = len(foundDirs[key])
		merged = append(merged, *h)
	}

	hits := topKAggregateHits(merged, topK)

	return &AggregateResult{
		OK:                   true,
		TopK:                 topK,
		LocalK:               localK,
		DirsOK:               dirsOK,
		DirsFailed:           dirsFailed,
		UniqueDocsConsidered: len(best),
		Count:                len(hits),
		Hits:                 hits,
	}
}

// aggregationKey computes the cross-index aggregation key for a hit:
// the real external doc id when one is recorded, else a
// dir-qualified fallback so distinct documents in different indexes
// never collide under an empty or missing doc id (§4.5).
func aggregationKey(dir string, hit SearchHit) string {
	if hit.DocID != "" {
		return hit.DocID
	}
	return fmt.Sprintf("%s:%d", dir, hit.LocalDocID)
}

// betterHit reports whether candidate hit from dir should replace the
// current best for its aggregation key: higher score wins, ties break
// on higher cand_hits.
func betterHit(hit SearchHit, dir string, cur *AggregateHit) bool {
	if hit.Score != cur.Score {
		return hit.Score > cur.Score
	}
	return hit.CandHits > cur.CandHits
}

func (a *Aggregator) searchOne(dir, query string, localK int) fanoutOutcome {
	eng, release, err := a.borrow(dir)
	if err != nil {
		return fanoutOutcome{dir: dir, err: err}
	}
	defer release()

	hits, err := eng.NewSearch().WithText(query).WithK(localK).Execute()
	if err != nil {
		return fanoutOutcome{dir: dir, err: err}
	}
	return fanoutOutcome{dir: dir, hits: hits}
}

func runtimeConcurrencyCap(n int) int {
	const maxWorkers = 32
	if n < 1 {
		return 1
	}
	if n < maxWorkers {
		return n
	}
	return maxWorkers
}

// aggHeap is a min-heap of AggregateHit ordered by ascending Score,
// mirroring the per-index top-K heap in search.go.
type aggHeap []AggregateHit

func (h aggHeap) Len() int            { return len(h) }
func (h aggHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h aggHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *aggHeap) Push(x interface{}) { *h = append(*h, x.(AggregateHit)) }
func (h *aggHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func topKAggregateHits(all []AggregateHit, k int) []AggregateHit {
	if k <= 0 || len(all) == 0 {
		return nil
	}
	if k >= len(all) {
		sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
		return all
	}
	h := make(aggHeap, 0, k)
	heap.Init(&h)
	for _, hit := range all {
		if h.Len() < k {
			heap.Push(&h, hit)
		} else if hit.Score > h[0].Score {
			heap.Pop(&h)
			heap.Push(&h, hit)
		}
	}
	out := make([]AggregateHit, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(AggregateHit)
	}
	return out
}

// Close releases every cached Engine.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ent := range a.cache {
		if ent.engine != nil {
			_ = ent.engine.Close()
		}
	}
	a.cache = make(map[string]*cacheEntry)
	a.order = list.New()
}
