package plagscan

// SearchHit is one scored candidate returned from a single index
// (§4.4): the local doc id, the blended score, the Jaccard and
// containment metrics it was computed from, and the number of
// distinct query shingles the candidate matched (cand_hits).
type SearchHit struct {
	LocalDocID uint32
	DocID      string
	Score      float64
	J          float64
	C          float64
	CandHits   uint16
}

// SearchStats carries optional per-phase timings in nanoseconds,
// populated only when the index config's perf_stats flag is enabled.
type SearchStats struct {
	SeedSelectNs   int64
	GatherNs       int64
	IntersectNs    int64
	ScoreNs        int64
	TopKNs         int64
	CandidateCount int
	SeedCount      int
}

// TextSearch is the builder-pattern search API for a single loaded
// Engine, mirroring the WithX()...Execute() shape used throughout the
// example corpus's search builders.
type TextSearch interface {
	WithText(text string) TextSearch
	WithK(k int) TextSearch
	WithExcludeDocIDs(localDocIDs ...uint32) TextSearch
	WithDocumentIDs(localDocIDs ...uint32) TextSearch
	Execute() ([]SearchHit, error)

	// ExecuteWithStats runs the same query as Execute, additionally
	// populating stats with per-phase timings when the engine's
	// perf_stats config flag is enabled. stats may be nil, in which
	// case it behaves exactly like Execute.
	ExecuteWithStats(stats *SearchStats) ([]SearchHit, error)
}
