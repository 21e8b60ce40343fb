package plagscan

import "testing"

// buildTinyIndex builds a small index directly from docs, via the
// same streaming builder used in production, and loads it for search.
func buildTinyIndex(t *testing.T, docs []corpusLine) *Engine {
	t.Helper()
	corpus := writeCorpus(t, docs)
	outDir := t.TempDir()
	if _, err := BuildFromFile(corpus, outDir, DefaultBuilderConfig()); err != nil {
		t.Fatalf("BuildFromFile failed: %v", err)
	}
	e, err := LoadIndex(outDir, nil)
	if err != nil {
		t.Fatalf("LoadIndex failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

const longText = "the quick brown fox jumps over the lazy dog again and again while the sun was setting slowly"

func TestSearchExactDuplicateScoresHigh(t *testing.T) {
	e := buildTinyIndex(t, []corpusLine{
		{DocID: "doc-a", Text: longText},
		{DocID: "doc-b", Text: "completely unrelated content discussing sailing boats on open ocean waves during summer"},
	})

	hits, err := e.NewSearch().WithText(longText).WithK(5).Execute()
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit for an exact-duplicate query")
	}
	top := hits[0]
	if top.DocID != "doc-a" {
		t.Errorf("top hit = %q, want doc-a", top.DocID)
	}
	if top.J < 0.9 {
		t.Errorf("Jaccard for an exact duplicate should be close to 1.0, got %v", top.J)
	}
	if top.C < 0.9 {
		t.Errorf("containment for an exact duplicate should be close to 1.0, got %v", top.C)
	}
	if top.Score <= 0 {
		t.Errorf("Score should be positive, got %v", top.Score)
	}
}

func TestSearchDisjointTextReturnsNoHits(t *testing.T) {
	e := buildTinyIndex(t, []corpusLine{
		{DocID: "doc-a", Text: longText},
	})

	query := "completely different vocabulary entirely unrelated topics discussing financial markets today"
	hits, err := e.NewSearch().WithText(query).Execute()
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits for disjoint text, got %d", len(hits))
	}
}

func TestSearchQueryBelowMinTokensReturnsEmptyNotError(t *testing.T) {
	e := buildTinyIndex(t, []corpusLine{
		{DocID: "doc-a", Text: longText},
	})

	hits, err := e.NewSearch().WithText("too few words").Execute()
	if err != nil {
		t.Fatalf("short query should not error, got %v", err)
	}
	if hits != nil {
		t.Errorf("short query should return nil hits, got %v", hits)
	}
}

func TestSearchEmptyQueryIsBadRequest(t *testing.T) {
	e := buildTinyIndex(t, []corpusLine{
		{DocID: "doc-a", Text: longText},
	})

	_, err := e.NewSearch().WithText("").Execute()
	var pe *PlagError
	if !errorsAs(err, &pe) || pe.Code != ErrBadRequest {
		t.Errorf("expected ErrBadRequest for empty query, got %v", err)
	}
}

func TestSearchExcludeDocIDs(t *testing.T) {
	e := buildTinyIndex(t, []corpusLine{
		{DocID: "doc-a", Text: longText},
		{DocID: "doc-b", Text: longText},
	})

	hits, err := e.NewSearch().WithText(longText).WithExcludeDocIDs(0).Execute()
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	for _, h := range hits {
		if h.LocalDocID == 0 {
			t.Errorf("doc 0 should have been excluded from results, got hit %+v", h)
		}
	}
}

func TestSearchWithDocumentIDsRestrictsToAllowList(t *testing.T) {
	e := buildTinyIndex(t, []corpusLine{
		{DocID: "doc-a", Text: longText},
		{DocID: "doc-b", Text: longText},
	})

	hits, err := e.NewSearch().WithText(longText).WithDocumentIDs(1).Execute()
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	for _, h := range hits {
		if h.LocalDocID != 1 {
			t.Errorf("only doc 1 should appear in results, got hit for doc %d", h.LocalDocID)
		}
	}
}

func TestSearchTopKLimitsResultCount(t *testing.T) {
	e := buildTinyIndex(t, []corpusLine{
		{DocID: "doc-a", Text: longText},
		{DocID: "doc-b", Text: longText},
		{DocID: "doc-c", Text: longText},
	})

	hits, err := e.NewSearch().WithText(longText).WithK(1).Execute()
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(hits) > 1 {
		t.Errorf("WithK(1) should cap results at 1, got %d", len(hits))
	}
}

func TestTopKHitsOrdersByDescendingScore(t *testing.T) {
	in := []SearchHit{{Score: 0.1}, {Score: 0.9}, {Score: 0.5}}
	out := topKHits(in, 3)
	for i := 1; i < len(out); i++ {
		if out[i].Score > out[i-1].Score {
			t.Errorf("results not sorted descending: %v", out)
		}
	}
}

func TestExecuteWithStatsPopulatesTimingsWhenEnabled(t *testing.T) {
	corpus := writeCorpus(t, []corpusLine{
		{DocID: "doc-a", Text: longText},
		{DocID: "doc-b", Text: "completely unrelated content discussing sailing boats on open ocean waves during summer"},
	})
	outDir := t.TempDir()
	if _, err := BuildFromFile(corpus, outDir, DefaultBuilderConfig()); err != nil {
		t.Fatalf("BuildFromFile failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.PerfStats = true
	e, err := LoadIndex(outDir, cfg)
	if err != nil {
		t.Fatalf("LoadIndex failed: %v", err)
	}
	defer e.Close()

	var stats SearchStats
	hits, err := e.NewSearch().WithText(longText).ExecuteWithStats(&stats)
	if err != nil {
		t.Fatalf("ExecuteWithStats failed: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	if stats.CandidateCount == 0 {
		t.Error("expected CandidateCount to be populated")
	}
	if stats.SeedCount == 0 {
		t.Error("expected SeedCount to be populated")
	}
	// timings are non-negative by construction; at least one phase
	// should register non-zero wall time.
	if stats.SeedSelectNs < 0 || stats.GatherNs < 0 || stats.IntersectNs < 0 || stats.ScoreNs < 0 || stats.TopKNs < 0 {
		t.Errorf("phase timings should never be negative, got %+v", stats)
	}
	if stats.SeedSelectNs+stats.GatherNs+stats.IntersectNs+stats.ScoreNs+stats.TopKNs == 0 {
		t.Errorf("expected at least one phase to register non-zero time, got %+v", stats)
	}
}

func TestExecuteWithStatsLeavesStatsZeroWhenDisabled(t *testing.T) {
	e := buildTinyIndex(t, []corpusLine{
		{DocID: "doc-a", Text: longText},
	})

	var stats SearchStats
	if _, err := e.NewSearch().WithText(longText).ExecuteWithStats(&stats); err != nil {
		t.Fatalf("ExecuteWithStats failed: %v", err)
	}
	if stats != (SearchStats{}) {
		t.Errorf("perf_stats disabled should leave stats untouched, got %+v", stats)
	}
}

// TestSeedSelectionZeroSoftBudgetIsUnlimited confirms max_sum_df_seeds
// == 0 disables the soft df budget instead of capping seed selection
// at a single term.
func TestSeedSelectionZeroSoftBudgetIsUnlimited(t *testing.T) {
	corpus := writeCorpus(t, []corpusLine{{DocID: "doc-a", Text: longText}})
	outDir := t.TempDir()
	if _, err := BuildFromFile(corpus, outDir, DefaultBuilderConfig()); err != nil {
		t.Fatalf("BuildFromFile failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.PerfStats = true
	cfg.MaxSumDfSeeds = 0
	e, err := LoadIndex(outDir, cfg)
	if err != nil {
		t.Fatalf("LoadIndex failed: %v", err)
	}
	defer e.Close()

	var stats SearchStats
	if _, err := e.NewSearch().WithText(longText).ExecuteWithStats(&stats); err != nil {
		t.Fatalf("ExecuteWithStats failed: %v", err)
	}
	if stats.SeedCount <= 1 {
		t.Errorf("max_sum_df_seeds=0 should disable the soft budget and allow multiple seeds, got SeedCount=%d", stats.SeedCount)
	}
}

// TestSeedSelectionHardCeilingAlwaysApplies confirms the hard df
// ceiling caps seed selection even when the soft budget is disabled.
func TestSeedSelectionHardCeilingAlwaysApplies(t *testing.T) {
	corpus := writeCorpus(t, []corpusLine{{DocID: "doc-a", Text: longText}})
	outDir := t.TempDir()
	if _, err := BuildFromFile(corpus, outDir, DefaultBuilderConfig()); err != nil {
		t.Fatalf("BuildFromFile failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.PerfStats = true
	cfg.MaxSumDfSeeds = 0
	cfg.HardMaxSumDfSeeds = 1
	e, err := LoadIndex(outDir, cfg)
	if err != nil {
		t.Fatalf("LoadIndex failed: %v", err)
	}
	defer e.Close()

	var stats SearchStats
	if _, err := e.NewSearch().WithText(longText).ExecuteWithStats(&stats); err != nil {
		t.Fatalf("ExecuteWithStats failed: %v", err)
	}
	if stats.SeedCount != 1 {
		t.Errorf("hard_max_sum_df_seeds=1 should cap seed selection to a single term, got SeedCount=%d", stats.SeedCount)
	}
}
