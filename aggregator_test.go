package plagscan

import (
	"testing"
)

func buildIndexDir(t *testing.T, docs []corpusLine) string {
	t.Helper()
	corpus := writeCorpus(t, docs)
	outDir := t.TempDir()
	if _, err := BuildFromFile(corpus, outDir, DefaultBuilderConfig()); err != nil {
		t.Fatalf("BuildFromFile failed: %v", err)
	}
	return outDir
}

func TestAggregatorSearchAcrossTwoIndexes(t *testing.T) {
	dirA := buildIndexDir(t, []corpusLine{
		{DocID: "shared-doc", Text: longText},
		{DocID: "only-in-a", Text: "completely unrelated sailing content about boats and open ocean waves"},
	})
	dirB := buildIndexDir(t, []corpusLine{
		{DocID: "shared-doc", Text: longText},
		{DocID: "only-in-b", Text: "an entirely separate topic concerning financial markets and interest rates"},
	})

	agg := NewAggregator(DefaultAggregatorConfig())
	defer agg.Close()

	result := agg.Search(longText, []string{dirA, dirB}, 10)
	if !result.OK {
		t.Fatalf("expected OK result, got error %+v", result.Error)
	}
	if result.DirsOK != 2 {
		t.Errorf("DirsOK = %d, want 2", result.DirsOK)
	}
	if result.DirsFailed != 0 {
		t.Errorf("DirsFailed = %d, want 0", result.DirsFailed)
	}
	if result.Count == 0 {
		t.Fatal("expected at least one merged hit")
	}

	top := result.Hits[0]
	if top.DocID != "shared-doc" {
		t.Errorf("top hit = %q, want shared-doc", top.DocID)
	}
	if top.FoundIn != 2 {
		t.Errorf("FoundIn = %d, want 2 (present in both indexes)", top.FoundIn)
	}
}

func TestAggregatorSearchOneDirMissingIsPartialFailure(t *testing.T) {
	dirA := buildIndexDir(t, []corpusLine{{DocID: "a", Text: longText}})
	missingDir := dirA + "-does-not-exist"

	agg := NewAggregator(DefaultAggregatorConfig())
	defer agg.Close()

	result := agg.Search(longText, []string{dirA, missingDir}, 10)
	if !result.OK {
		t.Fatalf("a single missing directory should not fail the whole request: %+v", result.Error)
	}
	if result.DirsOK != 1 {
		t.Errorf("DirsOK = %d, want 1", result.DirsOK)
	}
	if result.DirsFailed != 1 {
		t.Errorf("DirsFailed = %d, want 1", result.DirsFailed)
	}
}

func TestAggregatorSearchEmptyQueryIsBadRequest(t *testing.T) {
	dirA := buildIndexDir(t, []corpusLine{{DocID: "a", Text: longText}})

	agg := NewAggregator(DefaultAggregatorConfig())
	defer agg.Close()

	result := agg.Search("", []string{dirA}, 10)
	if result.OK {
		t.Fatal("expected empty query to fail")
	}
	if result.Error == nil || result.Error.Code != ErrBadRequest {
		t.Errorf("expected ErrBadRequest, got %+v", result.Error)
	}
}

func TestAggregatorSearchNoDirsIsBadRequest(t *testing.T) {
	agg := NewAggregator(DefaultAggregatorConfig())
	defer agg.Close()

	result := agg.Search(longText, nil, 10)
	if result.OK {
		t.Fatal("expected a request with no directories to fail")
	}
	if result.Error == nil || result.Error.Code != ErrBadRequest {
		t.Errorf("expected ErrBadRequest, got %+v", result.Error)
	}
}

func TestAggregatorSearchTooManyDirsIsBadRequest(t *testing.T) {
	dirA := buildIndexDir(t, []corpusLine{{DocID: "a", Text: longText}})

	agg := NewAggregator(DefaultAggregatorConfig())
	defer agg.Close()

	dirs := make([]string, maxAggregateDirs+1)
	for i := range dirs {
		dirs[i] = dirA
	}
	result := agg.Search(longText, dirs, 10)
	if result.OK {
		t.Fatal("expected request over the directory cap to fail")
	}
	if result.Error == nil || result.Error.Code != ErrBadRequest {
		t.Errorf("expected ErrBadRequest, got %+v", result.Error)
	}
}

func TestAggregatorLRUEvictsUnpinnedEntries(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	cfg.CacheMax = 1
	agg := NewAggregator(cfg)
	defer agg.Close()

	dirA := buildIndexDir(t, []corpusLine{{DocID: "a", Text: longText}})
	dirB := buildIndexDir(t, []corpusLine{{DocID: "b", Text: longText}})

	eng1, release1, err := agg.borrow(dirA)
	if err != nil {
		t.Fatalf("borrow(dirA) failed: %v", err)
	}
	release1()

	eng2, release2, err := agg.borrow(dirB)
	if err != nil {
		t.Fatalf("borrow(dirB) failed: %v", err)
	}
	defer release2()

	if eng1 == eng2 {
		t.Error("distinct index directories should not share an Engine")
	}
	if len(agg.cache) > cfg.CacheMax {
		t.Errorf("cache size = %d, want <= %d after eviction", len(agg.cache), cfg.CacheMax)
	}
	if _, ok := agg.cache[dirB]; !ok {
		t.Error("most recently borrowed directory should still be cached")
	}
}

func TestAggregatorLocalKForScalesWithFanout(t *testing.T) {
	small := localKFor(10, 4)
	large := localKFor(10, 1000)
	if small <= 10 {
		t.Errorf("small fan-out should fetch deeper than top_k, got %d", small)
	}
	if large < 10 {
		t.Errorf("local_k should never drop below top_k, got %d", large)
	}
	if large > LocalKHardMax {
		t.Errorf("local_k must respect the hard cap, got %d", large)
	}
}

func TestAggregationKeyFallsBackWhenDocIDEmpty(t *testing.T) {
	hit := SearchHit{LocalDocID: 7, DocID: ""}
	key := aggregationKey("/tmp/idx", hit)
	if key != "/tmp/idx:7" {
		t.Errorf("aggregationKey = %q, want /tmp/idx:7", key)
	}

	hitNamed := SearchHit{LocalDocID: 7, DocID: "real-id"}
	if got := aggregationKey("/tmp/idx", hitNamed); got != "real-id" {
		t.Errorf("aggregationKey = %q, want real-id", got)
	}
}
