package plagscan

import "testing"

func TestBuildShinglesCount(t *testing.T) {
	norm := Normalize("the quick brown fox jumps over the lazy dog today")
	spans := Tokenize(norm)
	if len(spans) != 10 {
		t.Fatalf("got %d tokens, want 10", len(spans))
	}
	hashes := BuildShingles(norm, spans, CanonicalK)
	want := len(spans) - CanonicalK + 1
	if len(hashes) != want {
		t.Fatalf("got %d shingles, want %d", len(hashes), want)
	}
}

func TestBuildShinglesTooShort(t *testing.T) {
	norm := Normalize("too few tokens here")
	spans := Tokenize(norm)
	if hashes := BuildShingles(norm, spans, CanonicalK); hashes != nil {
		t.Errorf("BuildShingles with %d tokens < K=%d should be nil, got %v", len(spans), CanonicalK, hashes)
	}
}

func TestHashShingleDeterministic(t *testing.T) {
	text := "the quick brown fox jumps over the lazy dog again"
	norm1 := Normalize(text)
	norm2 := Normalize(text)
	h1 := BuildShingles(norm1, Tokenize(norm1), CanonicalK)
	h2 := BuildShingles(norm2, Tokenize(norm2), CanonicalK)
	if len(h1) != len(h2) {
		t.Fatalf("mismatched lengths %d vs %d", len(h1), len(h2))
	}
	for i := range h1 {
		if h1[i] != h2[i] {
			t.Errorf("shingle %d hash mismatch: %x vs %x", i, h1[i], h2[i])
		}
	}
}

func TestHashShingleSensitiveToContent(t *testing.T) {
	a := "the quick brown fox jumps over the lazy dog again"
	b := "the quick brown fox leaps over the lazy dog again"
	na, nb := Normalize(a), Normalize(b)
	ha := BuildShingles(na, Tokenize(na), CanonicalK)
	hb := BuildShingles(nb, Tokenize(nb), CanonicalK)

	same := 0
	for _, x := range ha {
		for _, y := range hb {
			if x == y {
				same++
				break
			}
		}
	}
	if same == len(ha) {
		t.Error("changing one token should change at least one shingle hash")
	}
}

func TestDedupSortedRemovesDuplicates(t *testing.T) {
	in := []uint64{5, 1, 3, 1, 5, 2}
	out := DedupSorted(in)
	want := []uint64{1, 2, 3, 5}
	if len(out) != len(want) {
		t.Fatalf("got %v, want %v", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("index %d: got %d, want %d", i, out[i], want[i])
		}
	}
}

func TestDedupSortedEmpty(t *testing.T) {
	if out := DedupSorted(nil); len(out) != 0 {
		t.Errorf("DedupSorted(nil) = %v, want empty", out)
	}
}

func TestSimHash128Deterministic(t *testing.T) {
	norm := Normalize("the quick brown fox jumps over the lazy dog")
	spans := Tokenize(norm)
	hi1, lo1 := SimHash128(norm, spans)
	hi2, lo2 := SimHash128(norm, spans)
	if hi1 != hi2 || lo1 != lo2 {
		t.Errorf("SimHash128 not deterministic: (%x,%x) vs (%x,%x)", hi1, lo1, hi2, lo2)
	}
}

func TestSimHash128EmptyIsStable(t *testing.T) {
	hi1, lo1 := SimHash128("", nil)
	hi2, lo2 := SimHash128("", nil)
	if hi1 != hi2 || lo1 != lo2 {
		t.Errorf("SimHash128 of an empty document should be stable, got (%x,%x) vs (%x,%x)", hi1, lo1, hi2, lo2)
	}
}
