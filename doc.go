/*
Package plagscan provides a near-duplicate / plagiarism detection engine
over large corpora of multilingual text.

Plagscan indexes a corpus of documents by hashing overlapping word-level
k-grams ("shingles") into a compact on-disk posting-list index, then
answers similarity queries by intersecting the query's shingles against
the index and scoring candidates with Jaccard and containment metrics.
It is built for corpora ranging from thousands to tens of millions of
documents, with text in Latin, Cyrillic, Kazakh, and Turkish script.

# Overview

The package is organized around four layered concerns: text
normalization and shingling (deterministic and identical on the build
and query paths), a self-describing binary index format, a streaming
external-memory index builder, and a read-only query engine with
multi-index aggregation on top.

# Quick Start

Build an index from a JSONL corpus and query it:

	package main

	import (
	    "fmt"
	    "log"

	    "github.com/yerlanb/plagscan"
	)

	func main() {
	    bc := plagscan.DefaultBuilderConfig()
	    if _, err := plagscan.BuildFromFile("corpus.jsonl", "out_dir", bc); err != nil {
	        log.Fatal(err)
	    }

	    idx, err := plagscan.LoadIndex("out_dir", plagscan.DefaultConfig())
	    if err != nil {
	        log.Fatal(err)
	    }
	    defer idx.Close()

	    results, err := idx.NewSearch().
	        WithText("the quick brown fox jumps over the lazy dog and then some").
	        WithK(10).
	        Execute()
	    if err != nil {
	        log.Fatal(err)
	    }

	    for _, r := range results {
	        fmt.Printf("doc=%s score=%.4f J=%.4f C=%.4f\n", r.DocID, r.Score, r.J, r.C)
	    }
	}

# Text Pipeline

Normalization folds case across ASCII, Cyrillic, Kazakh, and Turkish
alphabets, strips combining marks, and deliberately drops extended
Latin diacritics rather than decomposing them — a compatibility choice
that must be bit-exact between the builder and the search engine.
Shingles are FNV-1a 64-bit hashes of K consecutive normalized tokens
(canonical K=9).

# Binary Index Format

An index directory holds a little-endian CSR (compressed sparse row)
file mapping unique shingle hashes to sorted posting lists of local
document ids, plus a JSON sidecar mapping local ids to caller-supplied
external document ids. The format is versioned and self-describing;
loaders refuse files that fail header or invariant validation.

# Index Builder

The builder streams a JSONL corpus through a bounded worker pool,
spills sorted per-worker posting runs to disk, and merges them in
bounded fan-in passes into the final CSR. Publication is atomic: the
final file is written under a unique temporary name and renamed into
place, so concurrent readers never observe a partial index.

# Search and Aggregation

A single loaded index answers queries by selecting rare "seed"
shingles, gathering candidate documents, intersecting postings against
the full query shingle set, and scoring by a weighted blend of Jaccard
and containment. The aggregator on top fans a query out across many
index directories, keeps a bounded LRU cache of loaded engines, and
merges per-index hits into a single global top-K by external document
id.

# Best Practices

  - Build indexes offline; the format has no online-update path. Rebuild
    and atomically republish instead of mutating a live index.
  - Size the aggregator's engine cache to the number of index
    directories actually queried concurrently; a cache smaller than the
    working set thrashes on every fan-out.
  - Treat scores as a ranking signal, not a policy decision — this
    package returns numeric Jaccard/containment metrics, and leaves
    "plagiarized"/"partial"/"original" thresholding to the caller.
*/
package plagscan
