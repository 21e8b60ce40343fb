package plagscan

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// corpusLine is one record of the newline-delimited JSON corpus input
// (§6): {"doc_id": "...", "text": "..."}.
type corpusLine struct {
	DocID string `json:"doc_id"`
	Text  string `json:"text"`
}

// BuildStats summarizes a completed build, surfaced by the CLI for the
// operator-facing summary line (§6).
type BuildStats struct {
	Docs         uint32
	SkippedDocs  uint32
	UniqueHashes uint64
	Postings     uint64
	Elapsed      time.Duration
}

// workerOut is one worker goroutine's accumulated output: the docs it
// assigned local ids to, in id order, plus the sorted run files it
// spilled along the way.
type workerOut struct {
	tid      int
	docIDs   []string
	metas    []DocMeta
	runPaths []string
	skipped  uint32
	err      error
}

// BuildFromFile runs the streaming external-sort index build described
// in §4.3: a single reader goroutine feeds line batches to a bounded
// pool of worker goroutines (grounded on the teacher's storage.go
// goroutine-per-shard coordination), each of which normalizes,
// shingles, and spills sorted per-worker run files; the runs are then
// globally remapped and k-way merged into the final CSR index, which
// is published atomically via tmp-file-plus-rename.
func BuildFromFile(corpusPath, outDir string, bc *BuilderConfig) (*BuildStats, error) {
	start := time.Now()
	if bc == nil {
		bc = DefaultBuilderConfig()
	}
	threads := bc.Threads
	if threads < 1 {
		threads = 1
	}
	if threads > runtime.NumCPU()*4 {
		threads = runtime.NumCPU() * 4
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, wrapErr(ErrIO, "failed to create output directory", err)
	}
	tmpDir, err := os.MkdirTemp(outDir, ".build-tmp-")
	if err != nil {
		return nil, wrapErr(ErrIO, "failed to create build tmp dir", err)
	}
	if !bc.TmpKeep {
		defer os.RemoveAll(tmpDir)
	}

	f, err := os.Open(corpusPath)
	if err != nil {
		return nil, wrapErr(ErrIO, "failed to open corpus file", err)
	}
	defer f.Close()

	lineBatch := bc.LineBatch
	if lineBatch < 1 {
		lineBatch = 2048
	}
	queueDepth := bc.QueueDepth
	if queueDepth < 1 {
		queueDepth = 32
	}

	batches := make(chan []string, queueDepth)
	results := make([]workerOut, threads)

	var wg sync.WaitGroup
	for t := 0; t < threads; t++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			results[tid] = runBuildWorker(tid, batches, outDir, tmpDir, bc)
		}(t)
	}

	scanErr := scanCorpusLines(f, lineBatch, batches)

	wg.Wait()

	if scanErr != nil {
		return nil, wrapErr(ErrIO, "failed to read corpus file", scanErr)
	}
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
	}

	// Global doc-id remap: workers concatenate in id order, so worker
	// t's local doc d becomes global id base[t]+d.
	var totalDocs uint64
	bases := make([]uint32, threads)
	for t, r := range results {
		bases[t] = uint32(totalDocs)
		totalDocs += uint64(len(r.docIDs))
		if totalDocs > 0xFFFFFFFF {
			return nil, newErr(ErrOOM, "corpus exceeds the maximum representable document count")
		}
	}

	globalDocIDs := make([]string, 0, totalDocs)
	globalMeta := make([]DocMeta, 0, totalDocs)
	var globalRuns []string
	var skipped uint32
	for t, r := range results {
		globalDocIDs = append(globalDocIDs, r.docIDs...)
		globalMeta = append(globalMeta, r.metas...)
		skipped += r.skipped
		for _, p := range r.runPaths {
			promoted := p + ".g"
			if err := remapAndPromoteRun(p, promoted, bases[t]); err != nil {
				return nil, err
			}
			globalRuns = append(globalRuns, promoted)
		}
	}

	if len(globalRuns) == 0 {
		globalRuns = []string{}
	}

	stats, err := finalizeIndex(outDir, tmpDir, bc, globalDocIDs, globalMeta, globalRuns)
	if err != nil {
		return nil, err
	}
	stats.SkippedDocs = skipped
	stats.Elapsed = time.Since(start)

	if bc.MetaDocsMap {
		if err := writeMetaDocsMap(outDir, globalDocIDs, globalMeta); err != nil {
			return nil, err
		}
	}

	return stats, nil
}

// scanCorpusLines reads the corpus file line by line, batching lines
// into groups of size batchSize and pushing them onto out. It closes
// out when done, whether it finished cleanly or hit an error.
func scanCorpusLines(f *os.File, batchSize int, out chan<- []string) error {
	defer close(out)

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	batch := make([]string, 0, batchSize)
	for sc.Scan() {
		line := sc.Text()
		if len(line) == 0 {
			continue
		}
		batch = append(batch, line)
		if len(batch) >= batchSize {
			out <- batch
			batch = make([]string, 0, batchSize)
		}
	}
	if len(batch) > 0 {
		out <- batch
	}
	return sc.Err()
}

// runBuildWorker consumes line batches, normalizing and shingling each
// document, and spills sorted (hash, local doc) run files whenever its
// in-memory buffer crosses RunMaxPairs. Documents with no id, no text,
// or fewer than K tokens after normalization are counted bad and never
// get a local doc id.
func runBuildWorker(tid int, batches <-chan []string, outDir, tmpDir string, bc *BuilderConfig) workerOut {
	out := workerOut{tid: tid}

	runMaxPairs := bc.RunMaxPairs
	if runMaxPairs < 1 {
		runMaxPairs = 2_000_000
	}

	buf := make([]runRecord, 0, runMaxPairs)
	spillSeq := 0

	spill := func() error {
		if len(buf) == 0 {
			return nil
		}
		sort.Slice(buf, func(i, j int) bool {
			if buf[i].Hash != buf[j].Hash {
				return buf[i].Hash < buf[j].Hash
			}
			return buf[i].Doc < buf[j].Doc
		})
		path := filepath.Join(tmpDir, fmt.Sprintf("local_%d_%d.bin", tid, spillSeq))
		spillSeq++
		w, err := CreateRunFile(path, runKindLocal, uint32(tid))
		if err != nil {
			return err
		}
		for _, r := range buf {
			if err := w.WriteRecord(r.Hash, r.Doc); err != nil {
				w.Close()
				return err
			}
		}
		if err := w.Close(); err != nil {
			return err
		}
		out.runPaths = append(out.runPaths, path)
		buf = buf[:0]
		return nil
	}

	var localDoc uint32
	for batch := range batches {
		for _, line := range batch {
			var cl corpusLine
			if err := json.Unmarshal([]byte(line), &cl); err != nil {
				out.skipped++
				continue
			}
			if cl.Text == "" || cl.DocID == "" {
				out.skipped++
				continue
			}

			norm := Normalize(cl.Text)
			spans := Tokenize(norm)

			if len(spans) < CanonicalK {
				out.skipped++
				continue
			}

			tokLen := len(spans)
			if tokLen > MaxTokensPerDoc {
				spans = spans[:MaxTokensPerDoc]
				tokLen = MaxTokensPerDoc
			}

			hi, lo := SimHash128(norm, spans)

			hashes := BuildShingles(norm, spans, CanonicalK)
			hashes = DedupSorted(hashes)
			if len(hashes) > MaxShinglesPerDoc {
				hashes = hashes[:MaxShinglesPerDoc]
			}

			doc := localDoc
			localDoc++

			out.docIDs = append(out.docIDs, cl.DocID)
			out.metas = append(out.metas, DocMeta{TokLen: uint32(tokLen), SimHashHi: hi, SimHashLo: lo})

			for _, h := range hashes {
				buf = append(buf, runRecord{Hash: h, Doc: doc})
			}

			if len(buf) >= runMaxPairs {
				if err := spill(); err != nil {
					out.err = err
					// keep draining so the reader never blocks on a
					// full channel with no worker left to consume it.
					for range batches {
					}
					return out
				}
			}
		}
	}

	if err := spill(); err != nil {
		out.err = err
		return out
	}

	return out
}

// finalizeIndex merges every promoted global run file into the final
// CSR posting arrays, assembles the complete index, and publishes it
// atomically alongside the docid sidecar.
func finalizeIndex(outDir, tmpDir string, bc *BuilderConfig, docIDs []string, meta []DocMeta, runs []string) (*BuildStats, error) {
	fanIn := bc.MergeMaxWay
	if fanIn < 2 {
		fanIn = 64
	}

	seq := 0
	nextSeq := func() int { seq++; return seq }

	final := runs
	if len(final) > fanIn {
		var err error
		final, err = multiPassMerge(final, fanIn, tmpDir, nextSeq)
		if err != nil {
			return nil, err
		}
	}

	sink, err := newCSRSink(tmpDir, nextSeq())
	if err != nil {
		return nil, err
	}
	if len(final) > 0 {
		if err := streamFinalCSR(final, sink); err != nil {
			return nil, err
		}
	}
	uCount, dCount, err := sink.finish()
	if err != nil {
		return nil, err
	}

	outPath, err := assembleIndexFile(outDir, tmpDir, seq, uint32(len(docIDs)), uCount, dCount, meta)
	if err != nil {
		return nil, err
	}
	if err := publishFile(outPath, filepath.Join(outDir, indexFileName)); err != nil {
		return nil, err
	}

	sidecarTmp := filepath.Join(tmpDir, "docids.json.tmp")
	if err := SaveDocIDs(sidecarTmp, docIDs); err != nil {
		return nil, err
	}
	if err := publishFile(sidecarTmp, filepath.Join(outDir, docIDsFileName)); err != nil {
		return nil, err
	}

	return &BuildStats{
		Docs:         uint32(len(docIDs)),
		UniqueHashes: uCount,
		Postings:     dCount,
	}, nil
}

// assembleIndexFile writes the header and per-doc metadata, then
// streams the three CSR component tmp files straight through into the
// final on-disk layout without re-materializing them in memory.
func assembleIndexFile(outDir, tmpDir string, seq int, nDocs uint32, uCount, dCount uint64, meta []DocMeta) (string, error) {
	outPath := filepath.Join(tmpDir, fmt.Sprintf("index_%d.bin.tmp", seq))
	out, err := os.Create(outPath)
	if err != nil {
		return "", wrapErr(ErrIO, "failed to create index tmp file", err)
	}

	bw := bufio.NewWriterSize(out, 1<<20)
	if err := writeHeaderAndMeta(bw, nDocs, meta); err != nil {
		out.Close()
		return "", wrapErr(ErrIO, "failed to write index header/meta", err)
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		return "", wrapErr(ErrIO, "failed to flush index header", err)
	}

	base := tmpRunPath(tmpDir, seq)
	if err := appendFile(out, base+".uniq"); err != nil {
		out.Close()
		return "", err
	}
	if err := appendFile(out, base+".off"); err != nil {
		out.Close()
		return "", err
	}
	if err := appendFile(out, base+".did"); err != nil {
		out.Close()
		return "", err
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return "", wrapErr(ErrIO, "failed to fsync index tmp file", err)
	}
	if err := out.Close(); err != nil {
		return "", wrapErr(ErrIO, "failed to close index tmp file", err)
	}

	if err := rewriteIndexCounts(outPath, uCount, dCount); err != nil {
		return "", err
	}

	return outPath, nil
}

// writeHeaderAndMeta writes the magic/version/ndocs/reserved header
// (with U and D left as zero placeholders, patched afterward by
// rewriteIndexCounts) followed by the packed per-doc metadata array.
// It mirrors the layout IndexFile.WriteTo uses for the same fields,
// but omits the CSR tail so the caller can stream it separately.
func writeHeaderAndMeta(w io.Writer, nDocs uint32, meta []DocMeta) error {
	var hdr [headerSize]byte
	copy(hdr[0:4], indexMagic)
	putU32LE(hdr[4:8], indexVersion)
	putU32LE(hdr[8:12], nDocs)
	// hdr[12:28] (U, D) left zero; reserved bytes hdr[28:44] left zero.
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	var rec [docMetaSize]byte
	for _, m := range meta {
		putU32LE(rec[0:4], m.TokLen)
		putU64LE(rec[4:12], m.SimHashHi)
		putU64LE(rec[12:20], m.SimHashLo)
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
	}
	return nil
}

func putU32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func appendFile(dst *os.File, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return wrapErr(ErrIO, "failed to open CSR component tmp file", err)
	}
	defer src.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return wrapErr(ErrIO, "failed to copy CSR component into index file", err)
	}
	return nil
}

// rewriteIndexCounts patches the header's U and D fields in place once
// the real unique-hash and posting counts are known; writeHeaderAndMeta
// leaves them zeroed since the CSR streams are appended afterward.
func rewriteIndexCounts(path string, u, d uint64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return wrapErr(ErrIO, "failed to reopen index tmp file for header patch", err)
	}
	defer f.Close()

	var buf [16]byte
	putU64LE(buf[0:8], u)
	putU64LE(buf[8:16], d)
	if _, err := f.WriteAt(buf[:], 12); err != nil {
		return wrapErr(ErrIO, "failed to patch index header counts", err)
	}
	return nil
}

func putU64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// publishFile atomically installs src as dst via rename, which is
// atomic on the same filesystem (§4.3/§5's publish contract: readers
// see either the old fully-valid index or the new one, never a partial
// write).
func publishFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return wrapErr(ErrIO, "failed to publish index file", err)
	}
	return nil
}

// uniqueTmpName is used for auxiliary scratch files outside tmpDir
// where a race-free unique name is required.
func uniqueTmpName(prefix string) string {
	return fmt.Sprintf("%s.%d.%d.%d", prefix, os.Getpid(), time.Now().UnixNano(), rand.Int63())
}

// metaDocEntry is one row of the optional PLAGIO_META_DOCS_MAP
// sidecar (§6 supplemental feature): a richer, human-inspectable JSON
// view of per-document metadata keyed by external doc id.
type metaDocEntry struct {
	DocID     string `json:"doc_id"`
	LocalID   uint32 `json:"local_id"`
	TokLen    uint32 `json:"tok_len"`
	SimHashHi uint64 `json:"simhash_hi"`
	SimHashLo uint64 `json:"simhash_lo"`
}

func writeMetaDocsMap(outDir string, docIDs []string, meta []DocMeta) error {
	entries := make([]metaDocEntry, len(docIDs))
	for i, id := range docIDs {
		entries[i] = metaDocEntry{
			DocID:     id,
			LocalID:   uint32(i),
			TokLen:    meta[i].TokLen,
			SimHashHi: meta[i].SimHashHi,
			SimHashLo: meta[i].SimHashLo,
		}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return wrapErr(ErrIO, "failed to marshal meta docs map", err)
	}
	path := filepath.Join(outDir, "index_meta_docs.json")
	tmp := path + "." + uniqueTmpName("tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return wrapErr(ErrIO, "failed to write meta docs map", err)
	}
	return publishFile(tmp, path)
}
