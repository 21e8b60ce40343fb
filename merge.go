package plagscan

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"os"
	"path/filepath"
)

// remapAndPromoteRun rewrites a LOCAL run's doc ids by adding base
// (the worker's global doc-id offset) and rewrites its header kind to
// GLOBAL. Field-wise remapping preserves the run's existing
// (hash, doc) order, since every doc id in the run shifts by the same
// constant — no re-sort is needed (§4.3).
func remapAndPromoteRun(localPath, outPath string, base uint32) error {
	r, err := OpenRunFile(localPath)
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := CreateRunFile(outPath, runKindGlobal, r.Tid)
	if err != nil {
		return err
	}
	for {
		rec, ok, err := r.Next()
		if err != nil {
			w.Close()
			return err
		}
		if !ok {
			break
		}
		if err := w.WriteRecord(rec.Hash, rec.Doc+base); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// mergeHeapItem is one live run's current front record, tracked in
// the k-way merge min-heap keyed on (hash, doc).
type mergeHeapItem struct {
	rec    runRecord
	reader *RunReader
}

type mergeMinHeap []*mergeHeapItem

func (h mergeMinHeap) Len() int { return len(h) }
func (h mergeMinHeap) Less(i, j int) bool {
	if h[i].rec.Hash != h[j].rec.Hash {
		return h[i].rec.Hash < h[j].rec.Hash
	}
	return h[i].rec.Doc < h[j].rec.Doc
}
func (h mergeMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeMinHeap) Push(x interface{}) { *h = append(*h, x.(*mergeHeapItem)) }
func (h *mergeMinHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// openMergeSources opens every run file in paths and primes the
// min-heap with each one's first record.
func openMergeSources(paths []string) ([]*RunReader, *mergeMinHeap, error) {
	readers := make([]*RunReader, 0, len(paths))
	h := &mergeMinHeap{}
	heap.Init(h)

	closeAll := func() {
		for _, r := range readers {
			r.Close()
		}
	}

	for _, p := range paths {
		r, err := OpenRunFile(p)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		readers = append(readers, r)
		rec, ok, err := r.Next()
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		if ok {
			heap.Push(h, &mergeHeapItem{rec: rec, reader: r})
		}
	}
	return readers, h, nil
}

// kWayMergeRuns merges up to fan-in already-GLOBAL run files into one
// new deduped GLOBAL run, popping the smallest (hash, doc) pair on
// each step and dropping consecutive duplicates.
func kWayMergeRuns(paths []string, outPath string) (err error) {
	readers, h, err := openMergeSources(paths)
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	w, err := CreateRunFile(outPath, runKindGlobal, 0)
	if err != nil {
		return err
	}

	var lastH uint64
	var lastD uint32
	hasPrev := false

	for h.Len() > 0 {
		item := heap.Pop(h).(*mergeHeapItem)
		rec := item.rec

		if !hasPrev || rec.Hash != lastH || rec.Doc != lastD {
			if werr := w.WriteRecord(rec.Hash, rec.Doc); werr != nil {
				w.Close()
				return werr
			}
			lastH, lastD, hasPrev = rec.Hash, rec.Doc, true
		}

		next, ok, nerr := item.reader.Next()
		if nerr != nil {
			w.Close()
			return nerr
		}
		if ok {
			item.rec = next
			heap.Push(h, item)
		}
	}

	return w.Close()
}

// multiPassMerge repeatedly merges runs in chunks of at most fanIn
// until the number of live runs is at most fanIn, deleting each
// pass's inputs as it goes. It returns the final set of run paths.
func multiPassMerge(paths []string, fanIn int, tmpDir string, nextSeq func() int) ([]string, error) {
	if fanIn < 2 {
		fanIn = 2
	}
	live := append([]string(nil), paths...)

	for len(live) > fanIn {
		next := make([]string, 0, (len(live)+fanIn-1)/fanIn)
		for i := 0; i < len(live); i += fanIn {
			end := i + fanIn
			if end > len(live) {
				end = len(live)
			}
			chunk := live[i:end]
			outPath := tmpRunPath(tmpDir, nextSeq())
			if err := kWayMergeRuns(chunk, outPath); err != nil {
				return nil, err
			}
			for _, p := range chunk {
				os.Remove(p)
			}
			next = append(next, outPath)
		}
		live = next
	}
	return live, nil
}

// csrSink streams the final k-way merge directly into the three
// on-disk CSR component files (run_<seq>.bin.uniq, .off, .did), so the
// final pass never needs to hold U or D entries in memory at once.
type csrSink struct {
	uniqF, offF, didF *os.File
	uniqW, offW, didW *bufio.Writer
	uCount, dCount    uint64
}

func newCSRSink(tmpDir string, seq int) (*csrSink, error) {
	uniqPath := tmpRunPath(tmpDir, seq) + ".uniq"
	offPath := tmpRunPath(tmpDir, seq) + ".off"
	didPath := tmpRunPath(tmpDir, seq) + ".did"

	uf, err := os.Create(uniqPath)
	if err != nil {
		return nil, wrapErr(ErrIO, "failed to create uniq tmp", err)
	}
	of, err := os.Create(offPath)
	if err != nil {
		uf.Close()
		return nil, wrapErr(ErrIO, "failed to create off tmp", err)
	}
	df, err := os.Create(didPath)
	if err != nil {
		uf.Close()
		of.Close()
		return nil, wrapErr(ErrIO, "failed to create did tmp", err)
	}
	return &csrSink{
		uniqF: uf, offF: of, didF: df,
		uniqW: bufio.NewWriterSize(uf, 1<<20),
		offW:  bufio.NewWriterSize(of, 1<<20),
		didW:  bufio.NewWriterSize(df, 1<<20),
	}, nil
}

func (s *csrSink) beginHash(h uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], h)
	if _, err := s.uniqW.Write(buf[:]); err != nil {
		return wrapErr(ErrIO, "failed to write uniq entry", err)
	}
	binary.LittleEndian.PutUint64(buf[:], s.dCount)
	if _, err := s.offW.Write(buf[:]); err != nil {
		return wrapErr(ErrIO, "failed to write off entry", err)
	}
	s.uCount++
	return nil
}

func (s *csrSink) appendDoc(doc uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], doc)
	if _, err := s.didW.Write(buf[:]); err != nil {
		return wrapErr(ErrIO, "failed to write did entry", err)
	}
	s.dCount++
	return nil
}

func (s *csrSink) finish() (uint64, uint64, error) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], s.dCount)
	if _, err := s.offW.Write(buf[:]); err != nil {
		return 0, 0, wrapErr(ErrIO, "failed to write final off entry", err)
	}
	if err := s.uniqW.Flush(); err != nil {
		return 0, 0, wrapErr(ErrIO, "failed to flush uniq tmp", err)
	}
	if err := s.offW.Flush(); err != nil {
		return 0, 0, wrapErr(ErrIO, "failed to flush off tmp", err)
	}
	if err := s.didW.Flush(); err != nil {
		return 0, 0, wrapErr(ErrIO, "failed to flush did tmp", err)
	}
	s.uniqF.Close()
	s.offF.Close()
	s.didF.Close()
	return s.uCount, s.dCount, nil
}

// streamFinalCSR performs the last k-way merge directly against the
// three CSR component files (§4.3's "Final CSR emission"). It expects
// len(paths) <= fan-in.
func streamFinalCSR(paths []string, sink *csrSink) (err error) {
	readers, h, err := openMergeSources(paths)
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	var curHash uint64
	haveHash := false
	var lastH uint64
	var lastD uint32
	hasPrev := false

	for h.Len() > 0 {
		item := heap.Pop(h).(*mergeHeapItem)
		rec := item.rec

		if hasPrev && rec.Hash == lastH && rec.Doc == lastD {
			// duplicate (hash, doc) pair: skip.
		} else {
			if !haveHash || rec.Hash != curHash {
				if err := sink.beginHash(rec.Hash); err != nil {
					return err
				}
				curHash, haveHash = rec.Hash, true
			}
			if err := sink.appendDoc(rec.Doc); err != nil {
				return err
			}
			lastH, lastD, hasPrev = rec.Hash, rec.Doc, true
		}

		next, ok, nerr := item.reader.Next()
		if nerr != nil {
			return nerr
		}
		if ok {
			item.rec = next
			heap.Push(h, item)
		}
	}

	return nil
}

func tmpRunPath(dir string, seq int) string {
	return filepath.Join(dir, "run_"+itoa(seq)+".bin")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
