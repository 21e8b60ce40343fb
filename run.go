package plagscan

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
)

const (
	runMagic = "RUN1"

	runKindLocal  uint32 = 1
	runKindGlobal uint32 = 2

	runHeaderSize = 4 + 4 + 4 + 8 // magic + kind + tid + count
	runRecordSize = 8 + 4         // hash + doc
)

// runRecord is one (shingle hash, doc id) pair as spilled to an
// intermediate run file during external-sort index construction.
type runRecord struct {
	Hash uint64
	Doc  uint32
}

// RunWriter streams runRecords to a run file with a short header
// {magic="RUN1", kind, tid, count}, per §4.3. The count field is a
// placeholder until Close, since it is not known until every record
// has been written.
type RunWriter struct {
	f     *os.File
	w     *bufio.Writer
	kind  uint32
	tid   uint32
	count uint64
	buf   [runRecordSize]byte
}

// CreateRunFile creates a new run file at path with the given kind
// (runKindLocal or runKindGlobal) and worker/pass id tid.
func CreateRunFile(path string, kind uint32, tid uint32) (*RunWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, wrapErr(ErrIO, "failed to create run file", err)
	}
	rw := &RunWriter{f: f, w: bufio.NewWriterSize(f, 1<<20), kind: kind, tid: tid}
	if err := rw.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return rw, nil
}

func (w *RunWriter) writeHeader() error {
	if _, err := w.f.Write([]byte(runMagic)); err != nil {
		return wrapErr(ErrIO, "failed to write run header magic", err)
	}
	var hdr [runHeaderSize - 4]byte
	binary.LittleEndian.PutUint32(hdr[0:4], w.kind)
	binary.LittleEndian.PutUint32(hdr[4:8], w.tid)
	binary.LittleEndian.PutUint64(hdr[8:16], w.count)
	if _, err := w.f.Write(hdr[:]); err != nil {
		return wrapErr(ErrIO, "failed to write run header", err)
	}
	return nil
}

// WriteRecord appends a single (hash, doc) pair.
func (w *RunWriter) WriteRecord(hash uint64, doc uint32) error {
	binary.LittleEndian.PutUint64(w.buf[0:8], hash)
	binary.LittleEndian.PutUint32(w.buf[8:12], doc)
	if _, err := w.w.Write(w.buf[:]); err != nil {
		return wrapErr(ErrIO, "failed to write run record", err)
	}
	w.count++
	return nil
}

// Close flushes remaining buffered records, rewrites the header with
// the final count, and closes the file.
func (w *RunWriter) Close() error {
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return wrapErr(ErrIO, "failed to flush run file", err)
	}
	if _, err := w.f.Seek(0, 0); err != nil {
		w.f.Close()
		return wrapErr(ErrIO, "failed to seek run file for header rewrite", err)
	}
	if err := w.writeHeader(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// RunReader sequentially reads records from a run file, validating
// that the source stays sorted as its cursor advances (§4.3's
// recommended abort-on-violation check).
type RunReader struct {
	f      *os.File
	r      *bufio.Reader
	Kind   uint32
	Tid    uint32
	Count  uint64
	read   uint64
	lastH  uint64
	lastD  uint32
	hasPrv bool
}

// OpenRunFile opens an existing run file and validates its header.
func OpenRunFile(path string) (*RunReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrapErr(ErrIO, "failed to open run file", err)
	}
	br := bufio.NewReaderSize(f, 1<<20)

	magic := make([]byte, 4)
	if _, err := readFull(br, magic); err != nil {
		f.Close()
		return nil, wrapErr(ErrTruncated, "failed to read run header magic", err)
	}
	if string(magic) != runMagic {
		f.Close()
		return nil, newErr(ErrBadMagic, fmt.Sprintf("run file has bad magic %q", magic))
	}
	hdr := make([]byte, runHeaderSize-4)
	if _, err := readFull(br, hdr); err != nil {
		f.Close()
		return nil, wrapErr(ErrTruncated, "failed to read run header", err)
	}

	return &RunReader{
		f:     f,
		r:     br,
		Kind:  binary.LittleEndian.Uint32(hdr[0:4]),
		Tid:   binary.LittleEndian.Uint32(hdr[4:8]),
		Count: binary.LittleEndian.Uint64(hdr[8:16]),
	}, nil
}

// Next returns the next record, or ok=false at EOF. It returns
// ErrMergeCorrupt if records are not sorted by (hash, doc) ascending.
func (r *RunReader) Next() (rec runRecord, ok bool, err error) {
	if r.read >= r.Count {
		return runRecord{}, false, nil
	}
	var buf [runRecordSize]byte
	if _, err := readFull(r.r, buf[:]); err != nil {
		return runRecord{}, false, wrapErr(ErrTruncated, "failed to read run record", err)
	}
	rec.Hash = binary.LittleEndian.Uint64(buf[0:8])
	rec.Doc = binary.LittleEndian.Uint32(buf[8:12])
	r.read++

	if r.hasPrv {
		if rec.Hash < r.lastH || (rec.Hash == r.lastH && rec.Doc < r.lastD) {
			return runRecord{}, false, newErr(ErrMergeCorrupt, "run file out of order")
		}
	}
	r.lastH, r.lastD, r.hasPrv = rec.Hash, rec.Doc, true

	return rec, true, nil
}

func (r *RunReader) Close() error {
	return r.f.Close()
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
