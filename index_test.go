package plagscan

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestIndex(t *testing.T, dir string, f *IndexFile, docIDs []string) {
	t.Helper()
	path := filepath.Join(dir, indexFileName)
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	if _, err := f.WriteTo(out); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if err := SaveDocIDs(filepath.Join(dir, docIDsFileName), docIDs); err != nil {
		t.Fatalf("SaveDocIDs failed: %v", err)
	}
}

func TestLoadIndexAndBorrow(t *testing.T) {
	dir := t.TempDir()
	writeTestIndex(t, dir, sampleIndexFile(), []string{"a", "b", "c"})

	e, err := LoadIndex(dir, DefaultConfig())
	if err != nil {
		t.Fatalf("LoadIndex failed: %v", err)
	}
	defer e.Close()

	li, err := e.borrow()
	if err != nil {
		t.Fatalf("borrow failed: %v", err)
	}
	defer li.release()

	if li.nDocs != 3 {
		t.Errorf("nDocs = %d, want 3", li.nDocs)
	}
	if li.tokLen(0) != 10 || li.tokLen(1) != 20 || li.tokLen(2) != 30 {
		t.Errorf("tokLen mismatch: %d %d %d", li.tokLen(0), li.tokLen(1), li.tokLen(2))
	}
	if len(li.csr.Uniq) != 3 {
		t.Errorf("Uniq length = %d, want 3", len(li.csr.Uniq))
	}
}

func TestLoadIndexBadMagicRefused(t *testing.T) {
	dir := t.TempDir()
	writeTestIndex(t, dir, sampleIndexFile(), []string{"a", "b", "c"})

	path := filepath.Join(dir, indexFileName)
	corruptFirstBytes(t, path, []byte("XXXX"))

	if _, err := LoadIndex(dir, DefaultConfig()); err == nil {
		t.Error("expected LoadIndex to reject a corrupted magic header")
	}
}

func TestLoadIndexTruncatedRefused(t *testing.T) {
	dir := t.TempDir()
	writeTestIndex(t, dir, sampleIndexFile(), []string{"a", "b", "c"})

	path := filepath.Join(dir, indexFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(path, data[:len(data)-1], 0o644)

	if _, err := LoadIndex(dir, DefaultConfig()); err == nil {
		t.Error("expected LoadIndex to reject a truncated index file")
	}
}

// TestReloadPreservesInFlightBorrow ensures a reader that already
// borrowed the old snapshot keeps seeing it intact after Reload swaps
// in a new one, and that the old snapshot's resources are only
// released once that reader calls release().
func TestReloadPreservesInFlightBorrow(t *testing.T) {
	dir := t.TempDir()
	writeTestIndex(t, dir, sampleIndexFile(), []string{"a", "b", "c"})

	e, err := LoadIndex(dir, DefaultConfig())
	if err != nil {
		t.Fatalf("LoadIndex failed: %v", err)
	}
	defer e.Close()

	oldLi, err := e.borrow()
	if err != nil {
		t.Fatalf("borrow failed: %v", err)
	}

	newer := sampleIndexFile()
	newer.NDocs = 4
	newer.Meta = append(newer.Meta, DocMeta{TokLen: 40})
	newer.CSR.Did = append(newer.CSR.Did, 3)
	newer.CSR.Off[len(newer.CSR.Off)-1] = uint64(len(newer.CSR.Did))
	writeTestIndex(t, dir, newer, []string{"a", "b", "c", "d"})

	if err := e.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if oldLi.nDocs != 3 {
		t.Errorf("in-flight snapshot should still report nDocs=3, got %d", oldLi.nDocs)
	}
	oldLi.release()

	newLi, err := e.borrow()
	if err != nil {
		t.Fatalf("borrow after reload failed: %v", err)
	}
	defer newLi.release()
	if newLi.nDocs != 4 {
		t.Errorf("new snapshot should report nDocs=4, got %d", newLi.nDocs)
	}
}

func TestUnmarshalDocIDs(t *testing.T) {
	ids, err := unmarshalDocIDs([]byte(`["x","y"]`))
	if err != nil {
		t.Fatalf("unmarshalDocIDs failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "x" || ids[1] != "y" {
		t.Errorf("got %v, want [x y]", ids)
	}
}
