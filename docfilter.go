package plagscan

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// docFilterPool reduces allocation churn for per-query filter bitmaps
// on the hot search path, mirroring the sync.Pool-backed filter in
// the vector-search teacher this engine was adapted from.
var docFilterPool = sync.Pool{
	New: func() interface{} {
		return &docFilter{bitmap: roaring.New()}
	},
}

// docFilter restricts a search to (or excludes) a caller-supplied set
// of local document ids, using a roaring bitmap for O(1) membership
// testing. This is a supplemental feature not required by the core
// scoring contract: a plagiarism engine commonly needs to exclude a
// document's own corpus entry when re-checking it, or to restrict
// candidates to a caller-defined subset.
type docFilter struct {
	bitmap  *roaring.Bitmap
	exclude bool
}

func newDocFilter(ids []uint32, exclude bool) *docFilter {
	if len(ids) == 0 {
		return nil
	}
	f := docFilterPool.Get().(*docFilter)
	f.bitmap.Clear()
	f.exclude = exclude
	for _, id := range ids {
		f.bitmap.Add(id)
	}
	return f
}

func returnDocFilter(f *docFilter) {
	if f != nil {
		docFilterPool.Put(f)
	}
}

// allowed reports whether docID survives the filter: included when
// the filter is an allow-list, excluded when it is a deny-list.
func (f *docFilter) allowed(docID uint32) bool {
	if f == nil {
		return true
	}
	in := f.bitmap.Contains(docID)
	if f.exclude {
		return !in
	}
	return in
}
