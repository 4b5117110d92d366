package leafdb

import "sort"

// FreelistType selects the in-memory representation of the freelist.
// The on-disk format is identical either way; this only changes how
// allocate() finds a contiguous run of free pages.
type FreelistType string

const (
	// FreelistArrayType scans one sorted slice of free ids; the default.
	FreelistArrayType FreelistType = "array"
	// FreelistHashMapType indexes free runs by span size: a run of exactly
	// the requested size is found in O(1); otherwise the span sizes are
	// scanned for the smallest run that fits. Ordering is not guaranteed.
	FreelistHashMapType FreelistType = "hashmap"
)

// pendingPage is one page id released by a writer, annotated with the
// txid that had originally allocated it (0 if it predates tracking).
type pendingPage struct {
	id       pgid
	allocTxn txid
}

// txPending holds the pages released by one writer transaction, not yet
// safe to reallocate because some reader may still see them.
type txPending struct {
	ids              []pendingPage
	lastReleaseBegin txid
}

// freelist tracks reusable page ids. Two selectable strategies share this
// struct; only the allocate implementation differs.
type freelist struct {
	kind    FreelistType
	ids     pgids                // immediately reusable, sorted
	allocs  map[pgid]txid        // pgid -> txid that allocated it (for release's safety check)
	pending map[txid]*txPending  // releasing txid -> pages it freed
	cache   map[pgid]bool        // fast "is this id free or pending" lookup
	readers map[txid]int         // open reader txids, counted multiset

	// hashmap-strategy indexes.
	freemaps    map[uint64]map[pgid]struct{} // span size -> set of start pgids
	forwardMap  map[pgid]uint64              // start pgid -> span size
	backwardMap map[pgid]uint64              // end pgid -> span size
}

func newFreelist(kind FreelistType) *freelist {
	if kind == "" {
		kind = FreelistArrayType
	}
	return &freelist{
		kind:        kind,
		allocs:      make(map[pgid]txid),
		pending:     make(map[txid]*txPending),
		cache:       make(map[pgid]bool),
		readers:     make(map[txid]int),
		freemaps:    make(map[uint64]map[pgid]struct{}),
		forwardMap:  make(map[pgid]uint64),
		backwardMap: make(map[pgid]uint64),
	}
}

// count returns the number of immediately-free plus pending ids.
func (f *freelist) count() int {
	n := len(f.getFreePageIDs())
	for _, txp := range f.pending {
		n += len(txp.ids)
	}
	return n
}

func (f *freelist) freed(id pgid) bool {
	return f.cache[id]
}

// allocate returns the start pgid of a run of n contiguous free ids,
// removing them from the free set, or 0 if no such run exists.
func (f *freelist) allocate(id txid, n int) pgid {
	if n == 0 {
		return 0
	}
	if f.kind == FreelistHashMapType {
		return f.hashmapAllocate(id, n)
	}
	return f.arrayAllocate(id, n)
}

func (f *freelist) arrayAllocate(id txid, n int) pgid {
	if len(f.ids) == 0 {
		return 0
	}
	var start, prev pgid
	for i, p := range f.ids {
		if p <= 1 {
			panic("leafdb: invalid page allocation in freelist")
		}
		if prev == 0 || p-prev != 1 {
			start = p
		}
		if (p - start + 1) == pgid(n) {
			if i+1 == n {
				f.ids = f.ids[i+1:]
			} else {
				copy(f.ids[i+1-n:], f.ids[i+1:])
				f.ids = f.ids[:len(f.ids)-n]
			}
			for j := pgid(0); j < pgid(n); j++ {
				delete(f.cache, start+j)
				f.allocs[start+j] = id
			}
			return start
		}
		prev = p
	}
	return 0
}

func (f *freelist) hashmapAllocate(id txid, n int) pgid {
	size := uint64(n)
	if starts, ok := f.freemaps[size]; ok && len(starts) > 0 {
		var start pgid
		for s := range starts {
			start = s
			break
		}
		f.removeSpan(start, size)
		for j := pgid(0); j < pgid(n); j++ {
			f.allocs[start+j] = id
		}
		return start
	}
	// No exact-size span: find the smallest span that fits.
	var bestSize uint64
	var bestStart pgid
	found := false
	for sz, starts := range f.freemaps {
		if sz < size || len(starts) == 0 {
			continue
		}
		if !found || sz < bestSize {
			for s := range starts {
				bestStart = s
				break
			}
			bestSize = sz
			found = true
		}
	}
	if !found {
		return 0
	}
	f.removeSpan(bestStart, bestSize)
	for j := pgid(0); j < pgid(n); j++ {
		f.allocs[bestStart+j] = id
	}
	remStart := bestStart + pgid(n)
	remSize := bestSize - size
	if remSize > 0 {
		f.addSpan(remStart, remSize)
	}
	return bestStart
}

func (f *freelist) addSpan(start pgid, size uint64) {
	if size == 0 {
		return
	}
	if f.freemaps[size] == nil {
		f.freemaps[size] = make(map[pgid]struct{})
	}
	f.freemaps[size][start] = struct{}{}
	f.forwardMap[start] = size
	f.backwardMap[start+pgid(size)-1] = size
	for i := pgid(0); i < pgid(size); i++ {
		f.cache[start+i] = true
	}
}

func (f *freelist) removeSpan(start pgid, size uint64) {
	delete(f.freemaps[size], start)
	delete(f.forwardMap, start)
	delete(f.backwardMap, start+pgid(size)-1)
	for i := pgid(0); i < pgid(size); i++ {
		delete(f.cache, start+i)
	}
}

// markAllocated records that pages [start, start+n) were handed out to
// txn, so a later free() under a different txn can look up their true
// allocating transaction for the release safety check.
func (f *freelist) markAllocated(txn txid, start pgid, n int) {
	for i := pgid(0); i < pgid(n); i++ {
		f.allocs[start+i] = txn
	}
}

// free releases page p (and its overflow run) under the releasing
// transaction's id. Freeing an already free/pending page panics, as does
// freeing a meta page.
func (f *freelist) free(id txid, p *page) {
	if p.id <= 1 {
		panic("leafdb: cannot free meta page")
	}
	txp := f.pending[id]
	if txp == nil {
		txp = &txPending{}
		f.pending[id] = txp
	}
	allocTxn := f.allocs[p.id]
	delete(f.allocs, p.id)

	for pid := p.id; pid <= p.id+pgid(p.overflow); pid++ {
		if f.cache[pid] {
			panic("leafdb: page already freed")
		}
		txp.ids = append(txp.ids, pendingPage{id: pid, allocTxn: allocTxn})
		f.cache[pid] = true
	}
}

// release promotes pending pages to the free set once no open reader
// older than the releasing writer can still observe them.
func (f *freelist) release(current txid) {
	rtxids := f.readonlyTxIDs()
	var freed pgids
	for ftxid, txp := range f.pending {
		if ftxid > current {
			continue
		}
		kept := txp.ids[:0]
		for _, pp := range txp.ids {
			if f.safeToRelease(pp.allocTxn, ftxid, rtxids) {
				freed = append(freed, pp.id)
			} else {
				kept = append(kept, pp)
			}
		}
		txp.ids = kept
		txp.lastReleaseBegin = current
		if len(txp.ids) == 0 {
			delete(f.pending, ftxid)
		}
	}
	f.mergeFreed(freed)
}

// releaseRange is release restricted to pending entries whose watermark
// falls within [begin, end]; used when readers close out of arrival order.
func (f *freelist) releaseRange(begin, end txid) {
	rtxids := f.readonlyTxIDs()
	var freed pgids
	for ftxid, txp := range f.pending {
		if txp.lastReleaseBegin < begin || txp.lastReleaseBegin > end {
			continue
		}
		kept := txp.ids[:0]
		for _, pp := range txp.ids {
			if f.safeToRelease(pp.allocTxn, ftxid, rtxids) {
				freed = append(freed, pp.id)
			} else {
				kept = append(kept, pp)
			}
		}
		txp.ids = kept
		txp.lastReleaseBegin = end
		if len(txp.ids) == 0 {
			delete(f.pending, ftxid)
		}
	}
	f.mergeFreed(freed)
}

// safeToRelease reports whether no open reader falls in [allocTxn, freeTxn),
// i.e. no reader could have started before the page was freed and after
// (or at) the point it was allocated.
func (f *freelist) safeToRelease(allocTxn, freeTxn txid, rtxids []txid) bool {
	for _, r := range rtxids {
		if allocTxn <= r && r < freeTxn {
			return false
		}
	}
	return true
}

func (f *freelist) mergeFreed(freed pgids) {
	if len(freed) == 0 {
		return
	}
	if f.kind == FreelistHashMapType {
		for _, id := range freed {
			f.addSpan(id, 1)
		}
		f.coalesceSpans()
		return
	}
	sort.Sort(freed)
	merged := mergePgids(f.ids, freed)
	f.ids = merged
	for _, id := range freed {
		f.cache[id] = true
	}
}

// coalesceSpans merges adjacent single-page spans produced by mergeFreed
// into larger runs so hashmapAllocate can satisfy bigger requests.
func (f *freelist) coalesceSpans() {
	changed := true
	for changed {
		changed = false
		for end, size := range f.backwardMap {
			next := end + 1
			if nsize, ok := f.forwardMap[next]; ok {
				start := end - pgid(size) + 1
				f.removeSpan(start, size)
				f.removeSpan(next, nsize)
				f.addSpan(start, size+nsize)
				changed = true
				break
			}
		}
	}
}

// addReadonlyTxID registers an open reader so pages it can still see are
// not promoted to free while it is open. Readers are a counted multiset:
// the same txid may be registered more than once.
func (f *freelist) addReadonlyTxID(id txid) {
	f.readers[id]++
}

func (f *freelist) removeReadonlyTxID(id txid) {
	if f.readers[id] <= 1 {
		delete(f.readers, id)
		return
	}
	f.readers[id]--
}

func (f *freelist) readonlyTxIDs() []txid {
	out := make([]txid, 0, len(f.readers))
	for id := range f.readers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// rollback discards the pending pages a writer released under id,
// without ever promoting them to free: used when a write Tx aborts, so
// the on-disk tree it would have superseded remains reachable.
func (f *freelist) rollback(id txid) {
	txp := f.pending[id]
	if txp == nil {
		return
	}
	for _, pp := range txp.ids {
		delete(f.cache, pp.id)
	}
	delete(f.pending, id)
}

// estimatedWriteSize returns the number of bytes write() will need,
// including the page header.
func (f *freelist) estimatedWriteSize() int {
	n := f.count()
	if n >= freelistOverflowCount {
		n++
	}
	return pageHeaderSize + n*8
}

func (f *freelist) getFreePageIDs() pgids {
	if f.kind != FreelistHashMapType {
		return f.ids
	}
	var ids pgids
	for start, size := range f.forwardMap {
		for i := pgid(0); i < pgid(size); i++ {
			ids = append(ids, start+i)
		}
	}
	sort.Sort(ids)
	return ids
}

// allIDs returns every free-or-pending id, sorted, for persistence: the
// pending set is flushed as free so a crash conservatively reuses it.
func (f *freelist) allIDs() pgids {
	out := append(pgids(nil), f.getFreePageIDs()...)
	for _, txp := range f.pending {
		for _, pp := range txp.ids {
			out = append(out, pp.id)
		}
	}
	sort.Sort(out)
	return out
}

// write serializes free ∪ pending ids into page p.
func (f *freelist) write(p *page) error {
	p.flags |= freelistPageFlag
	ids := f.allIDs()
	if len(ids) == 0 {
		p.count = 0
		return nil
	}
	if len(ids) < freelistOverflowCount {
		p.count = uint16(len(ids))
		dst := ((*[maxAllocSize / 8]pgid)(unsafeAdd(p)))[:len(ids)]
		copy(dst, ids)
		return nil
	}
	p.count = freelistOverflowCount
	dst := ((*[maxAllocSize / 8]pgid)(unsafeAdd(p)))[: len(ids)+1]
	dst[0] = pgid(len(ids))
	copy(dst[1:], ids)
	return nil
}

// read loads ids from a freelist page, replacing the free set and
// rebuilding the hashmap indexes when that strategy is selected.
func (f *freelist) read(p *page) {
	ids := p.freelistPageIDs()
	idsCopy := append(pgids(nil), ids...)
	sort.Sort(idsCopy)
	f.readIDs(idsCopy)
}

// readIDs replaces the free set with ids, rebuilding whichever index the
// selected strategy needs.
func (f *freelist) readIDs(ids pgids) {
	if f.kind == FreelistHashMapType {
		f.freemaps = make(map[uint64]map[pgid]struct{})
		f.forwardMap = make(map[pgid]uint64)
		f.backwardMap = make(map[pgid]uint64)
		for _, id := range ids {
			f.addSpan(id, 1)
		}
		f.coalesceSpans()
	}
	f.ids = ids
	f.cache = make(map[pgid]bool, len(ids))
	for _, id := range ids {
		f.cache[id] = true
	}
	for _, txp := range f.pending {
		for _, pp := range txp.ids {
			f.cache[pp.id] = true
		}
	}
}

// reload re-reads the freelist page and subtracts anything still pending,
// since a page persisted as free may since have been re-released.
func (f *freelist) reload(p *page) {
	f.read(p)
	pending := make(map[pgid]bool)
	for _, txp := range f.pending {
		for _, pp := range txp.ids {
			pending[pp.id] = true
		}
	}
	var kept pgids
	for _, id := range f.getFreePageIDs() {
		if !pending[id] {
			kept = append(kept, id)
		}
	}
	f.readIDs(kept)
}
