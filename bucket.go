package leafdb

import (
	"bytes"
	"fmt"
	"unsafe"
)

const (
	// MaxKeySize is the largest key Put will accept.
	MaxKeySize = 32768
	// MaxValueSize is the largest value Put will accept.
	MaxValueSize = (1 << 31) - 2

	bucketHeaderSize = int(unsafe.Sizeof(inBucket{}))
)

// Bucket is a named collection of key/value pairs, and may itself hold
// nested sub-buckets. A Bucket is valid only for the lifetime of the Tx
// that produced it.
type Bucket struct {
	ib          inBucket
	tx          *Tx
	buckets     map[string]*Bucket
	page        *page // non-nil only for a still-inline, unmaterialized bucket
	rootNode    *node
	nodes       map[pgid]*node
	FillPercent float64
}

func newBucket(tx *Tx) Bucket {
	b := Bucket{tx: tx, FillPercent: defaultFillPercent}
	if tx.writable {
		b.buckets = make(map[string]*Bucket)
		b.nodes = make(map[pgid]*node)
	}
	return b
}

// Root returns the page id of the bucket's root page, following a
// materialized node if one exists.
func (b *Bucket) Root() pgid {
	if b.rootNode == nil {
		return b.ib.root
	}
	return b.rootNode.pgid
}

// Writable reports whether the bucket's Tx allows mutation.
func (b *Bucket) Writable() bool {
	return b.tx.writable
}

// Cursor creates a cursor positioned before the bucket's first entry.
func (b *Bucket) Cursor() *Cursor {
	b.tx.stats.CursorCount++
	return &Cursor{bucket: b}
}

// Bucket returns the nested bucket named name, or nil if it doesn't exist.
func (b *Bucket) Bucket(name []byte) *Bucket {
	if b.buckets != nil {
		if child, ok := b.buckets[string(name)]; ok {
			return child
		}
	}

	c := b.Cursor()
	k, v, flags := c.seek(name)
	if !bytes.Equal(name, k) || (flags&leafFlagBucket) == 0 {
		return nil
	}

	child := b.openBucket(v)
	if b.buckets != nil {
		b.buckets[string(name)] = child
	}
	return child
}

// openBucket decodes a bucket header (and, if inline, its embedded page)
// out of a leaf value previously written by a sub-bucket Put.
func (b *Bucket) openBucket(value []byte) *Bucket {
	child := newBucket(b.tx)
	child.ib = *(*inBucket)(unsafe.Pointer(&value[0]))

	if child.ib.root == 0 {
		if len(value) > bucketHeaderSize {
			inline := value[bucketHeaderSize:]
			if b.tx.writable {
				cp := make([]byte, len(inline))
				copy(cp, inline)
				inline = cp
			}
			child.page = pageFromBuf(inline)
		}
	}

	return &child
}

// CreateBucket creates and returns a new nested bucket. It fails if the
// name is already in use or the transaction is read-only.
func (b *Bucket) CreateBucket(name []byte) (*Bucket, error) {
	if b.tx.db == nil {
		return nil, ErrTxClosed
	} else if !b.Writable() {
		return nil, ErrTxReadOnly
	} else if len(name) == 0 {
		return nil, ErrBucketNameRequired
	}

	c := b.Cursor()
	k, _, flags := c.seek(name)
	if bytes.Equal(name, k) {
		if (flags & leafFlagBucket) != 0 {
			return nil, ErrBucketExists
		}
		return nil, ErrIncompatibleValue
	}

	child := newBucket(b.tx)
	child.rootNode = &node{bucket: &child, isLeaf: true}
	value := child.write()

	key := make([]byte, len(name))
	copy(key, name)
	c.node().put(key, key, value, 0, leafFlagBucket)

	if b.buckets != nil {
		b.buckets[string(name)] = &child
	}
	return &child, nil
}

// CreateBucketIfNotExists is CreateBucket without ErrBucketExists.
func (b *Bucket) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	child, err := b.CreateBucket(name)
	if err == ErrBucketExists {
		return b.Bucket(name), nil
	}
	return child, err
}

// DeleteBucket removes the nested bucket named name and everything in it.
func (b *Bucket) DeleteBucket(name []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxReadOnly
	}

	c := b.Cursor()
	k, _, flags := c.seek(name)
	if !bytes.Equal(name, k) {
		return ErrBucketNotFound
	} else if (flags & leafFlagBucket) == 0 {
		return ErrIncompatibleValue
	}

	child := b.Bucket(name)
	if err := child.forEachPageNode(func(p *page, n *node, _ int) {
		if n != nil {
			n.free()
		} else if p.id != 0 { // id 0 is an inline page, which owns no page
			b.tx.freePageWithOverflow(p)
		}
	}); err != nil {
		return err
	}

	delete(b.buckets, string(name))
	c.node().del(name)
	return nil
}

// MoveBucket relocates the nested bucket named name from b to dest.
// It fails with ErrBucketNotFound if dest is nil, ErrSameBucket if
// dest is b, and ErrDifferentDatabase if dest belongs to a different Tx.
func (b *Bucket) MoveBucket(name []byte, dest *Bucket) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if dest == nil {
		return ErrBucketNotFound
	} else if !b.Writable() || !dest.Writable() {
		return ErrTxReadOnly
	} else if dest.tx != b.tx {
		return ErrDifferentDatabase
	} else if dest == b {
		return ErrSameBucket
	}

	c := b.Cursor()
	k, v, flags := c.seek(name)
	if !bytes.Equal(name, k) {
		return ErrBucketNotFound
	} else if (flags & leafFlagBucket) == 0 {
		return ErrIncompatibleValue
	}

	value := append([]byte(nil), v...)
	child := b.buckets[string(name)]
	c.node().del(name)
	delete(b.buckets, string(name))

	dc := dest.Cursor()
	dk, _, dflags := dc.seek(name)
	if bytes.Equal(name, dk) {
		if (dflags & leafFlagBucket) != 0 {
			return ErrBucketExists
		}
		return ErrIncompatibleValue
	}

	key := make([]byte, len(name))
	copy(key, name)
	dc.node().put(key, key, value, 0, leafFlagBucket)
	// A cached child may hold changes made earlier in this Tx that its
	// leaf header does not reflect yet; dest adopts it so they are kept.
	if child != nil && dest.buckets != nil {
		dest.buckets[string(name)] = child
	}
	return nil
}

// Get returns the value for key, or nil if it doesn't exist or names a
// sub-bucket. The returned slice is valid only until the Tx ends.
func (b *Bucket) Get(key []byte) []byte {
	k, v, flags := b.Cursor().seek(key)
	if !bytes.Equal(key, k) {
		return nil
	}
	if (flags & leafFlagBucket) != 0 {
		return nil
	}
	return v
}

// Put sets key to value, creating or overwriting the entry.
func (b *Bucket) Put(key, value []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxReadOnly
	} else if len(key) == 0 {
		return ErrKeyRequired
	} else if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	} else if int64(len(value)) > MaxValueSize {
		return ErrValueTooLarge
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)
	if bytes.Equal(key, k) && (flags&leafFlagBucket) != 0 {
		return ErrIncompatibleValue
	}

	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	c.node().put(keyCopy, keyCopy, value, 0, 0)
	return nil
}

// Delete removes key, if present. Deleting a missing key is not an error.
func (b *Bucket) Delete(key []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxReadOnly
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)
	if !bytes.Equal(key, k) {
		return nil
	} else if (flags & leafFlagBucket) != 0 {
		return ErrIncompatibleValue
	}
	c.node().del(key)
	return nil
}

// Sequence returns the bucket's current auto-increment sequence.
func (b *Bucket) Sequence() uint64 { return b.ib.sequence }

// SetSequence sets the bucket's auto-increment sequence.
func (b *Bucket) SetSequence(v uint64) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxReadOnly
	}
	if b.rootNode != nil {
		b.rootNode.bucket = b
	}
	b.ib.sequence = v
	return nil
}

// NextSequence increments and returns the bucket's auto-increment sequence.
func (b *Bucket) NextSequence() (uint64, error) {
	if b.tx.db == nil {
		return 0, ErrTxClosed
	} else if !b.Writable() {
		return 0, ErrTxReadOnly
	}
	if b.rootNode != nil {
		b.rootNode.bucket = b
	}
	b.ib.sequence++
	return b.ib.sequence, nil
}

// ForEach calls fn for every key/value pair in ascending key order,
// skipping sub-buckets' own contents (sub-bucket entries appear with a
// nil value, matching Cursor).
func (b *Bucket) ForEach(fn func(k, v []byte) error) error {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ForEachBucket calls fn with the name of every direct sub-bucket.
func (b *Bucket) ForEachBucket(fn func(name []byte) error) error {
	c := b.Cursor()
	for k, _, flags := c.seek(nil); k != nil; k, _, flags = c.next() {
		if (flags & leafFlagBucket) != 0 {
			if err := fn(k); err != nil {
				return err
			}
		}
	}
	return nil
}

// pageNode returns the page or node backing id: a cached node if one
// exists, otherwise the mmap-backed (or dirty-buffer-backed) page.
func (b *Bucket) pageNode(id pgid) (*page, *node) {
	if b.ib.root == 0 {
		if id != 0 {
			panic("leafdb: inline bucket referenced non-zero page id")
		}
		if b.rootNode != nil {
			return nil, b.rootNode
		}
		return b.page, nil
	}

	if b.nodes != nil {
		if n, ok := b.nodes[id]; ok {
			return nil, n
		}
	}

	return b.tx.page(id), nil
}

// node returns the materialized node for id, reading and caching it (with
// the given parent) if it is not already cached. This resolves spec.md
// §9's open question on Bucket's page/node duality: pageNode answers
// "what backs this id right now", node answers "give me a mutable copy".
func (b *Bucket) node(id pgid, parent *node) *node {
	if b.nodes == nil {
		b.nodes = make(map[pgid]*node)
	}
	if n, ok := b.nodes[id]; ok {
		return n
	}

	p, cached := b.pageNode(id)
	if cached != nil {
		cached.parent = parent
		b.nodes[id] = cached
		return cached
	}

	n := &node{bucket: b, parent: parent}
	n.read(p)
	b.tx.stats.NodeCount++
	b.nodes[id] = n
	if parent == nil {
		b.rootNode = n
	} else {
		parent.children = append(parent.children, n)
	}
	return n
}

// free releases every page in the bucket's subtree, including those held
// by nested buckets, to the freelist. Used by spill when a sub-bucket
// becomes small enough to be stored inline in its parent.
func (b *Bucket) free() {
	if b.ib.root == 0 {
		return
	}
	_ = b.forEachPageNode(func(p *page, n *node, _ int) {
		if n != nil {
			n.free()
		} else if p.id != 0 { // id 0 is an inline page, which owns no page
			b.tx.freePageWithOverflow(p)
		}
	})
	b.ib.root = 0
}

// forEachPageNode walks every page/node in the bucket's subtree,
// depth-first, calling fn(page, node, depth) for each (exactly one of
// page/node is non-nil). It also descends into every nested bucket found
// in a leaf, so fn sees their pages and nodes too (an inline nested
// bucket's page has id 0).
func (b *Bucket) forEachPageNode(fn func(p *page, n *node, depth int)) error {
	b.forEachPageNodeImpl(b.Root(), 0, fn)
	return nil
}

func (b *Bucket) forEachPageNodeImpl(id pgid, depth int, fn func(p *page, n *node, depth int)) {
	p, n := b.pageNode(id)

	if n != nil {
		for _, in := range n.inodes {
			if (in.flags & leafFlagBucket) != 0 {
				child := b.openBucket(in.value)
				child.forEachPageNodeImpl(child.Root(), depth+1, fn)
			}
		}
		for _, in := range n.inodes {
			if !n.isLeaf {
				b.forEachPageNodeImpl(in.pgid, depth+1, fn)
			}
		}
		fn(nil, n, depth)
		return
	}

	if p.flags&branchPageFlag != 0 {
		for _, elem := range p.branchPageElements() {
			b.forEachPageNodeImpl(elem.pgid, depth+1, fn)
		}
	} else {
		for _, elem := range p.leafPageElements() {
			if elem.isBucket() {
				child := b.openBucket(elem.value())
				child.forEachPageNodeImpl(child.Root(), depth+1, fn)
			}
		}
	}
	fn(p, nil, depth)
}

// inlineable reports whether the bucket is small enough, and free of
// nested sub-buckets, to embed directly in its parent's leaf value
// instead of owning its own page tree (spec.md §4.5, §9 "Inline
// sub-pages"). The threshold is a quarter of the page size, less the
// bucket header that always precedes the inline page, and scales with
// Options.PageSize rather than a fixed constant.
func (b *Bucket) inlineable() bool {
	n := b.rootNode
	if n == nil || !n.isLeaf {
		return false
	}

	threshold := b.tx.db.pageSize/4 - bucketHeaderSize
	size := pageHeaderSize
	for _, in := range n.inodes {
		if (in.flags & leafFlagBucket) != 0 {
			return false
		}
		size += leafPageElementSize + len(in.key) + len(in.value)
		if size > threshold {
			return false
		}
	}
	return true
}

// write encodes the bucket's header, and — if it qualifies — its inline
// page, into a leaf value suitable for storing in the parent bucket.
func (b *Bucket) write() []byte {
	if b.inlineable() {
		n := b.rootNode
		size := bucketHeaderSize + n.size()
		value := make([]byte, size)

		header := (*inBucket)(unsafe.Pointer(&value[0]))
		*header = b.ib

		p := pageFromBuf(value[bucketHeaderSize:])
		n.write(p)
		return value
	}

	value := make([]byte, bucketHeaderSize)
	*(*inBucket)(unsafe.Pointer(&value[0])) = b.ib
	return value
}

// spill writes every dirty node in the bucket's subtree (and every dirty
// nested bucket) to freshly allocated pages, recursing depth-first.
func (b *Bucket) spill() error {
	for name, child := range b.buckets {
		// A rootNode only ever gets materialized by a mutation (Put,
		// Delete, CreateBucket...); nil here means the sub-bucket was
		// opened for reading only and its on-disk bytes are unchanged.
		if child.rootNode == nil {
			continue
		}

		var value []byte
		if child.inlineable() {
			child.free()
			value = child.write()
		} else {
			if err := child.spill(); err != nil {
				return err
			}
			value = child.write()
		}

		c := b.Cursor()
		k, _, flags := c.seek([]byte(name))
		if !bytes.Equal(k, []byte(name)) || (flags&leafFlagBucket) == 0 {
			return fmt.Errorf("leafdb: misplaced bucket header for %q", name)
		}
		c.node().put([]byte(name), []byte(name), value, 0, leafFlagBucket)
	}

	if b.rootNode == nil {
		return nil
	}
	if err := b.rootNode.spill(); err != nil {
		return err
	}
	b.rootNode = b.rootNode.root()
	if b.rootNode.pgid >= b.tx.meta.hwm {
		panic("leafdb: root node spilled past high-water mark")
	}
	b.ib.root = b.rootNode.pgid
	return nil
}

// rebalance runs node.rebalance over every node marked unbalanced during
// the transaction, then recurses into cached nested buckets.
func (b *Bucket) rebalance() {
	for _, n := range b.nodes {
		n.rebalance()
	}
	for _, child := range b.buckets {
		child.rebalance()
	}
}

// Stats returns point-in-time counters for the bucket's subtree.
func (b *Bucket) Stats() BucketStats {
	var s BucketStats
	b.forEachPageNodeImpl(b.Root(), 0, func(p *page, n *node, depth int) {
		if depth > s.Depth {
			s.Depth = depth
		}
		var isLeaf bool
		var count int
		var used int
		if n != nil {
			isLeaf = n.isLeaf
			count = len(n.inodes)
			used = n.size()
		} else {
			isLeaf = p.flags&leafPageFlag != 0
			count = int(p.count)
			used = pageHeaderSize
			if isLeaf {
				for _, e := range p.leafPageElements() {
					used += leafPageElementSize + int(e.ksize) + int(e.vsize)
				}
			} else {
				for _, e := range p.branchPageElements() {
					used += branchPageElementSize + int(e.ksize)
				}
			}
		}
		if isLeaf {
			s.LeafPageN++
			s.LeafInuse += used
			s.KeyN += count
		} else {
			s.BranchPageN++
			s.BranchInuse += used
		}
	})
	return s
}
