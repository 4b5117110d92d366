package leafdb

import (
	"bytes"
	"sort"
	"unsafe"
)

// inode is the in-memory equivalent of one page element: a key/child-pgid
// pair for a branch node, or a key/value pair for a leaf node. flags
// carries the sub-bucket bit for leaf inodes holding a bucket header.
type inode struct {
	flags uint32
	pgid  pgid
	key   []byte
	value []byte
}

type inodes []inode

// node is the in-memory, mutable materialization of one page, owned by
// exactly one Tx for its lifetime.
type node struct {
	bucket     *Bucket
	isLeaf     bool
	unbalanced bool
	spilled    bool
	key        []byte
	pgid       pgid
	parent     *node
	children   nodes
	inodes     inodes
}

type nodes []*node

func (s nodes) Len() int      { return len(s) }
func (s nodes) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s nodes) Less(i, j int) bool {
	return bytes.Compare(s[i].inodes[0].key, s[j].inodes[0].key) == -1
}

func (n *node) root() *node {
	if n.parent == nil {
		return n
	}
	return n.parent.root()
}

func (n *node) minKeys() int {
	if n.isLeaf {
		return 1
	}
	return 2
}

// size returns the exact serialized size of the node's current inodes.
func (n *node) size() int {
	sz := pageHeaderSize
	elsz := n.pageElementSize()
	for _, item := range n.inodes {
		sz += elsz + len(item.key) + len(item.value)
	}
	return sz
}

// sizeLessThan short-circuits size() once limit is exceeded.
func (n *node) sizeLessThan(limit int) bool {
	sz := pageHeaderSize
	elsz := n.pageElementSize()
	for _, item := range n.inodes {
		sz += elsz + len(item.key) + len(item.value)
		if sz >= limit {
			return false
		}
	}
	return true
}

func (n *node) pageElementSize() int {
	if n.isLeaf {
		return leafPageElementSize
	}
	return branchPageElementSize
}

// childAt returns the materialized child at index, via the owning
// bucket's pageNode/node cache (spec.md §9 open question).
func (n *node) childAt(index int) *node {
	if n.isLeaf {
		panic("leafdb: invalid childAt call on a leaf node")
	}
	return n.bucket.node(n.inodes[index].pgid, n)
}

func (n *node) childIndex(child *node) int {
	idx := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, child.key) != -1
	})
	return idx
}

func (n *node) numChildren() int {
	return len(n.inodes)
}

func (n *node) nextSibling() *node {
	if n.parent == nil {
		return nil
	}
	idx := n.parent.childIndex(n)
	if idx >= n.parent.numChildren()-1 {
		return nil
	}
	return n.parent.childAt(idx + 1)
}

func (n *node) prevSibling() *node {
	if n.parent == nil {
		return nil
	}
	idx := n.parent.childIndex(n)
	if idx == 0 {
		return nil
	}
	return n.parent.childAt(idx - 1)
}

// put inserts or overwrites the inode for oldKey. newKey is the key to
// store (it may differ from oldKey when updating a branch's first-key
// pointer after a child's minimum key shifted). pgid is used for branch
// inodes; flags carries the sub-bucket bit for leaf inodes.
func (n *node) put(oldKey, newKey, value []byte, pgid pgid, flags uint32) {
	if pgid >= n.bucket.tx.meta.hwm {
		panic("leafdb: pgid past high-water mark")
	} else if len(oldKey) == 0 {
		panic("leafdb: put: zero-length old key")
	} else if len(newKey) == 0 {
		panic("leafdb: put: zero-length new key")
	}

	idx := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, oldKey) != -1
	})

	exact := idx < len(n.inodes) && bytes.Equal(n.inodes[idx].key, oldKey)
	if !exact {
		n.inodes = append(n.inodes, inode{})
		copy(n.inodes[idx+1:], n.inodes[idx:])
	}

	item := &n.inodes[idx]
	item.flags = flags
	item.key = newKey
	item.value = value
	item.pgid = pgid
	if len(item.key) == 0 {
		panic("leafdb: put: zero-length inode key")
	}
	// A node read from a page keeps the key its parent branch holds for
	// it, so that spill can find and replace that entry.
	if n.pgid == 0 || n.key == nil {
		n.key = n.inodes[0].key
	}
}

// del removes the inode matching key, if present, and marks the node for
// a rebalance pass at commit.
func (n *node) del(key []byte) {
	idx := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, key) != -1
	})
	if idx >= len(n.inodes) || !bytes.Equal(n.inodes[idx].key, key) {
		return
	}
	n.inodes = append(n.inodes[:idx], n.inodes[idx+1:]...)
	n.unbalanced = true
	if len(n.inodes) > 0 && (n.pgid == 0 || n.key == nil) {
		n.key = n.inodes[0].key
	}
}

// read materializes n's inodes from the on-disk page p.
func (n *node) read(p *page) {
	n.pgid = p.id
	n.isLeaf = p.flags&leafPageFlag != 0

	if n.isLeaf {
		elems := p.leafPageElements()
		n.inodes = make(inodes, len(elems))
		for i := range elems {
			e := &elems[i]
			n.inodes[i] = inode{
				flags: e.flags,
				key:   e.key(),
				value: e.value(),
			}
		}
	} else {
		elems := p.branchPageElements()
		n.inodes = make(inodes, len(elems))
		for i := range elems {
			e := &elems[i]
			n.inodes[i] = inode{
				pgid: e.pgid,
				key:  e.key(),
			}
		}
	}

	if len(n.inodes) > 0 {
		n.key = n.inodes[0].key
	} else {
		n.key = nil
	}
}

// write serializes n into page p, which must be a freshly allocated,
// empty page of the correct size.
func (n *node) write(p *page) {
	if p.count != 0 || p.flags != 0 {
		panic("leafdb: node write into a non-empty page")
	}
	if n.isLeaf {
		p.flags |= leafPageFlag
	} else {
		p.flags |= branchPageFlag
	}
	if len(n.inodes) >= maxNodesPerPage {
		panic("leafdb: inode overflow")
	}
	p.count = uint16(len(n.inodes))
	if len(n.inodes) == 0 {
		return
	}

	elsz := n.pageElementSize()
	buf := (*[maxAllocSize]byte)(unsafeAdd(p))[elsz*len(n.inodes):]

	for i, item := range n.inodes {
		klen := len(item.key)
		vlen := len(item.value)

		if n.isLeaf {
			elem := p.leafPageElement(uint16(i))
			elem.flags = item.flags
			elem.ksize = uint32(klen)
			elem.vsize = uint32(vlen)
			elem.pos = uint32(uintptr(unsafe.Pointer(&buf[0])) - uintptr(unsafe.Pointer(elem)))
		} else {
			elem := p.branchPageElement(uint16(i))
			elem.ksize = uint32(klen)
			elem.pgid = item.pgid
			elem.pos = uint32(uintptr(unsafe.Pointer(&buf[0])) - uintptr(unsafe.Pointer(elem)))
			if elem.pgid == p.id {
				panic("leafdb: branch element points at its own page")
			}
		}

		copy(buf[:klen], item.key)
		buf = buf[klen:]
		if n.isLeaf {
			copy(buf[:vlen], item.value)
			buf = buf[vlen:]
		}
	}
}

// split breaks n into one or more right-sized nodes per spec.md §4.4.
func (n *node) split(pageSize int) []*node {
	if len(n.inodes) < 4*minKeysPerPage || n.sizeLessThan(pageSize) {
		return []*node{n}
	}

	var nodes []*node
	cur := n
	for {
		a, b := cur.splitTwo(pageSize)
		nodes = append(nodes, a)
		if b == nil {
			break
		}
		cur = b
	}
	return nodes
}

// splitTwo detaches a right-hand sibling from n when n exceeds
// pageSize*fillPercent, per the split algorithm in spec.md §4.4.
func (n *node) splitTwo(pageSize int) (*node, *node) {
	if len(n.inodes) <= minKeysPerPage*2 || n.sizeLessThan(pageSize) {
		return n, nil
	}

	fillPercent := n.bucket.FillPercent
	if fillPercent < minFillPercent {
		fillPercent = minFillPercent
	} else if fillPercent > maxFillPercent {
		fillPercent = maxFillPercent
	}
	threshold := int(float64(pageSize) * fillPercent)

	idx, _ := n.splitIndex(threshold)
	n.bucket.tx.stats.Split++

	if n.parent == nil {
		n.parent = &node{bucket: n.bucket, children: []*node{n}}
	}

	next := &node{
		bucket: n.bucket,
		isLeaf: n.isLeaf,
		parent: n.parent,
		inodes: n.inodes[idx:],
	}
	next.key = next.inodes[0].key
	n.inodes = n.inodes[:idx]
	n.parent.children = append(n.parent.children, next)

	return n, next
}

// splitIndex walks inodes left-to-right, returning the smallest feasible
// split index per spec.md §4.4 (threshold-based, with a minimum-keys
// tie-break on both sides).
func (n *node) splitIndex(threshold int) (index, sz int) {
	sz = pageHeaderSize
	elsz := n.pageElementSize()
	for i := 0; i < len(n.inodes)-minKeysPerPage; i++ {
		index = i
		item := n.inodes[i]
		elsize := elsz + len(item.key) + len(item.value)

		if i >= minKeysPerPage && sz+elsize > threshold {
			break
		}
		sz += elsize
	}
	return
}

// spill writes n and its dirty children to freshly allocated pages,
// recursing child-before-parent so parents can record final child pgids.
func (n *node) spill() error {
	tx := n.bucket.tx
	if n.spilled {
		return nil
	}

	sort.Sort(n.children)
	for i := 0; i < len(n.children); i++ {
		if err := n.children[i].spill(); err != nil {
			return err
		}
	}
	n.children = nil

	var newNodes []*node
	for _, part := range n.split(tx.db.pageSize) {
		if part.pgid > 0 {
			tx.freePage(part.pgid)
			part.pgid = 0
		}

		count := (part.size() / tx.db.pageSize) + 1
		pid, err := tx.allocate(count)
		if err != nil {
			return err
		}
		if int(pid) >= int(tx.meta.hwm) {
			panic("leafdb: out-of-range allocation during spill")
		}

		part.pgid = pid
		buf := tx.allocPageBuffer(count * tx.db.pageSize)
		p := pageFromBuf(buf)
		p.id = pid
		p.overflow = uint32(count - 1)
		part.write(p)
		part.spilled = true
		tx.dirty[pid] = buf
		newNodes = append(newNodes, part)

		if part.parent != nil {
			var key []byte
			if len(part.inodes) > 0 {
				key = part.inodes[0].key
			} else {
				key = part.key
			}
			part.parent.put(part.key, key, nil, part.pgid, 0)
			part.key = key
		}
	}

	if n.parent != nil && n.parent.pgid == 0 {
		return n.parent.spill()
	}
	_ = newNodes
	return nil
}

// rebalance merges an underflowing node into a sibling per spec.md §4.4,
// or collapses a branch root that has a single child. Bucket.rebalance
// calls it for every cached node, in map order rather than bottom-up.
// A non-root node with no inodes is left in place; it is neither merged
// nor removed.
func (n *node) rebalance() {
	if !n.unbalanced {
		return
	}
	n.unbalanced = false

	threshold := n.bucket.tx.db.pageSize / 4
	if n.size() > threshold && len(n.inodes) > minKeysPerPage {
		return
	}

	if n.parent == nil {
		if !n.isLeaf && len(n.inodes) == 1 {
			child := n.bucket.node(n.inodes[0].pgid, n)
			n.isLeaf = child.isLeaf
			n.inodes = child.inodes[:]
			n.children = child.children
			for _, inode := range n.inodes {
				if c, ok := n.bucket.nodes[inode.pgid]; ok {
					c.parent = n
				}
			}
			child.parent = nil
			delete(n.bucket.nodes, child.pgid)
			child.free()
		}
		return
	}

	if n.numChildren() == 0 {
		return
	}

	if n.parent.numChildren() == 1 {
		n.parent.rebalance()
		return
	}

	useNextSibling := n.parent.childIndex(n) == 0
	var target *node
	if useNextSibling {
		target = n.nextSibling()
		n.inodes = append(n.inodes, target.inodes...)
	} else {
		target = n.prevSibling()
		target.inodes = append(target.inodes, n.inodes...)
		target.unbalanced = true
	}

	if target == nil {
		return
	}

	if !useNextSibling {
		n.free()
		delete(n.bucket.nodes, n.pgid)
		n.parent.removeChild(n)
		n.parent.unbalanced = true
		n.parent.rebalance()
		return
	}

	target.free()
	delete(n.bucket.nodes, target.pgid)
	n.parent.removeChild(target)
	n.parent.unbalanced = true
	n.parent.rebalance()
}

func (n *node) removeChild(target *node) {
	for i, child := range n.children {
		if child == target {
			n.children = append(n.children[:i], n.children[i+1:]...)
			break
		}
	}
	idx := n.childIndex(target)
	if idx < len(n.inodes) && bytes.Equal(n.inodes[idx].key, target.key) {
		n.inodes = append(n.inodes[:idx], n.inodes[idx+1:]...)
	}
}

// free releases n's page to the freelist, if it has one.
func (n *node) free() {
	if n.pgid == 0 {
		return
	}
	buf := n.bucket.tx.readPage(n.pgid)
	p := pageFromBuf(buf)
	n.bucket.tx.freePageWithOverflow(p)
	n.pgid = 0
}

const (
	minFillPercent = 0.1
	maxFillPercent = 1.0
	// defaultFillPercent is the target load factor a split tries to leave
	// the left node at.
	defaultFillPercent = 0.5
)
