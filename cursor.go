package leafdb

import (
	"bytes"
	"sort"
)

// Cursor traverses the key/value pairs of one Bucket in ascending key
// order. It is valid only for the lifetime of the Tx that produced it.
type Cursor struct {
	bucket *Bucket
	stack  []elemRef
}

// elemRef is one frame of the cursor's position stack: either a raw,
// mmap-backed page or a materialized node, plus the index of the current
// element within it.
type elemRef struct {
	page  *page
	node  *node
	index int
}

func (r *elemRef) isLeaf() bool {
	if r.node != nil {
		return r.node.isLeaf
	}
	return r.page.flags&leafPageFlag != 0
}

func (r *elemRef) count() int {
	if r.node != nil {
		return len(r.node.inodes)
	}
	return int(r.page.count)
}

// First moves to the first key/value pair in the bucket.
func (c *Cursor) First() (key, value []byte) {
	k, v, flags := c.first()
	if (flags & leafFlagBucket) != 0 {
		return k, nil
	}
	return k, v
}

// Last moves to the last key/value pair in the bucket.
func (c *Cursor) Last() (key, value []byte) {
	k, v, flags := c.last()
	if (flags & leafFlagBucket) != 0 {
		return k, nil
	}
	return k, v
}

// Next advances to the next key/value pair.
func (c *Cursor) Next() (key, value []byte) {
	k, v, flags := c.next()
	if (flags & leafFlagBucket) != 0 {
		return k, nil
	}
	return k, v
}

// Prev moves to the previous key/value pair.
func (c *Cursor) Prev() (key, value []byte) {
	k, v, flags := c.prev()
	if (flags & leafFlagBucket) != 0 {
		return k, nil
	}
	return k, v
}

// Seek moves to the first key >= seek.
func (c *Cursor) Seek(seek []byte) (key, value []byte) {
	k, v, flags := c.seek(seek)
	if (flags & leafFlagBucket) != 0 {
		return k, nil
	}
	return k, v
}

// Delete removes the current key/value pair. It fails if the current
// entry is a sub-bucket, or the transaction is not writable.
func (c *Cursor) Delete() error {
	if c.bucket.tx.db == nil {
		return ErrTxClosed
	}
	if !c.bucket.Writable() {
		return ErrTxReadOnly
	}
	key, _, flags := c.keyValue()
	if (flags & leafFlagBucket) != 0 {
		return ErrIncompatibleValue
	}
	c.node().del(key)
	return nil
}

func (c *Cursor) first() (key, value []byte, flags uint32) {
	c.stack = c.stack[:0]
	p, n := c.bucket.pageNode(c.bucket.Root())
	c.stack = append(c.stack, elemRef{page: p, node: n, index: 0})
	c.goToFirstOnStack()

	if c.stack[len(c.stack)-1].count() == 0 {
		return c.next()
	}
	return c.keyValue()
}

func (c *Cursor) goToFirstOnStack() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			return
		}
		var pgid pgid
		if ref.node != nil {
			pgid = ref.node.inodes[ref.index].pgid
		} else {
			pgid = ref.page.branchPageElement(uint16(ref.index)).pgid
		}
		p, n := c.bucket.pageNode(pgid)
		c.stack = append(c.stack, elemRef{page: p, node: n, index: 0})
	}
}

func (c *Cursor) last() (key, value []byte, flags uint32) {
	c.stack = c.stack[:0]
	p, n := c.bucket.pageNode(c.bucket.Root())
	ref := elemRef{page: p, node: n}
	ref.index = ref.count() - 1
	c.stack = append(c.stack, ref)
	c.goToLastOnStack()
	return c.keyValue()
}

func (c *Cursor) goToLastOnStack() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			return
		}
		var pgid pgid
		if ref.node != nil {
			pgid = ref.node.inodes[ref.index].pgid
		} else {
			pgid = ref.page.branchPageElement(uint16(ref.index)).pgid
		}
		p, n := c.bucket.pageNode(pgid)
		next := elemRef{page: p, node: n}
		next.index = next.count() - 1
		c.stack = append(c.stack, next)
	}
}

func (c *Cursor) next() (key, value []byte, flags uint32) {
	for {
		var i int
		for i = len(c.stack) - 1; i >= 0; i-- {
			elem := &c.stack[i]
			if elem.index < elem.count()-1 {
				elem.index++
				break
			}
		}
		if i == -1 {
			return nil, nil, 0
		}
		c.stack = c.stack[:i+1]
		c.goToFirstOnStack()

		if c.stack[len(c.stack)-1].count() == 0 {
			continue
		}
		return c.keyValue()
	}
}

func (c *Cursor) prev() (key, value []byte, flags uint32) {
	for i := len(c.stack) - 1; i >= 0; i-- {
		elem := &c.stack[i]
		if elem.index > 0 {
			elem.index--
			c.stack = c.stack[:i+1]
			c.goToLastOnStack()
			return c.keyValue()
		}
	}
	return nil, nil, 0
}

func (c *Cursor) seek(seek []byte) (key, value []byte, flags uint32) {
	c.stack = c.stack[:0]
	c.search(seek, c.bucket.Root())
	ref := c.stack[len(c.stack)-1]
	if ref.index >= ref.count() {
		return c.next()
	}
	return c.keyValue()
}

// search descends from pgid, binary-searching each level for the
// branch/leaf element bounding seek, per spec.md §4.6.
func (c *Cursor) search(seek []byte, id pgid) {
	p, n := c.bucket.pageNode(id)
	if p != nil && p.flags&(branchPageFlag|leafPageFlag) == 0 {
		panic("leafdb: invalid page type during traversal")
	}
	ref := elemRef{page: p, node: n}
	c.stack = append(c.stack, ref)

	if ref.isLeaf() {
		c.searchLeaf(seek)
		return
	}
	if n != nil {
		c.searchBranchNode(seek, n)
	} else {
		c.searchBranchPage(seek, p)
	}
}

func (c *Cursor) searchLeaf(seek []byte) {
	top := &c.stack[len(c.stack)-1]
	if top.node != nil {
		idx := sort.Search(len(top.node.inodes), func(i int) bool {
			return bytes.Compare(top.node.inodes[i].key, seek) != -1
		})
		top.index = idx
		return
	}
	elems := top.page.leafPageElements()
	idx := sort.Search(len(elems), func(i int) bool {
		return bytes.Compare(elems[i].key(), seek) != -1
	})
	top.index = idx
}

func (c *Cursor) searchBranchNode(seek []byte, n *node) {
	idx := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, seek) == 1
	}) - 1
	if idx < 0 {
		idx = 0
	}
	c.stack[len(c.stack)-1].index = idx
	c.search(seek, n.inodes[idx].pgid)
}

func (c *Cursor) searchBranchPage(seek []byte, p *page) {
	elems := p.branchPageElements()
	idx := sort.Search(len(elems), func(i int) bool {
		return bytes.Compare(elems[i].key(), seek) == 1
	}) - 1
	if idx < 0 {
		idx = 0
	}
	c.stack[len(c.stack)-1].index = idx
	c.search(seek, elems[idx].pgid)
}

func (c *Cursor) keyValue() (key, value []byte, flags uint32) {
	ref := c.stack[len(c.stack)-1]
	if ref.count() == 0 || ref.index >= ref.count() {
		return nil, nil, 0
	}
	if ref.node != nil {
		in := &ref.node.inodes[ref.index]
		return in.key, in.value, in.flags
	}
	elem := ref.page.leafPageElement(uint16(ref.index))
	return elem.key(), elem.value(), elem.flags
}

// node returns the materialized leaf node at the cursor's current
// position, descending from the root and converting each page frame on
// the stack into its corresponding node via the owning bucket's cache.
func (c *Cursor) node() *node {
	if len(c.stack) == 0 {
		panic("leafdb: accessing a node with no stack")
	}
	if ref := &c.stack[len(c.stack)-1]; ref.node != nil && ref.isLeaf() {
		return ref.node
	}

	n := c.stack[0].node
	if n == nil {
		n = c.bucket.node(c.stack[0].page.id, nil)
	}
	for _, ref := range c.stack[:len(c.stack)-1] {
		if n.isLeaf {
			panic("leafdb: expected branch node while descending cursor stack")
		}
		n = n.childAt(ref.index)
	}
	if !n.isLeaf {
		panic("leafdb: expected leaf node at bottom of cursor stack")
	}
	return n
}
