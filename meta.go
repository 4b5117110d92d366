package leafdb

import (
	"hash/fnv"
	"unsafe"
)

const (
	metaMagic   = 0xED0CDAED
	metaVersion = 2

	// metaPage0 and metaPage1 are the two fixed meta slots. Commit
	// alternates between them based on txid % 2.
	metaPage0 pgid = 0
	metaPage1 pgid = 1
)

// noFreelistSentinel marks a meta whose freelist was not persisted
// (Options.NoFreelistSync): the freelist must be rebuilt by scanning.
const noFreelistSentinel = ^pgid(0)

// inBucket is the persisted header of a bucket: its root page (0 for an
// inline bucket with no page of its own) and a monotonically increasing
// sequence counter used by Bucket.NextSequence.
type inBucket struct {
	root     pgid
	sequence uint64
}

// meta is the superblock. Two copies live at pgid 0 and 1; the valid copy
// with the higher txid is authoritative. Field order is the on-disk byte
// layout and must not change.
type meta struct {
	magic    uint32
	version  uint32
	pageSize uint32
	flags    uint32
	root     inBucket
	freelist pgid
	hwm      pgid // high-water mark: one past the largest pgid ever allocated
	txid     txid
	checksum uint64
}

var metaChecksumOffset = unsafe.Offsetof(meta{}.checksum)

func (m *meta) sum64() uint64 {
	h := fnv.New64a()
	b := unsafe.Slice((*byte)(unsafe.Pointer(m)), metaChecksumOffset)
	_, _ = h.Write(b)
	return h.Sum64()
}

// validate checks magic, version, and checksum, in that order, so callers
// can distinguish "not our format" from "our format but corrupt".
func (m *meta) validate() error {
	if m.magic != metaMagic {
		return ErrInvalid
	}
	if m.version != metaVersion {
		return ErrVersionMismatch
	}
	if m.checksum != m.sum64() {
		return ErrChecksum
	}
	return nil
}

// write recomputes the checksum and copies m into the meta body of p,
// placing p at the slot dictated by m.txid (the two-slot commit log).
func (m *meta) write(p *page) {
	if m.root.root >= m.hwm {
		panic("leafdb: root bucket pgid past high-water mark")
	}
	if m.freelist != noFreelistSentinel && m.freelist >= m.hwm {
		panic("leafdb: freelist pgid past high-water mark")
	}

	p.id = pgid(m.txid % 2)
	p.flags |= metaPageFlag

	m.checksum = m.sum64()
	*p.meta() = *m
}

// copyMeta returns a detached copy of m, safe to mutate independently (used
// when a Tx snapshots the authoritative meta at begin).
func (m meta) copyMeta() meta {
	return m
}
