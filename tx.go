package leafdb

// Tx is a read or read-write view of the database, fixed to the Meta it
// snapshotted at Begin. A read Tx does not block a writer (or vice
// versa), except when the writer must grow the mmap: the remap waits for
// every open read Tx to close. Only one writer Tx may be open at a time.
type Tx struct {
	writable       bool
	db             *DB
	meta           meta
	root           Bucket
	dirty          map[pgid][]byte
	stats          TxStats
	commitHandlers []func()
}

// init wires a freshly allocated Tx to db, snapshotting its Meta and
// root bucket. Called only from DB.begin.
func (tx *Tx) init(db *DB) {
	tx.db = db
	tx.meta = db.meta().copyMeta()
	tx.root = newBucket(tx)
	tx.root.ib = tx.meta.root

	if tx.writable {
		tx.dirty = make(map[pgid][]byte)
		tx.meta.txid++
	}
}

// DB returns the database this Tx belongs to, or nil if the Tx is closed.
func (tx *Tx) DB() *DB { return tx.db }

// Writable reports whether this Tx may mutate the database.
func (tx *Tx) Writable() bool { return tx.writable }

// ID returns the transaction's snapshotted txid.
func (tx *Tx) ID() uint64 { return uint64(tx.meta.txid) }

// Stats returns a snapshot of the Tx's own counters.
func (tx *Tx) Stats() TxStats { return tx.stats }

// OnCommit registers fn to run immediately after a successful Commit.
// Registering on a read-only Tx is a no-op at commit time (read Txs have
// nothing to commit) but the registration itself always succeeds.
func (tx *Tx) OnCommit(fn func()) {
	tx.commitHandlers = append(tx.commitHandlers, fn)
}

// Bucket returns the top-level bucket named name, or nil.
func (tx *Tx) Bucket(name []byte) *Bucket {
	return tx.root.Bucket(name)
}

// CreateBucket creates a new top-level bucket.
func (tx *Tx) CreateBucket(name []byte) (*Bucket, error) {
	return tx.root.CreateBucket(name)
}

// CreateBucketIfNotExists creates name if missing and returns it either way.
func (tx *Tx) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	return tx.root.CreateBucketIfNotExists(name)
}

// DeleteBucket deletes the top-level bucket named name.
func (tx *Tx) DeleteBucket(name []byte) error {
	return tx.root.DeleteBucket(name)
}

// MoveBucket relocates the top-level bucket named name into dest.
func (tx *Tx) MoveBucket(name []byte, dest *Bucket) error {
	return tx.root.MoveBucket(name, dest)
}

// ForEachBucket calls fn with the name of every top-level bucket.
func (tx *Tx) ForEachBucket(fn func(name []byte) error) error {
	return tx.root.ForEachBucket(fn)
}

// Cursor creates a cursor over the Tx's top-level buckets.
func (tx *Tx) Cursor() *Cursor {
	return tx.root.Cursor()
}

// page returns the page (dirty-buffer- or mmap-backed) for id.
func (tx *Tx) page(id pgid) *page {
	if buf, ok := tx.dirty[id]; ok {
		return pageFromBuf(buf)
	}
	return tx.db.pageAt(id)
}

// readPage returns the raw bytes (header plus body, including overflow)
// backing id.
func (tx *Tx) readPage(id pgid) []byte {
	if buf, ok := tx.dirty[id]; ok {
		return buf
	}
	return tx.db.pageBytes(id)
}

// allocPageBuffer returns a freshly zeroed buffer of size bytes, ready to
// be cast via pageFromBuf and filled in by node.write.
func (tx *Tx) allocPageBuffer(size int) []byte {
	return make([]byte, size)
}

// allocate reserves count contiguous pages, from the freelist if
// possible, otherwise by growing the high-water mark (and, eventually,
// the mmap). It returns the id of the first page in the run.
func (tx *Tx) allocate(count int) (pgid, error) {
	if !tx.writable {
		return 0, ErrTxReadOnly
	}

	if id := tx.db.freelist.allocate(tx.meta.txid, count); id != 0 {
		tx.stats.PageCount += count
		tx.stats.PageAlloc += count * tx.db.pageSize
		return id, nil
	}

	id := tx.meta.hwm
	newHwm := id + pgid(count)
	if err := tx.db.growTo(int64(newHwm) * int64(tx.db.pageSize)); err != nil {
		return 0, err
	}
	tx.meta.hwm = newHwm
	tx.db.freelist.markAllocated(tx.meta.txid, id, count)

	tx.stats.PageCount += count
	tx.stats.PageAlloc += count * tx.db.pageSize
	return id, nil
}

// freePage marks the page at id, and the overflow pages that follow it,
// as reusable once no reader can still observe them, keyed by this Tx's
// txid.
func (tx *Tx) freePage(id pgid) {
	p := tx.page(id)
	tx.freePageWithOverflow(p)
}

// freePageWithOverflow releases p and the overflow pages that follow it.
func (tx *Tx) freePageWithOverflow(p *page) {
	tx.db.freelist.free(tx.meta.txid, p)
}

// Commit rebalances, spills, writes the freelist and dirty pages, fsyncs,
// then writes and fsyncs Meta — the commit point described in spec.md
// §4.7. Any failure before the Meta fsync leaves on-disk state unchanged
// and the Tx aborted.
func (tx *Tx) Commit() error {
	if tx.db == nil {
		return ErrTxClosed
	} else if !tx.writable {
		return ErrTxReadOnly
	}

	tx.stats.Rebalance++
	tx.root.rebalance()

	tx.stats.Spill++
	if err := tx.root.spill(); err != nil {
		tx.Rollback()
		return err
	}
	tx.meta.root = tx.root.ib

	if tx.meta.freelist != noFreelistSentinel && tx.meta.freelist != 0 {
		tx.freePage(tx.meta.freelist)
	}

	if tx.db.opts.NoFreelistSync {
		tx.meta.freelist = noFreelistSentinel
	} else {
		sz := tx.db.freelist.estimatedWriteSize()
		count := sz/tx.db.pageSize + 1
		id, err := tx.allocate(count)
		if err != nil {
			tx.Rollback()
			return err
		}
		buf := tx.allocPageBuffer(count * tx.db.pageSize)
		p := pageFromBuf(buf)
		p.id = id
		p.overflow = uint32(count - 1)
		if err := tx.db.freelist.write(p); err != nil {
			tx.Rollback()
			return err
		}
		tx.dirty[id] = buf
		tx.meta.freelist = id
	}

	if err := tx.db.growTo(int64(tx.meta.hwm) * int64(tx.db.pageSize)); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.write(); err != nil {
		tx.Rollback()
		return err
	}
	if !tx.db.opts.NoSync {
		if err := fdatasync(tx.db.file); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.writeMeta(); err != nil {
		tx.Rollback()
		return err
	}

	tx.db.setMeta(tx.meta)
	tx.close()

	for _, fn := range tx.commitHandlers {
		fn()
	}
	return nil
}

func (tx *Tx) write() error {
	for id, buf := range tx.dirty {
		if _, err := tx.db.file.WriteAt(buf, int64(id)*int64(tx.db.pageSize)); err != nil {
			return err
		}
		tx.stats.Write++
	}
	return nil
}

func (tx *Tx) writeMeta() error {
	buf := make([]byte, tx.db.pageSize)
	p := pageFromBuf(buf)
	tx.meta.write(p)
	if _, err := tx.db.file.WriteAt(buf, int64(p.id)*int64(tx.db.pageSize)); err != nil {
		return err
	}
	if err := fdatasync(tx.db.file); err != nil {
		return err
	}
	tx.stats.Write++
	return nil
}

// Rollback discards the Tx's in-memory mutations without touching
// on-disk state. For a writer, pending freelist entries created by this
// Tx are discarded rather than promoted. For a reader, it simply
// unregisters the reader.
func (tx *Tx) Rollback() error {
	if tx.db == nil {
		return ErrTxClosed
	}
	if tx.writable {
		tx.db.freelist.rollback(tx.meta.txid)
	}
	tx.close()
	return nil
}

func (tx *Tx) close() {
	if tx.db == nil {
		return
	}
	db := tx.db
	if tx.writable {
		db.metalock.Lock()
		db.stats.TxStats = db.stats.TxStats.add(tx.stats)
		db.metalock.Unlock()
		db.rwlock.Unlock()
	} else {
		db.removeTx(tx)
	}
	tx.db = nil
}
