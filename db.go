package leafdb

import (
	"io"
	"os"
	"sync"
	"time"

	mmap "github.com/edsrzf/mmap-go"
)

// Options configures Open. The zero value is sensible: read-write,
// fsync everything, array-strategy freelist, OS page size.
type Options struct {
	ReadOnly        bool
	NoSync          bool
	NoFreelistSync  bool
	FreelistType    FreelistType
	PageSize        int
	InitialMmapSize int
	Timeout         time.Duration
	Mlock           bool
	PreloadFreelist bool
}

// DB is an embedded, memory-mapped, copy-on-write B+tree store. One DB
// owns one data file; open it once per process and share it across
// goroutines.
type DB struct {
	path     string
	file     *os.File
	opts     Options
	pageSize int
	readOnly bool
	opened   bool

	data     mmap.MMap
	mmapSize int

	curMeta  meta
	freelist *freelist

	rwlock   sync.Mutex   // serializes writer Tx lifetime
	metalock sync.Mutex   // guards curMeta, freelist bookkeeping, txs
	mmaplock sync.RWMutex // readers hold shared for their lifetime; remap takes exclusive

	txs []*Tx

	stats Stats
}

// Open opens or creates the database file at path with default options.
func Open(path string) (*DB, error) {
	return OpenWithOptions(path, nil)
}

// OpenWithOptions opens or creates the database file at path.
func OpenWithOptions(path string, opts *Options) (*DB, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.PageSize == 0 {
		o.PageSize = os.Getpagesize()
	}
	if o.FreelistType == "" {
		o.FreelistType = FreelistArrayType
	}

	flag := os.O_RDWR
	if o.ReadOnly {
		flag = os.O_RDONLY
	} else {
		flag |= os.O_CREATE
	}

	file, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, err
	}

	db := &DB{path: path, file: file, opts: o, pageSize: o.PageSize, readOnly: o.ReadOnly}

	if err := flock(file, !o.ReadOnly, o.Timeout); err != nil {
		file.Close()
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		db.Close()
		return nil, err
	}

	if info.Size() == 0 {
		if o.ReadOnly {
			db.Close()
			return nil, ErrInvalid
		}
		if err := db.init(); err != nil {
			db.Close()
			return nil, err
		}
	} else if err := db.loadMeta(); err != nil {
		db.Close()
		return nil, err
	}

	if err := db.mmapFile(o.InitialMmapSize); err != nil {
		db.Close()
		return nil, err
	}

	db.freelist = newFreelist(o.FreelistType)
	if err := db.reloadFreelist(); err != nil {
		db.Close()
		return nil, err
	}

	db.opened = true
	return db, nil
}

// init lays down a brand-new file: meta pages 0/1, an empty freelist
// page 2, and an empty root leaf page 3, per spec.md §4.8.
func (db *DB) init() error {
	buf := make([]byte, db.pageSize*4)

	p0 := pageFromBuf(buf[0:db.pageSize])
	m0 := meta{
		magic:    metaMagic,
		version:  metaVersion,
		pageSize: uint32(db.pageSize),
		root:     inBucket{root: 3},
		freelist: 2,
		hwm:      4,
		txid:     0,
	}
	m0.write(p0)

	p1 := pageFromBuf(buf[db.pageSize : db.pageSize*2])
	m1 := m0
	m1.txid = 1
	m1.write(p1)

	fp := pageFromBuf(buf[db.pageSize*2 : db.pageSize*3])
	fp.id = 2
	fp.flags = freelistPageFlag

	rp := pageFromBuf(buf[db.pageSize*3 : db.pageSize*4])
	rp.id = 3
	rp.flags = leafPageFlag

	if _, err := db.file.WriteAt(buf, 0); err != nil {
		return err
	}
	if err := fdatasync(db.file); err != nil {
		return err
	}
	db.curMeta = m1
	return nil
}

// loadMeta reads both meta pages, validates them, and keeps the one with
// the higher txid, re-reading at the page size the winning meta records
// if it differs from our initial guess.
func (db *DB) loadMeta() error {
	chosen, err := db.readMetaPages(db.pageSize)
	if err != nil {
		return err
	}
	if int(chosen.pageSize) != db.pageSize {
		chosen, err = db.readMetaPages(int(chosen.pageSize))
		if err != nil {
			return err
		}
	}
	db.pageSize = int(chosen.pageSize)
	db.curMeta = *chosen
	return nil
}

func (db *DB) readMetaPages(pageSize int) (*meta, error) {
	buf := make([]byte, pageSize*2)
	if _, err := io.ReadFull(io.NewSectionReader(db.file, 0, int64(len(buf))), buf); err != nil {
		return nil, ErrInvalid
	}

	m0 := pageFromBuf(buf[0:pageSize]).meta()
	m1 := pageFromBuf(buf[pageSize : pageSize*2]).meta()
	err0 := m0.validate()
	err1 := m1.validate()

	switch {
	case err0 == nil && err1 == nil:
		if m0.txid > m1.txid {
			return m0, nil
		}
		return m1, nil
	case err0 == nil:
		return m0, nil
	case err1 == nil:
		return m1, nil
	default:
		return nil, ErrInvalid
	}
}

// reloadFreelist reads the persisted freelist page, or — if the last
// writer ran with NoFreelistSync — rebuilds it by scanning every page
// reachable from the root bucket and treating the rest as free.
func (db *DB) reloadFreelist() error {
	if db.curMeta.freelist != noFreelistSentinel {
		p := db.pageAt(db.curMeta.freelist)
		db.freelist.read(p)
		return nil
	}

	reachable := map[pgid]bool{0: true, 1: true}
	tx := &Tx{writable: false}
	tx.init(db)
	_ = tx.root.forEachPageNode(func(p *page, n *node, _ int) {
		var id pgid
		var overflow uint32
		if n != nil {
			id = n.pgid
		} else {
			id, overflow = p.id, p.overflow
		}
		for i := pgid(0); i <= pgid(overflow); i++ {
			reachable[id+i] = true
		}
	})

	var free pgids
	for id := pgid(2); id < db.curMeta.hwm; id++ {
		if !reachable[id] {
			free = append(free, id)
		}
	}
	db.freelist.readIDs(free)
	return nil
}

// mmapFile maps at least enough of the file to cover the current
// high-water mark, minSize, and a sane minimum.
func (db *DB) mmapFile(minSize int) error {
	info, err := db.file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if need := int64(db.curMeta.hwm) * int64(db.pageSize); need > size {
		size = need
	}
	if int64(minSize) > size {
		size = int64(minSize)
	}
	if floor := int64(db.pageSize) * 4; size < floor {
		size = floor
	}
	return db.remap(size)
}

const maxMmapStep = 1 << 30

// growTo ensures the file and mmap cover at least minSize bytes,
// doubling the mmap size (capped by maxMmapStep increments) to amortize
// remaps, per spec.md §4.7 step 4 and §5's mmap-lock description.
func (db *DB) growTo(minSize int64) error {
	if minSize <= int64(db.mmapSize) {
		return nil
	}

	newSize := int64(db.mmapSize)
	if newSize == 0 {
		newSize = int64(db.pageSize) * 4
	}
	for newSize < minSize {
		if newSize < maxMmapStep {
			newSize *= 2
		} else {
			newSize += maxMmapStep
		}
	}

	info, err := db.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() < newSize {
		if err := db.file.Truncate(newSize); err != nil {
			return err
		}
		if err := fdatasync(db.file); err != nil {
			return err
		}
	}

	return db.remap(newSize)
}

// remap replaces the mmap with a fresh one covering size bytes. It takes
// the mmap lock exclusively, so it waits until every open read Tx has
// closed, and read Txs that begin meanwhile wait until it finishes.
func (db *DB) remap(size int64) error {
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	if db.data != nil {
		if err := db.data.Unmap(); err != nil {
			return err
		}
	}
	m, err := mmap.MapRegion(db.file, int(size), mmap.RDONLY, 0, 0)
	if err != nil {
		return err
	}
	if db.opts.Mlock {
		_ = m.Lock()
	}
	db.data = m
	db.mmapSize = int(size)
	return nil
}

// pageBytes returns the page-sized window of the mmap at id. Accessors
// on the returned *page reach past this window via raw pointer
// arithmetic for overflow pages, which is valid because the whole file
// is one contiguous mapping.
func (db *DB) pageBytes(id pgid) []byte {
	pos := int64(id) * int64(db.pageSize)
	return db.data[pos : pos+int64(db.pageSize)]
}

func (db *DB) pageAt(id pgid) *page {
	return pageFromBuf(db.pageBytes(id))
}

// meta returns the authoritative in-memory meta. Callers must hold
// metalock.
func (db *DB) meta() *meta { return &db.curMeta }

func (db *DB) setMeta(m meta) {
	db.metalock.Lock()
	db.curMeta = m
	db.metalock.Unlock()
}

// begin starts a Tx. Writers block on rwlock; readers take mmaplock
// shared for their entire lifetime, released in Tx.close.
func (db *DB) begin(writable bool) (*Tx, error) {
	if !db.opened {
		return nil, ErrDatabaseNotOpen
	}
	if writable && db.readOnly {
		return nil, ErrDatabaseReadOnly
	}

	if writable {
		db.rwlock.Lock()
	} else {
		db.mmaplock.RLock()
	}

	db.metalock.Lock()
	tx := &Tx{writable: writable}
	tx.init(db)
	if writable {
		db.freelist.release(tx.meta.txid)
	} else {
		db.freelist.addReadonlyTxID(tx.meta.txid)
		db.txs = append(db.txs, tx)
		db.stats.OpenTxN = len(db.txs)
	}
	db.stats.TxN++
	db.metalock.Unlock()

	return tx, nil
}

// Begin starts a read (writable=false) or write (writable=true) Tx.
func (db *DB) Begin(writable bool) (*Tx, error) { return db.begin(writable) }

// View runs fn inside a read-only Tx, always rolling back at the end.
func (db *DB) View(fn func(tx *Tx) error) error {
	tx, err := db.begin(false)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Rollback()
}

// Update runs fn inside a write Tx, committing on success and rolling
// back if fn (or Commit itself) returns an error.
func (db *DB) Update(fn func(tx *Tx) error) error {
	tx, err := db.begin(true)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// removeTx unregisters a closed read Tx and recomputes what pending
// freelist entries it might have been the last blocker for.
func (db *DB) removeTx(tx *Tx) {
	db.metalock.Lock()
	db.freelist.removeReadonlyTxID(tx.meta.txid)
	for i, t := range db.txs {
		if t == tx {
			db.txs = append(db.txs[:i], db.txs[i+1:]...)
			break
		}
	}
	db.stats.TxStats = db.stats.TxStats.add(tx.stats)
	db.stats.OpenTxN = len(db.txs)
	db.metalock.Unlock()

	db.freelist.releaseRange(tx.meta.txid, ^txid(0))
	db.mmaplock.RUnlock()
}

// Close unmaps and closes the underlying file. It blocks until any open
// writer finishes and any in-flight remap completes.
func (db *DB) Close() error {
	db.metalock.Lock()
	db.opened = false
	db.metalock.Unlock()

	db.rwlock.Lock()
	defer db.rwlock.Unlock()
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	if db.data != nil {
		if err := db.data.Unmap(); err != nil {
			return err
		}
		db.data = nil
	}
	if db.file == nil {
		return nil
	}
	_ = funlock(db.file)
	err := db.file.Close()
	db.file = nil
	return err
}

// Stats returns a point-in-time snapshot of cumulative database counters.
func (db *DB) Stats() Stats {
	db.metalock.Lock()
	defer db.metalock.Unlock()
	s := db.stats
	s.FreePageN = len(db.freelist.getFreePageIDs())
	s.PendingPageN = db.freelist.count() - s.FreePageN
	s.FreeAlloc = (s.FreePageN + s.PendingPageN) * db.pageSize
	s.FreelistInuse = db.freelist.estimatedWriteSize()
	return s
}

// Info returns a small summary of the open file.
func (db *DB) Info() DBInfo {
	var size int64
	if info, err := db.file.Stat(); err == nil {
		size = info.Size()
	}
	return DBInfo{Path: db.path, PageSize: db.pageSize, FileSize: size}
}
