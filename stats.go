package leafdb

// Stats are cumulative, database-wide counters. A value returned by
// DB.Stats() is a point-in-time snapshot; subtracting two snapshots
// yields the deltas accrued between them.
type Stats struct {
	FreePageN     int // free pages in the freelist's immediately reusable set
	PendingPageN  int // pending pages awaiting a safe-to-release watermark
	FreeAlloc     int // bytes the free/pending set could satisfy
	FreelistInuse int // bytes the freelist page(s) themselves occupy

	TxN     int // total transactions started
	OpenTxN int // currently open read transactions

	TxStats TxStats // cumulative across every closed Tx, read or write, committed or rolled back
}

func (s Stats) add(other Stats) Stats {
	s.TxN += other.TxN
	s.OpenTxN = other.OpenTxN
	s.TxStats = s.TxStats.add(other.TxStats)
	return s
}

// Sub returns the deltas of the cumulative counters (TxN and TxStats)
// between s and other (s - other), for computing a rate over an interval
// from two snapshots. The point-in-time fields are copied from s.
func (s Stats) Sub(other Stats) Stats {
	diff := s
	diff.TxN = s.TxN - other.TxN
	diff.TxStats = s.TxStats.sub(other.TxStats)
	return diff
}

// TxStats holds per-Tx counters, accumulated onto Stats.TxStats when
// the Tx closes (commit or rollback).
type TxStats struct {
	PageCount     int // pages allocated during the Tx
	PageAlloc     int // bytes allocated during the Tx
	CursorCount   int // cursors created during the Tx
	NodeCount     int // nodes materialized from pages during the Tx
	NodeDeref     int // not updated by this package; always 0
	Rebalance     int // rebalance passes (one per Commit)
	RebalanceTime int64
	Split         int // node splits
	Spill         int // spill passes (one per Commit)
	SpillTime     int64
	Write         int // pages written to disk during commit
	WriteTime     int64
}

func (t TxStats) add(other TxStats) TxStats {
	t.PageCount += other.PageCount
	t.PageAlloc += other.PageAlloc
	t.CursorCount += other.CursorCount
	t.NodeCount += other.NodeCount
	t.NodeDeref += other.NodeDeref
	t.Rebalance += other.Rebalance
	t.RebalanceTime += other.RebalanceTime
	t.Split += other.Split
	t.Spill += other.Spill
	t.SpillTime += other.SpillTime
	t.Write += other.Write
	t.WriteTime += other.WriteTime
	return t
}

func (t TxStats) sub(other TxStats) TxStats {
	var diff TxStats
	diff.PageCount = t.PageCount - other.PageCount
	diff.PageAlloc = t.PageAlloc - other.PageAlloc
	diff.CursorCount = t.CursorCount - other.CursorCount
	diff.NodeCount = t.NodeCount - other.NodeCount
	diff.NodeDeref = t.NodeDeref - other.NodeDeref
	diff.Rebalance = t.Rebalance - other.Rebalance
	diff.RebalanceTime = t.RebalanceTime - other.RebalanceTime
	diff.Split = t.Split - other.Split
	diff.Spill = t.Spill - other.Spill
	diff.SpillTime = t.SpillTime - other.SpillTime
	diff.Write = t.Write - other.Write
	diff.WriteTime = t.WriteTime - other.WriteTime
	return diff
}

// BucketStats holds point-in-time counters for one bucket's subtree,
// returned by Bucket.Stats().
type BucketStats struct {
	BranchPageN int // branch pages in the subtree
	BranchInuse int // bytes used by branch pages
	LeafPageN   int // leaf pages in the subtree
	LeafInuse   int // bytes used by leaf pages
	KeyN        int // number of leaf entries, sub-bucket header entries included
	Depth       int // maximum depth of the subtree
}

// DBInfo is a small open-file summary returned by DB.Info().
type DBInfo struct {
	Path     string
	PageSize int
	FileSize int64
}
