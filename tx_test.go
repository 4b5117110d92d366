package leafdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxCommitPersists(t *testing.T) {
	db := newTestDB(t)

	tx, err := db.Begin(true)
	require.NoError(t, err)
	b, err := tx.CreateBucket([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("k"), []byte("v")))
	require.NoError(t, tx.Commit())

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		require.NotNil(t, b)
		assert.Equal(t, []byte("v"), b.Get([]byte("k")))
		return nil
	}))
}

func TestTxRollbackDiscardsWrites(t *testing.T) {
	db := newTestDB(t)

	tx, err := db.Begin(true)
	require.NoError(t, err)
	b, err := tx.CreateBucket([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("k"), []byte("v")))
	require.NoError(t, tx.Rollback())

	require.NoError(t, db.View(func(tx *Tx) error {
		assert.Nil(t, tx.Bucket([]byte("b")))
		return nil
	}))
}

func TestTxCommitOnClosedTxFails(t *testing.T) {
	db := newTestDB(t)
	tx, err := db.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.ErrorIs(t, tx.Commit(), ErrTxClosed)
}

func TestTxRollbackOnClosedTxFails(t *testing.T) {
	db := newTestDB(t)
	tx, err := db.Begin(false)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.ErrorIs(t, tx.Rollback(), ErrTxClosed)
}

func TestTxReadOnlyRejectsCreateBucket(t *testing.T) {
	db := newTestDB(t)
	tx, err := db.Begin(false)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.CreateBucket([]byte("b"))
	assert.ErrorIs(t, err, ErrTxReadOnly)
}

func TestTxOnCommitFiresAfterCommit(t *testing.T) {
	db := newTestDB(t)

	tx, err := db.Begin(true)
	require.NoError(t, err)

	fired := false
	tx.OnCommit(func() { fired = true })

	_, err = tx.CreateBucket([]byte("b"))
	require.NoError(t, err)
	assert.False(t, fired)

	require.NoError(t, tx.Commit())
	assert.True(t, fired)
}

func TestTxReaderIsolatedFromLaterWriter(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("before"))
	}))

	reader, err := db.Begin(false)
	require.NoError(t, err)
	defer reader.Rollback()

	require.NoError(t, db.Update(func(tx *Tx) error {
		return tx.Bucket([]byte("b")).Put([]byte("k"), []byte("after"))
	}))

	assert.Equal(t, []byte("before"), reader.Bucket([]byte("b")).Get([]byte("k")))

	require.NoError(t, db.View(func(tx *Tx) error {
		assert.Equal(t, []byte("after"), tx.Bucket([]byte("b")).Get([]byte("k")))
		return nil
	}))
}

func TestTxIDIncreasesAcrossWriters(t *testing.T) {
	db := newTestDB(t)

	tx1, err := db.Begin(true)
	require.NoError(t, err)
	id1 := tx1.ID()
	require.NoError(t, tx1.Commit())

	tx2, err := db.Begin(true)
	require.NoError(t, err)
	defer tx2.Rollback()
	assert.Greater(t, tx2.ID(), id1)
}

func TestTxStatsCountsSpillAndWrite(t *testing.T) {
	db := newTestDB(t)

	tx, err := db.Begin(true)
	require.NoError(t, err)
	b, err := tx.CreateBucket([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("k"), []byte("v")))
	require.NoError(t, tx.Commit())

	stats := db.Stats()
	assert.Greater(t, stats.TxStats.Spill, 0)
	assert.Greater(t, stats.TxStats.Write, 0)
}

func TestTxCursorWalksTopLevelBuckets(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("a"))
		require.NoError(t, err)
		_, err = tx.CreateBucket([]byte("b"))
		require.NoError(t, err)

		c := tx.Cursor()
		var names []string
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			names = append(names, string(k))
		}
		assert.Equal(t, []string{"a", "b"}, names)
		return nil
	}))
}

func TestTxMoveBucketRelocatesTopLevelBucket(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		moved, err := tx.CreateBucket([]byte("src"))
		require.NoError(t, err)
		require.NoError(t, moved.Put([]byte("k"), []byte("v")))

		dst, err := tx.CreateBucket([]byte("dst"))
		require.NoError(t, err)

		require.NoError(t, tx.MoveBucket([]byte("src"), dst))
		assert.Nil(t, tx.Bucket([]byte("src")))

		got := tx.Bucket([]byte("dst")).Bucket([]byte("src"))
		require.NotNil(t, got)
		assert.Equal(t, []byte("v"), got.Get([]byte("k")))
		return nil
	}))
}
