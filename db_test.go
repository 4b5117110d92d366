package leafdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaf.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	info := db.Info()
	assert.Equal(t, path, info.Path)
	assert.Greater(t, info.FileSize, int64(0))
}

func TestDBReopenPreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaf.db")

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("a"), []byte("1"))
	}))
	require.NoError(t, db.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()

	err = db2.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.NotNil(t, b)
		assert.Equal(t, []byte("1"), b.Get([]byte("a")))
		return nil
	})
	require.NoError(t, err)
}

func TestDBReadOnlyRejectsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaf.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ro, err := OpenWithOptions(path, &Options{ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.Begin(true)
	assert.ErrorIs(t, err, ErrDatabaseReadOnly)
}

func TestDBOpenMissingReadOnlyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	_, err := OpenWithOptions(path, &Options{ReadOnly: true})
	assert.Error(t, err)
}

func TestDBStatsTracksTransactions(t *testing.T) {
	db := newTestDB(t)

	before := db.Stats()
	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("b"))
		return err
	}))
	after := db.Stats()
	assert.Greater(t, after.TxN, before.TxN)
}

func TestDBConcurrentReadersDoNotBlockEachOther(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v"))
	}))

	tx1, err := db.Begin(false)
	require.NoError(t, err)
	defer tx1.Rollback()

	tx2, err := db.Begin(false)
	require.NoError(t, err)
	defer tx2.Rollback()

	assert.Equal(t, []byte("v"), tx1.Bucket([]byte("b")).Get([]byte("k")))
	assert.Equal(t, []byte("v"), tx2.Bucket([]byte("b")).Get([]byte("k")))
}
