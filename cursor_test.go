package leafdb

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorFirstLastOnEmptyBucket(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)

		c := b.Cursor()
		k, v := c.First()
		assert.Nil(t, k)
		assert.Nil(t, v)

		k, v = c.Last()
		assert.Nil(t, k)
		assert.Nil(t, v)
		return nil
	}))
}

func TestCursorFirstNextLast(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)
		for _, k := range []string{"a", "b", "c", "d"} {
			require.NoError(t, b.Put([]byte(k), []byte(k)))
		}

		c := b.Cursor()
		k, v := c.First()
		assert.Equal(t, []byte("a"), k)
		assert.Equal(t, []byte("a"), v)

		k, v = c.Next()
		assert.Equal(t, []byte("b"), k)
		assert.Equal(t, []byte("b"), v)

		k, v = c.Last()
		assert.Equal(t, []byte("d"), k)
		assert.Equal(t, []byte("d"), v)

		k, v = c.Prev()
		assert.Equal(t, []byte("c"), k)
		assert.Equal(t, []byte("c"), v)
		return nil
	}))
}

func TestCursorNextPastEndReturnsNil(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("a"), []byte("1")))

		c := b.Cursor()
		c.First()
		k, v := c.Next()
		assert.Nil(t, k)
		assert.Nil(t, v)
		return nil
	}))
}

func TestCursorSeek(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)
		for _, k := range []string{"a", "c", "e"} {
			require.NoError(t, b.Put([]byte(k), []byte(k)))
		}

		c := b.Cursor()
		k, v := c.Seek([]byte("b"))
		assert.Equal(t, []byte("c"), k)
		assert.Equal(t, []byte("c"), v)

		k, v = c.Seek([]byte("e"))
		assert.Equal(t, []byte("e"), k)
		assert.Equal(t, []byte("e"), v)

		k, v = c.Seek([]byte("z"))
		assert.Nil(t, k)
		assert.Nil(t, v)
		return nil
	}))
}

func TestCursorDelete(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("a"), []byte("1")))
		require.NoError(t, b.Put([]byte("b"), []byte("2")))

		c := b.Cursor()
		k, _ := c.Seek([]byte("a"))
		require.Equal(t, []byte("a"), k)
		require.NoError(t, c.Delete())

		assert.Nil(t, b.Get([]byte("a")))
		assert.Equal(t, []byte("2"), b.Get([]byte("b")))
		return nil
	}))
}

func TestCursorDeleteOnSubBucketFails(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)
		_, err = b.CreateBucket([]byte("child"))
		require.NoError(t, err)

		c := b.Cursor()
		k, v := c.Seek([]byte("child"))
		assert.Equal(t, []byte("child"), k)
		assert.Nil(t, v)

		assert.ErrorIs(t, c.Delete(), ErrIncompatibleValue)
		return nil
	}))
}

func TestCursorDeleteOnReadOnlyTxFails(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)
		return b.Put([]byte("a"), []byte("1"))
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		require.NotNil(t, b)
		c := b.Cursor()
		c.First()
		assert.ErrorIs(t, c.Delete(), ErrTxReadOnly)
		return nil
	}))
}

func TestCursorOrdersKeysAcrossSplitTree(t *testing.T) {
	db := newTestDB(t)
	const n = 3000
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)
		for i := n - 1; i >= 0; i-- {
			key := []byte(fmt.Sprintf("key-%05d", i))
			require.NoError(t, b.Put(key, []byte("v")))
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		require.NotNil(t, b)
		c := b.Cursor()
		i := 0
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			want := fmt.Sprintf("key-%05d", i)
			assert.Equal(t, want, string(k))
			i++
		}
		assert.Equal(t, n, i)
		return nil
	}))
}
