// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package lvldb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/logs-oracle/kv"
)

func TestLevelDB(t *testing.T) {
	db, err := New(t.TempDir(), Options{SyncWrites: true})
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Get([]byte("missing"))
	assert.True(t, db.IsNotFound(err))

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	v, err := db.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	has, err := db.Has([]byte("a"))
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, db.Delete([]byte("a")))
	has, err = db.Has([]byte("a"))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestBatchAndBucket(t *testing.T) {
	db, err := NewMem()
	require.NoError(t, err)
	defer db.Close()

	b1 := kv.Bucket("x").NewStore(db)
	b2 := kv.Bucket("y").NewStore(db)

	batch := b1.NewBatch()
	for _, k := range []string{"3", "1", "2"} {
		require.NoError(t, batch.Put([]byte(k), []byte("v"+k)))
	}
	assert.Equal(t, 3, batch.Len())
	require.NoError(t, batch.Write())
	require.NoError(t, b2.Put([]byte("1"), []byte("other")))

	it := b1.Iterate(kv.Range{})
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	it.Release()
	require.NoError(t, it.Error())
	assert.Equal(t, []string{"1", "2", "3"}, keys)

	it = b1.Iterate(kv.Range{Start: []byte("2"), Limit: []byte("3")})
	keys = keys[:0]
	for it.Next() {
		keys = append(keys, string(it.Key())+"="+string(it.Value()))
	}
	it.Release()
	assert.Equal(t, []string{"2=v2"}, keys)

	v, err := b2.Get([]byte("1"))
	require.NoError(t, err)
	assert.Equal(t, "other", string(v))

	_, err = b2.Get([]byte("2"))
	assert.True(t, b2.IsNotFound(err))
}
