// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package bloom

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(i int) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(i))
	return Hash(b[:])
}

func TestFilter(t *testing.T) {
	f := ForKeys(1000, 10, 0)
	assert.Equal(t, 2048, f.Size())
	assert.Equal(t, uint8(6), f.K())

	for i := range 1000 {
		f.Add(key(i))
	}
	for i := range 1000 {
		assert.True(t, f.Contains(key(i)))
	}

	fp := 0
	for i := 1000; i < 11000; i++ {
		if f.Contains(key(i)) {
			fp++
		}
	}
	assert.Less(t, fp, 500, "false positive rate too high")
}

func TestFoldAndUnion(t *testing.T) {
	a := New(1024, 4)
	b := New(100, 4)
	assert.Equal(t, 128, b.Size())

	for i := range 200 {
		a.Add(key(i))
	}
	for i := 200; i < 300; i++ {
		b.Add(key(i))
	}

	folded := a.Fold(256)
	assert.Equal(t, 256, folded.Size())
	for i := range 200 {
		assert.True(t, folded.Contains(key(i)))
	}

	u, err := Union(a, b)
	require.NoError(t, err)
	assert.Equal(t, 128, u.Size())
	for i := range 300 {
		assert.True(t, u.Contains(key(i)), i)
	}

	// inputs untouched
	assert.Equal(t, 1024, a.Size())
	assert.Error(t, New(64, 4).Or(New(128, 4)))
	assert.Error(t, New(64, 4).Or(New(64, 5)))
}

func TestFromBytes(t *testing.T) {
	f := New(64, 3)
	f.Add(key(1))

	g, err := FromBytes(f.Clone().Bytes(), f.K())
	require.NoError(t, err)
	assert.True(t, g.Contains(key(1)))

	_, err = FromBytes(make([]byte, 65), 3)
	assert.Error(t, err)
	_, err = FromBytes(make([]byte, 4), 3)
	assert.Error(t, err)
}

func TestK(t *testing.T) {
	assert.Equal(t, uint8(1), K(0))
	assert.Equal(t, uint8(6), K(10))
	assert.Equal(t, uint8(30), K(100))
}
