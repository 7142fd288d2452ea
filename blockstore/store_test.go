// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package blockstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/logs-oracle/block"
	"github.com/drpcorg/logs-oracle/oracle"
)

func newBlock(h uint64, n int) *block.Block {
	b := &block.Block{Height: h, Hash: oracle.Bytes32{byte(h), byte(h >> 8), 0xbb}}
	for i := range n {
		b.Logs = append(b.Logs, &block.Log{
			BlockHeight: h,
			BlockHash:   b.Hash,
			TxIndex:     uint32(i / 2),
			LogIndex:    uint32(i),
			Address:     oracle.Address{byte(i)},
			Topics:      []oracle.Bytes32{{byte(h)}, {byte(i)}},
			Data:        []byte{byte(h), byte(i)},
		})
	}
	return b
}

func openTest(t *testing.T, dir string, opts Options) *Store {
	s, err := Open(dir, opts)
	require.NoError(t, err)
	return s
}

func appendBlocks(t *testing.T, s *Store, from, to uint64) {
	for h := from; h <= to; h++ {
		_, err := s.Append(newBlock(h, int(h%4)))
		require.NoError(t, err)
	}
}

func TestAppendRead(t *testing.T) {
	s := openTest(t, t.TempDir(), DefaultOptions())
	defer s.Close()

	_, ok := s.Height()
	assert.False(t, ok)
	assert.Equal(t, uint64(0), s.Next())

	b := newBlock(0, 3)
	offsets, err := s.Append(b)
	require.NoError(t, err)
	require.Len(t, offsets, 3)
	assert.Equal(t, uint64(frameHeaderSize+1), offsets[0])
	assert.Less(t, offsets[0], offsets[1])

	appendBlocks(t, s, 1, 9)
	h, ok := s.Height()
	assert.True(t, ok)
	assert.Equal(t, uint64(9), h)
	assert.Equal(t, uint64(10), s.BlocksCount())
	assert.Equal(t, uint64(3+13), s.LogsCount())

	got, err := s.ReadBlock(0)
	require.NoError(t, err)
	assert.Equal(t, b, got)

	_, err = s.ReadBlock(10)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHeightGap(t *testing.T) {
	s := openTest(t, t.TempDir(), DefaultOptions())
	defer s.Close()

	appendBlocks(t, s, 0, 0)
	_, err := s.Append(newBlock(5, 1))
	assert.True(t, errors.Is(err, ErrHeightGap))
	assert.Equal(t, oracle.UpstreamRequestFailed, oracle.CodeOf(err))
	assert.Equal(t, uint64(1), s.BlocksCount())

	_, err = s.Append(newBlock(0, 1))
	assert.True(t, errors.Is(err, ErrHeightGap))

	_, err = s.Append(newBlock(1, 1))
	assert.NoError(t, err)
}

func TestOrigin(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.Origin = 100
	s := openTest(t, dir, opts)

	_, err := s.Append(newBlock(0, 1))
	assert.True(t, errors.Is(err, ErrHeightGap))
	appendBlocks(t, s, 100, 104)
	require.NoError(t, s.Close())

	// stored origin wins
	s = openTest(t, dir, DefaultOptions())
	defer s.Close()
	assert.Equal(t, uint64(105), s.Next())
	_, err = s.ReadBlock(99)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.ReadBlock(100)
	assert.NoError(t, err)
}

func TestReadRange(t *testing.T) {
	s := openTest(t, t.TempDir(), DefaultOptions())
	defer s.Close()

	it := s.ReadRange(0, 10)
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())

	appendBlocks(t, s, 0, 19)

	it = s.ReadRange(5, 100)
	defer it.Release()
	var heights []uint64
	for it.Next() {
		heights = append(heights, it.Block().Height)
	}
	require.NoError(t, it.Err())
	require.Len(t, heights, 15)
	for i, h := range heights {
		assert.Equal(t, uint64(5+i), h)
	}

	it.Seek(17)
	require.True(t, it.Next())
	assert.Equal(t, uint64(17), it.Block().Height)

	it.Release()
	assert.False(t, it.Next())
	assert.Nil(t, it.Block())
}

func TestCountRange(t *testing.T) {
	s := openTest(t, t.TempDir(), DefaultOptions())
	defer s.Close()

	n, err := s.CountRange(0, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	appendBlocks(t, s, 0, 19)
	n, err = s.CountRange(0, 100)
	require.NoError(t, err)
	assert.Equal(t, s.LogsCount(), n)

	n, err = s.CountRange(4, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(0+1+2+3), n)

	n, err = s.CountRange(7, 4)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSegmentRoll(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.SegmentSize = 256
	s := openTest(t, dir, opts)
	appendBlocks(t, s, 0, 49)

	st, err := s.Status()
	require.NoError(t, err)
	assert.Greater(t, st.Segments, 1)
	assert.Equal(t, uint64(50), st.Blocks)
	require.NoError(t, s.Close())

	s = openTest(t, dir, opts)
	defer s.Close()
	for h := uint64(0); h < 50; h++ {
		b, err := s.ReadBlock(h)
		require.NoError(t, err)
		assert.Equal(t, newBlock(h, int(h%4)), b)
	}
	appendBlocks(t, s, 50, 59)
	assert.Equal(t, uint64(60), s.BlocksCount())
}

func TestTornTail(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, DefaultOptions())
	appendBlocks(t, s, 0, 4)
	committed := s.Manifest().SegmentEnd
	require.NoError(t, s.Close())

	// a frame written without its table entry
	seg := filepath.Join(dir, segmentsDir, segmentName(0))
	f, err := os.OpenFile(seg, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 1, 0, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, segmentsDir, segmentName(1)), []byte{1}, 0o600))

	s = openTest(t, dir, DefaultOptions())
	defer s.Close()
	info, err := os.Stat(seg)
	require.NoError(t, err)
	assert.Equal(t, int64(committed), info.Size())
	_, err = os.Stat(filepath.Join(dir, segmentsDir, segmentName(1)))
	assert.True(t, os.IsNotExist(err))

	appendBlocks(t, s, 5, 6)
	b, err := s.ReadBlock(6)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), b.Height)
}

func TestCorruptFrame(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, DefaultOptions())
	_, err := s.Append(newBlock(0, 3))
	require.NoError(t, err)
	appendBlocks(t, s, 1, 3)
	require.NoError(t, s.Close())

	seg := filepath.Join(dir, segmentsDir, segmentName(0))
	data, err := os.ReadFile(seg)
	require.NoError(t, err)
	data[frameHeaderSize+2] ^= 0xff
	require.NoError(t, os.WriteFile(seg, data, 0o600))

	s = openTest(t, dir, DefaultOptions())
	defer s.Close()
	_, err = s.ReadBlock(0)
	assert.True(t, errors.Is(err, block.ErrCorruptRecord))
	assert.Equal(t, oracle.FilesystemError, oracle.CodeOf(err))

	_, err = s.ReadBlock(1)
	assert.NoError(t, err)
}

func TestTruncatedSegment(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, DefaultOptions())
	appendBlocks(t, s, 0, 3)
	require.NoError(t, s.Close())

	require.NoError(t, os.Truncate(filepath.Join(dir, segmentsDir, segmentName(0)), 4))
	_, err := Open(dir, DefaultOptions())
	assert.True(t, errors.Is(err, block.ErrCorruptRecord))
}

func TestInvalidDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	_, err := Open(file, DefaultOptions())
	assert.True(t, errors.Is(err, ErrStorageUnavailable))
}
