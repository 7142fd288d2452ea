// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package logdb

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/logs-oracle/block"
	"github.com/drpcorg/logs-oracle/blockstore"
	"github.com/drpcorg/logs-oracle/oracle"
	"github.com/drpcorg/logs-oracle/query"
	"github.com/drpcorg/logs-oracle/upstream"
)

var (
	addrAA  = oracle.MustParseAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	topic11 = oracle.MustParseBytes32("0x1111111111111111111111111111111111111111111111111111111111111111")
)

func newBlock(h uint64, logs int) *block.Block {
	b := &block.Block{Height: h, Hash: oracle.Bytes32{0xcc, byte(h), byte(h >> 8)}}
	for i := range logs {
		b.Logs = append(b.Logs, &block.Log{
			BlockHeight: h,
			BlockHash:   b.Hash,
			TxIndex:     uint32(i),
			LogIndex:    uint32(i),
			Address:     oracle.Address{byte(i), byte(h)},
			Topics:      []oracle.Bytes32{{byte(h % 7)}, {byte(i)}},
			Data:        []byte("payload"),
		})
	}
	return b
}

func openTest(t *testing.T, dir string, ramLimit uint64, opts *Options) *LogDB {
	db, err := Open(dir, ramLimit, opts)
	require.NoError(t, err)
	return db
}

func TestEndToEnd(t *testing.T) {
	db := openTest(t, t.TempDir(), 0, nil)
	defer db.Close()

	b2 := &block.Block{Height: 2, Hash: oracle.Bytes32{2}}
	b2.Logs = []*block.Log{{BlockHeight: 2, BlockHash: b2.Hash, Address: addrAA, Topics: []oracle.Bytes32{topic11}}}

	require.NoError(t, db.AppendBlock(&block.Block{Height: 0, Hash: oracle.Bytes32{0}}))
	require.NoError(t, db.AppendBlock(&block.Block{Height: 1, Hash: oracle.Bytes32{1}}))
	require.NoError(t, db.AppendBlock(b2))

	logs, err := db.Query(context.Background(), &query.Filter{FromBlock: 0, ToBlock: 2, Limit: -1, Addresses: []oracle.Address{addrAA}})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, uint64(2), logs[0].BlockHeight)
	assert.Equal(t, topic11, logs[0].Topics[0])

	logs, err = db.Query(context.Background(), &query.Filter{FromBlock: 0, ToBlock: 1, Limit: -1})
	require.NoError(t, err)
	assert.Empty(t, logs)

	n, err := db.LogsCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	n, err = db.BlocksCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestHeightGapLeavesStateUnchanged(t *testing.T) {
	db := openTest(t, t.TempDir(), 0, nil)
	defer db.Close()

	require.NoError(t, db.AppendBlock(newBlock(0, 1)))
	err := db.AppendBlock(newBlock(5, 1))
	assert.True(t, errors.Is(err, blockstore.ErrHeightGap))
	assert.Equal(t, oracle.UpstreamRequestFailed, oracle.CodeOf(err))

	n, err := db.BlocksCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	h, ok, err := db.Height()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(0), h)
}

func TestInvalidDataDir(t *testing.T) {
	_, err := Open("", 0, nil)
	assert.True(t, errors.Is(err, ErrInvalidDataDir))

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err = Open(file, 0, nil)
	assert.True(t, errors.Is(err, ErrInvalidDataDir))
	assert.Equal(t, oracle.InvalidDataDir, oracle.CodeOf(err))

	_, err = Open(filepath.Join(file, "sub"), 0, nil)
	assert.True(t, errors.Is(err, ErrInvalidDataDir))
}

func TestClosed(t *testing.T) {
	db := openTest(t, t.TempDir(), 0, nil)
	require.NoError(t, db.Close())

	assert.Equal(t, ErrClosed, db.Close())
	assert.Equal(t, ErrClosed, db.AppendBlock(newBlock(0, 0)))
	assert.Equal(t, ErrClosed, db.AdvanceHeight(context.Background(), 1))
	assert.Equal(t, ErrClosed, db.SetSource(upstream.NewMemory()))
	_, err := db.Query(context.Background(), &query.Filter{})
	assert.Equal(t, ErrClosed, err)
	_, err = db.Count(context.Background(), &query.Filter{})
	assert.Equal(t, ErrClosed, err)
	_, err = db.LogsCount()
	assert.Equal(t, ErrClosed, err)
	_, err = db.BlocksCount()
	assert.Equal(t, ErrClosed, err)
	_, _, err = db.Height()
	assert.Equal(t, ErrClosed, err)
	_, err = db.Status()
	assert.Equal(t, ErrClosed, err)
}

func TestSetUpstream(t *testing.T) {
	db := openTest(t, t.TempDir(), 0, nil)
	defer db.Close()

	err := db.SetUpstream(context.Background(), "not a url")
	assert.True(t, errors.Is(err, ErrInvalidUpstream))
	assert.Equal(t, oracle.InvalidUpstream, oracle.CodeOf(err))

	require.NoError(t, db.SetUpstream(context.Background(), "http://127.0.0.1:1"))
	err = db.AdvanceHeight(context.Background(), 0)
	assert.Equal(t, oracle.TransportError, oracle.CodeOf(err))
}

func TestAdvanceAndReopen(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.BucketSize = 16
	db := openTest(t, dir, 0, &opts)

	var blocks []*block.Block
	for h := range uint64(100) {
		blocks = append(blocks, newBlock(h, int(h%3)))
	}
	first := upstream.NewMemory(blocks[:50]...)
	require.NoError(t, db.SetSource(first))
	require.NoError(t, db.AdvanceHeight(context.Background(), 49))

	// replacing the source closes the previous one
	require.NoError(t, db.SetSource(upstream.NewMemory(blocks...)))
	_, err := first.Head(context.Background())
	assert.True(t, errors.Is(err, upstream.ErrUnreachable))

	require.NoError(t, db.AdvanceHeight(context.Background(), 99))
	require.NoError(t, db.Close())

	db = openTest(t, dir, 0, &opts)
	defer db.Close()
	h, ok, err := db.Height()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(99), h)

	logs, err := db.Query(context.Background(), &query.Filter{Latest: true, Limit: -1, Addresses: []oracle.Address{{1, 77}}})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, uint64(77), logs[0].BlockHeight)

	n, err := db.Count(context.Background(), &query.Filter{Latest: true, Topics: [4][]oracle.Bytes32{{{3}}}})
	require.NoError(t, err)
	var want uint64
	for _, b := range blocks {
		if b.Height%7 == 3 {
			want += uint64(len(b.Logs))
		}
	}
	assert.Equal(t, want, n)
}

func TestBudgetBound(t *testing.T) {
	const limit = 32 << 10
	opts := DefaultOptions()
	opts.BucketSize = 32
	db := openTest(t, t.TempDir(), limit, &opts)
	defer db.Close()

	for h := range uint64(1500) {
		require.NoError(t, db.AppendBlock(newBlock(h, 4)))
		st, err := db.Status()
		require.NoError(t, err)
		assert.LessOrEqual(t, st.Resident, uint64(limit))
	}

	st, err := db.Status()
	require.NoError(t, err)
	assert.Equal(t, uint64(limit), st.RAMLimit)
	assert.Equal(t, "idle", st.State)
	require.NotNil(t, st.Height)
	assert.Equal(t, uint64(1499), *st.Height)
	assert.Positive(t, st.Index.Evictions["demote"])

	// every log still found
	for _, h := range []uint64{0, 333, 1024, 1499} {
		logs, err := db.Query(context.Background(), &query.Filter{Latest: true, Limit: -1, Addresses: []oracle.Address{{2, byte(h)}}})
		require.NoError(t, err)
		found := false
		for _, l := range logs {
			found = found || (l.BlockHeight == h && l.LogIndex == 2)
		}
		assert.True(t, found, "height %d", h)
	}
}

func TestBudgetHoldsAsHeightGrows(t *testing.T) {
	const limit = 8 << 10
	opts := DefaultOptions()
	opts.BucketSize = 4
	db := openTest(t, t.TempDir(), limit, &opts)
	defer db.Close()

	rng := rand.New(rand.NewPCG(11, 12)) // #nosec G404
	var all []*block.Log
	for h := range uint64(4000) {
		b := &block.Block{Height: h, Hash: oracle.Bytes32{0xdd, byte(h), byte(h >> 8)}}
		for i := range rng.IntN(4) {
			l := &block.Log{
				BlockHeight: h,
				BlockHash:   b.Hash,
				LogIndex:    uint32(i),
				Address:     oracle.Address{byte(rng.IntN(64))},
			}
			for range rng.IntN(block.MaxTopics + 1) {
				l.Topics = append(l.Topics, oracle.Bytes32{byte(rng.IntN(256))})
			}
			b.Logs = append(b.Logs, l)
		}
		require.NoError(t, db.AppendBlock(b), "height %d", h)
		all = append(all, b.Logs...)
	}

	st, err := db.Status()
	require.NoError(t, err)
	assert.LessOrEqual(t, st.Resident, uint64(limit))
	assert.Positive(t, st.Index.Evictions["coalesce"])

	for _, l := range all {
		f := &query.Filter{FromBlock: l.BlockHeight, ToBlock: l.BlockHeight, Limit: -1, Addresses: []oracle.Address{l.Address}}
		for i, topic := range l.Topics {
			f.Topics[i] = []oracle.Bytes32{topic}
		}
		logs, err := db.Query(context.Background(), f)
		require.NoError(t, err)
		found := false
		for _, got := range logs {
			found = found || got.LogIndex == l.LogIndex
		}
		assert.True(t, found, "log %d of block %d", l.LogIndex, l.BlockHeight)
	}
}

func TestConcurrentQueriesDuringIngest(t *testing.T) {
	db := openTest(t, t.TempDir(), 0, nil)
	defer db.Close()

	var blocks []*block.Block
	for h := range uint64(200) {
		blocks = append(blocks, newBlock(h, 1))
	}
	require.NoError(t, db.SetSource(upstream.NewMemory(blocks...)))

	ctx := context.Background()
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				logs, err := db.Query(ctx, &query.Filter{Latest: true, Limit: -1, Topics: [4][]oracle.Bytes32{nil, {{0}}}})
				if !assert.NoError(t, err) {
					return
				}
				for i, l := range logs {
					assert.Equal(t, uint64(i), l.BlockHeight)
				}
			}
		}()
	}
	require.NoError(t, db.AdvanceHeight(ctx, 199))
	wg.Wait()
}
