// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package query

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/logs-oracle/block"
	"github.com/drpcorg/logs-oracle/blockstore"
	"github.com/drpcorg/logs-oracle/budget"
	"github.com/drpcorg/logs-oracle/filterindex"
	"github.com/drpcorg/logs-oracle/ingest"
	"github.com/drpcorg/logs-oracle/kv"
	"github.com/drpcorg/logs-oracle/lvldb"
	"github.com/drpcorg/logs-oracle/oracle"
)

type testEnv struct {
	store *blockstore.Store
	p     *ingest.Pipeline
	e     *Engine
	logs  []*block.Log // every committed log in position order
}

func newEnv(t *testing.T, limit uint64, bucketSize uint64, opts Options) *testEnv {
	store, err := blockstore.Open(t.TempDir(), blockstore.DefaultOptions())
	require.NoError(t, err)
	db, err := lvldb.NewMem()
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		db.Close()
	})

	iopts := filterindex.DefaultOptions()
	iopts.BucketSize = bucketSize
	index, err := filterindex.New(iopts, kv.Bucket("s").NewStore(db))
	require.NoError(t, err)
	p, err := ingest.New(context.Background(), store, index, budget.New(limit, index), ingest.Options{})
	require.NoError(t, err)
	return &testEnv{store: store, p: p, e: New(store, index, p.Watermark, opts)}
}

func (env *testEnv) commit(t *testing.T, b *block.Block) {
	require.NoError(t, env.p.Commit(b))
	env.logs = append(env.logs, b.Logs...)
}

var (
	addrA  = oracle.MustParseAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	addrB  = oracle.MustParseAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	topic1 = oracle.MustParseBytes32("0x1111111111111111111111111111111111111111111111111111111111111111")
	topic2 = oracle.MustParseBytes32("0x2222222222222222222222222222222222222222222222222222222222222222")
)

func emptyBlock(h uint64) *block.Block {
	return &block.Block{Height: h, Hash: oracle.Bytes32{byte(h), byte(h >> 8)}}
}

func addLog(b *block.Block, addr oracle.Address, topics ...oracle.Bytes32) *block.Log {
	l := &block.Log{
		BlockHeight: b.Height,
		BlockHash:   b.Hash,
		TxIndex:     uint32(len(b.Logs) / 2),
		LogIndex:    uint32(len(b.Logs)),
		Address:     addr,
		Topics:      topics,
	}
	b.Logs = append(b.Logs, l)
	return l
}

func TestEndToEnd(t *testing.T) {
	env := newEnv(t, 0, 1024, Options{})

	env.commit(t, emptyBlock(0))
	env.commit(t, emptyBlock(1))
	b2 := emptyBlock(2)
	want := addLog(b2, addrA, topic1)
	env.commit(t, b2)

	logs, err := env.e.Query(context.Background(), &Filter{ToBlock: 2, Limit: -1, Addresses: []oracle.Address{addrA}})
	require.NoError(t, err)
	assert.Equal(t, []*block.Log{want}, logs)

	logs, err = env.e.Query(context.Background(), &Filter{ToBlock: 1, Limit: -1})
	require.NoError(t, err)
	assert.Empty(t, logs)

	assert.Equal(t, uint64(1), env.store.LogsCount())
	assert.Equal(t, uint64(3), env.store.BlocksCount())
}

func TestEmptyStore(t *testing.T) {
	env := newEnv(t, 0, 1024, Options{})
	logs, err := env.e.Query(context.Background(), &Filter{Latest: true, Limit: -1})
	require.NoError(t, err)
	assert.Empty(t, logs)

	n, err := env.e.Count(context.Background(), &Filter{Latest: true})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSlots(t *testing.T) {
	env := newEnv(t, 0, 4, Options{})
	for h := uint64(0); h < 10; h++ {
		b := emptyBlock(h)
		addLog(b, addrA, topic1)
		addLog(b, addrB, topic1, topic2)
		addLog(b, addrB)
		addLog(b, addrA, topic2, topic1)
		env.commit(t, b)
	}
	ctx := context.Background()

	query := func(f *Filter) []*block.Log {
		f.Latest, f.Limit = true, -1
		logs, err := env.e.Query(ctx, f)
		require.NoError(t, err)
		n, err := env.e.Count(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, uint64(len(logs)), n)
		return logs
	}

	assert.Len(t, query(&Filter{}), 40)
	assert.Len(t, query(&Filter{Addresses: []oracle.Address{addrA}}), 20)
	assert.Len(t, query(&Filter{Addresses: []oracle.Address{addrA, addrB}}), 40)

	// OR within a slot
	assert.Len(t, query(&Filter{Topics: [4][]oracle.Bytes32{{topic1, topic2}}}), 30)
	// AND across slots
	logs := query(&Filter{Topics: [4][]oracle.Bytes32{{topic1}, {topic2}}})
	assert.Len(t, logs, 10)
	for _, l := range logs {
		assert.Equal(t, addrB, l.Address)
	}
	assert.Len(t, query(&Filter{Addresses: []oracle.Address{addrA}, Topics: [4][]oracle.Bytes32{nil, {topic1}}}), 10)
	assert.Empty(t, query(&Filter{Addresses: []oracle.Address{addrB}, Topics: [4][]oracle.Bytes32{nil, {topic1}}}))
	// a slot the log does not have never matches
	assert.Empty(t, query(&Filter{Topics: [4][]oracle.Bytes32{nil, nil, {topic1}}}))
	assert.Empty(t, query(&Filter{Addresses: []oracle.Address{{1}}}))
}

func TestRangeAndOrdering(t *testing.T) {
	env := newEnv(t, 0, 8, Options{})
	for h := uint64(0); h < 30; h++ {
		b := emptyBlock(h)
		for range 3 {
			addLog(b, addrA, topic1)
		}
		env.commit(t, b)
	}

	logs, err := env.e.Query(context.Background(), &Filter{FromBlock: 5, ToBlock: 12, Limit: -1, Addresses: []oracle.Address{addrA}})
	require.NoError(t, err)
	require.Len(t, logs, 24)
	assert.Equal(t, uint64(5), logs[0].BlockHeight)
	assert.Equal(t, uint64(12), logs[23].BlockHeight)
	for i := 1; i < len(logs); i++ {
		assert.True(t, logs[i-1].Before(logs[i]))
	}

	// toBlock is clamped to the watermark
	logs, err = env.e.Query(context.Background(), &Filter{FromBlock: 28, ToBlock: 1000, Limit: -1})
	require.NoError(t, err)
	assert.Len(t, logs, 6)

	logs, err = env.e.Query(context.Background(), &Filter{FromBlock: 31, Latest: true, Limit: -1})
	require.NoError(t, err)
	assert.Empty(t, logs)

	logs, err = env.e.Query(context.Background(), &Filter{FromBlock: 10, ToBlock: 5, Limit: -1})
	require.NoError(t, err)
	assert.Empty(t, logs)

	n, err := env.e.Count(context.Background(), &Filter{FromBlock: 5, ToBlock: 12})
	require.NoError(t, err)
	assert.Equal(t, uint64(24), n)
}

func TestLimitAndOverflow(t *testing.T) {
	env := newEnv(t, 0, 1024, Options{MaxResults: 5})
	for h := uint64(0); h < 10; h++ {
		b := emptyBlock(h)
		addLog(b, addrA)
		if h < 5 {
			addLog(b, addrB)
		}
		env.commit(t, b)
	}
	ctx := context.Background()

	_, err := env.e.Query(ctx, &Filter{Latest: true, Limit: -1, Addresses: []oracle.Address{addrA}})
	assert.True(t, errors.Is(err, ErrQueryOverflow))
	assert.Equal(t, oracle.QueryOverflow, oracle.CodeOf(err))

	// asking for more than the maximum is not a truncation request
	_, err = env.e.Query(ctx, &Filter{Latest: true, Limit: 100, Addresses: []oracle.Address{addrA}})
	assert.True(t, errors.Is(err, ErrQueryOverflow))

	logs, err := env.e.Query(ctx, &Filter{Latest: true, Limit: 3, Addresses: []oracle.Address{addrA}})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, uint64(2), logs[2].BlockHeight)

	// exactly the maximum
	logs, err = env.e.Query(ctx, &Filter{Latest: true, Limit: -1, Addresses: []oracle.Address{addrB}})
	require.NoError(t, err)
	assert.Len(t, logs, 5)

	logs, err = env.e.Query(ctx, &Filter{Latest: true, Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, logs)

	// count ignores the maximum
	n, err := env.e.Count(ctx, &Filter{Latest: true, Addresses: []oracle.Address{addrA}})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)
}

func TestTooLargeQuery(t *testing.T) {
	env := newEnv(t, 0, 1024, Options{MaxBlockSpan: 10})
	for h := uint64(0); h < 30; h++ {
		env.commit(t, emptyBlock(h))
	}
	ctx := context.Background()

	_, err := env.e.Query(ctx, &Filter{FromBlock: 0, ToBlock: 9, Limit: -1})
	assert.NoError(t, err)

	_, err = env.e.Query(ctx, &Filter{FromBlock: 0, ToBlock: 10, Limit: -1})
	assert.True(t, errors.Is(err, ErrTooLargeQuery))
	assert.Equal(t, oracle.TooLargeQuery, oracle.CodeOf(err))

	_, err = env.e.Count(ctx, &Filter{Latest: true})
	assert.True(t, errors.Is(err, ErrTooLargeQuery))

	// the span is measured after clamping to the watermark
	_, err = env.e.Query(ctx, &Filter{FromBlock: 25, ToBlock: 1 << 40, Limit: -1})
	assert.NoError(t, err)
}

func TestCanceled(t *testing.T) {
	env := newEnv(t, 0, 1024, Options{})
	env.commit(t, emptyBlock(0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.e.Query(ctx, &Filter{Latest: true, Limit: -1})
	assert.Equal(t, context.Canceled, err)
}

// TestNoFalseNegatives compares the engine with a full scan while the index
// is under memory pressure.
func TestNoFalseNegatives(t *testing.T) {
	env := newEnv(t, 24<<10, 8, Options{})
	rng := rand.New(rand.NewPCG(1, 2)) // #nosec G404

	addrs := []oracle.Address{addrA, addrB, {1}, {2}, {3}}
	topics := []oracle.Bytes32{topic1, topic2, {1}, {2}, {3}, {4}}
	for h := uint64(0); h < 600; h++ {
		b := emptyBlock(h)
		for range rng.IntN(4) {
			ts := make([]oracle.Bytes32, rng.IntN(5))
			for i := range ts {
				ts[i] = topics[rng.IntN(len(topics))]
			}
			addLog(b, addrs[rng.IntN(len(addrs))], ts...)
		}
		env.commit(t, b)
	}

	for range 200 {
		f := &Filter{FromBlock: uint64(rng.IntN(600)), Limit: -1}
		f.ToBlock = f.FromBlock + uint64(rng.IntN(200))
		if rng.IntN(2) == 0 {
			f.Addresses = []oracle.Address{addrs[rng.IntN(len(addrs))]}
		}
		for i := range f.Topics {
			if rng.IntN(3) == 0 {
				f.Topics[i] = []oracle.Bytes32{topics[rng.IntN(len(topics))], topics[rng.IntN(len(topics))]}
			}
		}

		var want []*block.Log
		for _, l := range env.logs {
			if l.BlockHeight >= f.FromBlock && l.BlockHeight <= f.ToBlock && f.Match(l) {
				want = append(want, l)
			}
		}
		got, err := env.e.Query(context.Background(), f)
		require.NoError(t, err)
		assert.Equal(t, len(want), len(got), "%v", f)
		for i := range min(len(want), len(got)) {
			assert.Equal(t, want[i].BlockHeight, got[i].BlockHeight)
			assert.Equal(t, want[i].LogIndex, got[i].LogIndex)
		}
	}
}

func TestConcurrentQueries(t *testing.T) {
	env := newEnv(t, 0, 16, Options{})

	var wg sync.WaitGroup
	done := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				before, _ := env.p.Watermark()
				logs, err := env.e.Query(context.Background(), &Filter{Latest: true, Limit: -1, Addresses: []oracle.Address{addrA}})
				if !assert.NoError(t, err) {
					return
				}
				after, _ := env.p.Watermark()
				if len(logs) == 0 {
					continue
				}
				// one log per block, no gaps, no block beyond the watermark
				assert.GreaterOrEqual(t, uint64(len(logs)), before+1)
				assert.LessOrEqual(t, uint64(len(logs)), after+1)
				for i, l := range logs {
					assert.Equal(t, uint64(i), l.BlockHeight)
				}
			}
		}()
	}

	for h := uint64(0); h < 300; h++ {
		b := emptyBlock(h)
		addLog(b, addrA, topic1)
		require.NoError(t, env.p.Commit(b))
	}
	close(done)
	wg.Wait()
}
