// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package query evaluates filters in two phases: candidate heights are
// taken from the filter index, then every log of a candidate block is
// checked against the filter.
package query

import (
	"context"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/pkg/errors"

	"github.com/drpcorg/logs-oracle/block"
	"github.com/drpcorg/logs-oracle/blockstore"
	"github.com/drpcorg/logs-oracle/filterindex"
	"github.com/drpcorg/logs-oracle/log"
	"github.com/drpcorg/logs-oracle/oracle"
)

var logger = log.WithContext("pkg", "query")

var (
	ErrQueryOverflow = oracle.NewError(oracle.QueryOverflow, "too many results")
	ErrTooLargeQuery = oracle.NewError(oracle.TooLargeQuery, "block range too large")
)

// Options of the engine. Zero values disable the limits.
type Options struct {
	// MaxResults is the most logs a query without a smaller limit may return.
	MaxResults int
	// MaxBlockSpan is the widest height range a query may cover.
	MaxBlockSpan uint64
}

// Engine evaluates filters.
type Engine struct {
	store     *blockstore.Store
	index     *filterindex.Index
	watermark func() (uint64, bool)
	opts      Options
}

// New creates an engine reading heights up to watermark.
func New(store *blockstore.Store, index *filterindex.Index, watermark func() (uint64, bool), opts Options) *Engine {
	return &Engine{
		store:     store,
		index:     index,
		watermark: watermark,
		opts:      opts,
	}
}

// bounds returns the height range of f, clamped to the stored heights.
func (e *Engine) bounds(f *Filter) (from, to uint64, ok bool, err error) {
	h, ok := e.watermark()
	if !ok {
		return 0, 0, false, nil
	}
	to = h
	if !f.Latest {
		to = min(f.ToBlock, h)
	}
	from = max(f.FromBlock, e.store.Manifest().Origin)
	if from > to {
		return 0, 0, false, nil
	}
	if e.opts.MaxBlockSpan > 0 && to-from >= e.opts.MaxBlockSpan {
		return 0, 0, false, ErrTooLargeQuery.Wrap(errors.Errorf("%d blocks, max %d", to-from+1, e.opts.MaxBlockSpan))
	}
	return from, to, true, nil
}

// candidates returns the heights in [from, to] that may hold a match,
// nil when every height may.
func (e *Engine) candidates(f *Filter, from, to uint64) (*roaring64.Bitmap, error) {
	var result *roaring64.Bitmap
	narrow := func(slot filterindex.Slot, values [][]byte) error {
		if len(values) == 0 {
			return nil
		}
		if result != nil && result.IsEmpty() {
			return nil
		}
		var (
			bm  *roaring64.Bitmap
			err error
		)
		if len(values) == 1 {
			bm, err = e.index.Candidates(slot, values[0], from, to)
		} else {
			bm, err = e.index.CandidatesAny(slot, values, from, to)
		}
		if err != nil {
			return err
		}
		if result == nil {
			result = bm
		} else {
			result.And(bm)
		}
		return nil
	}

	addresses := make([][]byte, len(f.Addresses))
	for i := range f.Addresses {
		addresses[i] = f.Addresses[i].Bytes()
	}
	if err := narrow(filterindex.SlotAddress, addresses); err != nil {
		return nil, err
	}
	for i, set := range f.Topics {
		topics := make([][]byte, len(set))
		for j := range set {
			topics[j] = set[j].Bytes()
		}
		if err := narrow(filterindex.TopicSlot(i), topics); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// scan calls fn with every log in [from, to] matching f, in position order,
// until fn returns false.
func (e *Engine) scan(ctx context.Context, f *Filter, from, to uint64, fn func(*block.Log) bool) error {
	cands, err := e.candidates(f, from, to)
	if err != nil {
		return err
	}

	visit := func(b *block.Block) bool {
		for _, l := range b.Logs {
			if f.Match(l) && !fn(l) {
				return false
			}
		}
		return true
	}

	if cands == nil {
		it := e.store.ReadRange(from, to)
		defer it.Release()
		for n := 0; it.Next(); n++ {
			if n%256 == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			if !visit(it.Block()) {
				return nil
			}
		}
		return it.Err()
	}

	metricCandidates().Observe(int64(cands.GetCardinality()))
	it := cands.Iterator()
	for n := 0; it.HasNext(); n++ {
		if n%256 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		b, err := e.store.ReadBlock(it.Next())
		if err != nil {
			return err
		}
		if !visit(b) {
			return nil
		}
	}
	return nil
}

// Query returns the logs matching f ordered by position.
//
// A non-negative limit not above MaxResults truncates the result. Otherwise
// a result larger than MaxResults fails with ErrQueryOverflow.
// Returned logs are shared and must not be modified.
func (e *Engine) Query(ctx context.Context, f *Filter) (logs []*block.Log, err error) {
	start := time.Now()
	defer func() { observe("query", start, err) }()

	from, to, ok, err := e.bounds(f)
	if err != nil || !ok || f.Limit == 0 {
		return nil, err
	}

	limit, overflow := -1, false
	switch maxResults := e.opts.MaxResults; {
	case f.Limit > 0 && (maxResults <= 0 || f.Limit <= int64(maxResults)):
		limit = int(f.Limit)
	case maxResults > 0:
		limit, overflow = maxResults+1, true
	}

	err = e.scan(ctx, f, from, to, func(l *block.Log) bool {
		logs = append(logs, l)
		return limit < 0 || len(logs) < limit
	})
	if err != nil {
		return nil, err
	}
	if overflow && len(logs) == limit {
		return nil, ErrQueryOverflow.Wrap(errors.Errorf("more than %d logs in %d..%d", limit-1, from, to))
	}
	logger.Trace("query done", "filter", f, "from", from, "to", to, "logs", len(logs), "elapsed", time.Since(start))
	return logs, nil
}

// Count returns the number of logs matching f, ignoring the limit.
func (e *Engine) Count(ctx context.Context, f *Filter) (count uint64, err error) {
	start := time.Now()
	defer func() { observe("count", start, err) }()

	from, to, ok, err := e.bounds(f)
	if err != nil || !ok {
		return 0, err
	}
	if f.Wildcard() {
		return e.store.CountRange(from, to)
	}
	err = e.scan(ctx, f, from, to, func(*block.Log) bool {
		count++
		return true
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func observe(kind string, start time.Time, err error) {
	metricQueryDuration().ObserveWithLabels(time.Since(start).Milliseconds(), map[string]string{"kind": kind})
	if err != nil {
		metricQueryErrors().AddWithLabel(1, map[string]string{"code": oracle.CodeOf(err).String()})
	}
}
