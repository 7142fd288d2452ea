// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package ingest moves blocks from an upstream source into the block store
// and the filter index, and advances the height watermark.
package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/drpcorg/logs-oracle/block"
	"github.com/drpcorg/logs-oracle/blockstore"
	"github.com/drpcorg/logs-oracle/budget"
	"github.com/drpcorg/logs-oracle/co"
	"github.com/drpcorg/logs-oracle/filterindex"
	"github.com/drpcorg/logs-oracle/log"
	"github.com/drpcorg/logs-oracle/oracle"
	"github.com/drpcorg/logs-oracle/upstream"
)

var logger = log.WithContext("pkg", "ingest")

// ErrNoUpstream is returned when advancing without an upstream source.
var ErrNoUpstream = oracle.NewError(oracle.InvalidUpstream, "no upstream configured")

// State of the pipeline.
type State int32

const (
	Idle State = iota
	Fetching
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Faulted:
		return "faulted"
	}
	return "unknown"
}

// Options of the pipeline.
type Options struct {
	// Concurrency is the number of blocks fetched ahead in parallel.
	Concurrency int
}

// Pipeline ingests blocks. A single run is in flight at a time.
type Pipeline struct {
	store  *blockstore.Store
	index  *filterindex.Index
	budget *budget.Manager
	opts   Options

	source atomic.Pointer[upstream.Source]

	commitMu sync.Mutex
	broken   error
	next     atomic.Uint64 // watermark + 1, published after the block is indexed
	advanced co.Signal

	mu      sync.Mutex
	target  uint64
	running *run
	cancel  context.CancelFunc
	state   State
	lastErr error
}

type run struct {
	done      chan struct{}
	err       error
	waiters   int
	abandoned bool
}

// New creates the pipeline. The index is rebuilt from the blocks already
// in the store before the watermark is published.
func New(ctx context.Context, store *blockstore.Store, index *filterindex.Index, bm *budget.Manager, opts Options) (*Pipeline, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	p := &Pipeline{
		store:  store,
		index:  index,
		budget: bm,
		opts:   opts,
	}
	if err := p.rebuild(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) rebuild(ctx context.Context) error {
	m := p.store.Manifest()
	p.next.Store(m.Origin)

	h, ok := m.Height()
	if !ok {
		return nil
	}
	start := time.Now()
	it := p.store.ReadRange(m.Origin, h)
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.indexBlock(it.Block()); err != nil {
			return err
		}
		p.next.Store(it.Block().Height + 1)
	}
	if err := it.Err(); err != nil {
		return err
	}
	logger.Info("index rebuilt", "blocks", m.Blocks, "logs", m.Logs, "resident", p.budget.Resident(), "elapsed", time.Since(start))
	return nil
}

// indexBlock adds the logs of b to the filter index within the memory budget.
func (p *Pipeline) indexBlock(b *block.Block) error {
	if err := p.budget.Reserve(func() int64 { return p.index.Cost(b.Height, b.Logs) }); err != nil {
		return err
	}
	if err := p.index.Add(b.Height, b.Logs); err != nil {
		return err
	}
	return p.budget.Enforce()
}

// SetSource replaces the upstream source, returning the previous one.
func (p *Pipeline) SetSource(src upstream.Source) upstream.Source {
	if old := p.source.Swap(&src); old != nil {
		return *old
	}
	return nil
}

// Source returns the upstream source, nil if not set.
func (p *Pipeline) Source() upstream.Source {
	if src := p.source.Load(); src != nil {
		return *src
	}
	return nil
}

// Watermark returns the highest fully ingested height, false if none.
func (p *Pipeline) Watermark() (uint64, bool) {
	next := p.next.Load()
	if next == p.store.Manifest().Origin {
		return 0, false
	}
	return next - 1, true
}

// Advanced returns a channel closed when the watermark next moves.
func (p *Pipeline) Advanced() <-chan struct{} {
	return p.advanced.C()
}

// State returns the state of the pipeline and the error that ended the last run.
func (p *Pipeline) State() (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.lastErr
}

// Commit validates b and makes it durable, indexed and visible.
// Either all of it is committed or none. An ErrOutOfMemory returned after
// the index grew past its reservation leaves the block committed.
func (p *Pipeline) Commit(b *block.Block) error {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	if p.broken != nil {
		return p.broken
	}
	if err := b.Validate(); err != nil {
		return err
	}
	if next := p.store.Next(); b.Height != next {
		return blockstore.ErrHeightGap.Wrap(errors.Errorf("got block %d, want %d", b.Height, next))
	}
	if err := p.budget.Reserve(func() int64 { return p.index.Cost(b.Height, b.Logs) }); err != nil {
		return err
	}
	if _, err := p.store.Append(b); err != nil {
		return err
	}
	if err := p.index.Add(b.Height, b.Logs); err != nil {
		// the block is stored but not indexed, queries would miss it
		p.broken = errors.WithMessage(err, "index out of sync with block store")
		logger.Error("failed to index stored block", "height", b.Height, "err", err)
		return p.broken
	}

	p.next.Store(b.Height + 1)
	p.advanced.Broadcast()

	metricWatermark().Set(int64(b.Height))
	metricIngestedBlocks().Add(1)
	metricIngestedLogs().Add(int64(len(b.Logs)))

	if err := p.budget.Enforce(); err != nil {
		logger.Warn("index grew past its reservation", "height", b.Height, "resident", p.budget.Resident())
		return err
	}
	return nil
}

// AdvanceHeight ingests blocks until the watermark reaches target.
// A call made while another is in flight merges its target into the running
// one and returns its outcome. The run is owned by the pipeline: it ends when
// Stop is called or when every caller waiting on it has gone.
func (p *Pipeline) AdvanceHeight(ctx context.Context, target uint64) error {
	for {
		p.mu.Lock()
		r := p.running
		if r != nil && r.abandoned {
			p.mu.Unlock()
			select {
			case <-r.done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if r == nil {
			if p.store.Next() > target {
				p.mu.Unlock()
				return nil
			}
			src := p.Source()
			if src == nil {
				p.mu.Unlock()
				return ErrNoUpstream
			}
			r = p.start(src, target)
		} else {
			p.target = max(p.target, target)
		}
		r.waiters++
		p.mu.Unlock()

		select {
		case <-r.done:
			return r.err
		case <-ctx.Done():
			p.mu.Lock()
			if r.waiters--; r.waiters == 0 && p.running == r {
				r.abandoned = true
				p.cancel()
			}
			p.mu.Unlock()
			return ctx.Err()
		}
	}
}

// start launches a run towards target. p.mu must be held.
func (p *Pipeline) start(src upstream.Source, target uint64) *run {
	r := &run{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	p.running, p.cancel, p.state, p.target = r, cancel, Fetching, target

	go func() {
		var err error
		for {
			err = p.run(ctx, src)
			p.mu.Lock()
			// a target merged after the last check
			if err == nil && p.store.Next() <= p.target {
				p.mu.Unlock()
				continue
			}
			break
		}
		cancel()

		r.err = err
		p.running, p.cancel, p.target = nil, nil, 0
		switch {
		case err == nil:
			p.state, p.lastErr = Idle, nil
		case errors.Is(err, context.Canceled):
			p.state, p.lastErr = Idle, err
		default:
			p.state, p.lastErr = Faulted, err
		}
		p.mu.Unlock()
		close(r.done)

		if err != nil {
			metricFaults().AddWithLabel(1, map[string]string{"code": oracle.CodeOf(err).String()})
			logger.Debug("ingestion stopped", "next", p.store.Next(), "err", err)
		}
	}()
	return r
}

// Stop cancels the run in flight, if any, and waits for it to return.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	r, cancel := p.running, p.cancel
	p.mu.Unlock()
	if r == nil {
		return
	}
	cancel()
	<-r.done
}

func (p *Pipeline) run(ctx context.Context, src upstream.Source) error {
	span := uint64(p.opts.Concurrency)
	if _, ok := src.(upstream.RangeSource); ok {
		span *= upstream.MaxRange
	}
	for {
		p.mu.Lock()
		target := p.target
		p.mu.Unlock()

		next := p.store.Next()
		if next > target {
			return nil
		}
		// commit in windows, so a target merged meanwhile is picked up
		to := min(target, next+span-1)
		if err := p.fetchWindow(ctx, src, next, to); err != nil {
			return err
		}
	}
}

// fetchWindow fetches [from, to] in parallel chunks and commits in height order.
// A chunk is one block, or up to upstream.MaxRange blocks from a RangeSource.
// Blocks before the first failure are committed.
func (p *Pipeline) fetchWindow(ctx context.Context, src upstream.Source, from, to uint64) error {
	size := uint64(1)
	rs, ranged := src.(upstream.RangeSource)
	if ranged {
		size = upstream.MaxRange
	}
	bounds := func(i int) (uint64, uint64) {
		lo := from + uint64(i)*size
		return lo, min(to, lo+size-1)
	}

	chunks := make([][]*block.Block, (to-from)/size+1)
	g, gctx := errgroup.WithContext(ctx)
	for i := range chunks {
		lo, hi := bounds(i)
		g.Go(func() error {
			var (
				blocks []*block.Block
				err    error
			)
			if ranged {
				blocks, err = rs.FetchRange(gctx, lo, hi)
			} else {
				var b *block.Block
				if b, err = src.FetchBlock(gctx, lo); err == nil {
					blocks = []*block.Block{b}
				}
			}
			for j, b := range blocks {
				if h := lo + uint64(j); b.Height != h {
					chunks[i] = blocks[:j]
					return block.ErrInvalidBlock.Wrap(errors.Errorf("asked block %d, got %d", h, b.Height))
				}
			}
			chunks[i] = blocks
			if err != nil {
				return errors.WithMessagef(err, "fetch blocks %d-%d", lo, hi)
			}
			return nil
		})
	}
	fetchErr := g.Wait()

	for i, blocks := range chunks {
		for _, b := range blocks {
			if err := p.Commit(b); err != nil {
				return err
			}
		}
		if lo, hi := bounds(i); uint64(len(blocks)) != hi-lo+1 {
			break
		}
	}
	return fetchErr
}
