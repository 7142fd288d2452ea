// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package logdb is the store handle: it owns the block store, the filter
// index, the memory budget and the ingestion pipeline of one data directory.
package logdb

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/drpcorg/logs-oracle/block"
	"github.com/drpcorg/logs-oracle/blockstore"
	"github.com/drpcorg/logs-oracle/budget"
	"github.com/drpcorg/logs-oracle/filterindex"
	"github.com/drpcorg/logs-oracle/ingest"
	"github.com/drpcorg/logs-oracle/log"
	"github.com/drpcorg/logs-oracle/lvldb"
	"github.com/drpcorg/logs-oracle/oracle"
	"github.com/drpcorg/logs-oracle/query"
	"github.com/drpcorg/logs-oracle/upstream"
)

var logger = log.WithContext("pkg", "logdb")

var (
	ErrInvalidDataDir  = oracle.NewError(oracle.InvalidDataDir, "invalid data directory")
	ErrInvalidUpstream = upstream.ErrInvalidUpstream
	ErrClosed          = oracle.NewError(oracle.Unknown, "log db closed")
)

const spillDir = "spill"

// Options of the log db. Zero values take defaults.
type Options struct {
	// Origin is the height of the first block of a new store.
	Origin uint64
	// BucketSize is the number of heights summarized by one index synopsis.
	BucketSize uint64
	// MaxResults is the most logs a query may return, 0 for no maximum.
	MaxResults int
	// MaxBlockSpan is the widest height range a query may cover, 0 for no maximum.
	MaxBlockSpan uint64
	// FetchConcurrency is the number of blocks fetched ahead in parallel.
	FetchConcurrency int
	// BlockCacheSize is the number of decoded blocks kept in memory.
	BlockCacheSize int
	// SegmentSize is the size of a block store segment file.
	SegmentSize uint64
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		BucketSize:       filterindex.DefaultOptions().BucketSize,
		MaxResults:       10_000,
		MaxBlockSpan:     0,
		FetchConcurrency: 8,
		BlockCacheSize:   blockstore.DefaultOptions().CacheSize,
		SegmentSize:      blockstore.DefaultOptions().SegmentSize,
	}
}

// LogDB is an open store handle. It is safe for concurrent use.
type LogDB struct {
	dir    string
	closed atomic.Bool
	mu     sync.RWMutex // held shared by every operation, exclusively by Close

	store    *blockstore.Store
	spill    *lvldb.LevelDB
	index    *filterindex.Index
	budget   *budget.Manager
	pipeline *ingest.Pipeline
	engine   *query.Engine
}

// Open opens the log db in dir, creating it if missing. ramLimit bounds the
// memory held by the filter index, 0 means unbounded.
func Open(dir string, ramLimit uint64, opts *Options) (_ *LogDB, err error) {
	o := DefaultOptions()
	if opts != nil {
		o = *opts
	}
	if err := checkDataDir(dir); err != nil {
		return nil, err
	}

	sopts := blockstore.DefaultOptions()
	sopts.Origin = o.Origin
	if o.BlockCacheSize > 0 {
		sopts.CacheSize = o.BlockCacheSize
	}
	if o.SegmentSize > 0 {
		sopts.SegmentSize = o.SegmentSize
	}
	store, err := blockstore.Open(dir, sopts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			store.Close()
		}
	}()

	spill, err := lvldb.New(filepath.Join(dir, spillDir), lvldb.Options{})
	if err != nil {
		return nil, blockstore.ErrStorageUnavailable.Wrap(err)
	}
	defer func() {
		if err != nil {
			spill.Close()
		}
	}()

	iopts := filterindex.DefaultOptions()
	if o.BucketSize > 0 {
		iopts.BucketSize = o.BucketSize
	}
	index, err := filterindex.New(iopts, spill)
	if err != nil {
		return nil, err
	}
	bm := budget.New(ramLimit, index)

	start := time.Now()
	pipeline, err := ingest.New(context.Background(), store, index, bm, ingest.Options{Concurrency: o.FetchConcurrency})
	if err != nil {
		return nil, err
	}

	db := &LogDB{
		dir:      dir,
		store:    store,
		spill:    spill,
		index:    index,
		budget:   bm,
		pipeline: pipeline,
		engine: query.New(store, index, pipeline.Watermark, query.Options{
			MaxResults:   o.MaxResults,
			MaxBlockSpan: o.MaxBlockSpan,
		}),
	}
	logger.Info("log db opened", "dir", dir, "blocks", store.BlocksCount(), "logs", store.LogsCount(),
		"ramLimit", oracle.Datasize(ramLimit), "elapsed", time.Since(start))
	return db, nil
}

// checkDataDir makes sure dir is a writable directory.
func checkDataDir(dir string) error {
	if dir == "" {
		return ErrInvalidDataDir.Wrap(errors.New("empty path"))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ErrInvalidDataDir.Wrap(err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return ErrInvalidDataDir.Wrap(err)
	}
	if !info.IsDir() {
		return ErrInvalidDataDir.Wrap(errors.Errorf("%s is not a directory", dir))
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return ErrInvalidDataDir.Wrap(err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

// enter marks the start of an operation. The returned func marks its end.
func (db *LogDB) enter() (func(), error) {
	db.mu.RLock()
	if db.closed.Load() {
		db.mu.RUnlock()
		return nil, ErrClosed
	}
	return db.mu.RUnlock, nil
}

// Dir returns the data directory.
func (db *LogDB) Dir() string {
	return db.dir
}

// SetUpstream dials endpoint and makes it the source of ingestion.
// The previous source is closed.
func (db *LogDB) SetUpstream(ctx context.Context, endpoint string) error {
	src, err := upstream.Dial(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := db.SetSource(src); err != nil {
		src.Close()
		return err
	}
	return nil
}

// SetSource makes src the source of ingestion. The previous source is closed.
func (db *LogDB) SetSource(src upstream.Source) error {
	leave, err := db.enter()
	if err != nil {
		return err
	}
	defer leave()

	if old := db.pipeline.SetSource(src); old != nil {
		old.Close()
	}
	return nil
}

// UpstreamHead returns the latest height of the upstream source.
func (db *LogDB) UpstreamHead(ctx context.Context) (uint64, error) {
	leave, err := db.enter()
	if err != nil {
		return 0, err
	}
	defer leave()

	src := db.pipeline.Source()
	if src == nil {
		return 0, ingest.ErrNoUpstream
	}
	return src.Head(ctx)
}

// AdvanceHeight ingests blocks from the upstream until target is queryable.
func (db *LogDB) AdvanceHeight(ctx context.Context, target uint64) error {
	leave, err := db.enter()
	if err != nil {
		return err
	}
	defer leave()

	return db.pipeline.AdvanceHeight(ctx, target)
}

// AppendBlock ingests b directly. b must be the block after the watermark.
func (db *LogDB) AppendBlock(b *block.Block) error {
	leave, err := db.enter()
	if err != nil {
		return err
	}
	defer leave()

	return db.pipeline.Commit(b)
}

// Query returns the logs matching f.
func (db *LogDB) Query(ctx context.Context, f *query.Filter) ([]*block.Log, error) {
	leave, err := db.enter()
	if err != nil {
		return nil, err
	}
	defer leave()

	metricsHandleFilter(f)
	return db.engine.Query(ctx, f)
}

// Count returns the number of logs matching f.
func (db *LogDB) Count(ctx context.Context, f *query.Filter) (uint64, error) {
	leave, err := db.enter()
	if err != nil {
		return 0, err
	}
	defer leave()

	metricsHandleFilter(f)
	return db.engine.Count(ctx, f)
}

// LogsCount returns the number of stored logs.
func (db *LogDB) LogsCount() (uint64, error) {
	leave, err := db.enter()
	if err != nil {
		return 0, err
	}
	defer leave()

	return db.store.LogsCount(), nil
}

// BlocksCount returns the number of stored blocks.
func (db *LogDB) BlocksCount() (uint64, error) {
	leave, err := db.enter()
	if err != nil {
		return 0, err
	}
	defer leave()

	return db.store.BlocksCount(), nil
}

// Height returns the watermark, false if no block is ingested yet.
func (db *LogDB) Height() (uint64, bool, error) {
	leave, err := db.enter()
	if err != nil {
		return 0, false, err
	}
	defer leave()

	h, ok := db.pipeline.Watermark()
	return h, ok, nil
}

// Advanced returns a channel closed when the watermark next moves.
func (db *LogDB) Advanced() <-chan struct{} {
	return db.pipeline.Advanced()
}

// Close stops ingestion and releases all resources.
func (db *LogDB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	// a run may start after Stop while operations drain
	for !db.mu.TryLock() {
		db.pipeline.Stop()
		time.Sleep(time.Millisecond)
	}
	defer db.mu.Unlock()
	// a run abandoned by its callers may outlive them
	db.pipeline.Stop()

	if src := db.pipeline.SetSource(nil); src != nil {
		src.Close()
	}
	err := db.store.Close()
	if serr := db.spill.Close(); err == nil {
		err = serr
	}
	logger.Info("log db closed", "dir", db.dir)
	return err
}
