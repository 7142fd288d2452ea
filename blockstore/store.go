// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package blockstore persists the ingested blocks as an append-only sequence.
//
// Encoded blocks are framed into segment files, and a leveldb table maps every
// height to its frame. The table entry and the manifest of a block are written
// in one synced batch after the frame itself is synced, so a block is either
// fully committed or absent after a crash.
package blockstore

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"

	"github.com/drpcorg/logs-oracle/block"
	"github.com/drpcorg/logs-oracle/cache"
	"github.com/drpcorg/logs-oracle/kv"
	"github.com/drpcorg/logs-oracle/log"
	"github.com/drpcorg/logs-oracle/lvldb"
	"github.com/drpcorg/logs-oracle/oracle"
)

var logger = log.WithContext("pkg", "blockstore")

var (
	// ErrHeightGap is returned when a block does not extend the stored sequence.
	ErrHeightGap = oracle.NewError(oracle.UpstreamRequestFailed, "height gap")
	// ErrStorageUnavailable is returned when the underlying medium fails.
	ErrStorageUnavailable = oracle.NewError(oracle.FilesystemError, "storage unavailable")
	// ErrNotFound is returned when reading a height that is not stored.
	ErrNotFound = errors.New("block not found")
)

const (
	segmentsDir = "segments"
	metaDir     = "meta"
)

// Options of the block store.
type Options struct {
	// Origin is the height of the first block. It is fixed once a block is stored.
	Origin uint64
	// SegmentSize is the size after which a new segment file is started.
	SegmentSize uint64
	// CacheSize is the number of decoded blocks kept in memory.
	CacheSize int
	LevelDB   lvldb.Options
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		SegmentSize: 256 << 20,
		CacheSize:   512,
		LevelDB: lvldb.Options{
			CacheSize:              16,
			OpenFilesCacheCapacity: 64,
			SyncWrites:             true,
		},
	}
}

// Store is the block store.
type Store struct {
	opts  Options
	db    *lvldb.LevelDB
	meta  kv.Store
	table kv.Store
	segs  *segments
	cache *cache.LRU[uint64, *block.Block]

	mu       sync.Mutex // serializes appends
	manifest atomic.Pointer[Manifest]
}

// Open opens the block store in dir, creating it if missing.
func Open(dir string, opts Options) (*Store, error) {
	if opts.SegmentSize == 0 {
		opts.SegmentSize = DefaultOptions().SegmentSize
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultOptions().CacheSize
	}

	db, err := lvldb.New(filepath.Join(dir, metaDir), opts.LevelDB)
	if err != nil {
		return nil, ErrStorageUnavailable.Wrap(err)
	}
	s, err := open(dir, db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func open(dir string, db *lvldb.LevelDB, opts Options) (*Store, error) {
	c, err := cache.NewLRU[uint64, *block.Block](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	s := &Store{
		opts:  opts,
		db:    db,
		meta:  metaBucket.NewStore(db),
		table: tableBucket.NewStore(db),
		cache: c,
	}

	m := &Manifest{Origin: opts.Origin}
	if err := loadRLP(s.meta, manifestKey, m); err != nil {
		if !s.meta.IsNotFound(err) {
			return nil, block.ErrCorruptRecord.Wrap(errors.Wrap(err, "load manifest"))
		}
		if err := saveRLP(s.meta, manifestKey, m); err != nil {
			return nil, ErrStorageUnavailable.Wrap(err)
		}
	} else if m.Origin != opts.Origin && m.Blocks > 0 {
		logger.Warn("ignoring configured origin", "configured", opts.Origin, "stored", m.Origin)
	}
	s.manifest.Store(m)

	if s.segs, err = openSegments(filepath.Join(dir, segmentsDir)); err != nil {
		return nil, ErrStorageUnavailable.Wrap(err)
	}
	if err := s.segs.recover(m.Segment, m.SegmentEnd); err != nil {
		s.segs.close()
		if errors.Is(err, block.ErrCorruptRecord) {
			return nil, err
		}
		return nil, ErrStorageUnavailable.Wrap(err)
	}

	h, _ := m.Height()
	logger.Debug("block store opened", "origin", m.Origin, "height", h, "blocks", m.Blocks, "logs", m.Logs)
	return s, nil
}

// Manifest returns a copy of the committed manifest.
func (s *Store) Manifest() Manifest {
	return *s.manifest.Load()
}

// BlocksCount returns the number of stored blocks.
func (s *Store) BlocksCount() uint64 {
	return s.manifest.Load().Blocks
}

// LogsCount returns the number of stored logs.
func (s *Store) LogsCount() uint64 {
	return s.manifest.Load().Logs
}

// Height returns the height of the last stored block, false if empty.
func (s *Store) Height() (uint64, bool) {
	return s.manifest.Load().Height()
}

// Next returns the height of the next block to append.
func (s *Store) Next() uint64 {
	return s.manifest.Load().Next()
}

// Append stores b durably. The height of b must be the next height.
// It returns the segment offset of each log record. On failure the
// segment files are rolled back to the last committed block.
func (s *Store) Append(b *block.Block) (offsets []uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	m := s.manifest.Load()
	if b.Height != m.Next() {
		return nil, ErrHeightGap.Wrap(errors.Errorf("got block %d, want %d", b.Height, m.Next()))
	}
	payload, recordOffsets, err := block.EncodeBlock(b)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			if rerr := s.segs.recover(m.Segment, m.SegmentEnd); rerr != nil {
				logger.Error("failed to roll back segments", "err", rerr)
			}
		}
	}()

	next := *m
	if next.SegmentEnd > 0 && next.SegmentEnd+frameHeaderSize+uint64(len(payload)) > s.opts.SegmentSize {
		if err := s.segs.roll(next.Segment + 1); err != nil {
			return nil, ErrStorageUnavailable.Wrap(err)
		}
		next.Segment++
		next.SegmentEnd = 0
	}
	off := next.SegmentEnd
	if err := s.segs.write(appendFrame(nil, payload), off); err != nil {
		return nil, ErrStorageUnavailable.Wrap(err)
	}

	next.SegmentEnd += frameHeaderSize + uint64(len(payload))
	next.Blocks++
	next.Logs += uint64(len(b.Logs))

	batch := s.db.NewBatch()
	if err := saveRLP(batch, tableBucket.Key(heightKey(b.Height)), &entry{
		Hash:    b.Hash,
		Segment: next.Segment,
		Offset:  off,
		Length:  uint32(len(payload)),
		Count:   uint32(len(b.Logs)),
	}); err != nil {
		return nil, err
	}
	if err := saveRLP(batch, metaBucket.Key(manifestKey), &next); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, ErrStorageUnavailable.Wrap(err)
	}
	s.manifest.Store(&next)

	offsets = make([]uint64, len(recordOffsets))
	for i, o := range recordOffsets {
		offsets[i] = off + frameHeaderSize + uint64(o)
	}

	metricAppendDuration().Observe(time.Since(start).Milliseconds())
	metricStoredBlocks().Set(int64(next.Blocks))
	metricStoredLogs().Set(int64(next.Logs))
	return offsets, nil
}

func (s *Store) entry(h uint64) (*entry, error) {
	m := s.manifest.Load()
	if h < m.Origin || h >= m.Next() {
		return nil, errors.WithMessagef(ErrNotFound, "height %d", h)
	}
	var e entry
	if err := loadRLP(s.table, heightKey(h), &e); err != nil {
		if s.table.IsNotFound(err) {
			return nil, block.ErrCorruptRecord.Wrap(errors.Errorf("missing table entry %d", h))
		}
		return nil, ErrStorageUnavailable.Wrap(err)
	}
	return &e, nil
}

// ReadBlock returns the block at height h.
func (s *Store) ReadBlock(h uint64) (*block.Block, error) {
	return s.cache.GetOrLoad(h, s.load)
}

func (s *Store) load(h uint64) (*block.Block, error) {
	e, err := s.entry(h)
	if err != nil {
		return nil, err
	}
	payload, err := s.segs.read(e.Segment, e.Offset, e.Length)
	if err != nil {
		if errors.Is(err, block.ErrCorruptRecord) {
			return nil, err
		}
		return nil, ErrStorageUnavailable.Wrap(err)
	}
	b, err := block.DecodeBlock(h, e.Hash, payload)
	if err != nil {
		return nil, err
	}
	if len(b.Logs) != int(e.Count) {
		return nil, block.ErrCorruptRecord.Wrap(errors.Errorf("block %d has %d logs, table says %d", h, len(b.Logs), e.Count))
	}
	return b, nil
}

// CountRange returns the number of logs stored in heights [from, to].
// It reads the block table only.
func (s *Store) CountRange(from, to uint64) (uint64, error) {
	m := s.manifest.Load()
	h, ok := m.Height()
	if !ok || from > to || from > h || to < m.Origin {
		return 0, nil
	}
	if from == m.Origin && to >= h {
		return m.Logs, nil
	}
	from = max(from, m.Origin)
	to = min(to, h)

	it := s.table.Iterate(kv.Range{Start: heightKey(from), Limit: heightKey(to + 1)})
	defer it.Release()

	var (
		e     entry
		count uint64
	)
	for it.Next() {
		if err := rlp.DecodeBytes(it.Value(), &e); err != nil {
			return 0, block.ErrCorruptRecord.Wrap(err)
		}
		count += uint64(e.Count)
	}
	if err := it.Error(); err != nil {
		return 0, ErrStorageUnavailable.Wrap(err)
	}
	return count, nil
}

// ReadRange returns an iterator over the blocks in heights [from, to].
// The range is clamped to the stored heights at the time of the call.
func (s *Store) ReadRange(from, to uint64) *Iterator {
	m := s.manifest.Load()
	it := &Iterator{s: s, next: max(from, m.Origin), to: to}
	if h, ok := m.Height(); !ok {
		it.done = true
	} else {
		it.to = min(to, h)
	}
	return it
}

// Status describes the state of the store.
type Status struct {
	Origin       uint64  `json:"origin"`
	Blocks       uint64  `json:"blocks"`
	Logs         uint64  `json:"logs"`
	Segments     int     `json:"segments"`
	SegmentBytes int64   `json:"segmentBytes"`
	MetaBytes    int64   `json:"metaBytes"`
	CacheHit     int64   `json:"cacheHit"`
	CacheMiss    int64   `json:"cacheMiss"`
	CacheHitRate float64 `json:"cacheHitRate"`
}

// Status returns the current state of the store.
func (s *Store) Status() (*Status, error) {
	m := s.manifest.Load()
	n, size, err := s.segs.sizes()
	if err != nil {
		return nil, ErrStorageUnavailable.Wrap(err)
	}
	usage, err := s.db.Usage()
	if err != nil {
		return nil, ErrStorageUnavailable.Wrap(err)
	}
	hit, miss := s.cache.Stats().Counts()
	return &Status{
		Origin:       m.Origin,
		Blocks:       m.Blocks,
		Logs:         m.Logs,
		Segments:     n,
		SegmentBytes: size,
		MetaBytes:    usage,
		CacheHit:     hit,
		CacheMiss:    miss,
		CacheHitRate: s.cache.Stats().HitRate(),
	}, nil
}

// Close releases the files of the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Purge()
	err := s.segs.close()
	if dbErr := s.db.Close(); err == nil {
		err = dbErr
	}
	return err
}
