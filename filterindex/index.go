// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package filterindex

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/pkg/errors"

	"github.com/drpcorg/logs-oracle/block"
	"github.com/drpcorg/logs-oracle/bloom"
	"github.com/drpcorg/logs-oracle/kv"
	"github.com/drpcorg/logs-oracle/log"
	"github.com/drpcorg/logs-oracle/oracle"
)

var logger = log.WithContext("pkg", "filterindex")

var (
	// ErrSpillCorrupt is returned when a spilled synopsis can not be decoded.
	ErrSpillCorrupt = oracle.NewError(oracle.FilesystemError, "corrupt spilled synopsis")
	// ErrSpillStorage is returned when the spill store fails.
	ErrSpillStorage = oracle.NewError(oracle.FilesystemError, "spill storage unavailable")
)

// Slot identifies the position of an indexed value in a log record.
type Slot uint8

const (
	SlotAddress Slot = iota
	SlotTopic0
	SlotTopic1
	SlotTopic2
	SlotTopic3

	NumSlots = int(SlotTopic3) + 1
)

// TopicSlot returns the slot of the i-th topic.
func TopicSlot(i int) Slot {
	return SlotTopic0 + Slot(i)
}

func (s Slot) String() string {
	if s == SlotAddress {
		return "address"
	}
	return fmt.Sprintf("topic%d", s-SlotTopic0)
}

// Options configures the index.
type Options struct {
	// BucketSize is the count of heights summarized by one synopsis.
	BucketSize uint64
	// BitsPerKey sizes the bloom filters of cold synopses.
	BitsPerKey int
	// MaxBloomBytes caps the size of one cold bloom filter.
	MaxBloomBytes int
	// MaxMergeBuckets caps how many buckets a merged cold synopsis may span.
	MaxMergeBuckets uint64
}

// DefaultOptions returns the default index options.
func DefaultOptions() Options {
	return Options{
		BucketSize:      1024,
		BitsPerKey:      10,
		MaxBloomBytes:   64 << 10,
		MaxMergeBuckets: 16,
	}
}

// Eviction steps, from the least to the most destructive.
const (
	StepDemoteHot = iota
	StepMergeCold
	StepSpillCold
	StepCoalesceSpilled
	StepDemoteActive
)

var stepNames = [...]string{"demote", "merge", "spill", "coalesce", "demote_active"}

type blockValues [NumSlots][]uint64

func valuesOf(logs []*block.Log) *blockValues {
	var v blockValues
	for _, l := range logs {
		v[SlotAddress] = append(v[SlotAddress], bloom.Hash(l.Address[:]))
		for i := range l.Topics {
			slot := TopicSlot(i)
			v[slot] = append(v[slot], bloom.Hash(l.Topics[i][:]))
		}
	}
	return &v
}

// Index is the filter index over the address and topic slots.
//
// Heights are grouped into fixed-size buckets, each summarized by a synopsis.
// Lookups may over-report heights but never miss one.
// The published view is copy-on-write; only the active synopsis is mutated in place.
type Index struct {
	opts  Options
	spill kv.Store

	mu   sync.Mutex // serializes writers
	view atomic.Pointer[[]*synopsis]

	tick     atomic.Uint64
	resident atomic.Int64

	evictions [len(stepNames)]atomic.Uint64
}

// New creates an empty index. Previously spilled synopses in spill are discarded.
func New(opts Options, spill kv.Store) (*Index, error) {
	if opts.BucketSize == 0 {
		return nil, errors.New("bucket size must be positive")
	}
	if opts.BitsPerKey <= 0 {
		opts.BitsPerKey = DefaultOptions().BitsPerKey
	}
	if opts.MaxMergeBuckets < 2 {
		opts.MaxMergeBuckets = 2
	}
	if err := clearStore(spill); err != nil {
		return nil, ErrSpillStorage.Wrap(err)
	}

	idx := &Index{opts: opts, spill: spill}
	idx.view.Store(&[]*synopsis{})
	return idx, nil
}

func clearStore(s kv.Store) error {
	it := s.Iterate(kv.Range{})
	defer it.Release()

	batch := s.NewBatch()
	for it.Next() {
		if err := batch.Delete(append([]byte(nil), it.Key()...)); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	return batch.Write()
}

func (idx *Index) load() []*synopsis {
	return *idx.view.Load()
}

// Resident returns the bytes held in memory by the index.
func (idx *Index) Resident() int64 {
	return idx.resident.Load()
}

// Cost returns an upper bound of the memory growth caused by adding a block at height.
func (idx *Index) Cost(height uint64, logs []*block.Log) int64 {
	v := idx.load()

	var cost int64
	if n := len(v); n == 0 || !v[n-1].contains(height) {
		cost += synopsisOverhead
	} else if v[n-1].kind != kindHot {
		return 0
	}
	for _, l := range logs {
		cost += int64(1+len(l.Topics)) * maxEntryGrowth
	}
	return cost
}

// Add indexes the logs of the block at height. Heights must be added in
// ascending order. All values of the block become visible to readers at once.
func (idx *Index) Add(height uint64, logs []*block.Log) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	v := idx.load()
	var active *synopsis
	if n := len(v); n > 0 {
		active = v[n-1]
		if height < active.start {
			return errors.Errorf("height %d behind active bucket %d", height, active.start)
		}
	}
	if active == nil || height >= active.end {
		start := height - height%idx.opts.BucketSize
		active = newHotSynopsis(start, start+idx.opts.BucketSize)
		active.lastAccess.Store(idx.tick.Load())

		next := append(v[:len(v):len(v)], active)
		idx.view.Store(&next)
		idx.resident.Add(active.size)
	}

	if len(logs) > 0 {
		idx.resident.Add(active.add(height, valuesOf(logs)))
	}
	metricResidentBytes().Set(idx.resident.Load())
	return nil
}

// Candidates returns the heights in [from, to] that may hold value in slot.
func (idx *Index) Candidates(slot Slot, value []byte, from, to uint64) (*roaring64.Bitmap, error) {
	return idx.CandidatesAny(slot, [][]byte{value}, from, to)
}

// CandidatesAny returns the heights in [from, to] that may hold any of values in slot.
// Widening the range never removes a height from the result.
func (idx *Index) CandidatesAny(slot Slot, values [][]byte, from, to uint64) (*roaring64.Bitmap, error) {
	out := roaring64.New()
	if from > to || len(values) == 0 {
		return out, nil
	}
	hashes := make([]uint64, 0, len(values))
	for _, value := range values {
		hashes = append(hashes, bloom.Hash(value))
	}

	tick := idx.tick.Add(1)
	v := idx.load()
	i := sort.Search(len(v), func(i int) bool { return v[i].end > from })
	for ; i < len(v) && v[i].start <= to; i++ {
		s := v[i]
		s.lastAccess.Store(tick)
		lo, hi := max(from, s.start), min(to, s.end-1)

		if s.kind == kindSpilled {
			filters, err := idx.loadSpilled(s)
			if err != nil {
				return nil, err
			}
			filterCandidates(filters[slot], hashes, lo, hi, out)
			continue
		}
		s.candidates(slot, hashes, lo, hi, out)
	}
	return out, nil
}

// Steps returns the names of the eviction steps.
func (idx *Index) Steps() []string {
	return stepNames[:]
}

// Evict performs one eviction step on the least recently queried synopsis
// eligible for it. It reports false when nothing is eligible.
func (idx *Index) Evict(step int) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var (
		done bool
		err  error
	)
	switch step {
	case StepDemoteHot:
		done = idx.demote(false)
	case StepDemoteActive:
		done = idx.demote(true)
	case StepMergeCold:
		done, err = idx.merge()
	case StepSpillCold:
		done, err = idx.spillOne()
	case StepCoalesceSpilled:
		done, err = idx.coalesce()
	default:
		return false, errors.Errorf("unknown eviction step %d", step)
	}
	if err != nil {
		return false, err
	}
	if done {
		idx.evictions[step].Add(1)
		metricEvictions().AddWithLabel(1, map[string]string{"step": stepNames[step]})
		metricResidentBytes().Set(idx.resident.Load())
	}
	return done, nil
}

// replace publishes a view where v[i:i+n] is replaced with s.
func (idx *Index) replace(v []*synopsis, i, n int, s *synopsis) {
	next := make([]*synopsis, 0, len(v)-n+1)
	next = append(next, v[:i]...)
	next = append(next, s)
	next = append(next, v[i+n:]...)

	var freed int64
	for _, old := range v[i : i+n] {
		freed += old.size
	}
	idx.resident.Add(s.size - freed)
	idx.view.Store(&next)
}

func (idx *Index) demote(active bool) bool {
	v := idx.load()
	last := len(v) - 1
	pick := -1
	if active {
		if last >= 0 && v[last].kind == kindHot {
			pick = last
		}
	} else {
		for i := 0; i < last; i++ {
			if v[i].kind == kindHot && (pick < 0 || v[i].lastAccess.Load() < v[pick].lastAccess.Load()) {
				pick = i
			}
		}
	}
	if pick < 0 {
		return false
	}

	s := v[pick]
	cold := s.demote(idx.opts.BitsPerKey, idx.opts.MaxBloomBytes)
	idx.replace(v, pick, 1, cold)
	logger.Debug("synopsis demoted", "start", s.start, "end", s.end, "from", s.size, "to", cold.size)
	return true
}

func (idx *Index) merge() (bool, error) {
	v := idx.load()
	maxSpan := idx.opts.MaxMergeBuckets * idx.opts.BucketSize
	pick := -1
	var pickAccess uint64
	// the active synopsis is never merged
	for i := 0; i+1 < len(v)-1; i++ {
		a, b := v[i], v[i+1]
		if a.kind != kindCold || b.kind != kindCold || a.end != b.start || b.end-a.start > maxSpan {
			continue
		}
		access := max(a.lastAccess.Load(), b.lastAccess.Load())
		if pick < 0 || access < pickAccess {
			pick, pickAccess = i, access
		}
	}
	if pick < 0 {
		return false, nil
	}

	a, b := v[pick], v[pick+1]
	m, err := merge(a, b)
	if err != nil {
		return false, err
	}
	idx.replace(v, pick, 2, m)
	logger.Debug("synopses merged", "start", m.start, "end", m.end, "size", m.size)
	return true, nil
}

func spillKey(start uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, start)
}

func (idx *Index) spillOne() (bool, error) {
	v := idx.load()
	pick := -1
	for i := 0; i < len(v)-1; i++ {
		if v[i].kind == kindCold && (pick < 0 || v[i].lastAccess.Load() < v[pick].lastAccess.Load()) {
			pick = i
		}
	}
	if pick < 0 {
		return false, nil
	}

	s := v[pick]
	if err := idx.spill.Put(spillKey(s.start), encodeSpill(s.end, s.cold)); err != nil {
		return false, ErrSpillStorage.Wrap(err)
	}
	spilled := newSpilledSynopsis(s.start, s.end)
	spilled.lastAccess.Store(s.lastAccess.Load())
	idx.replace(v, pick, 1, spilled)
	logger.Debug("synopsis spilled", "start", s.start, "end", s.end, "freed", s.size-spilled.size)
	return true, nil
}

// coalesce joins two adjacent spilled synopses into one spilled span.
// Spans are not capped, so repeated coalescing leaves a single spilled synopsis
// for the whole spilled prefix.
func (idx *Index) coalesce() (bool, error) {
	v := idx.load()
	pick := -1
	var pickAccess uint64
	for i := 0; i+1 < len(v)-1; i++ {
		a, b := v[i], v[i+1]
		if a.kind != kindSpilled || b.kind != kindSpilled || a.end != b.start {
			continue
		}
		access := max(a.lastAccess.Load(), b.lastAccess.Load())
		if pick < 0 || access < pickAccess {
			pick, pickAccess = i, access
		}
	}
	if pick < 0 {
		return false, nil
	}

	a, b := v[pick], v[pick+1]
	fa, err := idx.loadSpilled(a)
	if err != nil {
		return false, err
	}
	fb, err := idx.loadSpilled(b)
	if err != nil {
		return false, err
	}
	var filters [NumSlots]*bloom.Filter
	for slot := range filters {
		if filters[slot], err = bloom.Union(fa[slot], fb[slot]); err != nil {
			return false, err
		}
	}

	batch := idx.spill.NewBatch()
	if err := batch.Put(spillKey(a.start), encodeSpill(b.end, filters)); err != nil {
		return false, ErrSpillStorage.Wrap(err)
	}
	if err := batch.Delete(spillKey(b.start)); err != nil {
		return false, ErrSpillStorage.Wrap(err)
	}
	if err := batch.Write(); err != nil {
		return false, ErrSpillStorage.Wrap(err)
	}

	joined := newSpilledSynopsis(a.start, b.end)
	joined.lastAccess.Store(pickAccess)
	idx.replace(v, pick, 2, joined)
	logger.Debug("spilled synopses coalesced", "start", joined.start, "end", joined.end)
	return true, nil
}

// loadSpilled reads the blooms of a spilled synopsis. When s was coalesced
// after the caller loaded its view, the blooms of the covering span are used.
func (idx *Index) loadSpilled(s *synopsis) ([NumSlots]*bloom.Filter, error) {
	for {
		filters, err := idx.readSpill(s)
		if err == nil {
			return filters, nil
		}
		cur := idx.covering(s.start)
		if cur == nil || cur == s || cur.kind != kindSpilled {
			return filters, err
		}
		s = cur
	}
}

func (idx *Index) readSpill(s *synopsis) ([NumSlots]*bloom.Filter, error) {
	data, err := idx.spill.Get(spillKey(s.start))
	if err != nil {
		return [NumSlots]*bloom.Filter{}, ErrSpillStorage.Wrap(err)
	}
	end, filters, err := decodeSpill(data)
	if err != nil {
		return filters, err
	}
	if end != s.end {
		return filters, ErrSpillCorrupt.Wrap(errors.Errorf("span end %d, want %d", end, s.end))
	}
	return filters, nil
}

// covering returns the synopsis of the current view holding height.
func (idx *Index) covering(height uint64) *synopsis {
	v := idx.load()
	i := sort.Search(len(v), func(i int) bool { return v[i].end > height })
	if i < len(v) && v[i].contains(height) {
		return v[i]
	}
	return nil
}

// Status describes the state of the index.
type Status struct {
	Hot           int               `json:"hot"`
	Cold          int               `json:"cold"`
	Spilled       int               `json:"spilled"`
	ResidentBytes int64             `json:"residentBytes"`
	Evictions     map[string]uint64 `json:"evictions"`
}

// Status returns the current state of the index.
func (idx *Index) Status() *Status {
	st := &Status{
		ResidentBytes: idx.resident.Load(),
		Evictions:     make(map[string]uint64, len(stepNames)),
	}
	for _, s := range idx.load() {
		switch s.kind {
		case kindHot:
			st.Hot++
		case kindCold:
			st.Cold++
		default:
			st.Spilled++
		}
	}
	for i, name := range stepNames {
		st.Evictions[name] = idx.evictions[i].Load()
	}
	return st
}
