// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package filterindex

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/drpcorg/logs-oracle/bloom"
)

// Approximate in-memory costs used for budget accounting.
const (
	synopsisOverhead = 128
	hotEntryOverhead = 96
	// maxEntryGrowth bounds the growth of a hot entry when one block offset is added.
	maxEntryGrowth = hotEntryOverhead + 16
)

type synopsisKind uint8

const (
	kindHot synopsisKind = iota
	kindCold
	kindSpilled
)

func (k synopsisKind) String() string {
	switch k {
	case kindHot:
		return "hot"
	case kindCold:
		return "cold"
	default:
		return "spilled"
	}
}

// synopsis summarizes the values seen in heights [start, end).
//
// A hot synopsis maps every value hash to the exact set of block offsets.
// A cold synopsis keeps one bloom filter per slot for the whole span.
// A spilled synopsis is a cold one whose filters live in the spill store.
//
// Only the active (last) synopsis is mutated after publication, under mu.
type synopsis struct {
	start, end uint64
	kind       synopsisKind
	lastAccess atomic.Uint64

	mu   sync.RWMutex
	hot  [NumSlots]map[uint64]*roaring.Bitmap
	cold [NumSlots]*bloom.Filter

	size int64 // accounted resident bytes, written by the index writer only
}

func newHotSynopsis(start, end uint64) *synopsis {
	s := &synopsis{start: start, end: end, kind: kindHot, size: synopsisOverhead}
	for i := range s.hot {
		s.hot[i] = make(map[uint64]*roaring.Bitmap)
	}
	return s
}

func newColdSynopsis(start, end uint64, filters [NumSlots]*bloom.Filter) *synopsis {
	s := &synopsis{start: start, end: end, kind: kindCold, cold: filters}
	s.size = synopsisOverhead
	for _, f := range filters {
		s.size += int64(f.Size())
	}
	return s
}

func newSpilledSynopsis(start, end uint64) *synopsis {
	return &synopsis{start: start, end: end, kind: kindSpilled, size: synopsisOverhead}
}

func (s *synopsis) contains(height uint64) bool {
	return height >= s.start && height < s.end
}

// add records the values of one block and returns the growth in bytes.
func (s *synopsis) add(height uint64, values *blockValues) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kind == kindCold {
		for slot, hashes := range values {
			for _, h := range hashes {
				s.cold[slot].Add(h)
			}
		}
		return 0
	}

	var growth int64
	offset := uint32(height - s.start)
	for slot, hashes := range values {
		m := s.hot[slot]
		for _, h := range hashes {
			bm, ok := m[h]
			if !ok {
				bm = roaring.New()
				m[h] = bm
				growth += hotEntryOverhead
			} else {
				growth -= int64(bm.GetSizeInBytes())
			}
			bm.Add(offset)
			growth += int64(bm.GetSizeInBytes())
		}
	}
	s.size += growth
	return growth
}

// demote builds the cold form of a hot synopsis.
func (s *synopsis) demote(bitsPerKey, maxBloomBytes int) *synopsis {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filters [NumSlots]*bloom.Filter
	for slot, m := range s.hot {
		f := bloom.ForKeys(len(m), bitsPerKey, maxBloomBytes)
		for h := range m {
			f.Add(h)
		}
		filters[slot] = f
	}
	cold := newColdSynopsis(s.start, s.end, filters)
	cold.lastAccess.Store(s.lastAccess.Load())
	return cold
}

// merge unions two adjacent cold synopses into one spanning both.
func merge(a, b *synopsis) (*synopsis, error) {
	var filters [NumSlots]*bloom.Filter
	for slot := range filters {
		f, err := bloom.Union(a.cold[slot], b.cold[slot])
		if err != nil {
			return nil, err
		}
		filters[slot] = f
	}
	m := newColdSynopsis(a.start, b.end, filters)
	m.lastAccess.Store(max(a.lastAccess.Load(), b.lastAccess.Load()))
	return m, nil
}

// candidates adds heights in [lo, hi] that may hold one of hashes in slot.
// Spilled synopses are resolved by the index.
func (s *synopsis) candidates(slot Slot, hashes []uint64, lo, hi uint64, out *roaring64.Bitmap) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.kind == kindCold {
		filterCandidates(s.cold[slot], hashes, lo, hi, out)
		return
	}

	for _, h := range hashes {
		bm := s.hot[slot][h]
		if bm == nil {
			continue
		}
		it := bm.Iterator()
		it.AdvanceIfNeeded(uint32(lo - s.start))
		for it.HasNext() {
			height := s.start + uint64(it.Next())
			if height > hi {
				break
			}
			out.Add(height)
		}
	}
}

// filterCandidates adds the whole span [lo, hi] when f may contain any of hashes.
func filterCandidates(f *bloom.Filter, hashes []uint64, lo, hi uint64, out *roaring64.Bitmap) {
	for _, h := range hashes {
		if f.Contains(h) {
			out.AddRange(lo, hi+1)
			return
		}
	}
}

// spill record layout: end(8) | k(1) | per slot: uvarint length | filter bits, snappy compressed.

func encodeSpill(end uint64, filters [NumSlots]*bloom.Filter) []byte {
	raw := binary.BigEndian.AppendUint64(nil, end)
	raw = append(raw, filters[0].K())
	for _, f := range filters {
		raw = binary.AppendUvarint(raw, uint64(f.Size()))
		raw = append(raw, f.Bytes()...)
	}
	return snappy.Encode(nil, raw)
}

func decodeSpill(data []byte) (end uint64, filters [NumSlots]*bloom.Filter, err error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return 0, filters, ErrSpillCorrupt.Wrap(err)
	}
	if len(raw) < 9 {
		return 0, filters, ErrSpillCorrupt.Wrap(errors.New("short record"))
	}
	end = binary.BigEndian.Uint64(raw)
	k := raw[8]
	raw = raw[9:]
	for slot := range filters {
		size, n := binary.Uvarint(raw)
		if n <= 0 || size > uint64(len(raw)-n) {
			return 0, filters, ErrSpillCorrupt.Wrap(errors.New("bad filter length"))
		}
		raw = raw[n:]
		if filters[slot], err = bloom.FromBytes(raw[:size:size], k); err != nil {
			return 0, filters, ErrSpillCorrupt.Wrap(err)
		}
		raw = raw[size:]
	}
	if len(raw) != 0 {
		return 0, filters, ErrSpillCorrupt.Wrap(errors.New("trailing bytes"))
	}
	return end, filters, nil
}
