// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package blockstore

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/drpcorg/logs-oracle/kv"
	"github.com/drpcorg/logs-oracle/oracle"
)

var (
	manifestKey = []byte("manifest")

	metaBucket  = kv.Bucket("m")
	tableBucket = kv.Bucket("b")
)

// Manifest is the committed state of the store. It is rewritten
// together with the table entry of every appended block.
type Manifest struct {
	Origin     uint64
	Blocks     uint64
	Logs       uint64
	Segment    uint32 // current segment
	SegmentEnd uint64 // committed length of the current segment
}

// Next returns the height the next appended block must have.
func (m *Manifest) Next() uint64 {
	return m.Origin + m.Blocks
}

// Height returns the height of the last block, false when the store is empty.
func (m *Manifest) Height() (uint64, bool) {
	if m.Blocks == 0 {
		return 0, false
	}
	return m.Origin + m.Blocks - 1, true
}

// entry locates a block in the segment files.
type entry struct {
	Hash    oracle.Bytes32
	Segment uint32
	Offset  uint64
	Length  uint32
	Count   uint32
}

func heightKey(h uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, h)
}

func saveRLP(w kv.Putter, key []byte, val any) error {
	data, err := rlp.EncodeToBytes(val)
	if err != nil {
		return err
	}
	return w.Put(key, data)
}

func loadRLP(r kv.Getter, key []byte, val any) error {
	data, err := r.Get(key)
	if err != nil {
		return err
	}
	return rlp.DecodeBytes(data, val)
}
