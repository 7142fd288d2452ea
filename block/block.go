// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package block

import (
	"fmt"

	"github.com/drpcorg/logs-oracle/oracle"
)

// MaxTopics is the number of topic slots a log record can carry.
const MaxTopics = 4

var (
	// ErrCorruptRecord is returned when encoded bytes can not be decoded.
	ErrCorruptRecord = oracle.NewError(oracle.FilesystemError, "corrupt record")
	// ErrInvalidBlock is returned when a block is inconsistent with its own records.
	ErrInvalidBlock = oracle.NewError(oracle.UpstreamRequestFailed, "invalid block")
)

// Log is a single event emitted by a contract. Immutable once stored.
type Log struct {
	BlockHeight uint64
	BlockHash   oracle.Bytes32
	TxIndex     uint32
	LogIndex    uint32
	Address     oracle.Address
	Topics      []oracle.Bytes32
	Data        []byte
}

// Topic returns the topic in slot i, or nil if the slot is not present.
func (l *Log) Topic(i int) *oracle.Bytes32 {
	if i < len(l.Topics) {
		return &l.Topics[i]
	}
	return nil
}

// Before reports whether l is positioned strictly before other.
func (l *Log) Before(other *Log) bool {
	if l.BlockHeight != other.BlockHeight {
		return l.BlockHeight < other.BlockHeight
	}
	if l.TxIndex != other.TxIndex {
		return l.TxIndex < other.TxIndex
	}
	return l.LogIndex < other.LogIndex
}

func (l *Log) String() string {
	return fmt.Sprintf("Log(%v/%v/%v %v topics:%v data:%v)",
		l.BlockHeight, l.TxIndex, l.LogIndex, l.Address, len(l.Topics), len(l.Data))
}

// Block is the unit of ingestion: every log emitted at one height.
type Block struct {
	Height uint64
	Hash   oracle.Bytes32
	Logs   []*Log
}

// Validate checks that every log belongs to the block and that log positions
// are strictly ascending.
func (b *Block) Validate() error {
	for i, l := range b.Logs {
		if l == nil {
			return ErrInvalidBlock.Wrap(fmt.Errorf("nil log at %d", i))
		}
		if l.BlockHeight != b.Height {
			return ErrInvalidBlock.Wrap(fmt.Errorf("log %d: height %d, want %d", i, l.BlockHeight, b.Height))
		}
		if l.BlockHash != b.Hash {
			return ErrInvalidBlock.Wrap(fmt.Errorf("log %d: hash mismatch", i))
		}
		if len(l.Topics) > MaxTopics {
			return ErrInvalidBlock.Wrap(fmt.Errorf("log %d: %d topics", i, len(l.Topics)))
		}
		if i > 0 && !b.Logs[i-1].Before(l) {
			return ErrInvalidBlock.Wrap(fmt.Errorf("log %d: position not ascending", i))
		}
	}
	return nil
}

func (b *Block) String() string {
	return fmt.Sprintf("Block(%v %v logs:%v)", b.Height, b.Hash.AbbrevString(), len(b.Logs))
}
