// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package block

import (
	"encoding/binary"
	"errors"

	"github.com/drpcorg/logs-oracle/oracle"
)

// Log record layout:
//
//	height(8) | hash(32) | txIndex(4) | logIndex(4) | address(20) | topicCount(1) |
//	topics(32 * topicCount) | dataLen(uvarint) | data
const (
	HeaderSize = 8 + 32 + 4 + 4 + oracle.AddressLength + 1 // 69 bytes
	TopicSize  = 32
)

var (
	errShortHeader   = errors.New("short header")
	errTopicCount    = errors.New("topic count out of range")
	errShortTopics   = errors.New("fewer topics than declared")
	errDataLen       = errors.New("bad data length")
	errTrailingBytes = errors.New("trailing bytes")
)

// EncodedSize returns the exact encoded size of l.
func EncodedSize(l *Log) int {
	return HeaderSize + len(l.Topics)*TopicSize + uvarintSize(uint64(len(l.Data))) + len(l.Data)
}

// EncodeLog encodes a log record.
func EncodeLog(l *Log) ([]byte, error) {
	return AppendLog(make([]byte, 0, EncodedSize(l)), l)
}

// AppendLog appends the encoded record to buf.
func AppendLog(buf []byte, l *Log) ([]byte, error) {
	if len(l.Topics) > MaxTopics {
		return nil, ErrCorruptRecord.Wrap(errTopicCount)
	}
	buf = binary.BigEndian.AppendUint64(buf, l.BlockHeight)
	buf = append(buf, l.BlockHash[:]...)
	buf = binary.BigEndian.AppendUint32(buf, l.TxIndex)
	buf = binary.BigEndian.AppendUint32(buf, l.LogIndex)
	buf = append(buf, l.Address[:]...)
	buf = append(buf, byte(len(l.Topics)))
	for i := range l.Topics {
		buf = append(buf, l.Topics[i][:]...)
	}
	buf = binary.AppendUvarint(buf, uint64(len(l.Data)))
	buf = append(buf, l.Data...)
	return buf, nil
}

// DecodeLog decodes exactly one record occupying all of b.
func DecodeLog(b []byte) (*Log, error) {
	l, n, err := decodeLog(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, ErrCorruptRecord.Wrap(errTrailingBytes)
	}
	return l, nil
}

// SkipLog returns the length of the record at the head of b without decoding
// its payload.
func SkipLog(b []byte) (int, error) {
	n, dataLen, err := scanLog(b)
	if err != nil {
		return 0, err
	}
	return n + dataLen, nil
}

// scanLog validates the fixed part of the record and returns the offset of
// the payload and its length.
func scanLog(b []byte) (int, int, error) {
	if len(b) < HeaderSize {
		return 0, 0, ErrCorruptRecord.Wrap(errShortHeader)
	}
	count := int(b[HeaderSize-1])
	if count > MaxTopics {
		return 0, 0, ErrCorruptRecord.Wrap(errTopicCount)
	}
	offset := HeaderSize + count*TopicSize
	if len(b) < offset {
		return 0, 0, ErrCorruptRecord.Wrap(errShortTopics)
	}
	dataLen, n := binary.Uvarint(b[offset:])
	if n <= 0 {
		return 0, 0, ErrCorruptRecord.Wrap(errDataLen)
	}
	offset += n
	if dataLen > uint64(len(b)-offset) {
		return 0, 0, ErrCorruptRecord.Wrap(errDataLen)
	}
	return offset, int(dataLen), nil
}

func decodeLog(b []byte) (*Log, int, error) {
	dataOffset, dataLen, err := scanLog(b)
	if err != nil {
		return nil, 0, err
	}

	var (
		l      Log
		offset int
	)
	l.BlockHeight = binary.BigEndian.Uint64(b[offset:])
	offset += 8
	copy(l.BlockHash[:], b[offset:])
	offset += 32
	l.TxIndex = binary.BigEndian.Uint32(b[offset:])
	offset += 4
	l.LogIndex = binary.BigEndian.Uint32(b[offset:])
	offset += 4
	copy(l.Address[:], b[offset:])
	offset += oracle.AddressLength

	count := int(b[offset])
	offset++
	if count > 0 {
		l.Topics = make([]oracle.Bytes32, count)
		for i := range l.Topics {
			copy(l.Topics[i][:], b[offset:])
			offset += TopicSize
		}
	}

	if dataLen > 0 {
		l.Data = make([]byte, dataLen)
		copy(l.Data, b[dataOffset:])
	}
	return &l, dataOffset + dataLen, nil
}

// EncodeBlock encodes the logs of a block back to back, prefixed by the
// record count. It returns the offset of every record within the payload.
func EncodeBlock(b *Block) ([]byte, []int, error) {
	size := binary.MaxVarintLen64
	for _, l := range b.Logs {
		size += EncodedSize(l)
	}
	buf := binary.AppendUvarint(make([]byte, 0, size), uint64(len(b.Logs)))

	offsets := make([]int, 0, len(b.Logs))
	for _, l := range b.Logs {
		offsets = append(offsets, len(buf))
		var err error
		if buf, err = AppendLog(buf, l); err != nil {
			return nil, nil, err
		}
	}
	return buf, offsets, nil
}

// DecodeBlock decodes the payload produced by EncodeBlock. Height and hash
// are taken from the records and must agree with the provided ones.
func DecodeBlock(height uint64, hash oracle.Bytes32, payload []byte) (*Block, error) {
	count, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, ErrCorruptRecord.Wrap(errors.New("bad record count"))
	}
	// every record needs at least a header
	if count > uint64(len(payload)-n)/HeaderSize {
		return nil, ErrCorruptRecord.Wrap(errors.New("record count exceeds payload"))
	}

	blk := &Block{Height: height, Hash: hash}
	if count > 0 {
		blk.Logs = make([]*Log, 0, count)
	}
	offset := n
	for i := uint64(0); i < count; i++ {
		l, used, err := decodeLog(payload[offset:])
		if err != nil {
			return nil, err
		}
		if l.BlockHeight != height || l.BlockHash != hash {
			return nil, ErrCorruptRecord.Wrap(errors.New("record does not belong to block"))
		}
		blk.Logs = append(blk.Logs, l)
		offset += used
	}
	if offset != len(payload) {
		return nil, ErrCorruptRecord.Wrap(errTrailingBytes)
	}
	return blk, nil
}

func uvarintSize(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}
