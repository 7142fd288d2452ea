// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package blockstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/drpcorg/logs-oracle/block"
)

// frame layout: len u32 | crc32 u32 | payload
const frameHeaderSize = 8

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func segmentName(n uint32) string {
	return fmt.Sprintf("%06d.dat", n)
}

func parseSegmentName(name string) (uint32, bool) {
	base, ok := strings.CutSuffix(name, ".dat")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(base, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func appendFrame(buf, payload []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = binary.BigEndian.AppendUint32(buf, crc32.Checksum(payload, crcTable))
	return append(buf, payload...)
}

// segments manages the append-only segment files of a store.
// The writer is only used by the appending goroutine; readers are shared.
type segments struct {
	dir string

	mu      sync.RWMutex
	readers map[uint32]*os.File

	writer *os.File
}

func openSegments(dir string) (*segments, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &segments{dir: dir, readers: make(map[uint32]*os.File)}, nil
}

func (s *segments) path(n uint32) string {
	return filepath.Join(s.dir, segmentName(n))
}

// recover makes segment n end exactly at size, removes segments after n
// and reopens segment n for writing.
func (s *segments) recover(n uint32, size uint64) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if seg, ok := parseSegmentName(e.Name()); ok && seg > n {
			logger.Warn("removing uncommitted segment", "segment", e.Name())
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				return err
			}
		}
	}

	f, err := os.OpenFile(s.path(n), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	switch have := uint64(info.Size()); {
	case have < size:
		f.Close()
		return block.ErrCorruptRecord.Wrap(errors.Errorf("segment %d is %d bytes, %d committed", n, have, size))
	case have > size:
		logger.Warn("truncating torn segment tail", "segment", n, "size", have, "committed", size)
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	if s.writer != nil {
		s.writer.Close()
	}
	s.writer = f
	return nil
}

// write appends the frame at off of the writer segment and syncs it.
func (s *segments) write(frame []byte, off uint64) error {
	if _, err := s.writer.WriteAt(frame, int64(off)); err != nil {
		return err
	}
	return s.writer.Sync()
}

// roll starts segment n as the new writer segment.
func (s *segments) roll(n uint32) error {
	f, err := os.OpenFile(s.path(n), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := s.writer.Close(); err != nil {
		f.Close()
		return err
	}
	s.writer = f
	return nil
}

func (s *segments) reader(n uint32) (*os.File, error) {
	s.mu.RLock()
	f, ok := s.readers[n]
	s.mu.RUnlock()
	if ok {
		return f, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.readers[n]; ok {
		return f, nil
	}
	f, err := os.Open(s.path(n))
	if err != nil {
		return nil, err
	}
	s.readers[n] = f
	return f, nil
}

// read returns the payload of the frame at off of segment n.
func (s *segments) read(n uint32, off uint64, length uint32) ([]byte, error) {
	f, err := s.reader(n)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, frameHeaderSize+int(length))
	if _, err := f.ReadAt(frame, int64(off)); err != nil {
		if err == io.EOF {
			return nil, block.ErrCorruptRecord.Wrap(errors.Errorf("short frame at %d:%d", n, off))
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(frame)
	sum := binary.BigEndian.Uint32(frame[4:])
	payload := frame[frameHeaderSize:]
	if size != length {
		return nil, block.ErrCorruptRecord.Wrap(errors.Errorf("frame at %d:%d has length %d, want %d", n, off, size, length))
	}
	if crc32.Checksum(payload, crcTable) != sum {
		return nil, block.ErrCorruptRecord.Wrap(errors.Errorf("frame at %d:%d checksum mismatch", n, off))
	}
	return payload, nil
}

// sizes returns the number of segment files and their total size.
func (s *segments) sizes() (int, int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, 0, err
	}
	var (
		n     int
		total int64
	)
	for _, e := range entries {
		if _, ok := parseSegmentName(e.Name()); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return 0, 0, err
		}
		n++
		total += info.Size()
	}
	return n, total, nil
}

func (s *segments) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for n, f := range s.readers {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.readers, n)
	}
	if s.writer != nil {
		if err := s.writer.Close(); err != nil && first == nil {
			first = err
		}
		s.writer = nil
	}
	return first
}
