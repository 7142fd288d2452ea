// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/drpcorg/logs-oracle/block"
)

// Memory is a source serving blocks held in memory.
type Memory struct {
	mu       sync.Mutex
	blocks   map[uint64]*block.Block
	failures map[uint64]error
	fetches  map[uint64]int
	head     uint64
	delay    time.Duration
	closed   bool
}

var _ RangeSource = (*Memory)(nil)

// NewMemory creates a memory source serving blocks.
func NewMemory(blocks ...*block.Block) *Memory {
	m := &Memory{
		blocks:   make(map[uint64]*block.Block),
		failures: make(map[uint64]error),
		fetches:  make(map[uint64]int),
	}
	m.Add(blocks...)
	return m
}

// Add makes blocks available. The head moves to the highest height added.
func (m *Memory) Add(blocks ...*block.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range blocks {
		m.blocks[b.Height] = b
		m.head = max(m.head, b.Height)
	}
}

// Fail makes fetching height return err until cleared with a nil err.
func (m *Memory) Fail(height uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, height)
	} else {
		m.failures[height] = err
	}
}

// SetDelay makes every fetch wait for d.
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Fetches returns how many times height was fetched.
func (m *Memory) Fetches(height uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches[height]
}

// FetchBlock implements Source.
func (m *Memory) FetchBlock(ctx context.Context, height uint64) (*block.Block, error) {
	blocks, err := m.FetchRange(ctx, height, height)
	if err != nil {
		return nil, err
	}
	return blocks[0], nil
}

// FetchRange implements RangeSource. The delay applies once per call.
func (m *Memory) FetchRange(ctx context.Context, from, to uint64) ([]*block.Block, error) {
	m.mu.Lock()
	for h := from; h <= to; h++ {
		m.fetches[h]++
	}
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrUnreachable.Wrap(errors.New("source closed"))
	}
	blocks := make([]*block.Block, 0, to-from+1)
	for h := from; h <= to; h++ {
		if err := m.failures[h]; err != nil {
			return blocks, err
		}
		b, ok := m.blocks[h]
		if !ok {
			return blocks, ErrNotYetMined.Wrap(errors.Errorf("block %d", h))
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// Head implements Source.
func (m *Memory) Head(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrUnreachable.Wrap(errors.New("source closed"))
	}
	if len(m.blocks) == 0 {
		return 0, ErrNotYetMined.Wrap(errors.New("no blocks"))
	}
	return m.head, nil
}

// Close implements Source.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
