// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package blockstore

import "github.com/drpcorg/logs-oracle/block"

// Iterator iterates blocks in ascending height. It is not safe for concurrent use.
type Iterator struct {
	s        *Store
	next, to uint64
	cur      *block.Block
	err      error
	done     bool
}

// Next moves to the next block. It returns false when the range is
// exhausted or an error occurred.
func (it *Iterator) Next() bool {
	if it.done || it.err != nil || it.next > it.to {
		it.cur = nil
		return false
	}
	b, err := it.s.ReadBlock(it.next)
	if err != nil {
		it.err = err
		it.cur = nil
		return false
	}
	it.cur = b
	it.next++
	return true
}

// Block returns the current block.
func (it *Iterator) Block() *block.Block {
	return it.cur
}

// Seek restarts the iteration at height h. A previous error is cleared.
func (it *Iterator) Seek(h uint64) {
	if it.done {
		return
	}
	it.next = max(h, it.s.manifest.Load().Origin)
	it.cur = nil
	it.err = nil
}

// Err returns the error that stopped the iteration.
func (it *Iterator) Err() error {
	return it.err
}

// Release ends the iteration.
func (it *Iterator) Release() {
	it.done = true
	it.cur = nil
}
