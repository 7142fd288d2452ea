// Copyright (c) 2021 The VeChainThor developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package kv

import (
	"sync"

	"github.com/syndtr/goleveldb/leveldb/util"
)

// Bucket provides logical bucket for kv store.
type Bucket string

// Key returns the full key of key in the bucket.
func (b Bucket) Key(key []byte) []byte {
	return append(append(make([]byte, 0, len(b)+len(key)), b...), key...)
}

// NewStore creates a bucket store from the source store.
func (b Bucket) NewStore(src Store) Store {
	return &bucketStore{b, src}
}

type bucketStore struct {
	b   Bucket
	src Store
}

func (s *bucketStore) with(key []byte, fn func([]byte) error) error {
	buf := bufPool.Get().(*buf)
	defer bufPool.Put(buf)
	buf.k = append(append(buf.k[:0], s.b...), key...)
	return fn(buf.k)
}

func (s *bucketStore) Get(key []byte) (val []byte, err error) {
	err = s.with(key, func(k []byte) error {
		val, err = s.src.Get(k)
		return err
	})
	return
}

func (s *bucketStore) Has(key []byte) (has bool, err error) {
	err = s.with(key, func(k []byte) error {
		has, err = s.src.Has(k)
		return err
	})
	return
}

func (s *bucketStore) IsNotFound(err error) bool { return s.src.IsNotFound(err) }

func (s *bucketStore) Put(key, val []byte) error {
	return s.with(key, func(k []byte) error { return s.src.Put(k, val) })
}

func (s *bucketStore) Delete(key []byte) error {
	return s.with(key, func(k []byte) error { return s.src.Delete(k) })
}

func (s *bucketStore) NewBatch() Batch {
	return &bucketBatch{s.b, s.src.NewBatch()}
}

func (s *bucketStore) Iterate(r Range) Iterator {
	// the source copies range keys, so fresh slices are fine here
	start := s.b.Key(r.Start)
	var limit []byte
	if len(r.Limit) == 0 {
		limit = util.BytesPrefix([]byte(s.b)).Limit
	} else {
		limit = s.b.Key(r.Limit)
	}
	return &bucketIterator{s.src.Iterate(Range{Start: start, Limit: limit}), len(s.b)}
}

type bucketBatch struct {
	b     Bucket
	batch Batch
}

func (bb *bucketBatch) Put(key, val []byte) error { return bb.batch.Put(bb.b.Key(key), val) }
func (bb *bucketBatch) Delete(key []byte) error   { return bb.batch.Delete(bb.b.Key(key)) }
func (bb *bucketBatch) Len() int                  { return bb.batch.Len() }
func (bb *bucketBatch) Write() error              { return bb.batch.Write() }

type bucketIterator struct {
	Iterator
	prefixLen int
}

// Key strips the bucket.
func (it *bucketIterator) Key() []byte {
	return it.Iterator.Key()[it.prefixLen:]
}

type buf struct {
	k []byte
}

var bufPool = sync.Pool{
	New: func() any {
		return &buf{}
	},
}
