// Copyright (c) 2021 The VeChainThor developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// inspired by goleveldb's bloom filter

package bloom

import (
	"errors"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

// MinBytes is the smallest filter size.
const MinBytes = 8

var errSizeMismatch = errors.New("bloom: size mismatch")

// Hash hashes a key for use with Filter.
func Hash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// distribute walks the k bit positions of hash. nBits must be a power of two,
// which keeps positions consistent when a filter is folded to a smaller size.
func distribute(hash uint64, k uint8, nBits uint32, cb func(index int, bit byte) bool) bool {
	h := uint32(hash)
	delta := uint32(hash>>32) | 1
	mask := nBits - 1
	for i := uint8(0); i < k; i++ {
		bitPos := h & mask
		if !cb(int(bitPos/8), 1<<(bitPos%8)) {
			return false
		}
		h += delta
	}
	return true
}

// Filter the fixed size bloom filter. Filters built with the same K can be
// merged with Or, and folded to any smaller power of two size.
type Filter struct {
	bits []byte
	k    uint8
}

// New creates an empty filter of at least nBytes, rounded up to a power of two.
func New(nBytes int, k uint8) *Filter {
	return &Filter{bits: make([]byte, roundBytes(nBytes)), k: k}
}

// ForKeys creates an empty filter sized for n keys at bitsPerKey, capped at maxBytes.
func ForKeys(n, bitsPerKey, maxBytes int) *Filter {
	nBytes := (n*bitsPerKey + 7) / 8
	if maxBytes > 0 && nBytes > maxBytes {
		nBytes = maxBytes
	}
	return New(nBytes, K(bitsPerKey))
}

// FromBytes wraps encoded filter bits. The length must be a power of two.
func FromBytes(b []byte, k uint8) (*Filter, error) {
	if len(b) < MinBytes || len(b)&(len(b)-1) != 0 {
		return nil, errors.New("bloom: invalid filter length")
	}
	return &Filter{bits: b, k: k}, nil
}

// Add add the hashed key into bloom.
func (f *Filter) Add(hash uint64) {
	distribute(hash, f.k, uint32(len(f.bits)*8), func(index int, bit byte) bool {
		f.bits[index] |= bit
		return true
	})
}

// Contains to test if the given hashed key is contained (false positive).
func (f *Filter) Contains(hash uint64) bool {
	return distribute(hash, f.k, uint32(len(f.bits)*8), func(index int, bit byte) bool {
		return f.bits[index]&bit == bit
	})
}

// Bytes returns the raw filter bits.
func (f *Filter) Bytes() []byte { return f.bits }

// Size returns the filter size in bytes.
func (f *Filter) Size() int { return len(f.bits) }

// K returns the count of probes.
func (f *Filter) K() uint8 { return f.k }

// Clone returns a deep copy.
func (f *Filter) Clone() *Filter {
	return &Filter{bits: append([]byte(nil), f.bits...), k: f.k}
}

// Fold returns a copy of f shrunk to nBytes (a smaller power of two). Every key
// contained in f is contained in the result.
func (f *Filter) Fold(nBytes int) *Filter {
	nBytes = roundBytes(nBytes)
	if nBytes >= len(f.bits) {
		return f.Clone()
	}
	out := make([]byte, nBytes)
	for i, b := range f.bits {
		out[i%nBytes] |= b
	}
	return &Filter{bits: out, k: f.k}
}

// Or merges other into f. Both filters must have the same size and K.
func (f *Filter) Or(other *Filter) error {
	if len(f.bits) != len(other.bits) || f.k != other.k {
		return errSizeMismatch
	}
	for i, b := range other.bits {
		f.bits[i] |= b
	}
	return nil
}

// Union returns a new filter containing the keys of both a and b, folding the
// larger one to the size of the smaller one.
func Union(a, b *Filter) (*Filter, error) {
	size := min(a.Size(), b.Size())
	out := a.Fold(size)
	if err := out.Or(b.Fold(size)); err != nil {
		return nil, err
	}
	return out, nil
}

// K calculate the best K value.
func K(bitsPerKey int) uint8 {
	// Round down to reduce probing cost a little bit.
	k := uint8(bitsPerKey * 69 / 100) // bitsPerKey * ln(2),  0.69 =~ ln(2)
	if k < 1 {
		k = 1
	} else if k > 30 {
		k = 30
	}
	return k
}

func roundBytes(n int) int {
	if n <= MinBytes {
		return MinBytes
	}
	return 1 << bits.Len(uint(n-1))
}
