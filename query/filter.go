// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package query

import (
	"fmt"
	"slices"

	"github.com/drpcorg/logs-oracle/block"
	"github.com/drpcorg/logs-oracle/oracle"
)

// Filter selects logs. Values within a set are alternatives, sets are all
// required. An empty set matches anything.
type Filter struct {
	FromBlock uint64
	ToBlock   uint64
	// Latest makes ToBlock the current watermark.
	Latest bool
	// Limit caps the number of results. Negative means unbounded.
	Limit     int64
	Addresses []oracle.Address
	Topics    [block.MaxTopics][]oracle.Bytes32
}

// Wildcard reports whether the filter only constrains the height range.
func (f *Filter) Wildcard() bool {
	if len(f.Addresses) > 0 {
		return false
	}
	for _, set := range f.Topics {
		if len(set) > 0 {
			return false
		}
	}
	return true
}

// Match reports whether l satisfies the address and topic constraints.
func (f *Filter) Match(l *block.Log) bool {
	if len(f.Addresses) > 0 && !slices.Contains(f.Addresses, l.Address) {
		return false
	}
	for i, set := range f.Topics {
		if len(set) == 0 {
			continue
		}
		t := l.Topic(i)
		if t == nil || !slices.Contains(set, *t) {
			return false
		}
	}
	return true
}

func (f *Filter) String() string {
	to := fmt.Sprint(f.ToBlock)
	if f.Latest {
		to = "latest"
	}
	return fmt.Sprintf("Filter(%v..%v limit:%v addresses:%v topics:%v/%v/%v/%v)",
		f.FromBlock, to, f.Limit, len(f.Addresses),
		len(f.Topics[0]), len(f.Topics[1]), len(f.Topics[2]), len(f.Topics[3]))
}
