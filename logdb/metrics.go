// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package logdb

import (
	"strings"

	"github.com/drpcorg/logs-oracle/filterindex"
	"github.com/drpcorg/logs-oracle/metrics"
	"github.com/drpcorg/logs-oracle/query"
)

var (
	metricFilterParameters = metrics.LazyLoadCounterVec("logdb_query_parameters", []string{"parameters"})
	metricFilterValues     = metrics.LazyLoadHistogramVec("logdb_query_values_bucket", []string{"slot"}, []int64{0, 1, 2, 5, 10, 25, 100, 1000})
	metricLimitBucket      = metrics.LazyLoadHistogram("logdb_query_limit_bucket", []int64{0, 5, 10, 25, 50, 100, 250, 500, 1000})
)

func metricsHandleFilter(f *query.Filter) {
	if metrics.NoOp() {
		return
	}

	used := make([]string, 0, filterindex.NumSlots)
	observe := func(slot filterindex.Slot, n int) {
		if n > 0 {
			used = append(used, slot.String())
			metricFilterValues().ObserveWithLabels(int64(n), map[string]string{"slot": slot.String()})
		}
	}
	observe(filterindex.SlotAddress, len(f.Addresses))
	for i, set := range f.Topics {
		observe(filterindex.TopicSlot(i), len(set))
	}
	metricFilterParameters().AddWithLabel(1, map[string]string{"parameters": strings.Join(used, ",")})

	if f.Limit >= 0 {
		metricLimitBucket().Observe(min(f.Limit, 1001))
	}
}
