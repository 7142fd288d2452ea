// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package query

import "github.com/drpcorg/logs-oracle/metrics"

var (
	metricQueryDuration = metrics.LazyLoadHistogramVec("query_duration_ms", []string{"kind"}, metrics.BucketDurationMs)
	metricQueryErrors   = metrics.LazyLoadCounterVec("query_errors_count", []string{"code"})
	metricCandidates    = metrics.LazyLoadHistogram("query_candidate_blocks", metrics.BucketCount)
)
