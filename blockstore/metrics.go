// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package blockstore

import "github.com/drpcorg/logs-oracle/metrics"

var (
	metricAppendDuration = metrics.LazyLoadHistogram("blockstore_append_duration_ms", metrics.BucketDurationMs)
	metricStoredBlocks   = metrics.LazyLoadGauge("blockstore_blocks")
	metricStoredLogs     = metrics.LazyLoadGauge("blockstore_logs")
)
