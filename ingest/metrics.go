// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package ingest

import "github.com/drpcorg/logs-oracle/metrics"

var (
	metricWatermark      = metrics.LazyLoadGauge("ingest_watermark")
	metricIngestedBlocks = metrics.LazyLoadCounter("ingest_blocks_count")
	metricIngestedLogs   = metrics.LazyLoadCounter("ingest_logs_count")
	metricFaults         = metrics.LazyLoadCounterVec("ingest_faults_count", []string{"code"})
)
