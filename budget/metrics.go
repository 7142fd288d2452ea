// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package budget

import "github.com/drpcorg/logs-oracle/metrics"

var (
	metricLimitBytes    = metrics.LazyLoadGauge("budget_limit_bytes")
	metricResidentBytes = metrics.LazyLoadGauge("budget_resident_bytes")
	metricOutOfMemory   = metrics.LazyLoadCounter("budget_out_of_memory_count")
)
