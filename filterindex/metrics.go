// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package filterindex

import "github.com/drpcorg/logs-oracle/metrics"

var (
	metricResidentBytes = metrics.LazyLoadGauge("filterindex_resident_bytes")
	metricEvictions     = metrics.LazyLoadCounterVec("filterindex_evictions_count", []string{"step"})
)
