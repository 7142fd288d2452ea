// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

//go:build linux

package metrics

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// ioCollector exports the storage I/O counters of /proc/self/io, which the
// default process collector does not cover.
type ioCollector struct {
	path  string
	descs map[string]*prometheus.Desc // /proc field => desc
}

func newIOCollector(path string) *ioCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "process", name), help, nil, nil)
	}
	return &ioCollector{
		path: path,
		descs: map[string]*prometheus.Desc{
			"syscr":       desc("read_syscalls_total", "Read syscalls issued by the process."),
			"syscw":       desc("write_syscalls_total", "Write syscalls issued by the process."),
			"read_bytes":  desc("read_bytes_total", "Bytes fetched from the storage layer."),
			"write_bytes": desc("write_bytes_total", "Bytes sent to the storage layer."),
		},
	}
}

func (c *ioCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *ioCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := readProcIO(c.path)
	if err != nil {
		logger.Debug("unable to read process io", "path", c.path, "err", err)
		return
	}
	for field, v := range stats {
		if d, ok := c.descs[field]; ok {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
		}
	}
}

// readProcIO parses the "field: value" lines of a /proc/<pid>/io file.
func readProcIO(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stats := make(map[string]int64)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			continue
		}
		stats[strings.TrimSpace(name)] = v
	}
	return stats, scanner.Err()
}

var ioRegistered atomic.Bool

func registerProcessCollectors() {
	if ioRegistered.CompareAndSwap(false, true) {
		register(newIOCollector("/proc/self/io"))
	}
}
