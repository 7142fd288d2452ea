// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package budget

import (
	"fmt"
	"math"
	"sync"

	"github.com/drpcorg/logs-oracle/log"
	"github.com/drpcorg/logs-oracle/oracle"
)

var logger = log.WithContext("pkg", "budget")

// ErrOutOfMemory is returned when an ingest step can not fit in the budget
// even after every possible eviction.
var ErrOutOfMemory = oracle.NewError(oracle.OutOfMemory, "memory budget exceeded")

// Evictor holds memory and gives it back in steps.
type Evictor interface {
	// Resident returns the bytes currently held.
	Resident() int64
	// Steps returns the names of the eviction steps, cheapest first.
	Steps() []string
	// Evict performs one eviction of the given step, reporting false
	// when no candidate is left for it.
	Evict(step int) (bool, error)
}

// Manager keeps the resident bytes of an evictor under a limit.
type Manager struct {
	mu    sync.Mutex
	limit int64
	ev    Evictor
}

// New creates a manager. A zero limit means unbounded.
func New(limitBytes uint64, ev Evictor) *Manager {
	limit := int64(math.MaxInt64)
	if limitBytes > 0 && limitBytes < math.MaxInt64 {
		limit = int64(limitBytes)
	}
	metricLimitBytes().Set(limit)
	return &Manager{limit: limit, ev: ev}
}

// Unbounded reports whether no limit applies.
func (m *Manager) Unbounded() bool {
	return m.limit == math.MaxInt64
}

// Limit returns the configured limit in bytes, 0 if unbounded.
func (m *Manager) Limit() uint64 {
	if m.Unbounded() {
		return 0
	}
	return uint64(m.limit)
}

// Resident returns the bytes currently held.
func (m *Manager) Resident() uint64 {
	return uint64(max(m.ev.Resident(), 0))
}

// Reserve evicts until the resident bytes plus cost fit in the limit.
// cost is evaluated again after every eviction, as evictions may change it.
// On ErrOutOfMemory nothing was reserved, but evictions may have happened.
func (m *Manager) Reserve(cost func() int64) error {
	if m.Unbounded() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	steps := m.ev.Steps()
	for {
		need := m.ev.Resident() + cost()
		metricResidentBytes().Set(m.ev.Resident())
		if need <= m.limit {
			return nil
		}

		progressed := false
		for step := range steps {
			ok, err := m.ev.Evict(step)
			if err != nil {
				return err
			}
			if ok {
				progressed = true
				break
			}
		}
		if !progressed {
			metricOutOfMemory().Add(1)
			logger.Warn("memory budget exhausted", "need", need, "limit", m.limit)
			return ErrOutOfMemory.Wrap(fmt.Errorf("need %d bytes, limit %d", need, m.limit))
		}
	}
}

// Enforce evicts until the resident bytes fit in the limit.
func (m *Manager) Enforce() error {
	return m.Reserve(func() int64 { return 0 })
}
