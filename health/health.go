// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package health

import (
	"sync"
	"time"
)

type Ingestion struct {
	Height                 *uint64    `json:"height"`
	Head                   *uint64    `json:"head"`
	Lag                    *uint64    `json:"lag"`
	LastIngestionTimestamp *time.Time `json:"lastIngestionTimestamp"`
}

type Status struct {
	Healthy   bool       `json:"healthy"`
	Ingestion *Ingestion `json:"ingestion"`
	Synced    bool       `json:"synced"`
	LastError string     `json:"lastError,omitempty"`
}

// Health tracks how far ingestion lags behind the upstream head.
type Health struct {
	lock          sync.RWMutex
	maxLag        uint64
	maxIdle       time.Duration
	lastIngestion time.Time
	height        *uint64
	head          *uint64
	lastErr       error
}

// New creates a Health. Ingestion is healthy while it is at most maxLag
// blocks behind the head, and behind for no longer than maxIdle.
func New(maxLag uint64, maxIdle time.Duration) *Health {
	return &Health{maxLag: maxLag, maxIdle: maxIdle}
}

// Ingested records the watermark after an ingestion step.
func (h *Health) Ingested(height uint64) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.height == nil || *h.height != height {
		h.lastIngestion = time.Now()
	}
	h.height = &height
	h.lastErr = nil
}

// HeadSeen records the latest head reported by the upstream.
func (h *Health) HeadSeen(head uint64) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.head = &head
}

// Fault records the error of a failed ingestion step.
func (h *Health) Fault(err error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.lastErr = err
}

func (h *Health) Status() *Status {
	h.lock.RLock()
	defer h.lock.RUnlock()

	st := &Status{
		Ingestion: &Ingestion{
			Height: h.height,
			Head:   h.head,
		},
	}
	if !h.lastIngestion.IsZero() {
		ts := h.lastIngestion
		st.Ingestion.LastIngestionTimestamp = &ts
	}
	if h.lastErr != nil {
		st.LastError = h.lastErr.Error()
	}
	if h.height == nil || h.head == nil {
		return st
	}

	var lag uint64
	if *h.head > *h.height {
		lag = *h.head - *h.height
	}
	st.Ingestion.Lag = &lag
	st.Synced = lag <= h.maxLag
	st.Healthy = st.Synced && (lag == 0 || time.Since(h.lastIngestion) <= h.maxIdle)
	return st
}
