// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package logdb

import (
	"github.com/drpcorg/logs-oracle/blockstore"
	"github.com/drpcorg/logs-oracle/filterindex"
)

// Status describes a log db.
type Status struct {
	Height    *uint64             `json:"height"`
	Blocks    uint64              `json:"blocks"`
	Logs      uint64              `json:"logs"`
	State     string              `json:"state"`
	LastError string              `json:"lastError,omitempty"`
	RAMLimit  uint64              `json:"ramLimit"`
	Resident  uint64              `json:"resident"`
	Store     *blockstore.Status  `json:"store"`
	Index     *filterindex.Status `json:"index"`
}

// Status returns the current state of the log db.
func (db *LogDB) Status() (*Status, error) {
	leave, err := db.enter()
	if err != nil {
		return nil, err
	}
	defer leave()

	ss, err := db.store.Status()
	if err != nil {
		return nil, err
	}
	st := &Status{
		Blocks:   ss.Blocks,
		Logs:     ss.Logs,
		RAMLimit: db.budget.Limit(),
		Resident: db.budget.Resident(),
		Store:    ss,
		Index:    db.index.Status(),
	}
	if h, ok := db.pipeline.Watermark(); ok {
		st.Height = &h
	}
	state, lastErr := db.pipeline.State()
	st.State = state.String()
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	return st, nil
}
