// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package follower

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/logs-oracle/block"
	"github.com/drpcorg/logs-oracle/health"
	"github.com/drpcorg/logs-oracle/logdb"
	"github.com/drpcorg/logs-oracle/oracle"
	"github.com/drpcorg/logs-oracle/upstream"
)

func newBlocks(n uint64) []*block.Block {
	var blocks []*block.Block
	for h := range n {
		blocks = append(blocks, &block.Block{Height: h, Hash: oracle.Bytes32{byte(h)}})
	}
	return blocks
}

func TestStep(t *testing.T) {
	db, err := logdb.Open(t.TempDir(), 0, nil)
	require.NoError(t, err)
	defer db.Close()

	hl := health.New(5, time.Minute)
	f := New(db, hl, Options{Confirmations: 3})

	// no upstream yet
	assert.Error(t, f.Step(context.Background()))
	assert.NotEmpty(t, hl.Status().LastError)

	src := upstream.NewMemory(newBlocks(2)...)
	require.NoError(t, db.SetSource(src))
	require.NoError(t, f.Step(context.Background()))
	_, ok, err := db.Height()
	require.NoError(t, err)
	assert.False(t, ok, "head below confirmations")

	src.Add(newBlocks(20)...)
	require.NoError(t, f.Step(context.Background()))
	h, _, err := db.Height()
	require.NoError(t, err)
	assert.Equal(t, uint64(16), h)

	st := hl.Status()
	assert.True(t, st.Healthy)
	assert.Equal(t, uint64(3), *st.Ingestion.Lag)
	assert.Empty(t, st.LastError)
}

type failingDB struct{ calls int }

func (d *failingDB) UpstreamHead(context.Context) (uint64, error) {
	d.calls++
	return 0, errors.New("unreachable")
}
func (d *failingDB) AdvanceHeight(context.Context, uint64) error { return nil }
func (d *failingDB) Height() (uint64, bool, error)               { return 0, false, nil }

func TestRunRetries(t *testing.T) {
	db := &failingDB{}
	f := New(db, nil, Options{Interval: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f.Run(ctx)
	assert.Greater(t, db.calls, 1)
}
