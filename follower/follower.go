// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package follower keeps a log db following the upstream head.
package follower

import (
	"context"
	"time"

	"github.com/drpcorg/logs-oracle/health"
	"github.com/drpcorg/logs-oracle/log"
)

var logger = log.WithContext("pkg", "follower")

// DB is the part of the log db driven by the follower.
type DB interface {
	UpstreamHead(ctx context.Context) (uint64, error)
	AdvanceHeight(ctx context.Context, target uint64) error
	Height() (uint64, bool, error)
}

// Options of the follower.
type Options struct {
	// Interval between two polls of the upstream head.
	Interval time.Duration
	// Confirmations is the number of blocks kept between the head and the
	// ingestion target.
	Confirmations uint64
}

// Follower polls the upstream head and advances the log db towards it.
type Follower struct {
	db     DB
	health *health.Health
	opts   Options
}

// New creates a follower. health may be nil.
func New(db DB, h *health.Health, opts Options) *Follower {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	return &Follower{db: db, health: h, opts: opts}
}

// Run follows the head until ctx is done.
func (f *Follower) Run(ctx context.Context) {
	ticker := time.NewTicker(f.opts.Interval)
	defer ticker.Stop()

	for {
		if err := f.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("failed to follow head", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Step advances the log db to the confirmed head once.
func (f *Follower) Step(ctx context.Context) error {
	head, err := f.db.UpstreamHead(ctx)
	if err != nil {
		f.fault(err)
		return err
	}
	if f.health != nil {
		f.health.HeadSeen(head)
	}
	if head < f.opts.Confirmations {
		return nil
	}
	target := head - f.opts.Confirmations

	start := time.Now()
	before, _, _ := f.db.Height()
	err = f.db.AdvanceHeight(ctx, target)

	h, ok, herr := f.db.Height()
	if herr == nil && ok {
		if f.health != nil {
			f.health.Ingested(h)
		}
		if h != before {
			logger.Debug("advanced", "from", before, "to", h, "target", target, "elapsed", time.Since(start))
		}
	}
	if err != nil {
		f.fault(err)
		return err
	}
	return nil
}

func (f *Follower) fault(err error) {
	if f.health != nil {
		f.health.Fault(err)
	}
}
