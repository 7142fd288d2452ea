// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package upstream provides the sources blocks are ingested from.
package upstream

import (
	"context"
	"net/url"

	"github.com/pkg/errors"

	"github.com/drpcorg/logs-oracle/block"
	"github.com/drpcorg/logs-oracle/oracle"
)

// MaxEndpointLength is the longest accepted endpoint descriptor.
const MaxEndpointLength = 4096

var (
	ErrInvalidUpstream = oracle.NewError(oracle.InvalidUpstream, "invalid upstream")
	ErrNotYetMined     = oracle.NewError(oracle.UpstreamRequestFailed, "block not yet mined")
	ErrRejected        = oracle.NewError(oracle.UpstreamRequestFailed, "upstream rejected request")
	ErrUnreachable     = oracle.NewError(oracle.TransportError, "upstream unreachable")
)

// Source provides blocks by height.
type Source interface {
	// FetchBlock returns the block at height with its logs ordered by position.
	FetchBlock(ctx context.Context, height uint64) (*block.Block, error)
	// Head returns the latest height known to the source.
	Head(ctx context.Context) (uint64, error)
	Close()
}

// MaxRange is the most blocks a RangeSource is asked for at once.
const MaxRange = 256

// RangeSource is a Source able to fetch consecutive blocks in one request.
type RangeSource interface {
	Source
	// FetchRange returns the blocks in [from, to] in height order. On error,
	// the blocks before the failing height are returned along with it.
	FetchRange(ctx context.Context, from, to uint64) ([]*block.Block, error)
}

// ParseEndpoint validates an endpoint descriptor, an http(s) or ws(s) URL.
func ParseEndpoint(endpoint string) (*url.URL, error) {
	if endpoint == "" {
		return nil, ErrInvalidUpstream.Wrap(errors.New("empty endpoint"))
	}
	if len(endpoint) > MaxEndpointLength {
		return nil, ErrInvalidUpstream.Wrap(errors.Errorf("endpoint longer than %d", MaxEndpointLength))
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, ErrInvalidUpstream.Wrap(err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, ErrInvalidUpstream.Wrap(errors.Errorf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return nil, ErrInvalidUpstream.Wrap(errors.New("missing host"))
	}
	return u, nil
}
