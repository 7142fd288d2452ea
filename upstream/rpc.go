// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package upstream

import (
	"context"
	"math/big"
	"net/http"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"

	"github.com/drpcorg/logs-oracle/block"
	"github.com/drpcorg/logs-oracle/log"
	"github.com/drpcorg/logs-oracle/oracle"
)

var logger = log.WithContext("pkg", "upstream")

// RPC is a source backed by an ethereum JSON-RPC node.
type RPC struct {
	endpoint string
	rpc      *rpc.Client
	client   *ethclient.Client
}

var _ RangeSource = (*RPC)(nil)

// Dial connects to the JSON-RPC node at endpoint.
func Dial(ctx context.Context, endpoint string) (*RPC, error) {
	u, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	c, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, classify(err)
	}
	logger.Debug("upstream dialed", "host", u.Host, "scheme", u.Scheme)
	return &RPC{endpoint: endpoint, rpc: c, client: ethclient.NewClient(c)}, nil
}

// Endpoint returns the endpoint the source was dialed with.
func (r *RPC) Endpoint() string {
	return r.endpoint
}

type rpcHeader struct {
	Number *hexutil.Big `json:"number"`
	Hash   common.Hash  `json:"hash"`
}

// FetchBlock implements Source.
func (r *RPC) FetchBlock(ctx context.Context, height uint64) (*block.Block, error) {
	start := time.Now()
	defer func() { metricFetchDuration().Observe(time.Since(start).Milliseconds()) }()

	// the hash is taken as reported by the node, not recomputed from the header
	var head *rpcHeader
	if err := r.rpc.CallContext(ctx, &head, "eth_getBlockByNumber", hexutil.EncodeUint64(height), false); err != nil {
		return nil, classify(err)
	}
	if err := checkHeader(height, head); err != nil {
		return nil, err
	}

	logs, err := r.client.FilterLogs(ctx, ethereum.FilterQuery{BlockHash: &head.Hash})
	if err != nil {
		return nil, classify(err)
	}
	return convertBlock(height, oracle.Bytes32(head.Hash), logs)
}

// FetchRange implements RangeSource with one batch of header requests and
// one eth_getLogs call over the whole range.
func (r *RPC) FetchRange(ctx context.Context, from, to uint64) ([]*block.Block, error) {
	if to < from || to-from >= MaxRange {
		return nil, errors.Errorf("bad range %d-%d", from, to)
	}
	start := time.Now()
	defer func() { metricFetchDuration().Observe(time.Since(start).Milliseconds()) }()

	heads := make([]*rpcHeader, to-from+1)
	batch := make([]rpc.BatchElem, len(heads))
	for i := range batch {
		batch[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []any{hexutil.EncodeUint64(from + uint64(i)), false},
			Result: &heads[i],
		}
	}
	if err := r.rpc.BatchCallContext(ctx, batch); err != nil {
		return nil, classify(err)
	}

	// only the heights before the first bad header are fetched
	var headErr error
	for i, elem := range batch {
		if elem.Error != nil {
			headErr = classify(elem.Error)
		} else {
			headErr = checkHeader(from+uint64(i), heads[i])
		}
		if headErr != nil {
			heads = heads[:i]
			break
		}
	}
	if len(heads) == 0 {
		return nil, headErr
	}
	last := from + uint64(len(heads)) - 1

	logs, err := r.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(last),
	})
	if err != nil {
		return nil, classify(err)
	}
	byHeight := make([][]types.Log, len(heads))
	for _, l := range logs {
		if l.BlockNumber < from || l.BlockNumber > last {
			return nil, block.ErrInvalidBlock.Wrap(errors.Errorf("log of block %d in range %d-%d", l.BlockNumber, from, last))
		}
		i := l.BlockNumber - from
		byHeight[i] = append(byHeight[i], l)
	}

	blocks := make([]*block.Block, 0, len(heads))
	for i, head := range heads {
		b, err := convertBlock(from+uint64(i), oracle.Bytes32(head.Hash), byHeight[i])
		if err != nil {
			return blocks, err
		}
		blocks = append(blocks, b)
	}
	return blocks, headErr
}

func checkHeader(height uint64, head *rpcHeader) error {
	if head == nil {
		return ErrNotYetMined.Wrap(errors.Errorf("block %d", height))
	}
	if head.Number == nil || head.Number.ToInt().Uint64() != height {
		return block.ErrInvalidBlock.Wrap(errors.Errorf("asked block %d, got %v", height, head.Number))
	}
	return nil
}

// Head implements Source.
func (r *RPC) Head(ctx context.Context) (uint64, error) {
	n, err := r.client.BlockNumber(ctx)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// Close implements Source.
func (r *RPC) Close() {
	r.client.Close()
}

func convertBlock(height uint64, hash oracle.Bytes32, logs []types.Log) (*block.Block, error) {
	b := &block.Block{Height: height, Hash: hash}
	if len(logs) > 0 {
		b.Logs = make([]*block.Log, 0, len(logs))
	}
	for i := range logs {
		l := &logs[i]
		if l.Removed {
			continue
		}
		if l.BlockHash != common.Hash(hash) || l.BlockNumber != height {
			return nil, block.ErrInvalidBlock.Wrap(errors.Errorf("log of block %d/%s in block %d", l.BlockNumber, l.BlockHash, height))
		}
		if len(l.Topics) > block.MaxTopics {
			return nil, block.ErrInvalidBlock.Wrap(errors.Errorf("log with %d topics", len(l.Topics)))
		}
		topics := make([]oracle.Bytes32, len(l.Topics))
		for j, t := range l.Topics {
			topics[j] = oracle.Bytes32(t)
		}
		var data []byte
		if len(l.Data) > 0 {
			data = l.Data
		}
		b.Logs = append(b.Logs, &block.Log{
			BlockHeight: height,
			BlockHash:   hash,
			TxIndex:     uint32(l.TxIndex),
			LogIndex:    uint32(l.Index),
			Address:     oracle.Address(l.Address),
			Topics:      topics,
			Data:        data,
		})
	}
	slices.SortFunc(b.Logs, func(x, y *block.Log) int {
		switch {
		case x.Before(y):
			return -1
		case y.Before(x):
			return 1
		}
		return 0
	})
	return b, nil
}

// classify maps a JSON-RPC client error to the upstream error kinds.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, ethereum.NotFound) {
		return ErrNotYetMined.Wrap(err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return ErrRejected.Wrap(err)
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode < http.StatusInternalServerError &&
		httpErr.StatusCode != http.StatusTooManyRequests {
		return ErrRejected.Wrap(err)
	}
	return ErrUnreachable.Wrap(err)
}
