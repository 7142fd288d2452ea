// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package logs

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"github.com/drpcorg/logs-oracle/block"
	"github.com/drpcorg/logs-oracle/oracle"
	"github.com/drpcorg/logs-oracle/query"
)

// FilterJSON is an eth_getLogs style filter.
// Address is a string or an array of strings. Each topic is null, a string
// or an array of strings, where a null member makes the slot a wildcard.
type FilterJSON struct {
	FromBlock *string           `json:"fromBlock"`
	ToBlock   *string           `json:"toBlock"`
	Address   json.RawMessage   `json:"address"`
	Topics    []json.RawMessage `json:"topics"`
	Limit     *int64            `json:"limit"`
	Count     bool              `json:"count"`
}

// Response is the body of every /rpc response.
type Response struct {
	Result any          `json:"result,omitempty"`
	Error  *string      `json:"error,omitempty"`
	Code   *oracle.Code `json:"code,omitempty"`
}

// LogJSON is a log as returned by eth_getLogs.
type LogJSON struct {
	Address          oracle.Address   `json:"address"`
	Topics           []oracle.Bytes32 `json:"topics"`
	Data             hexutil.Bytes    `json:"data"`
	BlockNumber      hexutil.Uint64   `json:"blockNumber"`
	BlockHash        oracle.Bytes32   `json:"blockHash"`
	TransactionIndex hexutil.Uint     `json:"transactionIndex"`
	LogIndex         hexutil.Uint     `json:"logIndex"`
	Removed          bool             `json:"removed"`
}

// ConvertLog converts a stored log into its JSON form.
func ConvertLog(l *block.Log) *LogJSON {
	topics := l.Topics
	if topics == nil {
		topics = []oracle.Bytes32{}
	}
	return &LogJSON{
		Address:          l.Address,
		Topics:           topics,
		Data:             l.Data,
		BlockNumber:      hexutil.Uint64(l.BlockHeight),
		BlockHash:        l.BlockHash,
		TransactionIndex: hexutil.Uint(l.TxIndex),
		LogIndex:         hexutil.Uint(l.LogIndex),
	}
}

// parseBlockNumber resolves a block tag. ok is false for tags naming the
// current height.
func parseBlockNumber(s *string) (n uint64, ok bool, err error) {
	if s == nil {
		return 0, false, nil
	}
	switch *s {
	case "", "latest", "safe", "finalized", "pending":
		return 0, false, nil
	case "earliest":
		return 0, true, nil
	}
	if strings.HasPrefix(*s, "0x") || strings.HasPrefix(*s, "0X") {
		n, err = hexutil.DecodeUint64(strings.ToLower(*s))
	} else {
		n, err = strconv.ParseUint(*s, 10, 64)
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func parseAddresses(raw json.RawMessage) ([]oracle.Address, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		addr, err := oracle.ParseAddress(one)
		if err != nil {
			return nil, err
		}
		return []oracle.Address{addr}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, errors.New("invalid addresses in query")
	}
	addrs := make([]oracle.Address, 0, len(many))
	for i, s := range many {
		addr, err := oracle.ParseAddress(s)
		if err != nil {
			return nil, errors.WithMessagef(err, "address at index %d", i)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func parseTopicSet(raw json.RawMessage) ([]oracle.Bytes32, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		t, err := oracle.ParseBytes32(one)
		if err != nil {
			return nil, err
		}
		return []oracle.Bytes32{t}, nil
	}
	var many []*string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, errors.New("invalid topic(s)")
	}
	set := make([]oracle.Bytes32, 0, len(many))
	for _, s := range many {
		if s == nil {
			// a null alternative matches anything
			return nil, nil
		}
		t, err := oracle.ParseBytes32(*s)
		if err != nil {
			return nil, err
		}
		set = append(set, t)
	}
	return set, nil
}

// ToFilter converts the request into a query filter. head is the current
// height, used where the range starts at the latest block.
func (f *FilterJSON) ToFilter(head uint64) (*query.Filter, error) {
	var (
		q   = &query.Filter{Limit: -1}
		err error
	)
	// any negative limit means unbounded
	if f.Limit != nil && *f.Limit >= 0 {
		q.Limit = *f.Limit
	}

	from, fromSet, err := parseBlockNumber(f.FromBlock)
	if err != nil {
		return nil, errors.WithMessage(err, "fromBlock")
	}
	to, toSet, err := parseBlockNumber(f.ToBlock)
	if err != nil {
		return nil, errors.WithMessage(err, "toBlock")
	}
	if !fromSet {
		from = head
	}
	if toSet && from > to {
		return nil, errors.New("required fromBlock <= toBlock")
	}
	q.FromBlock = from
	q.ToBlock = to
	q.Latest = !toSet

	if q.Addresses, err = parseAddresses(f.Address); err != nil {
		return nil, err
	}

	if len(f.Topics) > block.MaxTopics {
		return nil, errors.Errorf("allowed only %d topic filters", block.MaxTopics)
	}
	for i, raw := range f.Topics {
		if q.Topics[i], err = parseTopicSet(raw); err != nil {
			return nil, errors.WithMessagef(err, "topic %d", i)
		}
	}
	return q, nil
}
