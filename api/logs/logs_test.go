// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package logs

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/logs-oracle/block"
	"github.com/drpcorg/logs-oracle/logdb"
	"github.com/drpcorg/logs-oracle/oracle"
)

var (
	addrA  = oracle.BytesToAddress([]byte{0xaa})
	addrB  = oracle.BytesToAddress([]byte{0xbb})
	topicX = oracle.BytesToBytes32([]byte{0x01})
	topicY = oracle.BytesToBytes32([]byte{0x02})
)

// initLogsServer stores 10 blocks, each with one log from addrA/topicX and
// odd heights with a second log from addrB/topicY.
func initLogsServer(t *testing.T, opts *logdb.Options) *httptest.Server {
	db, err := logdb.Open(t.TempDir(), 0, opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for h := range uint64(10) {
		b := &block.Block{Height: h, Hash: oracle.BytesToBytes32([]byte{0xff, byte(h)})}
		b.Logs = append(b.Logs, &block.Log{
			BlockHeight: h, BlockHash: b.Hash, Address: addrA,
			Topics: []oracle.Bytes32{topicX}, Data: []byte{byte(h)},
		})
		if h%2 == 1 {
			b.Logs = append(b.Logs, &block.Log{
				BlockHeight: h, BlockHash: b.Hash, LogIndex: 1, Address: addrB,
				Topics: []oracle.Bytes32{topicX, topicY},
			})
		}
		require.NoError(t, db.AppendBlock(b))
	}

	router := mux.NewRouter()
	New(db).Mount(router, "/rpc")
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

type rawResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
	Code   *oracle.Code    `json:"code"`
}

func httpPost(t *testing.T, url string, body string) (*rawResponse, int) {
	res, err := http.Post(url, "application/json", bytes.NewReader([]byte(body))) //#nosec G107
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	var resp rawResponse
	require.NoError(t, json.Unmarshal(data, &resp), string(data))
	return &resp, res.StatusCode
}

func decodeLogs(t *testing.T, resp *rawResponse) []*LogJSON {
	var logs []*LogJSON
	require.NoError(t, json.Unmarshal(resp.Result, &logs))
	return logs
}

func TestFilter(t *testing.T) {
	ts := initLogsServer(t, nil)

	for name, tt := range map[string]struct {
		body  string
		count int
	}{
		"all":             {`[{"fromBlock":"earliest"}]`, 15},
		"default latest":  {`[{}]`, 2},
		"hex range":       {`[{"fromBlock":"0x2","toBlock":"0x4"}]`, 4},
		"decimal range":   {`[{"fromBlock":"2","toBlock":"4"}]`, 4},
		"address string":  {`[{"fromBlock":"earliest","address":"` + addrB.String() + `"}]`, 5},
		"address array":   {`[{"fromBlock":"earliest","address":["` + addrA.String() + `","` + addrB.String() + `"]}]`, 15},
		"topic slot 1":    {`[{"fromBlock":"earliest","topics":[null,"` + topicY.String() + `"]}]`, 5},
		"topic or":        {`[{"fromBlock":"earliest","topics":[["` + topicX.String() + `","` + topicY.String() + `"]]}]`, 15},
		"topic null or":   {`[{"fromBlock":"earliest","topics":[null,["` + topicY.String() + `",null]]}]`, 15},
		"no match":        {`[{"fromBlock":"earliest","topics":["` + topicY.String() + `"]}]`, 0},
		"limit":           {`[{"fromBlock":"earliest","limit":3}]`, 3},
		"zero limit":      {`[{"fromBlock":"earliest","limit":0}]`, 0},
		"negative limit":  {`[{"fromBlock":"earliest","limit":-5}]`, 15},
		"beyond the head": {`[{"fromBlock":"0x100","toBlock":"0x200"}]`, 0},
	} {
		t.Run(name, func(t *testing.T) {
			resp, code := httpPost(t, ts.URL+"/rpc", tt.body)
			require.Equal(t, http.StatusOK, code)
			assert.Nil(t, resp.Error)
			logs := decodeLogs(t, resp)
			assert.Len(t, logs, tt.count)
			for i := 1; i < len(logs); i++ {
				prev, cur := logs[i-1], logs[i]
				assert.True(t, prev.BlockNumber < cur.BlockNumber ||
					(prev.BlockNumber == cur.BlockNumber && prev.LogIndex < cur.LogIndex))
			}
		})
	}
}

func TestFilterLogFields(t *testing.T) {
	ts := initLogsServer(t, nil)

	resp, code := httpPost(t, ts.URL+"/rpc", `[{"fromBlock":"0x3","toBlock":"0x3","address":"`+addrB.String()+`"}]`)
	require.Equal(t, http.StatusOK, code)
	logs := decodeLogs(t, resp)
	require.Len(t, logs, 1)

	l := logs[0]
	assert.Equal(t, addrB, l.Address)
	assert.Equal(t, []oracle.Bytes32{topicX, topicY}, l.Topics)
	assert.Equal(t, uint64(3), uint64(l.BlockNumber))
	assert.Equal(t, oracle.BytesToBytes32([]byte{0xff, 3}), l.BlockHash)
	assert.Equal(t, uint(1), uint(l.LogIndex))
	assert.False(t, l.Removed)
}

func TestCount(t *testing.T) {
	ts := initLogsServer(t, nil)

	resp, code := httpPost(t, ts.URL+"/rpc", `[{"fromBlock":"earliest","count":true}]`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `15`, string(resp.Result))

	resp, code = httpPost(t, ts.URL+"/rpc", `[{"fromBlock":"earliest","address":"`+addrB.String()+`","count":true,"limit":1}]`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `5`, string(resp.Result))

	resp, code = httpPost(t, ts.URL+"/rpc", `[{"fromBlock":"earliest","topics":["`+topicY.String()+`"],"count":true}]`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `0`, string(resp.Result))
}

func TestBadRequests(t *testing.T) {
	ts := initLogsServer(t, nil)

	for name, body := range map[string]string{
		"not json":         `{`,
		"not an array":     `{"fromBlock":"earliest"}`,
		"two filters":      `[{},{}]`,
		"unknown field":    `[{"blockHash":"0x00"}]`,
		"bad block":        `[{"fromBlock":"soon"}]`,
		"reversed range":   `[{"fromBlock":"0x5","toBlock":"0x1"}]`,
		"bad address":      `[{"address":"0x1234"}]`,
		"bad address type": `[{"address":12}]`,
		"bad topic":        `[{"topics":["0x12"]}]`,
		"five topics":      `[{"topics":[null,null,null,null,null]}]`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, code := httpPost(t, ts.URL+"/rpc", body)
			assert.Equal(t, http.StatusBadRequest, code)
			require.NotNil(t, resp.Error)
			assert.Nil(t, resp.Code)
		})
	}
}

func TestQueryErrors(t *testing.T) {
	opts := logdb.DefaultOptions()
	opts.MaxResults = 4
	opts.MaxBlockSpan = 5
	ts := initLogsServer(t, &opts)

	resp, code := httpPost(t, ts.URL+"/rpc", `[{"fromBlock":"0x0","toBlock":"0x4"}]`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
	require.NotNil(t, resp.Code)
	assert.Equal(t, oracle.QueryOverflow, *resp.Code)

	resp, code = httpPost(t, ts.URL+"/rpc", `[{"fromBlock":"0x0","toBlock":"0x4","limit":2}]`)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeLogs(t, resp), 2)

	resp, code = httpPost(t, ts.URL+"/rpc", `[{"fromBlock":"earliest"}]`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
	require.NotNil(t, resp.Code)
	assert.Equal(t, oracle.TooLargeQuery, *resp.Code)
}
