// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package health

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/logs-oracle/health"
)

func TestHealth(t *testing.T) {
	hl := health.New(2, time.Minute)
	router := mux.NewRouter()
	NewAPI(hl).Mount(router, "/health")
	ts := httptest.NewServer(router)
	defer ts.Close()

	var st health.Status
	body, code := httpGet(t, ts.URL+"/health")
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, st.Healthy)

	hl.HeadSeen(10)
	hl.Ingested(9)
	body, code = httpGet(t, ts.URL+"/health")
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, st.Healthy)
	assert.Equal(t, uint64(1), *st.Ingestion.Lag)

	hl.HeadSeen(20)
	_, code = httpGet(t, ts.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func httpGet(t *testing.T, url string) ([]byte, int) {
	res, err := http.Get(url) //#nosec G107
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	r, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return r, res.StatusCode
}
