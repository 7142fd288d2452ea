// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDatasize(t *testing.T) {
	tests := []struct {
		in   string
		want Datasize
	}{
		{"0", 0},
		{"100", 100},
		{"100b", 100},
		{"1k", 1 << 10},
		{"2KB", 2 << 10},
		{"512mb", 512 << 20},
		{"3 gigabytes", 3 << 30},
		{"1t", 1 << 40},
		{"1p", 1 << 50},
		{"2eb", 2 << 60},
		{" 64m ", 64 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDatasize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "mb", "12x", "-1", "16e", "99999999999999999999"} {
		_, err := ParseDatasize(bad)
		assert.Error(t, err, bad)
	}
}

func TestDatasizeText(t *testing.T) {
	var d Datasize
	require.NoError(t, d.UnmarshalText([]byte("256mb")))
	assert.Equal(t, "256mb", d.String())
	assert.Equal(t, 256<<20, d.Int())

	assert.Equal(t, "1025b", Datasize(1025).String())
	assert.Equal(t, "0", Datasize(0).String())
}
