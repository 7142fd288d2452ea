// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package oracle

import (
	"errors"
	"fmt"
	"io"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestCodeValues(t *testing.T) {
	// numeric values are part of the public contract
	assert.Equal(t, Code(0), OK)
	assert.Equal(t, Code(1), QueryOverflow)
	assert.Equal(t, Code(2), InvalidDataDir)
	assert.Equal(t, Code(3), InvalidUpstream)
	assert.Equal(t, Code(4), TooLargeQuery)
	assert.Equal(t, Code(5), UpstreamRequestFailed)
	assert.Equal(t, Code(6), OutOfMemory)
	assert.Equal(t, Code(7), FilesystemError)
	assert.Equal(t, Code(8), TransportError)
	assert.Equal(t, Code(9), Unknown)

	for c := OK; c <= Unknown; c++ {
		assert.NotEmpty(t, c.String())
	}
	assert.Equal(t, "code(42)", Code(42).String())
}

func TestErrorKinds(t *testing.T) {
	errA := NewError(FilesystemError, "disk gone")
	errB := NewError(FilesystemError, "disk gone")

	wrapped := errA.Wrap(io.ErrUnexpectedEOF)
	assert.True(t, errors.Is(wrapped, errA))
	assert.False(t, errors.Is(wrapped, errB))
	assert.True(t, errors.Is(wrapped, io.ErrUnexpectedEOF))
	assert.Equal(t, "disk gone: unexpected EOF", wrapped.Error())

	assert.Equal(t, errA, errA.Wrap(nil))

	deep := pkgerrors.Wrap(fmt.Errorf("ctx: %w", wrapped), "outer")
	assert.True(t, errors.Is(deep, errA))
	assert.Equal(t, FilesystemError, CodeOf(deep))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, OK, CodeOf(nil))
	assert.Equal(t, Unknown, CodeOf(errors.New("plain")))
	assert.Equal(t, TooLargeQuery, CodeOf(NewError(TooLargeQuery, "span")))
}
