// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package oracle

import (
	"errors"
	"math"
	"math/bits"
	"strconv"
	"strings"
)

// Datasize is an amount of bytes, parsed from strings like "512mb" or "2g".
// Units are binary multiples.
type Datasize uint64

var errDatasize = errors.New("invalid data size")

var datasizeUnits = map[string]uint{
	"": 0, "b": 0, "byte": 0, "bytes": 0,
	"k": 10, "kb": 10, "kilo": 10, "kilobyte": 10, "kilobytes": 10,
	"m": 20, "mb": 20, "mega": 20, "megabyte": 20, "megabytes": 20,
	"g": 30, "gb": 30, "giga": 30, "gigabyte": 30, "gigabytes": 30,
	"t": 40, "tb": 40, "tera": 40, "terabyte": 40, "terabytes": 40,
	"p": 50, "pb": 50, "peta": 50, "petabyte": 50, "petabytes": 50,
	"e": 60, "eb": 60, "exa": 60, "exabyte": 60, "exabytes": 60,
}

// ParseDatasize parses a human readable size.
func ParseDatasize(raw string) (Datasize, error) {
	raw = strings.TrimSpace(raw)

	i := 0
	for i < len(raw) && '0' <= raw[i] && raw[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, errDatasize
	}
	val, err := strconv.ParseUint(raw[:i], 10, 64)
	if err != nil {
		return 0, errDatasize
	}

	shift, ok := datasizeUnits[strings.ToLower(strings.TrimSpace(raw[i:]))]
	if !ok {
		return 0, errDatasize
	}
	if shift > 0 && bits.LeadingZeros64(val) < int(shift) {
		return 0, errors.New("data size overflows")
	}
	return Datasize(val << shift), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Datasize) UnmarshalText(text []byte) error {
	v, err := ParseDatasize(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// String returns the size in the largest unit that divides it exactly.
func (d Datasize) String() string {
	v := uint64(d)
	if v == 0 {
		return "0"
	}
	units := []string{"b", "kb", "mb", "gb", "tb", "pb", "eb"}
	i := 0
	for i < len(units)-1 && v%1024 == 0 {
		v /= 1024
		i++
	}
	return strconv.FormatUint(v, 10) + units[i]
}

// Int returns the size as int, saturating at math.MaxInt.
func (d Datasize) Int() int {
	if uint64(d) > math.MaxInt {
		return math.MaxInt
	}
	return int(d)
}
