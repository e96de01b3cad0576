package utils

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// unitSizes maps upper-cased suffixes to byte multipliers. SI suffixes
// (KB, MB, ...) are decimal; IEC suffixes and the bare letters are binary,
// so "64K" and "64KiB" both mean 65536 bytes.
var unitSizes = map[string]float64{
	"":      1,
	"B":     1,
	"BYTE":  1,
	"BYTES": 1,

	"KB": 1e3,
	"MB": 1e6,
	"GB": 1e9,
	"TB": 1e12,
	"PB": 1e15,

	"K": 1 << 10, "KIB": 1 << 10,
	"M": 1 << 20, "MIB": 1 << 20,
	"G": 1 << 30, "GIB": 1 << 30,
	"T": 1 << 40, "TIB": 1 << 40,
	"P": 1 << 50, "PIB": 1 << 50,
}

var sizePattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([A-Za-z]*)$`)

// ParseDataSize converts sizes such as "4096", "64KiB", "1.5GB" or "2G"
// to bytes.
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q (want e.g. 4096, 64KiB, 1.5GB)", s)
	}

	mult, ok := unitSizes[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q in %q", m[2], s)
	}

	if m[2] == "" || mult == 1 {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return n, nil
		}
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	bytes := value * mult
	if bytes >= math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(bytes), nil
}
