package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"4096", 4096},
		{" 512 ", 512},
		{"100B", 100},
		{"7 bytes", 7},

		{"1KB", 1000},
		{"10GB", 10_000_000_000},
		{"1.5MB", 1_500_000},

		{"64K", 64 << 10},
		{"64KiB", 64 << 10},
		{"64kib", 64 << 10},
		{"1MiB", 1 << 20},
		{"2 GiB", 2 << 30},
		{"1.5G", 3 << 29},
		{"1TiB", 1 << 40},
		{"1P", 1 << 50},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDataSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDataSizeErrors(t *testing.T) {
	for _, in := range []string{
		"",
		"   ",
		"KiB",
		"-1",
		"-5MB",
		"1.2.3GB",
		"12 XB",
		"1e3",
		"10000000PiB",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseDataSize(in)
			assert.Error(t, err)
		})
	}
}
