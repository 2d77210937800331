// Package units converts between human readable byte quantities and counts.
package units

import (
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

var multipliers = map[string]float64{
	"":    1,
	"B":   1,
	"K":   1 << 10,
	"KB":  1 << 10,
	"KIB": 1 << 10,
	"M":   1 << 20,
	"MB":  1 << 20,
	"MIB": 1 << 20,
	"G":   1 << 30,
	"GB":  1 << 30,
	"GIB": 1 << 30,
	"T":   1 << 40,
	"TB":  1 << 40,
	"TIB": 1 << 40,
}

// ParseSize parses tokens such as "123.4MiB", "200KB" or "456" into a byte
// count. Units are binary. An unknown unit is treated as raw bytes; a
// malformed number or one that does not fit in an int64 yields 0.
func ParseSize(text string) int64 {
	value, unit, ok := split(text)
	if !ok {
		return 0
	}
	mult, known := multipliers[strings.ToUpper(unit)]
	if !known {
		mult = 1
	}
	n := value * mult
	if math.IsInf(n, 0) || n >= math.MaxInt64 {
		return 0
	}
	return int64(n)
}

// ParseSpeed parses a rate such as "1.2MiB/s" into bytes per second.
func ParseSpeed(text string) float64 {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimSuffix(trimmed, "/s")
	trimmed = strings.TrimSuffix(trimmed, "ps")
	value, unit, ok := split(trimmed)
	if !ok {
		return 0
	}
	mult, known := multipliers[strings.ToUpper(unit)]
	if !known {
		mult = 1
	}
	return value * mult
}

func split(text string) (float64, string, bool) {
	s := strings.TrimSpace(text)
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || s[end] == '.') {
		end++
	}
	if end == 0 {
		return 0, "", false
	}
	value, err := strconv.ParseFloat(s[:end], 64)
	if err != nil || value < 0 {
		return 0, "", false
	}
	return value, strings.TrimSpace(s[end:]), true
}

// FormatBytes renders n using binary units, e.g. "1.5 MiB".
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(n))
}

// FormatSpeed renders a bytes-per-second rate, e.g. "820 KiB/s".
func FormatSpeed(bps float64) string {
	if bps <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(bps)) + "/s"
}
