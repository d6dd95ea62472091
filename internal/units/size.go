// Package units parses human-readable byte sizes as printed by Grid Engine
// (e.g. "100M", "2G", "0.5kilo") and converts byte counts to megabytes.
package units

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// symbolTable is one family of unit symbols. Index i has multiplier 1<<(10*i).
type symbolTable struct {
	name    string
	symbols [9]string
}

// Tables are tried in this order; "byte" appears in two of them with the same
// multiplier so the order only matters for reporting.
var symbolTables = []symbolTable{
	{"customary", [9]string{"B", "K", "M", "G", "T", "P", "E", "Z", "Y"}},
	{"customary_ext", [9]string{"byte", "kilo", "mega", "giga", "tera", "peta", "exa", "zetta", "iotta"}},
	{"iec", [9]string{"Bi", "Ki", "Mi", "Gi", "Ti", "Pi", "Ei", "Zi", "Yi"}},
	{"iec_ext", [9]string{"byte", "kibi", "mebi", "gibi", "tebi", "pebi", "exbi", "zebi", "yobi"}},
}

// MalformedSizeError is returned when a size string has no numeric prefix or
// an unknown unit.
type MalformedSizeError struct {
	Input  string
	Reason string
}

func (e *MalformedSizeError) Error() string {
	return fmt.Sprintf("can't interpret size %q: %s", e.Input, e.Reason)
}

// ParseSize converts a human-readable size to bytes. The numeric prefix is
// read as a float and the product is truncated only after multiplying by the
// unit, so ParseSize("0.5kilo") == 512 and ParseSize("0.1 byte") == 0.
func ParseSize(s string) (int64, error) {
	end := 0
	for end < len(s) && (isDigit(s[end]) || s[end] == '.') {
		end++
	}
	if end == 0 {
		return 0, &MalformedSizeError{Input: s, Reason: "no numeric prefix"}
	}
	num, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, &MalformedSizeError{Input: s, Reason: "bad number"}
	}

	exp, ok := unitExponent(strings.TrimSpace(s[end:]))
	if !ok {
		return 0, &MalformedSizeError{Input: s, Reason: "unknown unit"}
	}

	bytes := num * math.Ldexp(1, 10*exp)
	if bytes >= math.MaxInt64 {
		return 0, &MalformedSizeError{Input: s, Reason: "overflows int64"}
	}
	return int64(bytes), nil
}

// unitExponent returns i such that the unit's multiplier is 1<<(10*i).
func unitExponent(unit string) (int, bool) {
	for _, table := range symbolTables {
		for i, sym := range table.symbols {
			if sym == unit {
				return i, true
			}
		}
	}
	// A lowercase k is common enough in the wild to be accepted as K.
	if unit == "k" {
		return 1, true
	}
	return 0, false
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
