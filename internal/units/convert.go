package units

import (
	"fmt"
	"strconv"
)

// UnitConversionError reports a raw field value that could not be turned into
// a number.
type UnitConversionError struct {
	Field string
	Value string
	Err   error
}

func (e *UnitConversionError) Error() string {
	return fmt.Sprintf("converting %s=%q: %v", e.Field, e.Value, e.Err)
}

func (e *UnitConversionError) Unwrap() error { return e.Err }

// BytesToMegabytes divides by 1024 twice in floating point and truncates the
// result. Every byte-to-MB conversion in the agent goes through here so that
// outputs stay identical to the historical collectors.
func BytesToMegabytes(b int64) int64 {
	return int64(float64(b) / 1024 / 1024)
}

// FloatBytesToMegabytes is BytesToMegabytes for values Grid Engine reports as
// floats (usage counters such as "1.234e+09").
func FloatBytesToMegabytes(b float64) int64 {
	return int64(b / 1024 / 1024)
}

// ParseCount parses a non-negative integer counter.
func ParseCount(field, value string) (int64, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, &UnitConversionError{Field: field, Value: value, Err: err}
	}
	if n < 0 {
		return 0, &UnitConversionError{Field: field, Value: value, Err: fmt.Errorf("negative count")}
	}
	return n, nil
}

// ParseFloat parses a floating point usage value.
func ParseFloat(field, value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, &UnitConversionError{Field: field, Value: value, Err: err}
	}
	return f, nil
}

// BytesStringToMegabytes parses a byte count printed either as an integer or
// as a float and converts it to whole megabytes.
func BytesStringToMegabytes(field, value string) (int64, error) {
	f, err := ParseFloat(field, value)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, &UnitConversionError{Field: field, Value: value, Err: fmt.Errorf("negative byte count")}
	}
	return FloatBytesToMegabytes(f), nil
}
