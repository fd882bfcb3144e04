package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Number is a numeric reading kept exactly as the device reported it.
// Integral values are held as int64, anything else as float64.
type Number struct {
	i     int64
	f     float64
	float bool
}

// IntNumber returns an integral Number.
func IntNumber(v int64) Number { return Number{i: v} }

// FloatNumber returns a Number holding v as a real value.
func FloatNumber(v float64) Number { return Number{f: v, float: true} }

// ParseNumber reads JSON number text. Text that parses as an int64 stays
// integral; everything else is kept as float64.
func ParseNumber(s string) (Number, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntNumber(i), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Number{}, fmt.Errorf("parse number %q: %w", s, err)
	}
	return FloatNumber(f), nil
}

// IsInt reports whether n holds an int64.
func (n Number) IsInt() bool { return !n.float }

// Int64 returns n as an int64, truncating a real value.
func (n Number) Int64() int64 {
	if n.float {
		return int64(n.f)
	}
	return n.i
}

func (n Number) Float64() float64 {
	if n.float {
		return n.f
	}
	return float64(n.i)
}

// Value returns the int64 or float64 held by n.
func (n Number) Value() any {
	if n.float {
		return n.f
	}
	return n.i
}

func (n Number) String() string {
	if n.float {
		return strconv.FormatFloat(n.f, 'f', -1, 64)
	}
	return strconv.FormatInt(n.i, 10)
}

func (n Number) MarshalJSON() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *Number) UnmarshalJSON(data []byte) error {
	var raw json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseNumber(raw.String())
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
