package autofill

import (
	"math"
	"strings"
)

// RoundingRule rounds values of device queries containing Match.
type RoundingRule struct {
	Match  string `json:"match" yaml:"match"`
	Digits int    `json:"digits" yaml:"digits"`
}

// Policy holds the conversion and rounding applied to fetched telemetry.
type Policy struct {
	// WindowScale converts the mean of a windowed series to the column
	// unit (wavemeters publish MHz, logbooks record THz).
	WindowScale  float64
	WindowDigits int
	// DeviceRounding is checked in order, the first rule whose Match is a
	// substring of the query wins. Values of unmatched queries are kept as
	// read.
	DeviceRounding []RoundingRule
}

func DefaultPolicy() Policy {
	return Policy{
		WindowScale:  1e-6,
		WindowDigits: 7,
		DeviceRounding: []RoundingRule{
			{Match: "voltage", Digits: 3},
			{Match: "current", Digits: 2},
			{Match: "temp", Digits: 3},
			{Match: "power", Digits: 2},
		},
	}
}

func (p Policy) deviceDigits(query string) (int, bool) {
	for _, r := range p.DeviceRounding {
		if r.Match != "" && strings.Contains(query, r.Match) {
			return r.Digits, true
		}
	}
	return 0, false
}

// Round rounds v to the given number of decimal places.
func Round(v float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(v*scale) / scale
}
