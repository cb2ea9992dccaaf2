// Package oscilloscope provides types for captured oscilloscope records and
// the arithmetic that converts raw transfers into physical units
package oscilloscope

import (
	"time"
)

// Divisions is the number of horizontal and vertical grid divisions on the
// screen; scale settings are per division
const Divisions = 10

// CaptureMetadata describes how a record's axes were derived
type CaptureMetadata struct {
	// XIncrement is the sample spacing in seconds
	XIncrement float64 `json:"xIncrement"`

	// XOrigin is the time of the first sample, relative to the trigger
	XOrigin float64 `json:"xOrigin"`

	// YIncrement is volts per raw unit
	YIncrement float64 `json:"yIncrement"`

	// YOrigin is the zero level in volts, the channel offset
	YOrigin float64 `json:"yOrigin"`

	// SampleCount is the number of samples in the record
	SampleCount int `json:"points"`
}

// CaptureResult is one captured record in physical units.
// Time and Voltage have equal length and Time[i] = XOrigin + i*XIncrement.
type CaptureResult struct {
	// ID uniquely labels the capture in logs and saved files
	ID string `json:"id,omitempty"`

	// Channel is the 1-based input the record came from
	Channel int `json:"channel,omitempty"`

	// Acquired is the wall clock time the transfer completed
	Acquired time.Time `json:"acquired,omitempty"`

	Time     []float64       `json:"time"`
	Voltage  []float64       `json:"voltage"`
	Metadata CaptureMetadata `json:"metadata"`
}

// Scaling holds the calibration scalars for one record
type Scaling struct {
	XIncrement float64
	XOrigin    float64
	YIncrement float64
	YOrigin    float64

	// Prescaled indicates the instrument already returned volts on the wire.
	// When false the raw values are codes and become raw*YIncrement + YOrigin.
	Prescaled bool
}

// Scale builds a CaptureResult from raw samples.  It does no I/O and keeps
// sample order and count.
func Scale(raw []float64, s Scaling) CaptureResult {
	n := len(raw)
	t := make([]float64, n)
	v := make([]float64, n)
	for i := 0; i < n; i++ {
		t[i] = s.XOrigin + float64(i)*s.XIncrement
	}
	if s.Prescaled {
		copy(v, raw)
	} else {
		for i := 0; i < n; i++ {
			v[i] = raw[i]*s.YIncrement + s.YOrigin
		}
	}
	return CaptureResult{
		Time:    t,
		Voltage: v,
		Metadata: CaptureMetadata{
			XIncrement:  s.XIncrement,
			XOrigin:     s.XOrigin,
			YIncrement:  s.YIncrement,
			YOrigin:     s.YOrigin,
			SampleCount: n,
		},
	}
}

// TimebaseAxis converts a timebase scale in seconds per division to the
// sample spacing and origin of a trigger-centred record, five divisions of
// which precede the trigger
func TimebaseAxis(scalePerDiv float64) (dx, x0 float64) {
	dx = scalePerDiv / Divisions
	x0 = -5 * dx
	return dx, x0
}

// VerticalIncrement converts a channel range in volts per division to volts
// per raw unit
func VerticalIncrement(rangePerDiv float64) float64 {
	return rangePerDiv / Divisions
}

// Duration is the time spanned by the record
func (c CaptureResult) Duration() float64 {
	return float64(c.Metadata.SampleCount) * c.Metadata.XIncrement
}

// Stats summarizes a record's voltages
type Stats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	PkPk float64 `json:"pkpk"`
}

// Stats computes summary statistics.  The zero Stats is returned for an
// empty record.
func (c CaptureResult) Stats() Stats {
	if len(c.Voltage) == 0 {
		return Stats{}
	}
	s := Stats{Min: c.Voltage[0], Max: c.Voltage[0]}
	sum := 0.
	for _, v := range c.Voltage {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		sum += v
	}
	s.Mean = sum / float64(len(c.Voltage))
	s.PkPk = s.Max - s.Min
	return s
}
