package arb

import (
	"fmt"
	"math"

	"github.com/nasa-jpl/mxoscope/fault"
)

// Shape names a built-in test waveform
type Shape string

const (
	// DampedSine is a 10 kHz sine decaying at 2000 /s
	DampedSine Shape = "damped_sine"

	// Chirp sweeps linearly from 1 kHz to 100 kHz over the duration
	Chirp Shape = "chirp"

	// GaussianPulse is centred in the window with sigma of one tenth the duration
	GaussianPulse Shape = "gaussian_pulse"
)

// Shapes lists the values Synthesize understands
var Shapes = []Shape{DampedSine, Chirp, GaussianPulse}

// ParseShape converts a name to a Shape
func ParseShape(s string) (Shape, error) {
	for _, sh := range Shapes {
		if string(sh) == s {
			return sh, nil
		}
	}
	return "", fault.Errorf(fault.InvalidArgument, "arb.ParseShape", "unknown waveform shape %q, expected one of %v", s, Shapes)
}

// Synthesize renders shape over duration seconds at sampleRate, normalised so
// the largest excursion is 1 V.  The time axis is rate*duration points spaced
// evenly from 0 to duration inclusive.
func Synthesize(shape Shape, sampleRate, duration float64) (Waveform, error) {
	const op = "arb.Synthesize"
	if !(sampleRate > 0) || !(duration > 0) {
		return Waveform{}, fault.Errorf(fault.InvalidArgument, op, "sample rate %v and duration %v must be positive", sampleRate, duration)
	}
	n := int(sampleRate * duration)
	if n < 1 {
		return Waveform{}, fault.Errorf(fault.InvalidArgument, op, "%v s at %v Hz is less than one sample", duration, sampleRate)
	}
	var f func(t float64) float64
	switch shape {
	case DampedSine:
		f = func(t float64) float64 {
			return math.Exp(-2000*t) * math.Sin(2*math.Pi*10e3*t)
		}
	case Chirp:
		const f0, f1 = 1e3, 100e3
		f = func(t float64) float64 {
			return math.Sin(2 * math.Pi * (f0*t + (f1-f0)*t*t/(2*duration)))
		}
	case GaussianPulse:
		center, width := duration/2, duration/10
		f = func(t float64) float64 {
			d := t - center
			return math.Exp(-d * d / (2 * width * width))
		}
	default:
		return Waveform{}, fault.Errorf(fault.InvalidArgument, op, "unknown waveform shape %q", shape)
	}

	samples := make([]float64, n)
	step := 0.
	if n > 1 {
		step = duration / float64(n-1)
	}
	peak := 0.
	for i := range samples {
		samples[i] = f(float64(i) * step)
		if a := math.Abs(samples[i]); a > peak {
			peak = a
		}
	}
	if peak > 0 {
		for i := range samples {
			samples[i] /= peak
		}
	}
	return Waveform{Samples: samples, SampleRate: sampleRate}, nil
}

// PulseParams control how PulseTrain lays out pixels in time.  Times are in
// microseconds.
type PulseParams struct {
	PixelTime float64 `json:"pixelTime" koanf:"pixeltime"`
	GapTime   float64 `json:"gapTime" koanf:"gaptime"`
	Amplitude float64 `json:"amplitude" koanf:"amplitude"`
	Dt        float64 `json:"dt" koanf:"dt"`
}

// DefaultPulseParams are 5 us pixels separated by 1 us gaps at 1 us resolution
func DefaultPulseParams() PulseParams {
	return PulseParams{PixelTime: 5, GapTime: 1, Amplitude: 1, Dt: 1}
}

// DefaultThreshold is the Binarize cut used for grayscale images scaled to [0,1]
const DefaultThreshold = 0.35

// PulseTrain converts a flattened image into a pulse waveform.  Each pixel is
// held at intensity*Amplitude for PixelTime then returns to zero for GapTime.
func PulseTrain(pixels []float64, p PulseParams) (Waveform, error) {
	if !(p.Dt > 0) || p.PixelTime < 0 || p.GapTime < 0 {
		return Waveform{}, fault.E(fault.InvalidArgument, "arb.PulseTrain",
			fmt.Errorf("dt %v must be positive and pixel %v / gap %v times non-negative", p.Dt, p.PixelTime, p.GapTime))
	}
	on := int(p.PixelTime / p.Dt)
	gap := int(p.GapTime / p.Dt)
	per := on + gap
	samples := make([]float64, len(pixels)*per)
	for i, intensity := range pixels {
		start := i * per
		for j := start; j < start+on; j++ {
			samples[j] = intensity * p.Amplitude
		}
	}
	return Waveform{Samples: samples, SampleRate: 1 / (p.Dt * 1e-6)}, nil
}

// Binarize maps values above threshold to 1 and the rest to 0
func Binarize(gray []float64, threshold float64) []float64 {
	out := make([]float64, len(gray))
	for i, g := range gray {
		if g > threshold {
			out[i] = 1
		}
	}
	return out
}
