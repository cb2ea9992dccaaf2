package simulator

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/nasa-jpl/mxoscope/oscilloscope"
	"github.com/nasa-jpl/mxoscope/scpi"
)

// channels is the number of analog inputs
const channels = 4

// signal is a voltage as a function of time relative to the trigger
type signal func(t float64) float64

func constant(v float64) signal { return func(float64) float64 { return v } }

// phase returns the fractional position of t within a period of frequency f
func phase(f, t float64) float64 {
	p := math.Mod(f*t, 1)
	if p < 0 {
		p++
	}
	return p
}

// generatorFor returns the generator looped back into a channel
func generatorFor(ch int) int { return (ch-1)%2 + 1 }

// generator returns the output of waveform generator unit.  The caller holds
// the lock.
func (in *Instrument) generator(unit int) signal {
	p := fmt.Sprintf("WGEN%d:", unit)
	if !in.on(p + "ENAB") {
		return constant(0)
	}
	off := in.float(p + "VOLT:OFFS")
	amp := in.float(p+"VOLT:VPP") / 2
	f := in.float(p + "FREQ")
	fn := in.getKey(p + "FUNC:SEL")
	if sameMnemonic(in.getKey(p+"SOUR"), "ARBGenerator") || sameMnemonic(fn, "ARBitrary") {
		return in.arbSignal(unit, off, amp)
	}
	switch {
	case sameMnemonic(fn, "SINusoid"):
		return func(t float64) float64 { return off + amp*math.Sin(2*math.Pi*f*t) }
	case sameMnemonic(fn, "SQUare"):
		duty := in.float(p+"FUNC:SQU:DCYC") / 100
		return func(t float64) float64 {
			if phase(f, t) < duty {
				return off + amp
			}
			return off - amp
		}
	case sameMnemonic(fn, "RAMP"):
		sym := in.float(p+"FUNC:RAMP:SYMM") / 100
		return func(t float64) float64 {
			ph := phase(f, t)
			if ph < sym {
				return off - amp + 2*amp*ph/sym
			}
			return off + amp - 2*amp*(ph-sym)/(1-sym)
		}
	case sameMnemonic(fn, "PULSe"):
		width := in.float(p + "FUNC:PULS:WIDT")
		return func(t float64) float64 {
			if f > 0 && phase(f, t)/f < width {
				return off + amp
			}
			return off - amp
		}
	case sameMnemonic(fn, "NOISe"):
		return func(float64) float64 { return off + amp*(2*in.rng.Float64()-1) }
	case sameMnemonic(fn, "DC"):
		return constant(off)
	}
	return constant(0)
}

// arbSignal plays the loaded arbitrary waveform at ARBGen:SRATe.  Samples
// of +/-1 span the generator's peak to peak amplitude.  In SINGle run mode
// the waveform plays once starting at the trigger.
func (in *Instrument) arbSignal(unit int, off, amp float64) signal {
	w, ok := in.arbs[unit]
	if !ok || len(w.Samples) == 0 {
		return constant(off)
	}
	p := fmt.Sprintf("WGEN%d:", unit)
	rate := in.float(p + "ARBG:SRAT")
	if rate <= 0 {
		rate = w.SampleRate
	}
	single := sameMnemonic(in.getKey(p+"ARBG:RUNM"), "SINGle")
	n := len(w.Samples)
	return func(t float64) float64 {
		if single && t < 0 {
			return off
		}
		i := int(math.Floor(t * rate))
		if single {
			if i >= n {
				return off
			}
		} else {
			i = (i%n + n) % n
		}
		return off + amp*w.Samples[i]
	}
}

// acquire records ACQuire:POINts samples on every channel along the axis
// oscilloscope.TimebaseAxis derives from the timebase scale.  The caller holds
// the lock.
func (in *Instrument) acquire() {
	n := int(in.float("ACQ:POIN"))
	if n < 0 {
		n = 0
	}
	dx, x0 := oscilloscope.TimebaseAxis(in.float("TIM:SCAL"))
	for ch := 1; ch <= channels; ch++ {
		c := fmt.Sprintf("CHAN%d:", ch)
		sig := in.generator(generatorFor(ch))
		coupling := strings.ToUpper(in.getKey(c + "COUP"))
		if coupling == "GND" {
			sig = constant(0)
		}
		rec := make([]float64, n)
		for i := range rec {
			rec[i] = sig(x0 + float64(i)*dx)
		}
		if coupling == "AC" && n > 0 {
			var mean float64
			for _, v := range rec {
				mean += v
			}
			mean /= float64(n)
			for i := range rec {
				rec[i] -= mean
			}
		}
		// the ADC clips at the top and bottom of the screen
		rng, offs := in.float(c+"RANG"), in.float(c+"OFFS")
		lo, hi := offs-oscilloscope.Divisions/2*rng, offs+oscilloscope.Divisions/2*rng
		for i, v := range rec {
			rec[i] = math.Max(lo, math.Min(hi, v))
		}
		in.record[ch] = rec
	}
}

// waveformData answers CHANnel<n>:DATA? in the current FORMat.  The caller
// holds the lock.
func (in *Instrument) waveformData(ch int) []byte {
	if ch < 1 || ch > channels {
		in.pushError(withDetail(errUndefinedHeader, "CHAN"+strconv.Itoa(ch)))
		return encodeBlock(nil)
	}
	if !in.on(fmt.Sprintf("CHAN%d:STAT", ch)) {
		in.pushError(withDetail(errSettings, fmt.Sprintf("channel %d is off", ch)))
		return encodeBlock(nil)
	}
	if _, ok := in.record[ch]; !ok {
		in.acquire()
	}
	rec := in.record[ch]
	if strings.HasPrefix(strings.ToUpper(in.getKey("FORM:DATA")), "REAL") {
		order, err := scpi.ParseByteOrder(strings.ToUpper(in.getKey("FORM:BORD")))
		if err != nil {
			order, _ = scpi.ParseByteOrder("LSBF")
		}
		return encodeBlock(scpi.EncodeFloat32(rec, order))
	}
	strs := make([]string, len(rec))
	for i, v := range rec {
		strs[i] = strconv.FormatFloat(v, 'G', -1, 64)
	}
	return []byte(strings.Join(strs, ","))
}

func encodeBlock(payload []byte) []byte { return scpi.EncodeBlock(payload) }

// decodeBlock unframes a definite length block that is not followed by a
// terminator
func decodeBlock(b []byte) ([]byte, error) {
	r := bufio.NewReader(io.MultiReader(bytes.NewReader(b), strings.NewReader("\n")))
	return scpi.ReadBlock(r, len(b))
}
