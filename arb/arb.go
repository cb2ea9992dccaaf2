/*Package arb reads and writes the arbitrary waveform text format understood by
the MXO waveform generator's importer.

The canonical form is a rate header followed by one voltage per line:

	Rate = 100000.0  // Sample rate for the ARB file
	0.0
	0.5
	1.0

Parse additionally accepts two tabular forms, (time, voltage) pairs and a bare
column of voltages, and infers the sample rate from the time axis when one is
present.
*/
package arb

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/snksoft/crc"

	"github.com/nasa-jpl/mxoscope/fault"
)

// DefaultSampleRate is used when a file neither declares a rate nor carries
// a time axis to infer one from
const DefaultSampleRate = 100000.

// HeaderComment trails the rate on the header line
const HeaderComment = "// Sample rate for the ARB file"

const commentMarker = "//"

var crcTable = crc.NewTable(crc.XMODEM)

// Waveform is a uniformly sampled voltage sequence.  It is not modified
// after construction.
type Waveform struct {
	// Samples are in volts
	Samples []float64 `json:"samples"`

	// SampleRate is in Hz and applies to the whole sequence
	SampleRate float64 `json:"sampleRate"`
}

// Duration is the time span covered by the samples
func (w Waveform) Duration() float64 {
	if w.SampleRate <= 0 {
		return 0
	}
	return float64(len(w.Samples)) / w.SampleRate
}

// line is one non-empty input line and its 1-based position in the file
type line struct {
	n    int
	text string
}

func (l line) comment() bool {
	return strings.HasPrefix(l.text, commentMarker)
}

// errNotApplicable is returned by a strategy that does not recognize the input
var errNotApplicable = errors.New("not applicable")

// strategy is one way of reading a waveform file.  A decisive strategy that
// recognizes its input ends the search whether or not it succeeds.
type strategy struct {
	name     string
	parse    func([]line) (Waveform, error)
	decisive bool
}

// strategies are tried in order, the first success wins
var strategies = []strategy{
	{"rate header", parseRateHeader, true},
	{"tabular", parseTabular, false},
	{"single column", parseSingleColumn, false},
}

// Parse reads a waveform from r.  Empty input is a valid, empty waveform at
// DefaultSampleRate.  Content no strategy can read is a fault.Format error.
func Parse(r io.Reader) (Waveform, error) {
	const op = "arb.Parse"
	var lines []line
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 0, 4096), 1<<20)
	n := 0
	for scan.Scan() {
		n++
		if text := strings.TrimSpace(scan.Text()); text != "" {
			lines = append(lines, line{n: n, text: text})
		}
	}
	if err := scan.Err(); err != nil {
		return Waveform{}, fault.E(fault.Format, op, err)
	}
	if len(lines) == 0 {
		return Waveform{Samples: []float64{}, SampleRate: DefaultSampleRate}, nil
	}

	var first error
	for _, s := range strategies {
		w, err := s.parse(lines)
		if err == nil {
			return w, nil
		}
		if err == errNotApplicable {
			continue
		}
		if first == nil {
			first = errors.Wrap(err, s.name)
		}
		if s.decisive {
			break
		}
	}
	if first == nil {
		first = errors.New("no strategy recognized the input")
	}
	return Waveform{}, fault.E(fault.Format, op, first)
}

// ParseFile opens path and parses it
func ParseFile(path string) (Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return Waveform{}, err
	}
	defer f.Close()
	return Parse(f)
}

// parseRateHeader reads "Rate = <number> // comment" followed by one voltage per
// line, skipping comment lines
func parseRateHeader(lines []line) (Waveform, error) {
	rate, ok, err := rateFromHeader(lines[0].text)
	if !ok {
		return Waveform{}, errNotApplicable
	}
	if err != nil {
		return Waveform{}, errors.Wrapf(err, "line %d", lines[0].n)
	}
	samples := make([]float64, 0, len(lines)-1)
	for _, l := range lines[1:] {
		if l.comment() {
			continue
		}
		v, err := parseNumber(l.text)
		if err != nil {
			return Waveform{}, errors.Wrapf(err, "line %d", l.n)
		}
		samples = append(samples, v)
	}
	return Waveform{Samples: samples, SampleRate: rate}, nil
}

func rateFromHeader(s string) (rate float64, ok bool, err error) {
	if !strings.HasPrefix(s, "Rate") {
		return 0, false, nil
	}
	eq := strings.IndexByte(s, '=')
	if eq < 0 {
		return 0, false, nil
	}
	value := s[eq+1:]
	if idx := strings.Index(value, commentMarker); idx >= 0 {
		value = value[:idx]
	}
	rate, err = parseNumber(value)
	if err != nil {
		return 0, true, err
	}
	if !(rate > 0) || math.IsInf(rate, 0) {
		return 0, true, errors.Errorf("sample rate %v must be positive and finite", rate)
	}
	return rate, true, nil
}

func splitFields(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '\t' || r == ' '
	})
}

// parseTabular reads (time, voltage) and voltage-only rows, judging each row on
// its own.  A single leading row of column titles is skipped.  The rate is
// inferred from the time axis when it has at least two entries.
func parseTabular(lines []line) (Waveform, error) {
	var (
		times   []float64
		samples = make([]float64, 0, len(lines))
		titled  bool
	)
	for i, l := range lines {
		if l.comment() || strings.HasPrefix(l.text, "#") {
			continue
		}
		fields := splitFields(l.text)
		if !titled && len(samples) == 0 && len(times) == 0 && i < len(lines)-1 && allTitles(fields) {
			titled = true
			continue
		}
		switch len(fields) {
		case 1:
			v, err := parseNumber(fields[0])
			if err != nil {
				return Waveform{}, errors.Wrapf(err, "line %d", l.n)
			}
			samples = append(samples, v)
		case 2:
			t, err := parseNumber(fields[0])
			if err != nil {
				return Waveform{}, errors.Wrapf(err, "line %d time", l.n)
			}
			v, err := parseNumber(fields[1])
			if err != nil {
				return Waveform{}, errors.Wrapf(err, "line %d voltage", l.n)
			}
			times = append(times, t)
			samples = append(samples, v)
		default:
			return Waveform{}, errors.Errorf("line %d has %d fields, expected 1 or 2", l.n, len(fields))
		}
	}
	rate, err := inferRate(times)
	if err != nil {
		return Waveform{}, err
	}
	return Waveform{Samples: samples, SampleRate: rate}, nil
}

// allTitles is true when no field parses as a number
func allTitles(fields []string) bool {
	if len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		if _, err := parseNumber(f); err == nil {
			return false
		}
	}
	return true
}

// parseSingleColumn reads every non-comment line as one voltage, ignoring
// anything after a trailing comment marker
func parseSingleColumn(lines []line) (Waveform, error) {
	samples := make([]float64, 0, len(lines))
	for _, l := range lines {
		if l.comment() {
			continue
		}
		text := l.text
		if idx := strings.Index(text, commentMarker); idx >= 0 {
			text = text[:idx]
		}
		v, err := parseNumber(text)
		if err != nil {
			return Waveform{}, errors.Wrapf(err, "line %d", l.n)
		}
		samples = append(samples, v)
	}
	return Waveform{Samples: samples, SampleRate: DefaultSampleRate}, nil
}

// inferRate is 1/mean(diff(times)), or DefaultSampleRate for fewer than two times
func inferRate(times []float64) (float64, error) {
	if len(times) < 2 {
		return DefaultSampleRate, nil
	}
	mean := (times[len(times)-1] - times[0]) / float64(len(times)-1)
	if !(mean > 0) || math.IsInf(mean, 0) {
		return 0, errors.Errorf("time axis is not increasing (mean step %v)", mean)
	}
	return 1 / mean, nil
}

func parseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, errors.Errorf("malformed number %q", strings.TrimSpace(s))
	}
	return v, nil
}

// FormatFloat renders v the way the generator's importer writes numbers:
// the shortest string that round trips, with a trailing ".0" on integral
// values and exponent notation below 1e-4 or from 1e16 up
// (100000.0, 1e-05, 1.5e+16)
func FormatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	if v != 0 {
		e := strconv.FormatFloat(v, 'e', -1, 64)
		exp, _ := strconv.Atoi(e[strings.IndexByte(e, 'e')+1:])
		if exp < -4 || exp >= 16 {
			return e
		}
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}

// Encode writes w to dst in the rate header form.  A positive override replaces
// the waveform's own sample rate in the header.
func Encode(dst io.Writer, w Waveform, override float64) error {
	rate := w.SampleRate
	if override > 0 {
		rate = override
	}
	bw := bufio.NewWriter(dst)
	bw.WriteString("Rate = ")
	bw.WriteString(FormatFloat(rate))
	bw.WriteString("  ")
	bw.WriteString(HeaderComment)
	bw.WriteByte('\n')
	for _, v := range w.Samples {
		bw.WriteString(FormatFloat(v))
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// Serialize is Encode into memory
func Serialize(w Waveform, override float64) []byte {
	var buf bytes.Buffer
	buf.Grow(len(w.Samples)*20 + 64)
	Encode(&buf, w, override) // writes to a bytes.Buffer do not fail
	return buf.Bytes()
}

// Checksum is the CRC-16/XMODEM of an upload payload
func Checksum(payload []byte) uint16 {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, payload)
	return crcTable.CRC16(c)
}
