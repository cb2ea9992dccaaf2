/*Package simulator is an in-process stand-in for an MXO 4 series oscilloscope.

It speaks the SCPI subset used by package mxo over a TCP socket: channel,
trigger, timebase, acquisition and waveform generator settings, single
acquisitions with *OPC? completion, binary and ASCII waveform transfer, and
mass memory file upload for the arbitrary waveform generator.  Generator 1 is
looped back into channels 1 and 3, generator 2 into channels 2 and 4.
*/
package simulator

import (
	"bytes"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/mxoscope/arb"
)

// Identity is returned by *IDN?
const Identity = "Rohde&Schwarz,MXO44,1335.5050k04/000000,2.3.2.2 (simulated)"

// maxErrors bounds the error queue like the instrument's
const maxErrors = 100

// SCPI error queue entries
const (
	errNone            = `0,"No error"`
	errUndefinedHeader = `-113,"Undefined header"`
	errDataType        = `-104,"Data type error"`
	errSettings        = `-221,"Settings conflict"`
	errFileNotFound    = `-256,"File name not found"`
	errQueueOverflow   = `-350,"Queue overflow"`
)

// Instrument holds the simulated scope's settings and stored files
type Instrument struct {
	sync.Mutex

	// TriggerDelay is how long a single acquisition takes to complete
	TriggerDelay time.Duration

	log    logrus.FieldLogger
	values map[string]string
	files  map[string][]byte
	errs   []string
	arbs   map[int]arb.Waveform
	record map[int][]float64
	rng    *rand.Rand
}

// New returns an instrument in its reset state.  A nil logger means the
// logrus standard logger.
func New(log logrus.FieldLogger) *Instrument {
	if log == nil {
		log = logrus.StandardLogger()
	}
	in := &Instrument{log: log, files: map[string][]byte{}, rng: rand.New(rand.NewSource(1))}
	in.reset()
	return in
}

func (in *Instrument) reset() {
	in.values = map[string]string{}
	in.errs = nil
	in.arbs = map[int]arb.Waveform{}
	in.record = map[int][]float64{}
}

// defaults answers queries for settings never written
var defaults = map[string]string{
	"CHAN#:STAT":           "0",
	"CHAN#:COUP":           "DC",
	"CHAN#:RANG":           "0.5",
	"CHAN#:OFFS":           "0",
	"TIM:SCAL":             "0.0001",
	"TRIG:MODE":            "AUTO",
	"TRIG:EVEN#:SOUR":      "C1",
	"TRIG:EVEN#:LEV#:VAL":  "0",
	"TRIG:EVEN#:TYPE":      "EDGE",
	"TRIG:EVEN#:EDGE:SLOP": "POS",
	"ACQ:TYPE":             "NORMAL",
	"ACQ:COUN":             "1",
	"ACQ:POIN":             "1000",
	"ACQ:SRAT":             "1000000000",
	"FORM:DATA":            "ASC,0",
	"FORM:BORD":            "LSBF",
	"SYST:DISP:UPD":        "0",
	"WGEN#:FUNC:SEL":       "SIN",
	"WGEN#:FREQ":           "1000000",
	"WGEN#:VOLT:VPP":       "1",
	"WGEN#:VOLT:OFFS":      "0",
	"WGEN#:FUNC:SQU:DCYC":  "50",
	"WGEN#:FUNC:RAMP:SYMM": "50",
	"WGEN#:FUNC:PULS:WIDT": "1E-06",
	"WGEN#:ENAB":           "0",
	"WGEN#:SOUR":           "FUNC",
	"WGEN#:ARBG:NAME":      "''",
	"WGEN#:ARBG:SRAT":      "1000000",
	"WGEN#:ARBG:RUNM":      "REP",
}

// get returns the stored or default value for a concrete key.  The caller
// holds the lock.
func (in *Instrument) get(h header) string {
	if v, ok := in.values[h.key]; ok {
		return v
	}
	return defaults[h.pattern]
}

func (in *Instrument) getKey(key string) string {
	return in.get(parseHeader(key))
}

func (in *Instrument) float(key string) float64 {
	f, _ := strconv.ParseFloat(in.getKey(key), 64)
	return f
}

func (in *Instrument) on(key string) bool {
	v := strings.ToUpper(in.getKey(key))
	return v == "1" || v == "ON"
}

// withDetail appends detail inside the quoted message of a queue entry
func withDetail(entry, detail string) string {
	return strings.TrimSuffix(entry, `"`) + ", " + detail + `"`
}

func (in *Instrument) pushError(e string) {
	if len(in.errs) >= maxErrors {
		in.errs[len(in.errs)-1] = errQueueOverflow
		return
	}
	in.errs = append(in.errs, e)
}

// Errors returns a copy of the pending error queue
func (in *Instrument) Errors() []string {
	in.Lock()
	defer in.Unlock()
	return append([]string(nil), in.errs...)
}

// File returns a file stored by MMEMory:DATA
func (in *Instrument) File(path string) ([]byte, bool) {
	in.Lock()
	defer in.Unlock()
	b, ok := in.files[path]
	return append([]byte(nil), b...), ok
}

// Setting returns the current value of a setting, by any spelling of its
// header, e.g. "ACQuire:POINts" or "ACQ:POIN"
func (in *Instrument) Setting(hdr string) string {
	in.Lock()
	defer in.Unlock()
	return in.get(parseHeader(hdr))
}

// settable lists the patterns a plain "HEADER value" command may store
var settable = map[string]bool{}

func init() {
	for k := range defaults {
		settable[k] = true
	}
}

// execute runs one command or query.  A nil response means there is nothing
// to send back.  The caller holds the lock.
func (in *Instrument) execute(cmd string) []byte {
	// a block argument may end in whitespace that belongs to the payload
	cmd = strings.TrimLeft(cmd, " \t\r\n")
	if !strings.Contains(cmd, ",#") {
		cmd = strings.TrimRight(cmd, " \t\r\n")
	}
	if cmd == "" {
		return nil
	}
	hdrText, args := cmd, ""
	if idx := strings.IndexAny(cmd, " \t"); idx >= 0 {
		hdrText, args = cmd[:idx], strings.TrimLeft(cmd[idx+1:], " \t")
	}
	h := parseHeader(hdrText)
	in.log.WithFields(logrus.Fields{"header": h.key, "query": h.query}).Debug("simulator command")

	switch h.pattern {
	case "*IDN":
		return []byte(Identity)
	case "*OPC":
		if h.query {
			return []byte("1")
		}
		return nil
	case "*RST":
		in.reset()
		return nil
	case "*CLS":
		in.errs = nil
		return nil
	case "SYST:ERR":
		if len(in.errs) == 0 {
			return []byte(errNone)
		}
		e := in.errs[0]
		in.errs = in.errs[1:]
		return []byte(e)
	case "RUNS":
		in.acquire()
		if in.TriggerDelay > 0 {
			in.Unlock()
			time.Sleep(in.TriggerDelay)
			in.Lock()
		}
		return nil
	case "CHAN#:DATA":
		if !h.query {
			break
		}
		return in.waveformData(h.suffix(0))
	case "MMEM:DATA":
		if h.query {
			return in.readFile(args)
		}
		in.writeFile(args)
		return nil
	case "WGEN#:ARBG:OPEN":
		in.openArb(h.suffix(0))
		return nil
	case "WGEN#:PRES":
		in.presetGenerator(h.suffix(0))
		return nil
	}

	if !settable[h.pattern] {
		in.pushError(withDetail(errUndefinedHeader, hdrText))
		return nil
	}
	if h.query {
		return []byte(shortValue(in.get(h)))
	}
	if args == "" {
		in.pushError(withDetail(errDataType, hdrText))
		return nil
	}
	in.values[h.key] = strings.TrimSpace(args)
	return nil
}

func (in *Instrument) presetGenerator(unit int) {
	prefix := fmt.Sprintf("WGEN%d:", unit)
	for k := range in.values {
		if strings.HasPrefix(k, prefix) {
			delete(in.values, k)
		}
	}
	delete(in.arbs, unit)
}

// unquote strips a pair of single or double quotes
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// writeFile handles MMEMory:DATA '<path>',<block>
func (in *Instrument) writeFile(args string) {
	comma := strings.Index(args, ",#")
	if comma < 0 {
		in.pushError(withDetail(errDataType, "MMEM:DATA"))
		return
	}
	path := unquote(args[:comma])
	payload, err := decodeBlock([]byte(args[comma+1:]))
	if err != nil || path == "" {
		in.pushError(withDetail(errDataType, "MMEM:DATA"))
		return
	}
	in.files[path] = payload
	in.log.WithFields(logrus.Fields{"path": path, "bytes": len(payload)}).Info("simulator stored file")
}

func (in *Instrument) readFile(args string) []byte {
	payload, ok := in.files[unquote(args)]
	if !ok {
		in.pushError(errFileNotFound)
		return encodeBlock(nil)
	}
	return encodeBlock(payload)
}

// openArb loads the file named by ARBGen:NAME into the generator
func (in *Instrument) openArb(unit int) {
	name := unquote(in.getKey(fmt.Sprintf("WGEN%d:ARBG:NAME", unit)))
	payload, ok := in.files[name]
	if !ok {
		in.pushError(withDetail(errFileNotFound, name))
		return
	}
	w, err := arb.Parse(bytes.NewReader(payload))
	if err != nil {
		in.pushError(withDetail(errDataType, name))
		return
	}
	in.arbs[unit] = w
	// the file's rate is adopted until ARBGen:SRATe overrides it
	in.values[fmt.Sprintf("WGEN%d:ARBG:SRAT", unit)] = strconv.FormatFloat(w.SampleRate, 'G', -1, 64)
}
