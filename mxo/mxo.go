/*Package mxo drives a Rohde & Schwarz MXO 4 series oscilloscope and its
built-in waveform generator.

A Scope owns one instrument session.  Settings are pushed with Apply and records
are pulled with Capture:

	s := mxo.New(scpi.New(pool), logrus.StandardLogger())
	if err := s.Apply(mxo.DefaultChannel(1)); err != nil {
		return err
	}
	res, err := s.Capture(1)

Capture is at-most-once: a failed capture is never retried, since each attempt
re-arms the physical trigger.  Only one operation may be in flight on a Scope;
a second concurrent call fails with a fault.State error rather than queueing.
*/
package mxo

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/mxoscope/arb"
	"github.com/nasa-jpl/mxoscope/fault"
	"github.com/nasa-jpl/mxoscope/oscilloscope"
)

// Transport is the command channel to the instrument.  *scpi.SCPI satisfies it.
type Transport interface {
	// Write sends commands
	Write(cmds ...string) error

	// ReadString sends a query and returns the text response
	ReadString(cmds ...string) (string, error)

	// ReadFloat sends a query and parses the response as a float
	ReadFloat(cmds ...string) (float64, error)

	// WriteOPC sends cmd and blocks until the device reports it complete
	WriteOPC(cmd string) error

	// SetBinaryTransfer configures decoding of binary blocks
	SetBinaryTransfer(order binary.ByteOrder, chunkSize int)

	// ReadFloats sends a query whose response is a block or list of numbers
	ReadFloats(cmd string) ([]float64, error)

	// SendFile stores payload at remotePath on the instrument
	SendFile(payload []byte, remotePath string) error

	// Raw sends text as typed and returns the response to a query
	Raw(cmd string) (string, error)

	// AllErrors drains the instrument's error queue
	AllErrors() ([]string, error)
}

// State is the phase of the capture state machine
type State int

const (
	// Idle means no capture has run
	Idle State = iota

	// Triggering means the display update and trigger are being sent
	Triggering

	// AwaitingCompletion means the scope is blocked on *OPC? for the single acquisition
	AwaitingCompletion

	// Transferring means the record is being read back
	Transferring

	// Scaling means the calibration scalars are being read and applied
	Scaling

	// Done means the last capture succeeded
	Done

	// Failed means the last capture errored
	Failed
)

var stateNames = [...]string{"idle", "triggering", "awaiting-completion", "transferring", "scaling", "done", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// States lists every State in order
var States = []State{Idle, Triggering, AwaitingCompletion, Transferring, Scaling, Done, Failed}

// Observer is notified of capture progress and uploads.  Calls are made
// synchronously from the goroutine running the operation.
type Observer interface {
	// StateChanged is called on every transition of the capture state machine
	StateChanged(channel int, from, to State)

	// CaptureFinished is called once per capture attempt that reached the
	// instrument.  res is the zero value when err is non-nil.
	CaptureFinished(channel int, res oscilloscope.CaptureResult, elapsed time.Duration, err error)

	// ArbUploaded is called once per ARB upload attempt
	ArbUploaded(bytes int, checksum uint16, err error)
}

type nopObserver struct{}

func (nopObserver) StateChanged(int, State, State) {}

func (nopObserver) CaptureFinished(int, oscilloscope.CaptureResult, time.Duration, error) {}

func (nopObserver) ArbUploaded(int, uint16, error) {}

// Scope is a session with one instrument
type Scope struct {
	t   Transport
	log logrus.FieldLogger
	obs Observer

	// Prescaled indicates the instrument returns volts on the wire.  When
	// false the transferred values are treated as raw codes.
	Prescaled bool

	mu    sync.Mutex
	busy  string
	state State
	acq   *AcquisitionSpec
}

// New returns a Scope using t.  A nil logger means the logrus standard logger.
func New(t Transport, log logrus.FieldLogger) *Scope {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scope{t: t, log: log, obs: nopObserver{}, Prescaled: true}
}

// SetObserver installs o; nil removes the current one
func (s *Scope) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o == nil {
		o = nopObserver{}
	}
	s.obs = o
}

func (s *Scope) observer() Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.obs
}

// State returns the state of the most recent capture
func (s *Scope) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy returns the name of the operation in flight, or "" when idle
func (s *Scope) Busy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// begin claims the session for op
func (s *Scope) begin(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy != "" {
		return fault.Errorf(fault.State, op, "scope is busy with %s", s.busy)
	}
	s.busy = op
	return nil
}

func (s *Scope) end() {
	s.mu.Lock()
	s.busy = ""
	s.mu.Unlock()
}

func (s *Scope) transition(channel int, to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	obs := s.obs
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"channel": channel, "state": to}).Debug("capture state")
	obs.StateChanged(channel, from, to)
}

// Acquisition returns the last applied AcquisitionSpec.  ok is false and the
// defaults are returned if none has been applied since the scope was created
// or reset.
func (s *Scope) Acquisition() (spec AcquisitionSpec, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acq == nil {
		return DefaultAcquisition(), false
	}
	return *s.acq, true
}

// Capture performs a single acquisition on channel and returns the record in
// physical units.  On error the result is the zero value and the state is
// Failed; the error is returned as the transport produced it.
func (s *Scope) Capture(channel int) (oscilloscope.CaptureResult, error) {
	const op = "mxo.Capture"
	if err := validChannel(op, channel); err != nil {
		return oscilloscope.CaptureResult{}, err
	}
	if err := s.begin(op); err != nil {
		return oscilloscope.CaptureResult{}, err
	}
	defer s.end()

	log := s.log.WithField("channel", channel)
	start := time.Now()
	res, err := s.capture(channel, log)
	elapsed := time.Since(start)
	if err != nil {
		s.transition(channel, Failed)
		log.WithError(err).Error("capture failed")
		s.observer().CaptureFinished(channel, oscilloscope.CaptureResult{}, elapsed, err)
		return oscilloscope.CaptureResult{}, err
	}
	s.transition(channel, Done)
	log.WithFields(logrus.Fields{
		"capture": res.ID,
		"points":  res.Metadata.SampleCount,
		"elapsed": elapsed,
	}).Info("capture complete")
	s.observer().CaptureFinished(channel, res, elapsed, nil)
	return res, nil
}

func (s *Scope) capture(channel int, log logrus.FieldLogger) (oscilloscope.CaptureResult, error) {
	const op = "mxo.Capture"
	var res oscilloscope.CaptureResult

	s.transition(channel, Triggering)
	// keep the display live while under remote control
	if err := s.t.Write("SYSTem:DISPlay:UPDate ON"); err != nil {
		return res, err
	}
	s.transition(channel, AwaitingCompletion)
	if err := s.t.WriteOPC("RUNsingle"); err != nil {
		return res, err
	}
	log.Info("triggered, capturing data")

	s.transition(channel, Transferring)
	reported, err := s.t.ReadFloat("ACQuire:POINts?")
	if err != nil {
		return res, err
	}
	if reported < 0 || reported != math.Trunc(reported) || math.IsInf(reported, 0) {
		return res, fault.Transportf(op, "device reported %v points", reported)
	}
	points := int(reported)
	log.WithField("points", points).Debug("starting transfer")

	acq, _ := s.Acquisition()
	if err = s.t.Write(strings.Join(acq.formatCommands(), ";:")); err != nil {
		return res, err
	}
	s.t.SetBinaryTransfer(acq.Order(), acq.ChunkSize)
	raw, err := s.t.ReadFloats(fmt.Sprintf("CHANnel%d:DATA?", channel))
	if err != nil {
		return res, err
	}
	if len(raw) != points {
		return res, fault.Transportf(op, "device reported %d points but transferred %d", points, len(raw))
	}

	s.transition(channel, Scaling)
	tscale, err := s.t.ReadFloat("TIMebase:SCALe?")
	if err != nil {
		return res, err
	}
	vrange, err := s.t.ReadFloat(fmt.Sprintf("CHANnel%d:RANGe?", channel))
	if err != nil {
		return res, err
	}
	offset, err := s.t.ReadFloat(fmt.Sprintf("CHANnel%d:OFFSet?", channel))
	if err != nil {
		return res, err
	}
	dx, x0 := oscilloscope.TimebaseAxis(tscale)
	res = oscilloscope.Scale(raw, oscilloscope.Scaling{
		XIncrement: dx,
		XOrigin:    x0,
		YIncrement: oscilloscope.VerticalIncrement(vrange),
		YOrigin:    offset,
		Prescaled:  s.Prescaled,
	})
	res.ID = uuid.NewString()
	res.Channel = channel
	res.Acquired = time.Now()
	return res, nil
}

// Apply validates setting and writes it to the instrument in order.  For an
// ArbSpec the waveform is loaded, serialized and uploaded first.
func (s *Scope) Apply(setting Setting) error {
	op := "mxo.Apply." + setting.Kind()
	if err := setting.Validate(); err != nil {
		return err
	}
	if err := s.begin(op); err != nil {
		return err
	}
	defer s.end()

	log := s.log.WithField("setting", setting.Kind())
	var (
		cmds []string
		err  error
	)
	if a, ok := setting.(ArbSpec); ok {
		cmds, err = s.uploadArb(a, log)
	} else {
		cmds, err = setting.commands()
	}
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		if err = s.t.Write(cmd); err != nil {
			log.WithError(err).WithField("command", cmd).Error("apply failed")
			return err
		}
	}
	if acq, ok := setting.(AcquisitionSpec); ok {
		s.mu.Lock()
		s.acq = &acq
		s.mu.Unlock()
	}
	log.WithField("commands", len(cmds)).Info("applied")
	return nil
}

// uploadArb sends the serialized waveform and returns the generator commands
// that load it.  The payload is not retained.
func (s *Scope) uploadArb(a ArbSpec, log logrus.FieldLogger) ([]string, error) {
	w, err := a.Load()
	if err != nil {
		return nil, err
	}
	rate := a.Rate(w)
	payload := arb.Serialize(w, rate)
	sum := arb.Checksum(payload)
	log = log.WithFields(logrus.Fields{
		"bytes":   len(payload),
		"samples": len(w.Samples),
		"rate":    rate,
		"seconds": arb.Waveform{Samples: w.Samples, SampleRate: rate}.Duration(),
		"crc":     fmt.Sprintf("%04X", sum),
		"remote":  a.RemotePath,
	})
	err = s.t.SendFile(payload, a.RemotePath)
	s.observer().ArbUploaded(len(payload), sum, err)
	if err != nil {
		log.WithError(err).Error("ARB upload failed")
		return nil, err
	}
	log.Info("ARB uploaded")
	return a.commandsAt(rate), nil
}

// Reading is the instrument's answer to one read-back query
type Reading struct {
	// Command is the write being confirmed
	Command string `json:"command"`

	Query string `json:"query"`
	Value string `json:"value"`

	// Match is true when Value agrees with what Command wrote
	Match bool `json:"match"`
}

// ReadBack queries the instrument for each value setting writes and reports
// what it holds.  It is advisory: mismatches are reported, not corrected, and
// a failed query ends the read-back with the readings gathered so far.
func (s *Scope) ReadBack(setting Setting) ([]Reading, error) {
	op := "mxo.ReadBack." + setting.Kind()
	if err := setting.Validate(); err != nil {
		return nil, err
	}
	cmds, err := setting.commands()
	if err != nil {
		return nil, err
	}
	if err := s.begin(op); err != nil {
		return nil, err
	}
	defer s.end()

	var out []Reading
	for _, cmd := range cmds {
		header, written, ok := splitCommand(cmd)
		if !ok {
			continue
		}
		q := header + "?"
		val, err := s.t.ReadString(q)
		if err != nil {
			return out, err
		}
		r := Reading{Command: cmd, Query: q, Value: val, Match: agrees(written, val)}
		if !r.Match {
			s.log.WithFields(logrus.Fields{"query": q, "wrote": written, "read": val}).Warn("read-back mismatch")
		}
		out = append(out, r)
	}
	return out, nil
}

// splitCommand separates "HEADER value" into its parts.  Commands without a
// value, or with a fixed one that has no query form, are not read back.
func splitCommand(cmd string) (header, value string, ok bool) {
	idx := strings.IndexByte(cmd, ' ')
	if idx < 0 {
		return "", "", false
	}
	header, value = cmd[:idx], cmd[idx+1:]
	if strings.HasSuffix(header, ":SOURce") && value == "FUNCgen" {
		// superseded by the ARBGenerator source written after it
		return "", "", false
	}
	return header, value, true
}

// agrees compares a written value with the instrument's answer, numerically
// when both are numbers and by mnemonic otherwise (SINusoid matches SIN)
func agrees(written, read string) bool {
	written = strings.Trim(strings.TrimSpace(written), "'\"")
	read = strings.Trim(strings.TrimSpace(read), "'\"")
	w, errW := strconv.ParseFloat(written, 64)
	r, errR := strconv.ParseFloat(read, 64)
	if errW == nil && errR == nil {
		if w == r {
			return true
		}
		return math.Abs(w-r) <= 1e-9*math.Max(math.Abs(w), math.Abs(r))
	}
	uw, ur := strings.ToUpper(written), strings.ToUpper(read)
	switch {
	case uw == "ON" && ur == "1", uw == "OFF" && ur == "0":
		return true
	case ur == "":
		return uw == ""
	}
	return strings.HasPrefix(uw, ur) || strings.HasPrefix(ur, uw)
}

// Identify returns the *IDN? string
func (s *Scope) Identify() (string, error) {
	if err := s.begin("mxo.Identify"); err != nil {
		return "", err
	}
	defer s.end()
	return s.t.ReadString("*IDN?")
}

// Reset restores the instrument's defaults and forgets the cached
// acquisition settings
func (s *Scope) Reset() error {
	if err := s.begin("mxo.Reset"); err != nil {
		return err
	}
	defer s.end()
	if err := s.t.Write("*RST"); err != nil {
		return err
	}
	s.mu.Lock()
	s.acq = nil
	s.state = Idle
	s.mu.Unlock()
	s.log.Info("instrument reset")
	return nil
}

// Raw sends cmd as typed and returns the response if it was a query, else ""
func (s *Scope) Raw(cmd string) (string, error) {
	if err := s.begin("mxo.Raw"); err != nil {
		return "", err
	}
	defer s.end()
	return s.t.Raw(cmd)
}

// Errors drains the instrument's error queue.  Entries are the device's
// "<code>,<message>" strings, oldest first.
func (s *Scope) Errors() ([]string, error) {
	if err := s.begin("mxo.Errors"); err != nil {
		return nil, err
	}
	defer s.end()
	entries, err := s.t.AllErrors()
	if len(entries) > 0 {
		s.log.WithField("count", len(entries)).Warn("instrument error queue drained")
	}
	return entries, err
}
