package mxo

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/nasa-jpl/mxoscope/arb"
	"github.com/nasa-jpl/mxoscope/fault"
)

// NumChannels is the number of analog inputs
const NumChannels = 4

// DefaultArbPath is where uploaded ARB files are stored on the instrument
const DefaultArbPath = "/home/storage/userData/arb_waveform.csv"

// Setting is one of the configuration records the scope understands:
// ChannelSpec, TriggerSpec, TimebaseSpec, GeneratorSpec, ArbSpec or
// AcquisitionSpec
type Setting interface {
	// Validate checks every field, returning a fault.InvalidArgument error
	// for the first bad one
	Validate() error

	// Kind is a short lowercase name for the record type
	Kind() string

	// commands returns the protocol writes, in order, for a validated record
	commands() ([]string, error)
}

// Commands validates s and returns the writes that apply it, in order
func Commands(s Setting) ([]string, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s.commands()
}

func num(f float64) string { return arb.FormatFloat(f) }

func invalid(kind, format string, args ...interface{}) error {
	return fault.Errorf(fault.InvalidArgument, "mxo."+kind, format, args...)
}

func oneOf(kind, field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return invalid(kind, "%s %q not one of %v", field, value, allowed)
}

func validChannel(op string, ch int) error {
	if ch < 1 || ch > NumChannels {
		return fault.Errorf(fault.InvalidArgument, op, "channel %d out of range [1,%d]", ch, NumChannels)
	}
	return nil
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// ChannelSpec configures an analog input
type ChannelSpec struct {
	Channel int `json:"channel" yaml:"Channel"`

	// Enabled maps to the channel state, ON or OFF
	Enabled bool `json:"enabled" yaml:"Enabled"`

	// Coupling is DC, AC or GND
	Coupling string `json:"coupling" yaml:"Coupling"`

	// Range is in volts per division
	Range float64 `json:"range" yaml:"Range"`

	// Offset is in volts
	Offset float64 `json:"offset" yaml:"Offset"`
}

// DefaultChannel is an enabled, DC coupled input at 1 V/div
func DefaultChannel(n int) ChannelSpec {
	return ChannelSpec{Channel: n, Enabled: true, Coupling: "DC", Range: 1}
}

// Kind returns "channel"
func (ChannelSpec) Kind() string { return "channel" }

// Validate checks the channel index, coupling and range
func (c ChannelSpec) Validate() error {
	if err := validChannel("mxo.channel", c.Channel); err != nil {
		return err
	}
	if err := oneOf("channel", "coupling", c.Coupling, "DC", "AC", "GND"); err != nil {
		return err
	}
	if !(c.Range > 0) {
		return invalid("channel", "range %v V/div must be positive", c.Range)
	}
	return nil
}

func (c ChannelSpec) commands() ([]string, error) {
	n := c.Channel
	return []string{
		fmt.Sprintf("CHAN%d:STAT %s", n, onOff(c.Enabled)),
		fmt.Sprintf("CHAN%d:COUP %s", n, c.Coupling),
		fmt.Sprintf("CHAN%d:RANG %s", n, num(c.Range)),
		fmt.Sprintf("CHAN%d:OFFS %s", n, num(c.Offset)),
	}, nil
}

// TriggerSpec configures the edge trigger
type TriggerSpec struct {
	// Mode is AUTO, NORMAL or SINGLE
	Mode string `json:"mode" yaml:"Mode"`

	// Source is CH1 through CH4
	Source string `json:"source" yaml:"Source"`

	// Level is in volts
	Level float64 `json:"level" yaml:"Level"`

	// Slope is POS or NEG
	Slope string `json:"slope" yaml:"Slope"`
}

// DefaultTrigger is an AUTO trigger on the rising edge of CH1 at 0 V
func DefaultTrigger() TriggerSpec {
	return TriggerSpec{Mode: "AUTO", Source: "CH1", Slope: "POS"}
}

// Kind returns "trigger"
func (TriggerSpec) Kind() string { return "trigger" }

// Validate checks the mode, source and slope
func (t TriggerSpec) Validate() error {
	if err := oneOf("trigger", "mode", t.Mode, "AUTO", "NORMAL", "SINGLE"); err != nil {
		return err
	}
	if err := oneOf("trigger", "source", t.Source, "CH1", "CH2", "CH3", "CH4"); err != nil {
		return err
	}
	return oneOf("trigger", "slope", t.Slope, "POS", "NEG")
}

func (t TriggerSpec) commands() ([]string, error) {
	// the instrument names trigger sources C1..C4
	source := strings.Replace(t.Source, "CH", "C", 1)
	return []string{
		"TRIG:MODE " + t.Mode,
		"TRIG:EVEN1:SOUR " + source,
		"TRIG:EVEN1:LEV1:VAL " + num(t.Level),
		"TRIG:EVEN1:TYPE EDGE",
		"TRIG:EVEN1:EDGE:SLOP " + t.Slope,
	}, nil
}

// TimebaseSpec configures the horizontal scale
type TimebaseSpec struct {
	// Scale is in seconds per division
	Scale float64 `json:"scale" yaml:"Scale"`
}

// DefaultTimebase is 1 ms/div
func DefaultTimebase() TimebaseSpec { return TimebaseSpec{Scale: 1e-3} }

// Kind returns "timebase"
func (TimebaseSpec) Kind() string { return "timebase" }

// Validate checks the scale is positive
func (t TimebaseSpec) Validate() error {
	if !(t.Scale > 0) {
		return invalid("timebase", "scale %v s/div must be positive", t.Scale)
	}
	return nil
}

func (t TimebaseSpec) commands() ([]string, error) {
	return []string{fmt.Sprintf("TIM:SCAL %E", t.Scale)}, nil
}

// Function is a built-in waveform generator function
type Function string

// Generator functions, in the instrument's mnemonic spelling
const (
	Sinusoid  Function = "SINusoid"
	Square    Function = "SQUare"
	Ramp      Function = "RAMP"
	Pulse     Function = "PULSe"
	Noise     Function = "NOISe"
	DC        Function = "DC"
	Arbitrary Function = "ARBitrary"
)

// Functions lists every Function
var Functions = []Function{Sinusoid, Square, Ramp, Pulse, Noise, DC, Arbitrary}

// ParseFunction accepts a function by its mnemonic or upper case name,
// e.g. "SQUare", "SQUARE" or "square"
func ParseFunction(s string) (Function, error) {
	for _, f := range Functions {
		if strings.EqualFold(string(f), s) {
			return f, nil
		}
	}
	return "", invalid("generator", "function %q not one of %v", s, Functions)
}

// GeneratorSpec configures the built-in function generator
type GeneratorSpec struct {
	// Unit is the generator number, 1 or 2
	Unit int `json:"unit" yaml:"Unit"`

	Function Function `json:"function" yaml:"Function"`

	// Frequency is in Hz
	Frequency float64 `json:"frequency" yaml:"Frequency"`

	// Amplitude is peak to peak volts
	Amplitude float64 `json:"amplitude" yaml:"Amplitude"`

	// Offset is in volts
	Offset float64 `json:"offset" yaml:"Offset"`

	// DutyCycle is in percent, used by Square
	DutyCycle float64 `json:"dutyCycle" yaml:"DutyCycle"`

	// Symmetry is in percent, used by Ramp
	Symmetry float64 `json:"symmetry" yaml:"Symmetry"`

	// Width is in seconds, used by Pulse
	Width float64 `json:"width" yaml:"Width"`

	Output bool `json:"output" yaml:"Output"`
}

// DefaultGenerator is a 1 kHz, 1 Vpp sine with the output on
func DefaultGenerator() GeneratorSpec {
	return GeneratorSpec{
		Unit:      1,
		Function:  Sinusoid,
		Frequency: 1000,
		Amplitude: 1,
		DutyCycle: 50,
		Symmetry:  50,
		Width:     1e-6,
		Output:    true,
	}
}

// Kind returns "generator"
func (GeneratorSpec) Kind() string { return "generator" }

func validUnit(kind string, u int) error {
	if u != 1 && u != 2 {
		return invalid(kind, "generator unit %d must be 1 or 2", u)
	}
	return nil
}

// Validate checks the function and the parameters it uses
func (g GeneratorSpec) Validate() error {
	if err := validUnit("generator", g.Unit); err != nil {
		return err
	}
	if _, err := ParseFunction(string(g.Function)); err != nil {
		return err
	}
	if g.Function != DC {
		if !(g.Frequency > 0) {
			return invalid("generator", "frequency %v Hz must be positive", g.Frequency)
		}
		if g.Amplitude < 0 {
			return invalid("generator", "amplitude %v Vpp must not be negative", g.Amplitude)
		}
	}
	switch g.Function {
	case Square:
		if g.DutyCycle <= 0 || g.DutyCycle >= 100 {
			return invalid("generator", "duty cycle %v%% must be within (0, 100)", g.DutyCycle)
		}
	case Ramp:
		if g.Symmetry < 0 || g.Symmetry > 100 {
			return invalid("generator", "symmetry %v%% must be within [0, 100]", g.Symmetry)
		}
	case Pulse:
		if !(g.Width > 0) {
			return invalid("generator", "pulse width %v s must be positive", g.Width)
		}
	}
	return nil
}

func (g GeneratorSpec) commands() ([]string, error) {
	p := fmt.Sprintf("WGENerator%d:", g.Unit)
	cmds := []string{
		p + "PRES",
		p + "FUNCtion:SELect " + string(g.Function),
	}
	if g.Function != DC {
		cmds = append(cmds,
			p+"FREQ "+num(g.Frequency),
			p+"VOLT:VPP "+num(g.Amplitude))
	}
	cmds = append(cmds, p+"VOLT:OFFS "+num(g.Offset))
	switch g.Function {
	case Square:
		cmds = append(cmds, p+"FUNCtion:SQUare:DCYCle "+num(g.DutyCycle))
	case Ramp:
		cmds = append(cmds, p+"FUNCtion:RAMP:SYMMetry "+num(g.Symmetry))
	case Pulse:
		cmds = append(cmds, p+"FUNCtion:PULSe:WIDTh "+num(g.Width))
	}
	return append(cmds, p+"ENABle "+onOff(g.Output)), nil
}

// ArbSpec loads an arbitrary waveform into the generator.  The waveform comes
// from exactly one of File, a local path, or Waveform.
type ArbSpec struct {
	Unit int `json:"unit" yaml:"Unit"`

	File     string        `json:"file,omitempty" yaml:"File"`
	Waveform *arb.Waveform `json:"waveform,omitempty" yaml:"-"`

	// SampleRate overrides the waveform's own rate when positive
	SampleRate float64 `json:"sampleRate,omitempty" yaml:"SampleRate"`

	// RemotePath is where the file is stored on the instrument
	RemotePath string `json:"remotePath" yaml:"RemotePath"`

	// RunMode is REPetitive or SINGle
	RunMode string `json:"runMode" yaml:"RunMode"`
}

// DefaultArb is repetitive playback from DefaultArbPath with no source set
func DefaultArb() ArbSpec {
	return ArbSpec{Unit: 1, RemotePath: DefaultArbPath, RunMode: "REPetitive"}
}

// Kind returns "arb"
func (ArbSpec) Kind() string { return "arb" }

// Validate checks the source, destination and run mode.  It does not read
// File.
func (a ArbSpec) Validate() error {
	if err := validUnit("arb", a.Unit); err != nil {
		return err
	}
	if (a.File == "") == (a.Waveform == nil) {
		return invalid("arb", "exactly one of a file or an in-memory waveform is required")
	}
	if a.Waveform != nil && len(a.Waveform.Samples) == 0 {
		return invalid("arb", "waveform has no samples")
	}
	if a.SampleRate < 0 {
		return invalid("arb", "sample rate override %v must not be negative", a.SampleRate)
	}
	if a.RemotePath == "" || strings.ContainsAny(a.RemotePath, "'\n") {
		return invalid("arb", "remote path %q must be non-empty and free of quotes and newlines", a.RemotePath)
	}
	return oneOf("arb", "run mode", a.RunMode, "REPetitive", "SINGle")
}

// Load returns the waveform to upload, reading File if needed.  A file that
// cannot be read is an InvalidArgument, one that cannot be parsed a Format
// error.
func (a ArbSpec) Load() (arb.Waveform, error) {
	if a.Waveform != nil {
		return *a.Waveform, nil
	}
	w, err := arb.ParseFile(a.File)
	if err != nil {
		if fault.KindOf(err) == fault.Unknown {
			err = fault.E(fault.InvalidArgument, "mxo.arb", err)
		}
		return arb.Waveform{}, err
	}
	if len(w.Samples) == 0 {
		return arb.Waveform{}, invalid("arb", "%s has no samples", a.File)
	}
	return w, nil
}

// Rate is the sample rate the generator will play w at
func (a ArbSpec) Rate(w arb.Waveform) float64 {
	if a.SampleRate > 0 {
		return a.SampleRate
	}
	return w.SampleRate
}

func (a ArbSpec) commands() ([]string, error) {
	w, err := a.Load()
	if err != nil {
		return nil, err
	}
	return a.commandsAt(a.Rate(w)), nil
}

func (a ArbSpec) commandsAt(rate float64) []string {
	p := fmt.Sprintf("WGENerator%d:", a.Unit)
	return []string{
		p + "SOURce FUNCgen",
		p + "FUNCtion:SELect ARBitrary",
		p + "SOURce ARBGenerator",
		p + "ARBGen:NAME '" + a.RemotePath + "'",
		p + "ARBGen:OPEN",
		p + "ARBGen:SRATe " + num(rate),
		p + "ARBGen:RUNMode " + a.RunMode,
		p + "ENABle ON",
	}
}

// AcquisitionSpec configures the acquisition system and the waveform
// transfer format
type AcquisitionSpec struct {
	// Type is NORMAL, AVERAGE, PEAK or HRESOLUTION
	Type string `json:"type" yaml:"Type"`

	// Averages is used when Type is AVERAGE
	Averages int `json:"averages" yaml:"Averages"`

	// RecordLength is the number of points to acquire
	RecordLength int `json:"recordLength" yaml:"RecordLength"`

	// SampleRate is in samples per second
	SampleRate float64 `json:"sampleRate" yaml:"SampleRate"`

	// Format is the transfer format, REAL,32 or ASCii
	Format string `json:"format" yaml:"Format"`

	// ByteOrder is LSBFirst or MSBFirst
	ByteOrder string `json:"byteOrder" yaml:"ByteOrder"`

	// ChunkSize is the number of bytes read per slice of a bulk transfer
	ChunkSize int `json:"chunkSize" yaml:"ChunkSize"`
}

// DefaultAcquisition is 1000 points at 1 GSa/s, little endian float32
func DefaultAcquisition() AcquisitionSpec {
	return AcquisitionSpec{
		Type:         "NORMAL",
		Averages:     1,
		RecordLength: 1000,
		SampleRate:   1e9,
		Format:       "REAL,32",
		ByteOrder:    "LSBFirst",
		ChunkSize:    100000,
	}
}

// Kind returns "acquisition"
func (AcquisitionSpec) Kind() string { return "acquisition" }

// Validate checks every field
func (a AcquisitionSpec) Validate() error {
	if err := oneOf("acquisition", "type", a.Type, "NORMAL", "AVERAGE", "PEAK", "HRESOLUTION"); err != nil {
		return err
	}
	if a.Type == "AVERAGE" && a.Averages < 1 {
		return invalid("acquisition", "average count %d must be at least 1", a.Averages)
	}
	if a.RecordLength < 1 {
		return invalid("acquisition", "record length %d must be positive", a.RecordLength)
	}
	if !(a.SampleRate > 0) {
		return invalid("acquisition", "sample rate %v must be positive", a.SampleRate)
	}
	if err := oneOf("acquisition", "format", a.Format, "REAL,32", "ASCii"); err != nil {
		return err
	}
	if err := oneOf("acquisition", "byte order", a.ByteOrder, "LSBFirst", "MSBFirst"); err != nil {
		return err
	}
	if a.ChunkSize < 1 {
		return invalid("acquisition", "chunk size %d must be positive", a.ChunkSize)
	}
	return nil
}

// Order is the binary.ByteOrder named by ByteOrder
func (a AcquisitionSpec) Order() binary.ByteOrder {
	if a.ByteOrder == "MSBFirst" {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (a AcquisitionSpec) formatCommands() []string {
	return []string{
		"FORMat:DATA " + a.Format,
		"FORMat:BORDer " + a.ByteOrder,
	}
}

func (a AcquisitionSpec) commands() ([]string, error) {
	cmds := []string{"ACQuire:TYPE " + a.Type}
	if a.Type == "AVERAGE" {
		cmds = append(cmds, fmt.Sprintf("ACQuire:COUNt %d", a.Averages))
	}
	cmds = append(cmds,
		fmt.Sprintf("ACQuire:POINts %d", a.RecordLength),
		"ACQuire:SRATe "+num(a.SampleRate))
	return append(cmds, a.formatCommands()...), nil
}
