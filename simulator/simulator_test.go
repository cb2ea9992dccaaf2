package simulator_test

import (
	"bytes"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/nasa-jpl/mxoscope/arb"
	"github.com/nasa-jpl/mxoscope/comm"
	"github.com/nasa-jpl/mxoscope/fault"
	"github.com/nasa-jpl/mxoscope/mxo"
	"github.com/nasa-jpl/mxoscope/scpi"
	"github.com/nasa-jpl/mxoscope/simulator"
)

type rig struct {
	in    *simulator.Instrument
	scpi  *scpi.SCPI
	scope *mxo.Scope
	hook  *test.Hook
}

// newRig serves a simulator on a loopback port and connects a Scope to it.
// configure runs before the simulator starts serving.
func newRig(t *testing.T, handshaking bool, configure func(*simulator.Instrument)) rig {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	in := simulator.New(log)
	if configure != nil {
		configure(in)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go in.Serve(ln)

	pool := comm.NewPool(1, time.Second, comm.BackingOffTCPConnMaker(ln.Addr().String(), time.Second))
	t.Cleanup(func() { pool.Close() })
	s := scpi.New(pool)
	s.Handshaking = handshaking
	s.Timeout = 2 * time.Second
	s.OPCTimeout = 2 * time.Second
	return rig{in: in, scpi: s, scope: mxo.New(s, log), hook: hook}
}

func (r rig) apply(t *testing.T, settings ...mxo.Setting) {
	t.Helper()
	for _, s := range settings {
		if err := r.scope.Apply(s); err != nil {
			t.Fatalf("applying %s: %v", s.Kind(), err)
		}
	}
}

func TestIdentify(t *testing.T) {
	r := newRig(t, true, nil)
	idn, err := r.scope.Identify()
	if err != nil {
		t.Fatal(err)
	}
	if idn != simulator.Identity {
		t.Errorf("expected %q got %q", simulator.Identity, idn)
	}
}

func TestCaptureDCLevel(t *testing.T) {
	r := newRig(t, true, nil)
	gen := mxo.DefaultGenerator()
	gen.Function = mxo.DC
	gen.Offset = 0.25
	acq := mxo.DefaultAcquisition()
	acq.RecordLength = 100
	r.apply(t, mxo.DefaultChannel(1), gen, mxo.TimebaseSpec{Scale: 1e-4}, acq)

	res, err := r.scope.Capture(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Voltage) != 100 || res.Metadata.SampleCount != 100 {
		t.Fatalf("expected 100 points got %d (metadata %d)", len(res.Voltage), res.Metadata.SampleCount)
	}
	for i, v := range res.Voltage {
		if v != 0.25 {
			t.Fatalf("sample %d: expected 0.25 got %v", i, v)
		}
	}
	if res.Time[5] != 0 {
		t.Errorf("expected the trigger at sample 5, time[5] = %v", res.Time[5])
	}
	if r.scope.State() != mxo.Done {
		t.Errorf("expected state done got %v", r.scope.State())
	}
}

func TestCaptureSineASCIIBigEndianAgree(t *testing.T) {
	r := newRig(t, false, nil)
	gen := mxo.DefaultGenerator()
	gen.Frequency = 1300
	gen.Amplitude = 2
	acq := mxo.DefaultAcquisition()
	acq.RecordLength = 400
	r.apply(t, mxo.DefaultChannel(3), gen, mxo.TimebaseSpec{Scale: 1e-3}, acq)

	bin, err := r.scope.Capture(3)
	if err != nil {
		t.Fatal(err)
	}
	acq.Format = "ASCii"
	r.apply(t, acq)
	ascii, err := r.scope.Capture(3)
	if err != nil {
		t.Fatal(err)
	}
	acq.Format = "REAL,32"
	acq.ByteOrder = "MSBFirst"
	r.apply(t, acq)
	msb, err := r.scope.Capture(3)
	if err != nil {
		t.Fatal(err)
	}
	for i := range bin.Voltage {
		// float32 on the wire
		if math.Abs(bin.Voltage[i]-ascii.Voltage[i]) > 1e-6 || bin.Voltage[i] != msb.Voltage[i] {
			t.Fatalf("sample %d: LSB %v ASCII %v MSB %v", i, bin.Voltage[i], ascii.Voltage[i], msb.Voltage[i])
		}
	}
	st := bin.Stats()
	if st.Max > 1+1e-6 || st.Min < -1-1e-6 || st.PkPk < 1 {
		t.Errorf("expected a 2 Vpp sine, got %+v", st)
	}
}

func TestCaptureDisabledChannel(t *testing.T) {
	r := newRig(t, false, nil)
	_, err := r.scope.Capture(2)
	if !fault.Is(err, fault.Transport) {
		t.Fatalf("expected a transport error got %v", err)
	}
	if r.scope.State() != mxo.Failed {
		t.Errorf("expected state failed got %v", r.scope.State())
	}
	errs := r.in.Errors()
	if len(errs) != 1 || !strings.HasPrefix(errs[0], "-221") {
		t.Errorf("expected a settings conflict queued, got %q", errs)
	}
}

func TestCaptureTimesOut(t *testing.T) {
	r := newRig(t, false, func(in *simulator.Instrument) { in.TriggerDelay = 500 * time.Millisecond })
	r.scpi.OPCTimeout = 50 * time.Millisecond
	r.apply(t, mxo.DefaultChannel(1))
	_, err := r.scope.Capture(1)
	if !fault.Is(err, fault.Timeout) {
		t.Fatalf("expected a timeout got %v", err)
	}
}

func TestHandshakingSurfacesDeviceErrors(t *testing.T) {
	r := newRig(t, true, nil)
	_, err := r.scope.Raw("BOGus:HEADer 1")
	if !fault.Is(err, fault.Transport) {
		t.Fatalf("expected the device to reject the command, got %v", err)
	}
	if !strings.Contains(err.Error(), "-113") {
		t.Errorf("expected the undefined header entry in %q", err)
	}
}

func TestErrorsDrainsDeviceQueue(t *testing.T) {
	r := newRig(t, false, nil)
	for _, cmd := range []string{"BOGus:HEADer 1", "CHANnel1:STATe ON", "MORE:BOGus"} {
		if _, err := r.scope.Raw(cmd); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := r.scope.Errors()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries got %v", entries)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e, "-113") {
			t.Errorf("expected an undefined header entry got %q", e)
		}
	}
	if entries, err = r.scope.Errors(); err != nil || len(entries) != 0 {
		t.Errorf("expected an empty queue after draining, got %v %v", entries, err)
	}
}

func TestArbUploadAndPlayback(t *testing.T) {
	r := newRig(t, true, nil)
	w := arb.Waveform{Samples: []float64{0, 0.5, 1, -1}, SampleRate: 1e6}
	spec := mxo.DefaultArb()
	spec.Waveform = &w
	spec.SampleRate = 2e6
	acq := mxo.DefaultAcquisition()
	acq.RecordLength = 64
	r.apply(t, mxo.DefaultChannel(1), spec, mxo.TimebaseSpec{Scale: 1e-5}, acq)

	stored, ok := r.in.File(mxo.DefaultArbPath)
	if !ok {
		t.Fatal("expected the ARB file on the instrument")
	}
	if want := arb.Serialize(w, 2e6); !bytes.Equal(stored, want) {
		t.Errorf("stored file differs from the serialized waveform\n%s\n%s", stored, want)
	}
	if got := r.in.Setting("WGENerator1:ARBGen:SRATe"); got != "2000000.0" {
		t.Errorf("expected SRATe 2000000.0 got %s", got)
	}

	readings, err := r.scope.ReadBack(spec)
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 6 {
		t.Errorf("expected 6 readings got %d", len(readings))
	}
	for _, rd := range readings {
		if !rd.Match {
			t.Errorf("%s read back %q", rd.Command, rd.Value)
		}
	}

	res, err := r.scope.Capture(1)
	if err != nil {
		t.Fatal(err)
	}
	// the generator's default 1 Vpp scales the +/-1 samples by 0.5
	allowed := map[float64]bool{0: true, 0.25: true, 0.5: true, -0.5: true}
	for i, v := range res.Voltage {
		if !allowed[v] {
			t.Fatalf("sample %d: %v is not a played ARB sample", i, v)
		}
	}
}

func TestReadBackAfterReset(t *testing.T) {
	r := newRig(t, true, nil)
	ch := mxo.DefaultChannel(4)
	ch.Range = 0.2
	ch.Coupling = "AC"
	r.apply(t, ch)
	readings, err := r.scope.ReadBack(ch)
	if err != nil {
		t.Fatal(err)
	}
	for _, rd := range readings {
		if !rd.Match {
			t.Errorf("%s read back %q", rd.Command, rd.Value)
		}
	}
	if err = r.scope.Reset(); err != nil {
		t.Fatal(err)
	}
	readings, err = r.scope.ReadBack(ch)
	if err != nil {
		t.Fatal(err)
	}
	mismatches := 0
	for _, rd := range readings {
		if !rd.Match {
			mismatches++
		}
	}
	if mismatches != 3 {
		t.Errorf("expected state, coupling and range to revert, got %d mismatches", mismatches)
	}
	warned := 0
	for _, e := range r.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "read-back mismatch" {
			warned++
		}
	}
	if warned != 3 {
		t.Errorf("expected 3 mismatch warnings got %d", warned)
	}
}
