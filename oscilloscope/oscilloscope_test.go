package oscilloscope_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nasa-jpl/mxoscope/oscilloscope"
)

var approx = cmpopts.EquateApprox(0, 1e-15)

func TestScalePrescaled(t *testing.T) {
	res := oscilloscope.Scale([]float64{0.1, -0.2, 0.3}, oscilloscope.Scaling{
		XIncrement: 1e-5, XOrigin: -5e-5, YIncrement: 1, YOrigin: 0, Prescaled: true})
	if diff := cmp.Diff([]float64{-5e-5, -4e-5, -3e-5}, res.Time, approx); diff != "" {
		t.Errorf("time axis (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{0.1, -0.2, 0.3}, res.Voltage); diff != "" {
		t.Errorf("voltage (-want +got):\n%s", diff)
	}
	if res.Metadata.SampleCount != 3 {
		t.Errorf("expected 3 points got %d", res.Metadata.SampleCount)
	}
}

func TestScaleRawCodes(t *testing.T) {
	res := oscilloscope.Scale([]float64{0, 10, -10}, oscilloscope.Scaling{
		XIncrement: 1, YIncrement: 0.1, YOrigin: 0.5})
	if diff := cmp.Diff([]float64{0.5, 1.5, -0.5}, res.Voltage, approx); diff != "" {
		t.Errorf("voltage (-want +got):\n%s", diff)
	}
}

func TestScaleEmpty(t *testing.T) {
	res := oscilloscope.Scale(nil, oscilloscope.Scaling{XIncrement: 1})
	if len(res.Time) != 0 || len(res.Voltage) != 0 || res.Metadata.SampleCount != 0 {
		t.Errorf("expected empty record, got %+v", res)
	}
}

func TestTimebaseCentred(t *testing.T) {
	for _, s := range []float64{1e-9, 2.5e-7, 1e-4, 0.001, 3, 17.3} {
		dx, x0 := oscilloscope.TimebaseAxis(s)
		if x0 != -5*(s/10) {
			t.Errorf("scale %v: expected origin %v got %v", s, -5*(s/10), x0)
		}
		res := oscilloscope.Scale(make([]float64, 12), oscilloscope.Scaling{XIncrement: dx, XOrigin: x0, Prescaled: true})
		if res.Time[5] != 0 {
			t.Errorf("scale %v: expected sample 5 at exactly 0 got %v", s, res.Time[5])
		}
	}
}

func TestVerticalIncrement(t *testing.T) {
	if got := oscilloscope.VerticalIncrement(1); got != 0.1 {
		t.Errorf("expected 0.1 got %v", got)
	}
}

func TestStats(t *testing.T) {
	res := oscilloscope.Scale([]float64{-1, 0, 3}, oscilloscope.Scaling{Prescaled: true})
	want := oscilloscope.Stats{Min: -1, Max: 3, Mean: 2. / 3, PkPk: 4}
	if diff := cmp.Diff(want, res.Stats(), approx); diff != "" {
		t.Errorf("stats (-want +got):\n%s", diff)
	}
}

func TestEncodeCSV(t *testing.T) {
	res := oscilloscope.Scale([]float64{0.1, -0.2}, oscilloscope.Scaling{
		XIncrement: 0.25, XOrigin: -0.5, YIncrement: 1e-5, Prescaled: true})
	res.Channel = 2
	var buf bytes.Buffer
	if err := res.EncodeCSV(&buf); err != nil {
		t.Fatal(err)
	}
	want := strings.Join([]string{
		"# Channel: 2",
		"# x_increment: 0.25",
		"# x_origin: -0.5",
		"# y_increment: 1E-05",
		"# y_origin: 0",
		"# points: 2",
		"Time (s),Voltage (V)",
		"-0.5,0.1",
		"-0.25,-0.2",
		"",
	}, "\n")
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("csv (-want +got):\n%s", diff)
	}
}

func TestEncodeFITS(t *testing.T) {
	res := oscilloscope.Scale([]float64{0.1, -0.2, 0.3}, oscilloscope.Scaling{
		XIncrement: 1e-5, XOrigin: -5e-5, Prescaled: true})
	res.Channel = 1
	var buf bytes.Buffer
	if err := res.EncodeFITS(&buf); err != nil {
		t.Fatal(err)
	}
	f, err := fitsio.Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	tbl, ok := f.HDU(1).(*fitsio.Table)
	if !ok {
		t.Fatalf("expected HDU 1 to be a table, got %T", f.HDU(1))
	}
	if tbl.NumRows() != 3 {
		t.Errorf("expected 3 rows got %d", tbl.NumRows())
	}
	if card := tbl.Header().Get("NPOINTS"); card == nil {
		t.Error("expected NPOINTS header card")
	}
}

func TestDuration(t *testing.T) {
	res := oscilloscope.Scale(make([]float64, 400), oscilloscope.Scaling{XIncrement: 2.5e-9, Prescaled: true})
	if !cmp.Equal(1e-6, res.Duration(), cmpopts.EquateApprox(1e-12, 0)) {
		t.Errorf("expected 1 us got %v", res.Duration())
	}
}

func TestEncodeRejectsRaggedRecord(t *testing.T) {
	res := oscilloscope.Scale([]float64{0.1, 0.2}, oscilloscope.Scaling{XIncrement: 1, Prescaled: true})
	res.Voltage = res.Voltage[:1]
	var buf bytes.Buffer
	if err := res.EncodeCSV(&buf); err == nil {
		t.Error("expected csv to refuse a ragged record")
	}
	if buf.Len() != 0 {
		t.Errorf("expected nothing written got %q", buf.String())
	}
	if err := res.EncodeFITS(&bytes.Buffer{}); err == nil {
		t.Error("expected fits to refuse a ragged record")
	}
}
