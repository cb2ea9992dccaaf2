package simulator

import (
	"bufio"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestParseHeader(t *testing.T) {
	cases := []struct {
		in      string
		pattern string
		key     string
		query   bool
	}{
		{"CHANnel2:DATA?", "CHAN#:DATA", "CHAN2:DATA", true},
		{":CHAN:RANG", "CHAN#:RANG", "CHAN1:RANG", false},
		{"TRIGger:EVENt1:LEVel1:VALue", "TRIG:EVEN#:LEV#:VAL", "TRIG:EVEN1:LEV1:VAL", false},
		{"WGENerator2:ARBGen:SRATe?", "WGEN#:ARBG:SRAT", "WGEN2:ARBG:SRAT", true},
		{"*idn?", "*IDN", "*IDN", true},
		{"SYSTem:ERRor?", "SYST:ERR", "SYST:ERR", true},
	}
	for _, c := range cases {
		h := parseHeader(c.in)
		if h.pattern != c.pattern || h.key != c.key || h.query != c.query {
			t.Errorf("%s: expected %s %s %v got %s %s %v", c.in, c.pattern, c.key, c.query, h.pattern, h.key, h.query)
		}
	}
}

func TestShortValue(t *testing.T) {
	cases := map[string]string{
		"SINusoid":     "SIN",
		"LSBFirst":     "LSBF",
		"REAL,32":      "REAL,32",
		"1.000000E-04": "1.000000E-04",
		"'/a/b.csv'":   "'/a/b.csv'",
		"ON":           "ON",
	}
	for in, want := range cases {
		if got := shortValue(in); got != want {
			t.Errorf("%s: expected %s got %s", in, want, got)
		}
	}
	if !sameMnemonic("arbg", "ARBGenerator") || !sameMnemonic("ARBGENERATOR", "ARBGenerator") {
		t.Error("expected short and long forms to match in any case")
	}
}

func TestProcessJoinsResponses(t *testing.T) {
	log, _ := test.NewNullLogger()
	in := New(log)
	if resp := in.process("*CLS; CHANnel1:STATe ON ;:SYSTem:ERRor?"); string(resp) != `0,"No error"` {
		t.Errorf("expected an empty error queue got %q", resp)
	}
	resp := in.process("CHAN1:STAT?;CHAN1:COUP?;NOPE?;SYST:ERR?")
	want := `ON;DC;-113,"Undefined header, NOPE?"`
	if string(resp) != want {
		t.Errorf("expected %q got %q", want, resp)
	}
}

func TestReadMessageSpansBlock(t *testing.T) {
	payload := "Rate = 1.0  // c\n0.5\n"
	wire := "MMEM:DATA '/f.csv',#221" + payload + "\n*IDN?\n"
	r := bufio.NewReader(strings.NewReader(wire))
	first, err := readMessage(r)
	if err != nil {
		t.Fatal(err)
	}
	if first != "MMEM:DATA '/f.csv',#221"+payload {
		t.Errorf("block message was cut short: %q", first)
	}
	second, err := readMessage(r)
	if err != nil {
		t.Fatal(err)
	}
	if second != "*IDN?" {
		t.Errorf("expected *IDN? got %q", second)
	}

	log, _ := test.NewNullLogger()
	in := New(log)
	in.process(first)
	got, _ := in.File("/f.csv")
	if diff := cmp.Diff(payload, string(got)); diff != "" {
		t.Errorf("stored file differs (-want +got):\n%s", diff)
	}
}
