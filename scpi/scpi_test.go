package scpi_test

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/mxoscope/comm"
	"github.com/nasa-jpl/mxoscope/fault"
	"github.com/nasa-jpl/mxoscope/scpi"
)

// fakeInstrument answers each received line with whatever respond returns;
// a nil response means the line was a command and nothing is sent back
type fakeInstrument struct {
	mu       sync.Mutex
	received []string
	respond  func(line string) []byte
}

func (f *fakeInstrument) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

func startFake(t *testing.T, respond func(string) []byte) (*scpi.SCPI, *fakeInstrument) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	f := &fakeInstrument{respond: respond}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					line = strings.TrimSuffix(line, "\n")
					f.mu.Lock()
					f.received = append(f.received, line)
					f.mu.Unlock()
					if resp := f.respond(line); resp != nil {
						conn.Write(resp)
					}
				}
			}()
		}
	}()
	pool := comm.NewPool(1, time.Second, comm.BackingOffTCPConnMaker(ln.Addr().String(), time.Second))
	s := scpi.New(pool)
	s.Timeout = 500 * time.Millisecond
	s.OPCTimeout = 500 * time.Millisecond
	return s, f
}

func TestWriteAndReadFloat(t *testing.T) {
	s, f := startFake(t, func(line string) []byte {
		if line == "TIM:SCAL?" {
			return []byte("1.0E-4\n")
		}
		return nil
	})
	if err := s.Write("TIM:SCAL", "1.000000E-04"); err != nil {
		t.Fatal(err)
	}
	v, err := s.ReadFloat("TIM:SCAL?")
	if err != nil {
		t.Fatal(err)
	}
	if v != 1e-4 {
		t.Errorf("expected 1e-4 got %v", v)
	}
	if diff := cmp.Diff([]string{"TIM:SCAL 1.000000E-04", "TIM:SCAL?"}, f.lines()); diff != "" {
		t.Errorf("unexpected traffic (-want +got):\n%s", diff)
	}
}

func TestReadIntExponentForm(t *testing.T) {
	s, _ := startFake(t, func(string) []byte { return []byte("1E+3\n") })
	n, err := s.ReadInt("ACQ:POIN?")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1000 {
		t.Errorf("expected 1000 got %d", n)
	}
}

func TestMalformedResponseIsTransport(t *testing.T) {
	s, _ := startFake(t, func(string) []byte { return []byte("banana\n") })
	_, err := s.ReadFloat("CHAN1:RANG?")
	if !fault.Is(err, fault.Transport) {
		t.Errorf("expected Transport error, got %v", err)
	}
}

func TestHandshakingRejectsDeviceError(t *testing.T) {
	s, _ := startFake(t, func(string) []byte { return []byte("-113,\"Undefined header\"\n") })
	s.Handshaking = true
	err := s.Write("BOGUS 1")
	if !fault.Is(err, fault.Transport) {
		t.Errorf("expected device error to be a Transport error, got %v", err)
	}
}

func TestWriteOPC(t *testing.T) {
	s, f := startFake(t, func(line string) []byte {
		if strings.HasSuffix(line, "*OPC?") {
			return []byte("1\n")
		}
		return nil
	})
	if err := s.WriteOPC("RUNsingle"); err != nil {
		t.Fatal(err)
	}
	if got := f.lines(); len(got) != 1 || got[0] != "RUNsingle;*OPC?" {
		t.Errorf("expected RUNsingle;*OPC?, got %v", got)
	}
}

func TestWriteOPCTimesOut(t *testing.T) {
	s, _ := startFake(t, func(string) []byte { return nil })
	s.OPCTimeout = 50 * time.Millisecond
	err := s.WriteOPC("RUNsingle")
	if !fault.Is(err, fault.Timeout) {
		t.Errorf("expected Timeout, got %v", err)
	}
}

func TestReadFloatsBinaryLittleEndian(t *testing.T) {
	values := []float64{0.5, -0.25, 1.5, 0}
	block := scpi.EncodeBlock(scpi.EncodeFloat32(values, binary.LittleEndian))
	s, _ := startFake(t, func(string) []byte { return append(block, '\n') })
	s.SetBinaryTransfer(binary.LittleEndian, 3) // odd chunk size exercises slicing
	got, err := s.ReadFloats("CHAN1:DATA?")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(values, got); diff != "" {
		t.Errorf("decoded values differ (-want +got):\n%s", diff)
	}
}

func TestReadFloatsASCII(t *testing.T) {
	s, _ := startFake(t, func(string) []byte { return []byte("0.1,-0.2,0.3\n") })
	got, err := s.ReadFloats("CHAN1:DATA?")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{0.1, -0.2, 0.3}, got); diff != "" {
		t.Errorf("decoded values differ (-want +got):\n%s", diff)
	}
}

func TestSendFile(t *testing.T) {
	s, f := startFake(t, func(string) []byte { return nil })
	if err := s.SendFile([]byte("Rate = 1.0  // x"), "/home/storage/userData/a.csv"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for len(f.lines()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	want := "MMEMory:DATA '/home/storage/userData/a.csv',#216Rate = 1.0  // x"
	if got := f.lines(); len(got) != 1 || got[0] != want {
		t.Errorf("expected %q got %v", want, got)
	}
}

func TestSendFileHandshakingPopsQueue(t *testing.T) {
	s, f := startFake(t, func(line string) []byte {
		if line == "SYSTem:ERRor?" {
			return []byte("-256,\"File name not found\"\n")
		}
		return nil
	})
	s.Handshaking = true
	err := s.SendFile([]byte("abc"), "/x.csv")
	if !fault.Is(err, fault.Transport) {
		t.Fatalf("expected the queued error as a transport fault, got %v", err)
	}
	want := []string{"MMEMory:DATA '/x.csv',#13abc", "SYSTem:ERRor?"}
	if diff := cmp.Diff(want, f.lines()); diff != "" {
		t.Errorf("traffic differs (-want +got):\n%s", diff)
	}
}

func TestRawSendsUnframed(t *testing.T) {
	s, f := startFake(t, func(line string) []byte {
		switch line {
		case "CHAN1:STAT?":
			return []byte("ON\n")
		case "SYSTem:ERRor?":
			return []byte("0,\"No error\"\n")
		}
		return nil
	})
	s.Handshaking = true
	got, err := s.Raw("CHAN1:STAT?")
	if err != nil {
		t.Fatal(err)
	}
	if got != "ON" {
		t.Errorf("expected ON got %q", got)
	}
	if _, err = s.Raw("CHAN1:STAT OFF"); err != nil {
		t.Fatal(err)
	}
	if !s.Handshaking {
		t.Error("expected Raw to leave Handshaking set")
	}
	want := []string{"CHAN1:STAT?", "SYSTem:ERRor?", "CHAN1:STAT OFF", "SYSTem:ERRor?"}
	if diff := cmp.Diff(want, f.lines()); diff != "" {
		t.Errorf("traffic differs (-want +got):\n%s", diff)
	}
}

func TestAllErrorsDrainsQueue(t *testing.T) {
	queue := []string{"-113,\"Undefined header\"", "-222,\"Data out of range\""}
	var mu sync.Mutex
	s, _ := startFake(t, func(line string) []byte {
		mu.Lock()
		defer mu.Unlock()
		if len(queue) == 0 {
			return []byte("0,\"No error\"\n")
		}
		e := queue[0]
		queue = queue[1:]
		return []byte(e + "\n")
	})
	got, err := s.AllErrors()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"-113,\"Undefined header\"", "-222,\"Data out of range\""}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entries differ (-want +got):\n%s", diff)
	}
}

func TestAllErrorsStopsOnTimeout(t *testing.T) {
	s, _ := startFake(t, func(string) []byte { return nil })
	got, err := s.AllErrors()
	if !fault.Is(err, fault.Timeout) {
		t.Errorf("expected Timeout, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no entries got %v", got)
	}
}

func TestBlockRoundTrip(t *testing.T) {
	payload := []byte("line one\nline two\n")
	r := bufio.NewReader(bytes.NewReader(append(scpi.EncodeBlock(payload), '\n')))
	got, err := scpi.ReadBlock(r, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("expected %q got %q", payload, got)
	}
}

func TestReadBlockRejectsGarbage(t *testing.T) {
	for _, in := range []string{"#x12", "#2-5abcde\n", "#3+10abcdefghij\n", "#2 5abcde\n"} {
		r := bufio.NewReader(strings.NewReader(in))
		_, err := scpi.ReadBlock(r, 10)
		if !fault.Is(err, fault.Transport) {
			t.Errorf("%q: expected Transport error, got %v", in, err)
		}
	}
}

func TestDecodeFloat32BigEndian(t *testing.T) {
	b := scpi.EncodeFloat32([]float64{2, -1}, binary.BigEndian)
	got, err := scpi.DecodeFloat32(b, binary.BigEndian)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 2 || got[1] != -1 {
		t.Errorf("expected [2 -1] got %v", got)
	}
	if _, err := scpi.DecodeFloat32(b[:5], binary.BigEndian); err == nil {
		t.Error("expected ragged block to error")
	}
}

func TestByteOrderNames(t *testing.T) {
	for _, name := range []string{"LSBFirst", "MSBFirst"} {
		o, err := scpi.ParseByteOrder(name)
		if err != nil {
			t.Fatal(err)
		}
		if scpi.ByteOrderName(o) != name {
			t.Errorf("expected %s to round trip, got %s", name, scpi.ByteOrderName(o))
		}
	}
}
