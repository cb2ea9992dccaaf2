package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/nasa-jpl/mxoscope/arb"
	"github.com/nasa-jpl/mxoscope/monitor"
	"github.com/nasa-jpl/mxoscope/simulator"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	c := DefaultConfig()
	log, _ := test.NewNullLogger()
	scope, cleanup, err := Connect(c, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cleanup)
	metrics := monitor.New()
	scope.SetObserver(metrics)
	srv := httptest.NewServer(BuildMux(c, scope, metrics))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(b)
}

func post(t *testing.T, url, body string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestMockServerIdentifies(t *testing.T) {
	srv := newServer(t)
	code, body := get(t, srv.URL+"/scope/idn")
	if code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", code, body)
	}
	var idn struct {
		Str string `json:"str"`
	}
	if err := json.Unmarshal([]byte(body), &idn); err != nil {
		t.Fatal(err)
	}
	if idn.Str != simulator.Identity {
		t.Errorf("expected %q got %q", simulator.Identity, idn.Str)
	}
}

func TestEndpointsListsScopeRoutes(t *testing.T) {
	srv := newServer(t)
	_, body := get(t, srv.URL+"/endpoints")
	graph := map[string][]string{}
	if err := json.Unmarshal([]byte(body), &graph); err != nil {
		t.Fatal(err)
	}
	routes := strings.Join(graph["/scope"], " ")
	for _, want := range []string{"/capture/{n}", "/arb", "/lock", "/state"} {
		if !strings.Contains(routes, want) {
			t.Errorf("expected %s in %v", want, graph["/scope"])
		}
	}
}

func TestCaptureIsCountedAndLockHolds(t *testing.T) {
	srv := newServer(t)
	if code := post(t, srv.URL+"/scope/acquisition", `{"recordLength":100}`); code != http.StatusOK {
		t.Fatalf("expected 200 applying acquisition got %d", code)
	}
	code, body := get(t, srv.URL+"/scope/capture/1?format=csv")
	if code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", code, body)
	}
	if !strings.Contains(body, "# points: 100\n") {
		t.Error("expected a 100 point record")
	}
	_, metrics := get(t, srv.URL+"/metrics")
	if !strings.Contains(metrics, `mxo_captures_total{channel="1",result="ok"} 1`) {
		t.Error("expected one successful capture in the metrics")
	}

	if code := post(t, srv.URL+"/scope/lock", `{"bool":true}`); code != http.StatusOK {
		t.Fatalf("expected 200 locking got %d", code)
	}
	if code, _ := get(t, srv.URL+"/scope/capture/1"); code != http.StatusLocked {
		t.Errorf("expected 423 while locked got %d", code)
	}
}

func TestPulseWaveform(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pixels.txt")
	if err := os.WriteFile(path, []byte("0.9\n0.1\n0.5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	p := arb.PulseParams{PixelTime: 2, GapTime: 1, Amplitude: 1, Dt: 1}

	w, err := PulseWaveform(path, 0, p)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{.9, .9, 0, .1, .1, 0, .5, .5, 0}, w.Samples); diff != "" {
		t.Errorf("grayscale pulses (-want +got):\n%s", diff)
	}

	w, err = PulseWaveform(path, arb.DefaultThreshold, p)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{1, 1, 0, 0, 0, 0, 1, 1, 0}, w.Samples); diff != "" {
		t.Errorf("binarized pulses (-want +got):\n%s", diff)
	}
	if w.Duration() != 9e-6 {
		t.Errorf("expected 9 us got %v", w.Duration())
	}
}

func TestPulseWaveformMissingFile(t *testing.T) {
	if _, err := PulseWaveform(filepath.Join(t.TempDir(), "none.txt"), 0, arb.DefaultPulseParams()); err == nil {
		t.Error("expected an error for a missing pixel file")
	}
}
