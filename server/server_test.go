package server_test

import (
	"go/types"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nasa-jpl/mxoscope/server"
)

func TestRespondJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	server.RespondJSON(rec, server.FloatT{F64: 1.5})
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "{\"f64\":1.5}\n" {
		t.Errorf("expected {\"f64\":1.5} got %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json got %q", ct)
	}
}

func TestRespondJSONUnencodable(t *testing.T) {
	rec := httptest.NewRecorder()
	server.RespondJSON(rec, []float64{1, math.NaN()})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 got %d", rec.Code)
	}
	if strings.HasPrefix(rec.Body.String(), "[") {
		t.Errorf("expected no partial array got %q", rec.Body.String())
	}
}

func TestHumanPayload(t *testing.T) {
	rec := httptest.NewRecorder()
	hp := server.HumanPayload{T: types.String, String: "MXO44"}
	hp.EncodeAndRespond(rec, nil)
	if got := strings.TrimSpace(rec.Body.String()); got != `{"str":"MXO44"}` {
		t.Errorf("expected {\"str\":\"MXO44\"} got %q", got)
	}
	rec = httptest.NewRecorder()
	hp = server.HumanPayload{T: types.Complex128}
	hp.EncodeAndRespond(rec, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 for an unsupported kind got %d", rec.Code)
	}
}
