// Package server contains misc server utilities: the JSON payload types
// shared by every HTTP route and helpers for responding with them.
package server

import (
	"encoding/json"
	"go/types"
	"net/http"
)

// FloatT is a struct with a single float64 field, F64
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single int field, Int
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single string field, Str
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single bool field, Bool
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a struct containing the basic types the server
// responds with.  T selects which field is encoded.
type HumanPayload struct {
	Bool   bool
	Float  float64
	Int    int
	String string
	T      types.BasicKind
}

// EncodeAndRespond encodes the payload as {"<kind>": value} and writes it
// to w with a 200 status
func (hp *HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Bool:
		v = BoolT{Bool: hp.Bool}
	case types.Float64:
		v = FloatT{F64: hp.Float}
	case types.Int:
		v = IntT{Int: hp.Int}
	case types.String:
		v = StrT{Str: hp.String}
	default:
		http.Error(w, "unsupported payload kind", http.StatusInternalServerError)
		return
	}
	RespondJSON(w, v)
}

// RespondJSON writes v as JSON with a 200 status, or a 500 if v cannot be
// encoded
func RespondJSON(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(append(b, '\n'))
}
