// Package scope provides an HTTP interface to an MXO oscilloscope and its
// waveform generator
package scope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"go/types"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/mxoscope/arb"
	"github.com/nasa-jpl/mxoscope/fault"
	"github.com/nasa-jpl/mxoscope/generichttp"
	"github.com/nasa-jpl/mxoscope/mxo"
	"github.com/nasa-jpl/mxoscope/oscilloscope"
	"github.com/nasa-jpl/mxoscope/server"
)

// maxUpload bounds ARB files accepted over HTTP
const maxUpload = 64 << 20

// Device is the subset of *mxo.Scope served over HTTP
type Device interface {
	Apply(mxo.Setting) error
	ReadBack(mxo.Setting) ([]mxo.Reading, error)
	Capture(channel int) (oscilloscope.CaptureResult, error)
	Acquisition() (mxo.AcquisitionSpec, bool)
	Identify() (string, error)
	Reset() error
	Raw(string) (string, error)
	Errors() ([]string, error)
	State() mxo.State
	Busy() string
}

// HTTPScope wraps a Device in an HTTP interface
type HTTPScope struct {
	d Device

	RouteTable generichttp.RouteTable
}

// NewHTTPScope returns a new HTTP wrapper with the route table populated
func NewHTTPScope(d Device) HTTPScope {
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/channel/{n}"}:     SetChannel(d),
		{Method: http.MethodPost, Path: "/trigger"}:         ApplyKind(d, "trigger"),
		{Method: http.MethodPost, Path: "/timebase"}:        ApplyKind(d, "timebase"),
		{Method: http.MethodPost, Path: "/generator"}:       ApplyKind(d, "generator"),
		{Method: http.MethodPost, Path: "/acquisition"}:     ApplyKind(d, "acquisition"),
		{Method: http.MethodGet, Path: "/acquisition"}:      GetAcquisition(d),
		{Method: http.MethodPost, Path: "/arb"}:             UploadArb(d),
		{Method: http.MethodGet, Path: "/capture/{n}"}:      Capture(d),
		{Method: http.MethodPost, Path: "/readback/{kind}"}: ReadBack(d),
		{Method: http.MethodGet, Path: "/idn"}:              generichttp.GetString(d.Identify),
		{Method: http.MethodPost, Path: "/reset"}:           generichttp.Do(d.Reset),
		{Method: http.MethodPost, Path: "/raw"}:             Raw(d),
		{Method: http.MethodGet, Path: "/errors"}:           GetErrors(d),
		{Method: http.MethodGet, Path: "/state"}:            GetState(d),
	}
	return HTTPScope{d: d, RouteTable: rt}
}

// RT satisfies generichttp.HTTPer
func (h HTTPScope) RT() generichttp.RouteTable {
	return h.RouteTable
}

// decode fills v from a JSON request body.  An empty body leaves v as is.
func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fault.E(fault.InvalidArgument, "scope.decode", err)
	}
	return nil
}

// decodeSetting reads a setting of the named kind from the request body,
// starting from that kind's defaults
func decodeSetting(kind string, r *http.Request) (mxo.Setting, error) {
	switch kind {
	case "channel":
		s := mxo.DefaultChannel(1)
		err := decode(r, &s)
		return s, err
	case "trigger":
		s := mxo.DefaultTrigger()
		err := decode(r, &s)
		return s, err
	case "timebase":
		s := mxo.DefaultTimebase()
		err := decode(r, &s)
		return s, err
	case "generator":
		s := mxo.DefaultGenerator()
		err := decode(r, &s)
		return s, err
	case "acquisition":
		s := mxo.DefaultAcquisition()
		err := decode(r, &s)
		return s, err
	case "arb":
		s := mxo.DefaultArb()
		if err := decode(r, &s); err != nil {
			return s, err
		}
		// File names a path on this host; remote clients send samples
		if s.File != "" {
			return nil, fault.Errorf(fault.InvalidArgument, "scope.decode", "arb file paths are not accepted over HTTP, send the waveform")
		}
		return s, nil
	}
	return nil, fault.Errorf(fault.InvalidArgument, "scope.decode", "unknown setting kind %q", kind)
}

func channelParam(r *http.Request) (int, error) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		return 0, fault.E(fault.InvalidArgument, "scope.channel", err)
	}
	return n, nil
}

func apply(w http.ResponseWriter, d Device, s mxo.Setting) {
	if err := d.Apply(s); err != nil {
		generichttp.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SetChannel applies a ChannelSpec to the channel named in the path
func SetChannel(d Device) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := channelParam(r)
		if err != nil {
			generichttp.WriteError(w, err)
			return
		}
		spec := mxo.DefaultChannel(n)
		if err = decode(r, &spec); err != nil {
			generichttp.WriteError(w, err)
			return
		}
		spec.Channel = n
		apply(w, d, spec)
	}
}

// ApplyKind applies a setting of the given kind decoded from the body
func ApplyKind(d Device, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := decodeSetting(kind, r)
		if err != nil {
			generichttp.WriteError(w, err)
			return
		}
		apply(w, d, s)
	}
}

// GetAcquisition returns the last applied AcquisitionSpec, or 404 if none
// has been applied
func GetAcquisition(d Device) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec, ok := d.Acquisition()
		if !ok {
			http.Error(w, "no acquisition settings have been applied", http.StatusNotFound)
			return
		}
		server.RespondJSON(w, spec)
	}
}

// arbQuery reads the optional rate, unit, runmode and path query parameters
func arbQuery(q url.Values, spec *mxo.ArbSpec) error {
	const op = "scope.arb"
	if s := q.Get("rate"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fault.E(fault.InvalidArgument, op, err)
		}
		spec.SampleRate = f
	}
	if s := q.Get("unit"); s != "" {
		u, err := strconv.Atoi(s)
		if err != nil {
			return fault.E(fault.InvalidArgument, op, err)
		}
		spec.Unit = u
	}
	if s := q.Get("runmode"); s != "" {
		spec.RunMode = s
	}
	if s := q.Get("path"); s != "" {
		spec.RemotePath = s
	}
	return nil
}

// arbBody returns the uploaded file, the "file" part of a multipart form or
// else the raw request body
func arbBody(w http.ResponseWriter, r *http.Request) (io.ReadCloser, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUpload); err != nil {
			return nil, fault.E(fault.InvalidArgument, "scope.arb", err)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			return nil, fault.E(fault.InvalidArgument, "scope.arb", err)
		}
		return f, nil
	}
	return http.MaxBytesReader(w, r.Body, maxUpload), nil
}

// UploadArb parses an ARB file from the request and loads it into the
// generator.  Query parameters rate, unit, runmode and path adjust the
// defaults.
func UploadArb(d Device) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec := mxo.DefaultArb()
		if err := arbQuery(r.URL.Query(), &spec); err != nil {
			generichttp.WriteError(w, err)
			return
		}
		body, err := arbBody(w, r)
		if err != nil {
			generichttp.WriteError(w, err)
			return
		}
		defer body.Close()
		wf, err := arb.Parse(body)
		if err != nil {
			generichttp.WriteError(w, err)
			return
		}
		spec.Waveform = &wf
		apply(w, d, spec)
	}
}

// Capture triggers a single acquisition on the channel in the path and
// replies with the record as JSON, or as CSV or FITS per the format query
// parameter
func Capture(d Device) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := channelParam(r)
		if err != nil {
			generichttp.WriteError(w, err)
			return
		}
		format := strings.ToLower(r.URL.Query().Get("format"))
		switch format {
		case "", "json", "csv", "fits":
		default:
			http.Error(w, fmt.Sprintf("format %q not understood, use json, csv or fits", format), http.StatusBadRequest)
			return
		}
		res, err := d.Capture(n)
		if err != nil {
			generichttp.WriteError(w, err)
			return
		}
		var (
			enc   func(io.Writer) error
			ctype string
		)
		switch format {
		case "csv":
			enc, ctype = res.EncodeCSV, "text/csv"
		case "fits":
			enc, ctype = res.EncodeFITS, "application/fits"
		default:
			server.RespondJSON(w, res)
			return
		}
		// encode fully before committing to a 200
		buf := &bytes.Buffer{}
		if err = enc(buf); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", ctype)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=capture-ch%d-%s.%s", n, res.ID, format))
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		w.WriteHeader(http.StatusOK)
		buf.WriteTo(w)
	}
}

// ReadBack queries the instrument for the values a setting writes.  The
// setting is given in the body as for the matching POST route.
func ReadBack(d Device) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := decodeSetting(chi.URLParam(r, "kind"), r)
		if err != nil {
			generichttp.WriteError(w, err)
			return
		}
		readings, err := d.ReadBack(s)
		if err != nil {
			generichttp.WriteError(w, err)
			return
		}
		server.RespondJSON(w, readings)
	}
}

// Raw sends {"str": cmd} to the instrument and replies with the response
func Raw(d Device) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		str := server.StrT{}
		if err := decode(r, &str); err != nil {
			generichttp.WriteError(w, err)
			return
		}
		resp, err := d.Raw(str.Str)
		if err != nil {
			generichttp.WriteError(w, err)
			return
		}
		hp := server.HumanPayload{T: types.String, String: resp}
		hp.EncodeAndRespond(w, r)
	}
}

// GetErrors drains the instrument's error queue and replies with the
// entries as a JSON list, oldest first
func GetErrors(d Device) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := d.Errors()
		if err != nil {
			generichttp.WriteError(w, err)
			return
		}
		if entries == nil {
			entries = []string{}
		}
		server.RespondJSON(w, entries)
	}
}

// StateT is the body of GET /state
type StateT struct {
	State string `json:"state"`

	// Busy names the operation in flight, if any
	Busy string `json:"busy,omitempty"`
}

// GetState reports the capture state machine's phase
func GetState(d Device) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		server.RespondJSON(w, StateT{State: d.State().String(), Busy: d.Busy()})
	}
}
