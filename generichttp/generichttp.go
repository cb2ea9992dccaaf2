// Package generichttp defines interfaces for generic devices
// and an extensible type that wraps them in an HTTP interface
package generichttp

import (
	"go/types"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/mxoscope/fault"
	"github.com/nasa-jpl/mxoscope/server"
)

// MethodPath is a struct containing an HTTP method and path
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps method-path pairs to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Bind adds every route in the table to r
func (rt RouteTable) Bind(r chi.Router) {
	for mp, hndl := range rt {
		r.MethodFunc(mp.Method, mp.Path, hndl)
	}
}

// Endpoints lists the paths in the table, sorted and without duplicates
func (rt RouteTable) Endpoints() []string {
	seen := map[string]bool{}
	routes := make([]string, 0, len(rt))
	for mp := range rt {
		if !seen[mp.Path] {
			seen[mp.Path] = true
			routes = append(routes, mp.Path)
		}
	}
	sort.Strings(routes)
	return routes
}

// HTTPer is an interface which allows types to yield their route tables
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize converts a URL stem to the form chi expects for a mounted
// router, "omc/nkt/" => "/omc/nkt"
func SubMuxSanitize(str string) string {
	str = strings.TrimSuffix(strings.TrimSuffix(str, "*"), "/")
	if !strings.HasPrefix(str, "/") {
		str = "/" + str
	}
	return str
}

// StatusFor maps a fault kind to the HTTP status reported for it
func StatusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.InvalidArgument, fault.Format:
		return http.StatusBadRequest
	case fault.State:
		return http.StatusConflict
	case fault.Timeout:
		return http.StatusGatewayTimeout
	case fault.Transport:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// WriteError replies with err's message and the status for its fault kind
func WriteError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), StatusFor(err))
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			WriteError(w, err)
			return
		}
		hp := server.HumanPayload{T: types.String, String: s}
		hp.EncodeAndRespond(w, r)
	}
}

// Do calls fcn, which takes no arguments, and replies 200 on success
func Do(fcn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fcn(); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
