// Package locker provides middleware that reserves an instrument for one
// client.  While held, protected routes answer 423 Locked.
package locker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/mxoscope/generichttp"
	"github.com/nasa-jpl/mxoscope/server"
)

// Inject adds GET and POST /lock to an HTTPer's route table
func Inject(other generichttp.HTTPer, l *Locker) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Status is the body of GET and POST /lock
type Status struct {
	Bool bool `json:"bool"`

	// Owner is free text naming who holds the lock
	Owner string `json:"owner,omitempty"`

	Since time.Time `json:"since"`
}

// Locker is a flag guarding an instrument, like a sync.Mutex that refuses
// instead of blocking
type Locker struct {
	mu    sync.Mutex
	held  bool
	owner string
	since time.Time

	// DoNotProtect is a list of path fragments the lock does not apply to
	DoNotProtect []string
}

// New returns a Locker that leaves /lock and /state reachable
func New() *Locker {
	return &Locker{DoNotProtect: []string{"/lock", "/state"}}
}

// Lock takes the lock on behalf of owner, replacing any previous holder
func (l *Locker) Lock(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = true
	l.owner = owner
	l.since = time.Now()
}

// Unlock releases the lock
func (l *Locker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.owner = ""
	l.since = time.Time{}
}

// Locked reports whether the lock is held
func (l *Locker) Locked() bool {
	return l.Status().Bool
}

// Status returns a snapshot of the lock
func (l *Locker) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{Bool: l.held, Owner: l.owner, Since: l.since}
}

func (l *Locker) protects(path string) bool {
	for _, str := range l.DoNotProtect {
		if strings.Contains(path, str) {
			return false
		}
	}
	return true
}

// Check is middleware that bounces requests to protected routes while the
// lock is held
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if st := l.Status(); st.Bool && l.protects(r.URL.Path) {
			msg := "locked"
			if st.Owner != "" {
				msg = fmt.Sprintf("locked by %s since %s", st.Owner, st.Since.Format(time.RFC3339))
			}
			http.Error(w, msg, http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet takes or releases the lock per a Status body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	st := Status{}
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if st.Bool {
		l.Lock(st.Owner)
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet reports the lock's Status as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	server.RespondJSON(w, l.Status())
}
