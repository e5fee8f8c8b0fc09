// Package locker provides an HTTP middleware which allows an HTTPHandler to be locked, returning 423 (locked)
package locker

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/plasmalab/probelab/generichttp"
)

// Inject adds a lock route to a generichttp.HTTPer which is used to manipulate the locker
func Inject(other generichttp.HTTPer, l *Locker) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker is a type which behaves like a sync.Mutex without the blocking,
// and holds a list of path fragments to not protect
type Locker struct {
	mu       sync.RWMutex
	isLocked bool

	// DoNotProtect is a list of paths not to apply the lock to
	DoNotProtect []string
}

// New returns a new Locker with DoNotProtect prepopulated with "lock" and
// any additional path fragments in unprotected
func New(unprotected ...string) *Locker {
	return &Locker{DoNotProtect: append([]string{"lock"}, unprotected...)}
}

// Lock the locker
func (l *Locker) Lock() {
	l.mu.Lock()
	l.isLocked = true
	l.mu.Unlock()
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.mu.Lock()
	l.isLocked = false
	l.mu.Unlock()
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLocked
}

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is true
// and the request would change something, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	// return a handlerfunc wrapping a handler, middleware/generator pattern
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && r.Method != http.MethodGet {
			// check if the path is protected
			protected := true
			url := r.URL.Path
			for _, str := range l.DoNotProtect {
				if strings.Contains(url, str) {
					protected = false
				}
			}
			// if it is, bounce the request - locked
			if protected {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet calls Lock or Unlock based on json:bool on the request body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	generichttp.GetBool(func() (bool, error) { return l.Locked(), nil })(w, r)
}
