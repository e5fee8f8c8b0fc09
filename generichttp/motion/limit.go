package motion

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi"
	"github.com/plasmalab/probelab/generichttp"
	"github.com/plasmalab/probelab/util"
)

var (
	errClamped = errors.New("requested position violates software limits, aborted")
)

// LimitMiddleware is a type that can impose axis-specific limits on motion
// it returns a boolean "notOK" that indicates if the limit would be violated
// by a motion, stopping the chain of handling calls
type LimitMiddleware struct {
	// Limits contains the server imposed limits on the controller
	Limits map[string]util.Limiter

	// Mov is a reference to the mover, used to query axis positions
	Mov Mover
}

// Check verifies if a motion would violate the axis limit, if it exists,
// and if it does, responds with StatusBadRequest
// otherwise, flows control to the next handler
func (l *LimitMiddleware) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !(strings.HasSuffix(r.URL.Path, "/pos") || strings.HasSuffix(r.URL.Path, "/move")) {
			next.ServeHTTP(w, r)
			return
		}
		// get the axis to move, and if the motion is relative.  Middleware
		// runs before chi routes, so the axis is taken from the path
		axis, relative, err := axisFromPath(r)
		// bail as early as possible if we don't have a limit for this axis
		limiter, ok := l.lookup(axis)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// get the command
		f := generichttp.FloatT{}
		// downstream functions might want the body...
		// read it all here, then "paste" it back
		bodyContent, _ := io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewBuffer(bodyContent))
		err = json.NewDecoder(bytes.NewReader(bodyContent)).Decode(&f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cmd := f.F64
		if relative {
			// in the relative case, shift the command by currPos
			currPos, err := l.Mov.GetPos(axis)
			if err != nil {
				generichttp.Error(w, err)
				return
			}
			cmd += currPos
		}
		ok = limiter.Check(cmd)
		if !ok {
			http.Error(w, errClamped.Error(), http.StatusBadRequest)
			return
		}
		// at this point, all checks have passed and we can move on
		next.ServeHTTP(w, r)
	})
}

// lookup finds the limits of axis.  Axis names are matched without regard to
// case, as controllers accept them.
func (l *LimitMiddleware) lookup(axis string) (util.Limiter, bool) {
	if lim, ok := l.Limits[axis]; ok {
		return lim, true
	}
	for k, lim := range l.Limits {
		if strings.EqualFold(k, axis) {
			return lim, true
		}
	}
	return util.Limiter{}, false
}

// Inject places a /axis/{axis}/limits route on the table of the HTTPer
func (l LimitMiddleware) Inject(h generichttp.HTTPer) {
	h.RT()[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/limits"}] = Limits(l)
}

// Limits returns an HTTP handler func that returns the limits for an axis
func Limits(l LimitMiddleware) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		lim, ok := l.lookup(axis)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		var err error
		if !ok {
			err = json.NewEncoder(w).Encode(nil)
		} else {
			err = json.NewEncoder(w).Encode(lim)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// axisFromPath pulls the axis out of a .../axis/{axis}/pos or
// .../axis/{axis}/move path.  Moves are always relative.
func axisFromPath(r *http.Request) (string, bool, error) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	axis := ""
	if len(parts) >= 3 && parts[len(parts)-3] == "axis" {
		axis = parts[len(parts)-2]
	}
	if parts[len(parts)-1] == "move" {
		return axis, true, nil
	}
	relative := r.URL.Query().Get("relative")
	if relative == "" {
		return axis, false, nil
	}
	b, err := strconv.ParseBool(relative)
	return axis, b, err
}
