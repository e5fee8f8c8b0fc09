// Package generichttp defines interfaces for generic devices
// and an extensible type that wraps them in an HTTP interface
package generichttp

import (
	"encoding/json"
	"errors"
	"go/types"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
)

// MethodPath is a combination of an HTTP method and a path
type MethodPath struct {
	Method, Path string
}

// RouteTable maps method+path combinations to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints returns "METHOD path" for every route, sorted by path
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.Method+" "+k.Path)
	}
	sort.Slice(routes, func(i, j int) bool {
		pi := routes[i][strings.IndexByte(routes[i], ' ')+1:]
		pj := routes[j][strings.IndexByte(routes[j], ' ')+1:]
		if pi == pj {
			return routes[i] < routes[j]
		}
		return pi < pj
	})
	return routes
}

// Bind adds every route to the router
func (rt RouteTable) Bind(r chi.Router) {
	for k, v := range rt {
		r.MethodFunc(k.Method, k.Path, v)
	}
}

// HTTPer is something that holds a route table
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize converts "omc/nkt" into "/omc/nkt", the form chi expects
// for Mount
func SubMuxSanitize(str string) string {
	str = strings.TrimSuffix(str, "*")
	str = strings.TrimSuffix(str, "/")
	if !strings.HasPrefix(str, "/") {
		str = "/" + str
	}
	return str
}

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

// HumanPayload is a struct containing the basic types NKT devices may work with
type HumanPayload struct {
	// T holds the type of data actually contained in the payload
	T types.BasicKind

	Bool   bool
	Int    int
	Float  float64
	String string
}

// EncodeAndRespond writes the payload to w as {"f64": v}, {"int": v},
// {"str": v}, or {"bool": v} depending on T
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Bool:
		v = BoolT{Bool: hp.Bool}
	case types.Int:
		v = IntT{Int: hp.Int}
	case types.Float64:
		v = FloatT{F64: hp.Float}
	case types.String:
		v = StrT{Str: hp.String}
	default:
		http.Error(w, "payload of unsupported type", http.StatusInternalServerError)
		return
	}
	RespondJSON(w, v)
}

// RespondJSON writes v to w as JSON with status 200
func RespondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HTTPStatuser is implemented by errors which know the HTTP status they
// should be reported with
type HTTPStatuser interface {
	HTTPStatus() int
}

// Error replies with err's message.  The status is taken from the first error
// in the chain implementing HTTPStatuser, or is 500.
func Error(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var hs HTTPStatuser
	if errors.As(err, &hs) {
		code = hs.HTTPStatus()
	}
	http.Error(w, err.Error(), code)
}

// GetFloat calls a float-getting function and returns the response
// as json {'f64': value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		if err != nil {
			Error(w, err)
			return
		}
		hp := HumanPayload{T: types.Float64, Float: f}
		hp.EncodeAndRespond(w, r)
	}
}

// SetFloat parses a JSON input of {'f64': value} and
// calls fcn with it
func SetFloat(fcn func(float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := FloatT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(f.F64)
		if err != nil {
			Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			Error(w, err)
			return
		}
		hp := HumanPayload{T: types.String, String: s}
		hp.EncodeAndRespond(w, r)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			Error(w, err)
			return
		}
		hp := HumanPayload{T: types.Bool, Bool: b}
		hp.EncodeAndRespond(w, r)
	}
}

// SetBool parses a JSON input of {'bool': value} and
// calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(b.Bool)
		if err != nil {
			Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
