package session

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/plasmalab/probelab/filter"
	"github.com/plasmalab/probelab/generichttp"
	"github.com/plasmalab/probelab/langmuir"
	"github.com/plasmalab/probelab/oscilloscope"
	"github.com/plasmalab/probelab/server"
)

// HTTPSession wraps a Session in an HTTP interface
type HTTPSession struct {
	S *Session

	RouteTable generichttp.RouteTable
}

// NewHTTPSession returns a new HTTP wrapper with the route table pre-configured
func NewHTTPSession(s *Session) HTTPSession {
	h := HTTPSession{S: s, RouteTable: generichttp.RouteTable{}}
	h.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: "/measurement"}] = h.Measure
	h.RouteTable[generichttp.MethodPath{Method: http.MethodPost, Path: "/measurement"}] = h.Record
	if s.Archive != nil {
		h.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: "/archive/{file}"}] = h.Archived
	}
	return h
}

// RT satisfies the HTTPer interface
func (h HTTPSession) RT() generichttp.RouteTable {
	return h.RouteTable
}

// analysisError replies 422 for shots that could not be analyzed, which
// are a property of the plasma and not a server fault
func analysisError(w http.ResponseWriter, err error) {
	for _, target := range []error{
		langmuir.ErrNoTriggerDetected,
		langmuir.ErrDegenerateWindow,
		langmuir.ErrNumericInstability,
		filter.ErrInsufficientSamples,
		oscilloscope.ErrEmptyCapture,
	} {
		if errors.Is(err, target) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
	}
	generichttp.Error(w, err)
}

// Measure acquires and analyzes a shot and replies with the Result
func (h HTTPSession) Measure(w http.ResponseWriter, r *http.Request) {
	res, err := h.S.Measure(r.Context())
	if err != nil {
		analysisError(w, err)
		return
	}
	generichttp.RespondJSON(w, res)
}

// Record measures and records a shot tagged with the tag query parameter
// and replies with the Shot
func (h HTTPSession) Record(w http.ResponseWriter, r *http.Request) {
	shot, err := h.S.Record(r.Context(), r.URL.Query().Get("tag"))
	if err != nil {
		analysisError(w, err)
		return
	}
	generichttp.RespondJSON(w, shot)
}

// Archived serves a raw capture saved by the archive
func (h HTTPSession) Archived(w http.ResponseWriter, r *http.Request) {
	server.ReplyWithFile(w, r, chi.URLParam(r, "file"), h.S.Archive.Dir)
}
