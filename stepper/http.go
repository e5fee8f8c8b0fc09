package stepper

import (
	"encoding/json"
	"net/http"

	"github.com/plasmalab/probelab/generichttp"
	"github.com/plasmalab/probelab/generichttp/motion"
)

// Status is the JSON view of a controller
type Status struct {
	State    State    `json:"state"`
	Position Position `json:"position"`
	Fault    string   `json:"fault,omitempty"`

	// Limit is the switch that stopped the last move, set only in the
	// limit-reached state
	Limit string `json:"limit,omitempty"`
}

// HTTPStage wraps a Controller in an HTTP interface.  On top of the generic
// motion routes it exposes the protocol state and whole-move outcomes.
type HTTPStage struct {
	motion.HTTPMotionController

	Ctl *Controller
}

// NewHTTPStage returns a new HTTP wrapper with the route table pre-configured
func NewHTTPStage(c *Controller) HTTPStage {
	h := HTTPStage{HTTPMotionController: motion.NewHTTPMotionController(c), Ctl: c}
	rt := h.RouteTable
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/move"}] = h.Move
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/zero"}] = h.Zero
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/state"}] = h.Status
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/reset"}] = h.Reset
	return h
}

// Move performs a relative move of {"f64": mm} and replies with the Outcome.
// A disconnecting client abandons the move between chunks.
func (h HTTPStage) Move(w http.ResponseWriter, r *http.Request) {
	f := generichttp.FloatT{}
	err := json.NewDecoder(r.Body).Decode(&f)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Ctl.checkAxis(chiAxis(r)); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	out, err := h.Ctl.MoveBy(r.Context(), f.F64)
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	generichttp.RespondJSON(w, out)
}

// Zero drives the stage to the negative limit and replies with the Outcome
func (h HTTPStage) Zero(w http.ResponseWriter, r *http.Request) {
	out, err := h.Ctl.Zero(r.Context())
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	generichttp.RespondJSON(w, out)
}

// Status replies with the state, position, last fault, and limit switch
func (h HTTPStage) Status(w http.ResponseWriter, r *http.Request) {
	st := Status{
		State:    h.Ctl.State(),
		Position: h.Ctl.Position(),
		Fault:    h.Ctl.LastFault(),
	}
	if kind, ok := h.Ctl.Limit(); ok {
		st.Limit = kind.String()
	}
	generichttp.RespondJSON(w, st)
}

// Reset clears a fault
func (h HTTPStage) Reset(w http.ResponseWriter, r *http.Request) {
	h.Ctl.Reset()
	w.WriteHeader(http.StatusOK)
}
