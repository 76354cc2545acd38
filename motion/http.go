package motion

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/synchlab/labctl/generichttp"
)

// HTTPWrapper exposes a Controller over HTTP with one subtree per axis.
type HTTPWrapper struct {
	Controller

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table
// pre-configured.
func NewHTTPWrapper(c Controller) HTTPWrapper {
	w := HTTPWrapper{Controller: c}
	rt := generichttp.RouteTable{
		// enable/disable
		generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/enabled"}:  w.GetAxisEnabled,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/enabled"}: w.SetAxisEnabled,

		// home
		generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/home"}: w.HomeAxis,

		// position
		generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/pos"}:  w.GetPos,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/pos"}: w.SetPos,
	}
	if lim, ok := c.(Limiter); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/limits"}] = getLimits(lim)
	}
	w.RouteTable = rt
	return w
}

// RT satisfies generichttp.HTTPer.
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// SetAxisEnabled enables or disables an axis from json {'bool': value}.
func (h HTTPWrapper) SetAxisEnabled(w http.ResponseWriter, r *http.Request) {
	axis := chi.URLParam(r, "axis")
	b := generichttp.BoolT{}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	var err error
	if b.Bool {
		err = h.Controller.Enable(axis)
	} else {
		err = h.Controller.Disable(axis)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetAxisEnabled gets if an axis is enabled or disabled.
func (h HTTPWrapper) GetAxisEnabled(w http.ResponseWriter, r *http.Request) {
	axis := chi.URLParam(r, "axis")
	enabled, err := h.Controller.GetEnabled(axis)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := generichttp.HumanPayload{T: types.Bool, Bool: enabled}
	hp.EncodeAndRespond(w, r)
}

// HomeAxis homes an axis.
func (h HTTPWrapper) HomeAxis(w http.ResponseWriter, r *http.Request) {
	axis := chi.URLParam(r, "axis")
	if err := h.Controller.Home(axis); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetPos gets the absolute position of an axis.
func (h HTTPWrapper) GetPos(w http.ResponseWriter, r *http.Request) {
	axis := chi.URLParam(r, "axis")
	pos, err := h.Controller.GetPos(axis)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := generichttp.HumanPayload{T: types.Float64, Float: pos}
	hp.EncodeAndRespond(w, r)
}

// SetPos moves an axis to the json {'f64': value} position.  A true
// relative query parameter makes the move relative instead of absolute.
func (h HTTPWrapper) SetPos(w http.ResponseWriter, r *http.Request) {
	axis := chi.URLParam(r, "axis")
	relative := false
	if q := r.URL.Query().Get("relative"); q != "" {
		b, err := strconv.ParseBool(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		relative = b
	}
	f := generichttp.FloatT{}
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	var err error
	if relative {
		err = h.Controller.MoveRel(axis, f.F64)
	} else {
		err = h.Controller.MoveAbs(axis, f.F64)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func getLimits(lim Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		lo, hi, err := lim.Limits(axis)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]float64{"low": lo, "high": hi})
	}
}
