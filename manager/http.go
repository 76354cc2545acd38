package manager

import (
	"encoding/json"
	"net/http"

	"github.com/synchlab/labctl/generichttp"
)

// HTTPWrapper exposes a Manager over HTTP
type HTTPWrapper struct {
	*Manager

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns an HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(m *Manager) HTTPWrapper {
	w := HTTPWrapper{Manager: m}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodPost, Path: "/scan/start"}: w.StartScan,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/scan/end"}:   w.EndScan,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/scan/status"}: w.ScanStatus,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/scan/next"}:   generichttp.GetInt(w.Manager.NextScan),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/investigation"}: generichttp.GetString(func() (string, error) {
			return w.Manager.Investigation(), nil
		}),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/investigation"}: generichttp.SetString(w.Manager.SetInvestigation),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/experiment"}: generichttp.GetString(func() (string, error) {
			return w.Manager.Experiment(), nil
		}),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/experiment"}: generichttp.SetString(w.Manager.SetExperiment),
	}
	w.RouteTable = rt
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// StartScan begins a scan, with an optional {"str": label} body
func (h HTTPWrapper) StartScan(w http.ResponseWriter, r *http.Request) {
	s := generichttp.StrT{}
	// an empty body means an unlabeled scan
	json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	info, err := h.Manager.StartScan(s.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// EndScan finalizes the running scan
func (h HTTPWrapper) EndScan(w http.ResponseWriter, r *http.Request) {
	info, err := h.Manager.EndScan()
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// ScanStatus returns information about the current or last scan
func (h HTTPWrapper) ScanStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Manager.Status())
}
