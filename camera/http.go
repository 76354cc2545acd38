package camera

import (
	"encoding/json"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"time"

	"github.com/synchlab/labctl/generichttp"
	"github.com/synchlab/labctl/util"
)

// snapPayload is the optional body of a snap request.  Zero values keep
// the camera's current settings.
type snapPayload struct {
	// ExposureTime overrides the exposure time, in seconds.
	ExposureTime float64 `json:"exposure_time"`

	// ExposureNumber overrides the exposures per trigger.
	ExposureNumber int `json:"exposure_number"`
}

// HTTPCamera exposes a Camera over HTTP.
type HTTPCamera struct {
	C *Camera

	RouteTable generichttp.RouteTable
}

// NewHTTPCamera wraps c with the full acquisition and settings API.
func NewHTTPCamera(c *Camera) HTTPCamera {
	w := HTTPCamera{C: c}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodPost, Path: "/snap"}:     w.Snap,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/arm"}:      w.Arm,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/disarm"}:   w.Disarm,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/abort"}:    w.Abort,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/roll-on"}:  w.RollOn,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/roll-off"}: w.RollOff,

		generichttp.MethodPath{Method: http.MethodGet, Path: "/armed"}:    generichttp.GetBool(func() (bool, error) { return c.Armed(), nil }),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/rolling"}:  generichttp.GetBool(func() (bool, error) { return c.Rolling(), nil }),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/filename"}: generichttp.GetString(func() (string, error) { return c.Filename(), nil }),

		generichttp.MethodPath{Method: http.MethodGet, Path: "/exposure-time"}: generichttp.GetFloat(func() (float64, error) {
			d, err := c.ExposureTime()
			return d.Seconds(), err
		}),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/exposure-time"}: generichttp.SetFloat(func(f float64) error {
			return c.SetExposureTime(util.SecsToDuration(f))
		}),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/exposure-number"}:  generichttp.GetInt(c.ExposureNumber),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/exposure-number"}: generichttp.SetInt(c.SetExposureNumber),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/operation-mode"}:   generichttp.GetString(c.OperationMode),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/operation-mode"}:  generichttp.SetString(c.SetOperationMode),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/binning"}:          w.GetBinning,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/binning"}:         w.SetBinning,

		generichttp.MethodPath{Method: http.MethodGet, Path: "/file-format"}: generichttp.GetString(func() (string, error) { return c.FileFormat(), nil }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/file-format"}: generichttp.SetString(c.SetFileFormat),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/file-prefix"}: generichttp.GetString(func() (string, error) { return c.FilePrefix(), nil }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/file-prefix"}: generichttp.SetString(c.SetFilePrefix),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/save-path"}: generichttp.GetString(func() (string, error) { return c.SavePath(), nil }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/save-path"}: generichttp.SetString(c.SetSavePath),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/save-mode"}: generichttp.GetString(func() (string, error) { return c.SaveMode(), nil }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/save-mode"}: generichttp.SetString(c.SetSaveMode),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/save"}: generichttp.GetBool(func() (bool, error) { return c.Saving(), nil }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/save"}: generichttp.SetBool(c.SetSaving),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/broadcast"}: generichttp.GetBool(func() (bool, error) { return c.Broadcasting(), nil }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/broadcast"}: generichttp.SetBool(func(on bool) error {
			if on {
				return c.LiveOn()
			}
			return c.LiveOff()
		}),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/magnification"}: generichttp.GetFloat(func() (float64, error) { return c.Magnification(), nil }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/magnification"}: generichttp.SetFloat(c.SetMagnification),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/roll-fps"}: generichttp.GetFloat(func() (float64, error) { return c.RollFPS(), nil }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/roll-fps"}: generichttp.SetFloat(c.SetRollFPS),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/counter"}: generichttp.GetInt(func() (int, error) { return c.Counter(), nil }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/counter"}: generichttp.SetInt(c.ResetCounter),

		generichttp.MethodPath{Method: http.MethodGet, Path: "/metadata"}:     w.Metadata,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/capabilities"}: w.Capabilities,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/frame/latest"}: w.LastFrame,
	}
	w.RouteTable = rt
	return w
}

// RT satisfies generichttp.HTTPer.
func (h HTTPCamera) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Snap triggers one acquisition.  The body may carry exposure overrides.
func (h HTTPCamera) Snap(w http.ResponseWriter, r *http.Request) {
	p := snapPayload{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	defer r.Body.Close()
	err := h.C.Snap(util.SecsToDuration(p.ExposureTime), p.ExposureNumber)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"filename": h.C.Filename()})
}

// Arm opens an acquisition session.  The body may carry exposure
// overrides.
func (h HTTPCamera) Arm(w http.ResponseWriter, r *http.Request) {
	p := snapPayload{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	defer r.Body.Close()
	if err := h.C.Arm(util.SecsToDuration(p.ExposureTime), p.ExposureNumber); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Disarm closes the acquisition session.
func (h HTTPCamera) Disarm(w http.ResponseWriter, r *http.Request) {
	if err := h.C.Disarm(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Abort asks the running acquisition to stop.
func (h HTTPCamera) Abort(w http.ResponseWriter, r *http.Request) {
	h.C.Abort()
	w.WriteHeader(http.StatusOK)
}

// RollOn starts rolling mode.  The rate may be given as json {'f64': fps};
// zero or no body uses the configured rate.
func (h HTTPCamera) RollOn(w http.ResponseWriter, r *http.Request) {
	f := generichttp.FloatT{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	defer r.Body.Close()
	if err := h.C.RollOn(f.F64); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// RollOff leaves rolling mode.
func (h HTTPCamera) RollOff(w http.ResponseWriter, r *http.Request) {
	if err := h.C.RollOff(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetBinning returns the binning as json {'h': h, 'v': v}.
func (h HTTPCamera) GetBinning(w http.ResponseWriter, r *http.Request) {
	b, err := h.C.GetBinning()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(b)
}

// SetBinning sets the binning from json {'h': h, 'v': v}.
func (h HTTPCamera) SetBinning(w http.ResponseWriter, r *http.Request) {
	b := Binning{}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if err := h.C.SetBinning(b); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Metadata returns the camera's metadata snapshot as JSON.
func (h HTTPCamera) Metadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.C.Metadata()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Capabilities returns the detector descriptor as JSON.
func (h HTTPCamera) Capabilities(w http.ResponseWriter, r *http.Request) {
	caps := h.C.Capabilities()
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(map[string]interface{}{
		"shape":       caps.Shape,
		"pixel_size":  caps.PixelSize,
		"data_type":   caps.DataType,
		"default_fps": caps.DefaultFPS,
		"max_fps":     caps.MaxFPS,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// LastFrame serves the most recent readout.  The image format may be
// given in the fmt query parameter as jpg, png, or fits; default jpg.
func (h HTTPCamera) LastFrame(w http.ResponseWriter, r *http.Request) {
	f, meta := h.C.LastFrame()
	if f.Width == 0 || f.Height == 0 {
		http.Error(w, "no frame acquired yet", http.StatusNotFound)
		return
	}
	format := r.URL.Query().Get("fmt")
	if format == "" {
		format = "jpg"
	}
	switch format {
	case "jpg":
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		jpeg.Encode(w, gray8(f), nil)
	case "png":
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		png.Encode(w, gray8(f))
	case "fits":
		w.Header().Set("Content-Type", "application/fits")
		ts := time.Now().UTC().Format("2006-01-02T15-04-05")
		w.Header().Set("Content-Disposition", "attachment; filename="+h.C.Name()+"-"+ts+".fits")
		w.WriteHeader(http.StatusOK)
		if err := writeFITS(w, metaCards(meta), f); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	default:
		http.Error(w, "unknown image format "+format, http.StatusBadRequest)
	}
}

// gray8 scales a 16-bit frame to an 8-bit grayscale image for jpg/png.
func gray8(f Frame) *image.Gray {
	buf := make([]byte, len(f.Data))
	for idx := 0; idx < len(f.Data); idx++ {
		buf[idx] = byte(f.Data[idx] / 256)
	}
	return &image.Gray{Pix: buf, Stride: f.Width, Rect: image.Rect(0, 0, f.Width, f.Height)}
}
