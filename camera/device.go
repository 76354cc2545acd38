// Package camera provides the acquisition engine shared by all detectors.
// A hardware driver implements the small Device interface; Camera wraps it
// with arming, triggering, rolling live view, metadata aggregation, and
// delivery of frames to file writers and broadcasters.
package camera

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/synchlab/labctl/sink"
)

// Meta is the free-form metadata attached to a frame.  It is aliased from
// sink so bundles flow to writers and broadcasters without conversion.
type Meta = sink.Meta

// Frame is a single detector readout, row-major, 16 bits per pixel.
type Frame struct {
	Data   []uint16
	Width  int
	Height int
}

// Bytes renders the pixel data little-endian for transmission to a sink.
func (f Frame) Bytes() []byte {
	buf := make([]byte, 2*len(f.Data))
	for i, px := range f.Data {
		binary.LittleEndian.PutUint16(buf[2*i:], px)
	}
	return buf
}

// Binning is an on-chip pixel binning setting.
type Binning struct {
	H int `json:"h" yaml:"h"`
	V int `json:"v" yaml:"v"`
}

// Capabilities describes the fixed properties of one detector model.
type Capabilities struct {
	// Shape is the full sensor size in pixels, (width, height).
	Shape [2]int

	// PixelSize is the physical pixel pitch in micrometers, (x, y).
	PixelSize [2]float64

	// DataType is the numpy-style name of the pixel type, e.g. "uint16".
	DataType string

	// DefaultFPS is the frame rate used for rolling mode when the
	// configuration does not specify one.
	DefaultFPS float64

	// MaxFPS is the fastest frame rate the detector supports; rolling
	// requests beyond it are clamped.
	MaxFPS float64
}

// Settings is the tunable state of a detector.  Implementations talk to
// the hardware; Camera mirrors successful changes into its config file.
type Settings interface {
	ExposureTime() (time.Duration, error)
	SetExposureTime(time.Duration) error
	ExposureNumber() (int, error)
	SetExposureNumber(int) error
	OperationMode() (string, error)
	SetOperationMode(string) error
	Binning() (Binning, error)
	SetBinning(Binning) error
}

// FrameQueuer is the surface a Device sees during a trigger.  EnqueueFrame
// hands a completed readout to the engine; Aborted reports whether the
// current acquisition should be cut short.
type FrameQueuer interface {
	EnqueueFrame(Frame, Meta)
	Aborted() bool
}

// Device is the hardware-specific half of a camera.  Trigger blocks for
// the duration of one (multi-)exposure and enqueues the resulting frames
// on q, polling q.Aborted between exposures where the hardware allows.
type Device interface {
	Settings
	Arm() error
	Disarm() error
	Trigger(q FrameQueuer) error
}

// Rearmer is implemented by devices whose hardware must be re-armed after
// every trigger rather than staying armed across a session.
type Rearmer interface {
	Rearm() error
}

// ErrNoManager is returned by Unmanaged for every query.
var ErrNoManager = errors.New("camera: not connected to a manager")

// ScanContext supplies scan bookkeeping to a camera: where frames of the
// current scan belong on disk, what they are called, and what the rest of
// the instrument looks like at acquisition time.  manager.Manager
// implements it; Unmanaged stands in when no manager is wired up.
type ScanContext interface {
	// ScanPath returns the scan directory relative to the data root, or
	// "" when no scan is running.
	ScanPath() (string, error)

	// ScanName returns the name of the running scan, or "".
	ScanName() (string, error)

	// NextPrefix returns the next in-scan file prefix and advances the
	// scan counter.
	NextPrefix() (string, error)

	// Counter returns the current scan counter.  It errors when no scan
	// is running.
	Counter() (int, error)

	// RequestMetadata collects metadata from every registered provider
	// except those named in exclude.
	RequestMetadata(exclude []string) (map[string]interface{}, error)
}

// Unmanaged is the ScanContext of a camera running without a manager.
// Every method reports ErrNoManager; snaps fall back to the camera's own
// prefix, counter and save path.
type Unmanaged struct{}

func (Unmanaged) ScanPath() (string, error) { return "", ErrNoManager }
func (Unmanaged) ScanName() (string, error) { return "", ErrNoManager }
func (Unmanaged) NextPrefix() (string, error) {
	return "", ErrNoManager
}
func (Unmanaged) Counter() (int, error) { return 0, ErrNoManager }
func (Unmanaged) RequestMetadata(exclude []string) (map[string]interface{}, error) {
	return nil, ErrNoManager
}
