/*Package sink contains consumers for camera frames.

A Sink receives frames (metadata + raw data) from the camera's dispatch
loop and delivers them somewhere else: the Remote sink hands them to an
out-of-process file writer, the Broadcaster fans them out to network
listeners for live view, and the Memory sink keeps them in RAM for tests.

Sinks are commanded asynchronously; Store returning nil means the frame
was handed off, not that it is durable.
*/
package sink

import "fmt"

// Meta is the metadata attached to a frame
type Meta map[string]interface{}

// Mode describes how the file writer groups frames into files
type Mode string

const (
	// ModeRAM accumulates frames in memory, written out in one file at close
	ModeRAM Mode = "ram"

	// ModeAppend appends frames gradually to a single file
	ModeAppend Mode = "append"

	// ModeSingle writes each frame to its own file with a numeric suffix
	ModeSingle Mode = "single"
)

// ParseMode validates a string as a Mode
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRAM, ModeAppend, ModeSingle:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown saving mode %q", s)
}

// Sink consumes frames
type Sink interface {
	// Open prepares the sink for frames destined to the named file
	Open(name string) error

	// Store delivers one frame; an error indicates transport failure,
	// not a rejected frame
	Store(meta Meta, data []byte) error

	// Close finalizes the named file
	Close(name string) error

	// SetMode changes the file grouping mode
	SetMode(m Mode) error

	// Stop shuts the sink down; it must not be used afterwards
	Stop() error
}

// Broadcast is a sink which can be switched on and off without being torn down
type Broadcast interface {
	Sink

	// On enables delivery
	On()

	// Off disables delivery; Store becomes a no-op
	Off()

	// Enabled reports whether delivery is on
	Enabled() bool
}
