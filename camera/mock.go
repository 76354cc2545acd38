package camera

import (
	"fmt"
	"sync"
	"time"
)

// MockCapabilities is the descriptor used by Mock devices.
var MockCapabilities = Capabilities{
	Shape:      [2]int{64, 48},
	PixelSize:  [2]float64{5.5, 5.5},
	DataType:   "uint16",
	DefaultFPS: 5,
	MaxFPS:     20,
}

// Mock is a software detector.  Triggers produce ramp images whose first
// pixel counts frames, so tests can tell readouts apart.  TriggerErr and
// TriggerDelay make failures and slow hardware reproducible.
type Mock struct {
	mu      sync.Mutex
	expTime time.Duration
	expNum  int
	opMode  string
	binning Binning
	frameNo uint16

	armed        bool
	ArmCalls     int
	DisarmCalls  int
	TriggerCalls int

	// TriggerErr, when non-nil, is returned by the next Trigger.
	TriggerErr error

	// TriggerDelay is slept per exposure to emulate integration time.
	TriggerDelay time.Duration
}

// NewMock returns a Mock with one 100ms exposure per trigger.
func NewMock() *Mock {
	return &Mock{
		expTime: 100 * time.Millisecond,
		expNum:  1,
		opMode:  "default",
		binning: Binning{H: 1, V: 1},
	}
}

func (m *Mock) ExposureTime() (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expTime, nil
}

func (m *Mock) SetExposureTime(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("mock: exposure time must be positive")
	}
	m.mu.Lock()
	m.expTime = d
	m.mu.Unlock()
	return nil
}

func (m *Mock) ExposureNumber() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expNum, nil
}

func (m *Mock) SetExposureNumber(n int) error {
	if n < 1 {
		return fmt.Errorf("mock: exposure number must be at least 1")
	}
	m.mu.Lock()
	m.expNum = n
	m.mu.Unlock()
	return nil
}

func (m *Mock) OperationMode() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opMode, nil
}

func (m *Mock) SetOperationMode(mode string) error {
	m.mu.Lock()
	m.opMode = mode
	m.mu.Unlock()
	return nil
}

func (m *Mock) Binning() (Binning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.binning, nil
}

func (m *Mock) SetBinning(b Binning) error {
	m.mu.Lock()
	m.binning = b
	m.mu.Unlock()
	return nil
}

func (m *Mock) Arm() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ArmCalls++
	m.armed = true
	return nil
}

func (m *Mock) Disarm() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DisarmCalls++
	m.armed = false
	return nil
}

// Trigger enqueues one frame per configured exposure, or fails with
// TriggerErr.  Abort requests take effect between exposures, ending the
// trigger early without error.
func (m *Mock) Trigger(q FrameQueuer) error {
	m.mu.Lock()
	m.TriggerCalls++
	err := m.TriggerErr
	num := m.expNum
	delay := m.TriggerDelay
	m.mu.Unlock()
	if err != nil {
		return err
	}
	for i := 0; i < num; i++ {
		if q.Aborted() {
			return nil
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		q.EnqueueFrame(m.frame(), Meta{"frame_number": int(m.frameNumber())})
	}
	return nil
}

func (m *Mock) frameNumber() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.frameNo
	m.frameNo++
	return n
}

func (m *Mock) frame() Frame {
	w, h := MockCapabilities.Shape[0], MockCapabilities.Shape[1]
	m.mu.Lock()
	n := m.frameNo
	m.mu.Unlock()
	data := make([]uint16, w*h)
	for i := range data {
		data[i] = uint16(i)
	}
	data[0] = n
	return Frame{Data: data, Width: w, Height: h}
}
