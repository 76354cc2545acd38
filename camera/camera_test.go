package camera

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/synchlab/labctl/sink"
	"github.com/synchlab/labctl/util"
)

// testCaster is an in-memory stand-in for the live broadcaster.
type testCaster struct {
	mu     sync.Mutex
	on     bool
	frames []sink.StoredFrame
}

func (t *testCaster) Open(name string) error  { return nil }
func (t *testCaster) Close(name string) error { return nil }
func (t *testCaster) SetMode(m sink.Mode) error {
	return nil
}
func (t *testCaster) Stop() error { return nil }
func (t *testCaster) On() {
	t.mu.Lock()
	t.on = true
	t.mu.Unlock()
}
func (t *testCaster) Off() {
	t.mu.Lock()
	t.on = false
	t.mu.Unlock()
}
func (t *testCaster) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.on
}
func (t *testCaster) Store(meta sink.Meta, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, sink.StoredFrame{Meta: meta, Data: data})
	return nil
}
func (t *testCaster) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

// stubScan is a canned ScanContext.
type stubScan struct {
	mu   sync.Mutex
	name string
	path string
	n    int
	err  error
}

func (s *stubScan) ScanPath() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.path, nil
}

func (s *stubScan) ScanName() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.name, nil
}

func (s *stubScan) NextPrefix() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := fmt.Sprintf("%s_%06d", s.name, s.n)
	s.n++
	return p, nil
}

func (s *stubScan) Counter() (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n, nil
}

func (s *stubScan) RequestMetadata(exclude []string) (map[string]interface{}, error) {
	if s.err != nil {
		return nil, s.err
	}
	return map[string]interface{}{"beamline": map[string]interface{}{"energy": 9.7}}, nil
}

func newTestCamera(t *testing.T, scan ScanContext) (*Camera, *Mock, *sink.Memory, *testCaster) {
	t.Helper()
	dev := NewMock()
	store, err := NewStore("", DefaultConfig())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	writer := sink.NewMemory()
	caster := &testCaster{}
	c := New("cam", dev, MockCapabilities, scan, store, writer, caster, "")
	t.Cleanup(func() { c.Close() })
	return c, dev, writer, caster
}

func TestArmDisarmRoundTrip(t *testing.T) {
	c, dev, _, _ := newTestCamera(t, nil)
	if err := c.Arm(0, 0); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if !c.Armed() {
		t.Error("camera should be armed")
	}
	if dev.ArmCalls != 1 {
		t.Errorf("device armed %d times, want 1", dev.ArmCalls)
	}
	if err := c.Disarm(); err != nil {
		t.Fatalf("disarm: %v", err)
	}
	if c.Armed() {
		t.Error("camera should be disarmed")
	}
	// a second disarm must not error or hang
	if err := c.Disarm(); err != nil {
		t.Fatalf("second disarm: %v", err)
	}
}

func TestSnapOutsideScan(t *testing.T) {
	c, dev, writer, _ := newTestCamera(t, nil)
	if err := c.Snap(0, 0); err != nil {
		t.Fatalf("snap: %v", err)
	}
	want := "snaps/snap_000001.h5"
	if got := c.Filename(); got != want {
		t.Errorf("filename = %q, want %q", got, want)
	}
	if !writer.Closed(want) {
		t.Errorf("%s was not closed on the writer", want)
	}
	if n := len(writer.Frames(want)); n != 1 {
		t.Errorf("stored %d frames, want 1", n)
	}
	if c.Armed() {
		t.Error("auto-armed snap should disarm afterwards")
	}
	if dev.ArmCalls != 1 || dev.DisarmCalls != 1 {
		t.Errorf("arm/disarm calls = %d/%d, want 1/1", dev.ArmCalls, dev.DisarmCalls)
	}
	if c.Counter() != 1 {
		t.Errorf("counter = %d, want 1", c.Counter())
	}
	// a second snap continues the sequence
	if err := c.Snap(0, 0); err != nil {
		t.Fatalf("second snap: %v", err)
	}
	if got := c.Filename(); got != "snaps/snap_000002.h5" {
		t.Errorf("second filename = %q", got)
	}
}

func TestSnapKeepsExplicitSession(t *testing.T) {
	c, dev, writer, _ := newTestCamera(t, nil)
	if err := c.Arm(0, 0); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := c.Snap(0, 0); err != nil {
		t.Fatalf("snap: %v", err)
	}
	if !c.Armed() {
		t.Error("explicit session should survive a snap")
	}
	if dev.DisarmCalls != 0 {
		t.Errorf("device disarmed %d times during session", dev.DisarmCalls)
	}
	if err := c.Snap(0, 0); err != nil {
		t.Fatalf("second snap: %v", err)
	}
	if err := c.Disarm(); err != nil {
		t.Fatalf("disarm: %v", err)
	}
	if got := len(writer.Names()); got != 2 {
		t.Errorf("writer saw %d files, want 2", got)
	}
}

func TestSnapInScanUsesManagerPrefix(t *testing.T) {
	scan := &stubScan{name: "000003_26-08-31", path: "inv/exp/000003_26-08-31"}
	c, _, writer, _ := newTestCamera(t, scan)
	if err := c.Snap(0, 0); err != nil {
		t.Fatalf("snap: %v", err)
	}
	want := "inv/exp/000003_26-08-31/000003_26-08-31_000000.h5"
	if got := c.Filename(); got != want {
		t.Errorf("filename = %q, want %q", got, want)
	}
	if err := c.Snap(0, 0); err != nil {
		t.Fatalf("second snap: %v", err)
	}
	want2 := "inv/exp/000003_26-08-31/000003_26-08-31_000001.h5"
	if got := c.Filename(); got != want2 {
		t.Errorf("second filename = %q, want %q", got, want2)
	}
	for _, name := range []string{want, want2} {
		if !writer.Closed(name) {
			t.Errorf("%s was not closed on the writer", name)
		}
	}
	// in-scan snaps do not consume the camera's own counter
	if c.Counter() != 0 {
		t.Errorf("snap counter = %d, want 0", c.Counter())
	}
}

func TestSnapSkippedWhenManagerUnreachable(t *testing.T) {
	scan := &stubScan{err: errors.New("connection refused")}
	c, dev, writer, _ := newTestCamera(t, scan)
	if err := c.Snap(0, 0); err != nil {
		t.Fatalf("snap should be skipped silently, got %v", err)
	}
	if dev.ArmCalls != 0 {
		t.Error("camera armed despite unreachable manager")
	}
	if len(writer.Names()) != 0 {
		t.Error("writer saw files despite skipped snap")
	}
}

func TestSnapMergesMetadata(t *testing.T) {
	scan := &stubScan{}
	c, dev, writer, _ := newTestCamera(t, scan)
	dev.TriggerDelay = 50 * time.Millisecond
	if err := c.Snap(0, 0); err != nil {
		t.Fatalf("snap: %v", err)
	}
	frames := writer.Frames(c.Filename())
	if len(frames) != 1 {
		t.Fatalf("stored %d frames, want 1", len(frames))
	}
	meta := frames[0].Meta
	if _, ok := meta["beamline"]; !ok {
		t.Error("frame metadata missing the instrument bundle")
	}
	local, ok := meta["cam"].(Meta)
	if !ok {
		t.Fatalf("frame metadata missing the camera section: %v", meta)
	}
	if _, ok := local["acquisition_start"]; !ok {
		t.Error("camera section missing acquisition_start")
	}
	if _, ok := local["frame_number"]; !ok {
		t.Error("camera section missing the device's own keys")
	}
	if local["detector"] != "cam" {
		t.Errorf("detector = %v, want cam", local["detector"])
	}
}

func TestMultiExposureStampsOnce(t *testing.T) {
	c, dev, writer, _ := newTestCamera(t, &stubScan{})
	dev.TriggerDelay = 30 * time.Millisecond
	if err := c.Snap(0, 3); err != nil {
		t.Fatalf("snap: %v", err)
	}
	frames := writer.Frames(c.Filename())
	if len(frames) != 3 {
		t.Fatalf("stored %d frames, want 3", len(frames))
	}
	stamped := 0
	for _, fr := range frames {
		local, ok := fr.Meta["cam"].(Meta)
		if !ok {
			t.Fatal("frame missing camera section")
		}
		if _, ok := local["acquisition_start"]; ok {
			stamped++
		}
	}
	if stamped != 1 {
		t.Errorf("%d frames carry acquisition_start, want exactly 1", stamped)
	}
}

func TestRollOnOff(t *testing.T) {
	c, dev, _, caster := newTestCamera(t, nil)
	dev.TriggerDelay = 2 * time.Millisecond
	if err := c.RollOn(20); err != nil {
		t.Fatalf("roll on: %v", err)
	}
	if !c.Rolling() {
		t.Error("camera should be rolling")
	}
	if !caster.Enabled() {
		t.Error("rolling should switch broadcasting on")
	}
	if d, _ := dev.ExposureTime(); d != 50*time.Millisecond {
		t.Errorf("rolling exposure time = %v, want 50ms", d)
	}
	if n, _ := dev.ExposureNumber(); n != rollExposureNumber {
		t.Errorf("rolling exposure number = %d, want %d", n, rollExposureNumber)
	}
	if err := c.RollOff(); err != nil {
		t.Fatalf("roll off: %v", err)
	}
	if c.Rolling() || c.Armed() {
		t.Error("camera should be idle after roll off")
	}
	if d, _ := dev.ExposureTime(); d != 100*time.Millisecond {
		t.Errorf("exposure time not restored: %v", d)
	}
	if n, _ := dev.ExposureNumber(); n != 1 {
		t.Errorf("exposure number not restored: %d", n)
	}
	// roll off again is a no-op
	if err := c.RollOff(); err != nil {
		t.Fatalf("second roll off: %v", err)
	}
}

func TestRollOnIdempotentAtSameRate(t *testing.T) {
	c, dev, _, _ := newTestCamera(t, nil)
	dev.TriggerDelay = 2 * time.Millisecond
	if err := c.RollOn(10); err != nil {
		t.Fatalf("roll on: %v", err)
	}
	if err := c.RollOn(10); err != nil {
		t.Fatalf("repeat roll on: %v", err)
	}
	if dev.ArmCalls != 1 {
		t.Errorf("device armed %d times, want 1", dev.ArmCalls)
	}
	if err := c.RollOn(20); err != nil {
		t.Fatalf("roll on at a new rate: %v", err)
	}
	if dev.ArmCalls != 2 {
		t.Errorf("rate change should restart the roll, arm calls = %d", dev.ArmCalls)
	}
	if d, _ := dev.ExposureTime(); d != 50*time.Millisecond {
		t.Errorf("exposure time after rate change = %v, want 50ms", d)
	}
	if err := c.RollOff(); err != nil {
		t.Fatalf("roll off: %v", err)
	}
}

func TestRollingFramesBroadcastNotSaved(t *testing.T) {
	c, dev, writer, caster := newTestCamera(t, nil)
	dev.TriggerDelay = 5 * time.Millisecond
	if err := c.RollOn(20); err != nil {
		t.Fatalf("roll on: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for caster.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := c.RollOff(); err != nil {
		t.Fatalf("roll off: %v", err)
	}
	if caster.Count() == 0 {
		t.Error("no frames were broadcast while rolling")
	}
	for _, name := range writer.Names() {
		if len(writer.Frames(name)) != 0 {
			t.Errorf("rolling frames were written to %s", name)
		}
	}
}

func TestSnapWhileRollingIgnored(t *testing.T) {
	c, dev, writer, _ := newTestCamera(t, nil)
	dev.TriggerDelay = 2 * time.Millisecond
	if err := c.RollOn(10); err != nil {
		t.Fatalf("roll on: %v", err)
	}
	if err := c.Snap(0, 0); err != nil {
		t.Fatalf("snap while rolling should be silent, got %v", err)
	}
	if len(writer.Names()) != 0 {
		t.Error("snap while rolling reached the writer")
	}
	if err := c.RollOff(); err != nil {
		t.Fatalf("roll off: %v", err)
	}
}

func TestAbortWhileRolling(t *testing.T) {
	c, dev, _, _ := newTestCamera(t, nil)
	dev.TriggerDelay = 5 * time.Millisecond
	if err := c.RollOn(10); err != nil {
		t.Fatalf("roll on: %v", err)
	}
	c.Abort()
	if c.Rolling() {
		t.Error("abort should leave rolling mode")
	}
	if c.Armed() {
		t.Error("abort should disarm")
	}
	if !c.Aborted() {
		t.Error("abort flag should be visible to the device")
	}
	if dev.DisarmCalls == 0 {
		t.Error("device was never disarmed")
	}
}

func TestArmWhileRollingRejected(t *testing.T) {
	c, dev, _, _ := newTestCamera(t, nil)
	dev.TriggerDelay = 2 * time.Millisecond
	if err := c.RollOn(10); err != nil {
		t.Fatalf("roll on: %v", err)
	}
	if err := c.Arm(0, 0); err == nil {
		t.Error("arm while rolling should error")
	}
	if err := c.RollOff(); err != nil {
		t.Fatalf("roll off: %v", err)
	}
}

func TestTriggerErrorClosesFile(t *testing.T) {
	c, dev, writer, _ := newTestCamera(t, nil)
	dev.TriggerErr = errors.New("sensor timeout")
	if err := c.Snap(0, 0); err != nil {
		t.Fatalf("snap: %v", err)
	}
	fname := c.Filename()
	if !writer.Closed(fname) {
		t.Errorf("%s left open after trigger failure", fname)
	}
	if n := len(writer.Frames(fname)); n != 0 {
		t.Errorf("trigger failure stored %d frames", n)
	}
	if c.Armed() {
		t.Error("camera left armed after trigger failure")
	}
}

func TestSnapExposureOverrides(t *testing.T) {
	c, dev, _, _ := newTestCamera(t, nil)
	if err := c.Snap(250*time.Millisecond, 2); err != nil {
		t.Fatalf("snap: %v", err)
	}
	if d, _ := dev.ExposureTime(); d != 250*time.Millisecond {
		t.Errorf("exposure time = %v, want 250ms", d)
	}
	if n, _ := dev.ExposureNumber(); n != 2 {
		t.Errorf("exposure number = %d, want 2", n)
	}
}

func TestBuildFilename(t *testing.T) {
	c, _, _, _ := newTestCamera(t, nil)
	got, err := c.buildFilename("snap_%06d", "snaps")
	if err != nil {
		t.Fatalf("buildFilename: %v", err)
	}
	if got != "snaps/snap_000000.h5" {
		t.Errorf("hdf5 filename = %q", got)
	}
	if err := c.SetFileFormat("tif"); err != nil {
		t.Fatalf("set format: %v", err)
	}
	got, err = c.buildFilename("frame", "d")
	if err != nil {
		t.Fatalf("buildFilename: %v", err)
	}
	if got != "d/frame.tif" {
		t.Errorf("tiff filename = %q", got)
	}
	// an unknown format smuggled into the config is a hard error
	c.store.Update(func(cfg *Config) { cfg.FileFormat = "raw" })
	if _, err := c.buildFilename("frame", "d"); err == nil {
		t.Error("unknown format should fail filename construction")
	}
}

func TestFileFormatAliases(t *testing.T) {
	c, _, _, _ := newTestCamera(t, nil)
	for _, alias := range []string{"h5", "hdf", "HDF5"} {
		if err := c.SetFileFormat(alias); err != nil {
			t.Errorf("SetFileFormat(%q): %v", alias, err)
		}
		if got := c.FileFormat(); got != FormatHDF5 {
			t.Errorf("SetFileFormat(%q) stored %q", alias, got)
		}
	}
	for _, alias := range []string{"tif", "TIFF"} {
		if err := c.SetFileFormat(alias); err != nil {
			t.Errorf("SetFileFormat(%q): %v", alias, err)
		}
		if got := c.FileFormat(); got != FormatTIFF {
			t.Errorf("SetFileFormat(%q) stored %q", alias, got)
		}
	}
	before := c.FileFormat()
	if err := c.SetFileFormat("raw"); err == nil {
		t.Error("SetFileFormat(raw) should error")
	}
	if got := c.FileFormat(); got != before {
		t.Errorf("rejected format changed the config to %q", got)
	}
}

func TestSaveModeRejectsUnknown(t *testing.T) {
	c, _, writer, _ := newTestCamera(t, nil)
	if err := c.SetSaveMode("append"); err != nil {
		t.Fatalf("SetSaveMode(append): %v", err)
	}
	if writer.Mode() != sink.ModeAppend {
		t.Errorf("writer mode = %v, want append", writer.Mode())
	}
	if err := c.SetSaveMode("bogus"); err == nil {
		t.Error("SetSaveMode(bogus) should error")
	}
	if got := c.SaveMode(); got != "append" {
		t.Errorf("rejected mode changed the config to %q", got)
	}
	if writer.Mode() != sink.ModeAppend {
		t.Error("rejected mode reached the writer")
	}
}

func TestRollFPSClamped(t *testing.T) {
	c, dev, _, _ := newTestCamera(t, nil)
	if err := c.SetRollFPS(100); err != nil {
		t.Fatalf("SetRollFPS: %v", err)
	}
	if got := c.RollFPS(); got != MockCapabilities.MaxFPS {
		t.Errorf("roll fps = %g, want clamp to %g", got, MockCapabilities.MaxFPS)
	}
	dev.TriggerDelay = 2 * time.Millisecond
	if err := c.RollOn(100); err != nil {
		t.Fatalf("roll on: %v", err)
	}
	if d, _ := dev.ExposureTime(); d != 50*time.Millisecond {
		t.Errorf("exposure time = %v, want 50ms for the clamped 20 fps", d)
	}
	if err := c.RollOff(); err != nil {
		t.Fatalf("roll off: %v", err)
	}
}

// The queue-empty flag gates file close against pending frames, so it must
// never be raised while a frame sits in the queue, even when the dispatch
// loop's poll expires just as a frame is pushed.
func TestQueueEmptyFlagRequiresEmptyQueue(t *testing.T) {
	c := &Camera{queue: newFrameQueue(), queueEmpty: util.NewEvent()}
	c.queue.Push(frameItem{frame: Frame{Width: 1, Height: 1, Data: []uint16{7}}, meta: Meta{}})
	if c.markQueueEmpty() {
		t.Error("markQueueEmpty reported empty with a frame still queued")
	}
	if c.queueEmpty.Wait(10 * time.Millisecond) {
		t.Error("queue-empty flag raised with a frame still queued")
	}
	if _, ok := c.queue.Pop(time.Millisecond); !ok {
		t.Fatal("could not pop the queued frame")
	}
	if !c.markQueueEmpty() {
		t.Error("markQueueEmpty refused on a drained queue")
	}
	if !c.queueEmpty.Wait(10 * time.Millisecond) {
		t.Error("queue-empty flag not raised on a drained queue")
	}
}

func TestSettingValidation(t *testing.T) {
	c, _, _, _ := newTestCamera(t, nil)
	if err := c.SetExposureNumber(0); err == nil {
		t.Error("exposure number 0 should be rejected")
	}
	if err := c.SetMagnification(-2); err == nil {
		t.Error("negative magnification should be rejected")
	}
	if err := c.SetBinning(Binning{H: 0, V: 1}); err == nil {
		t.Error("zero binning should be rejected")
	}
	if err := c.SetFilePrefix(""); err == nil {
		t.Error("empty file prefix should be rejected")
	}
	if err := c.ResetCounter(-1); err == nil {
		t.Error("negative counter should be rejected")
	}
}

func TestMetadataSnapshot(t *testing.T) {
	scan := &stubScan{name: "000001_26-08-31"}
	c, _, _, _ := newTestCamera(t, scan)
	md := c.Metadata()
	if md["detector"] != "cam" {
		t.Errorf("detector = %v", md["detector"])
	}
	if md["scan_name"] != "000001_26-08-31" {
		t.Errorf("scan_name = %v", md["scan_name"])
	}
	if md["exposure_time"] != 0.1 {
		t.Errorf("exposure_time = %v", md["exposure_time"])
	}
	psize, ok := md["psize"].([2]float64)
	if !ok || psize[0] != 5.5 {
		t.Errorf("psize = %v", md["psize"])
	}
}

func TestEffectivePixelSize(t *testing.T) {
	c, _, _, _ := newTestCamera(t, nil)
	if err := c.SetMagnification(2); err != nil {
		t.Fatalf("set magnification: %v", err)
	}
	got := c.EffectivePixelSize()
	if got[0] != 2.75 || got[1] != 2.75 {
		t.Errorf("effective pixel size = %v, want 2.75", got)
	}
	if err := c.SetBinning(Binning{H: 2, V: 2}); err != nil {
		t.Fatalf("set binning: %v", err)
	}
	if got := c.PixelSize(); got[0] != 11 {
		t.Errorf("binned pixel size = %v, want 11", got)
	}
}

func TestLastFrame(t *testing.T) {
	c, _, _, _ := newTestCamera(t, nil)
	if f, _ := c.LastFrame(); f.Width != 0 {
		t.Error("fresh camera should have no last frame")
	}
	if err := c.Snap(0, 0); err != nil {
		t.Fatalf("snap: %v", err)
	}
	f, meta := c.LastFrame()
	if f.Width != MockCapabilities.Shape[0] || f.Height != MockCapabilities.Shape[1] {
		t.Errorf("last frame shape = %dx%d", f.Width, f.Height)
	}
	if meta["detector"] != "cam" {
		t.Errorf("last frame meta = %v", meta)
	}
}

func TestFrameBytesLittleEndian(t *testing.T) {
	f := Frame{Data: []uint16{0x0102, 0xFFEE}, Width: 2, Height: 1}
	b := f.Bytes()
	want := []byte{0x02, 0x01, 0xEE, 0xFF}
	for i := range want {
		if b[i] != want[i] {
			t.Fatalf("Bytes() = %x, want %x", b, want)
		}
	}
}

func TestMetaSectionKeyLowercased(t *testing.T) {
	dev := NewMock()
	store, _ := NewStore("", DefaultConfig())
	caster := &testCaster{}
	c := New("EyeCam", dev, MockCapabilities, nil, store, sink.NewMemory(), caster, "")
	defer c.Close()
	if err := c.LiveOn(); err != nil {
		t.Fatalf("live on: %v", err)
	}
	c.EnqueueFrame(Frame{Data: []uint16{1}, Width: 1, Height: 1}, Meta{"k": 1})
	deadline := time.Now().Add(2 * time.Second)
	for caster.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if caster.Count() == 0 {
		t.Fatal("enqueued frame was never dispatched")
	}
	caster.mu.Lock()
	meta := caster.frames[0].Meta
	caster.mu.Unlock()
	found := false
	for k := range meta {
		if k == "eyecam" {
			found = true
		} else if strings.EqualFold(k, "eyecam") {
			t.Errorf("camera section key %q is not lowercased", k)
		}
	}
	if !found {
		t.Error("camera section missing from frame metadata")
	}
}
