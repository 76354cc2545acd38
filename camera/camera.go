package camera

import (
	"fmt"
	"log"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/synchlab/labctl/sink"
	"github.com/synchlab/labctl/util"
)

const (
	// triggerPoll bounds how long the acquisition loop sleeps between
	// checks for a pending trigger or a shutdown request.
	triggerPoll = 200 * time.Millisecond

	// queuePoll and metaPoll bound the same for the dispatch and
	// metadata loops.
	queuePoll = time.Second
	metaPoll  = time.Second

	// rollExposureNumber is the per-trigger exposure count used while
	// rolling; large enough that triggers are rare, small enough that
	// a roll-off request takes effect promptly.
	rollExposureNumber = 100

	// fpsTolerance is the frame-period slack, in seconds, within which
	// two rolling rates are considered the same.
	fpsTolerance = 0.01
)

// Camera runs the acquisition machinery around one Device.  It owns the
// arm/trigger/readout session, the frame queue and its dispatch to the
// file writer and broadcaster, and the metadata bundle attached to every
// frame.  All exported methods are safe for concurrent use.
type Camera struct {
	name     string
	dev      Device
	caps     Capabilities
	scan     ScanContext
	store    *Store
	basePath string

	writer sink.Sink
	caster sink.Broadcast

	queue *frameQueue

	// enqueueMu orders metadata bundle swaps against frame enqueues so
	// every frame carries the bundle gathered for it.
	enqueueMu sync.Mutex
	metadata  Meta
	localmeta Meta

	doAcquire   *util.Event
	acquireDone *util.Event
	queueEmpty  *util.Event
	grabMeta    *util.Event
	abortFlag   *util.Event

	mu             sync.Mutex
	armed          bool
	rolling        bool
	autoArmed      bool
	stopRolling    bool
	endAcquisition bool
	closing        bool
	filename       string
	scanPath       string
	loopDone       chan struct{}
	stashTime      time.Duration
	stashNum       int

	frameMu   sync.Mutex
	lastFrame Frame
	lastMeta  Meta

	dispatchDone chan struct{}
	metaDone     chan struct{}
}

// New assembles a Camera around dev.  scan may be nil when no manager is
// connected, writer and caster may be nil when saving or broadcasting is
// not wired up, and store may be nil for a memory-only config.  basePath
// is the root under which all save paths are resolved.
func New(name string, dev Device, caps Capabilities, scan ScanContext, store *Store, writer sink.Sink, caster sink.Broadcast, basePath string) *Camera {
	if scan == nil {
		scan = Unmanaged{}
	}
	if store == nil {
		store, _ = NewStore("", DefaultConfig())
	}
	if writer == nil {
		writer = sink.NewMemory()
	}
	c := &Camera{
		name:         name,
		dev:          dev,
		caps:         caps,
		scan:         scan,
		store:        store,
		basePath:     basePath,
		writer:       writer,
		caster:       caster,
		queue:        newFrameQueue(),
		doAcquire:    util.NewEvent(),
		acquireDone:  util.NewEvent(),
		queueEmpty:   util.NewEvent(),
		grabMeta:     util.NewEvent(),
		abortFlag:    util.NewEvent(),
		dispatchDone: make(chan struct{}),
		metaDone:     make(chan struct{}),
	}
	c.queueEmpty.Set()
	cfg := store.Get()
	if mode, err := sink.ParseMode(cfg.SaveMode); err == nil {
		if err := writer.SetMode(mode); err != nil {
			log.Printf("%s: could not set save mode on writer: %v", name, err)
		}
	}
	if cfg.DoBroadcast && caster != nil {
		caster.On()
	}
	go c.dispatchLoop()
	go c.metadataLoop()
	return c
}

// Name returns the camera's registered name.
func (c *Camera) Name() string { return c.name }

// Capabilities returns the static descriptor of the underlying detector.
func (c *Camera) Capabilities() Capabilities { return c.caps }

// Armed reports whether an acquisition session is open.
func (c *Camera) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// Rolling reports whether the camera is in rolling live-view mode.
func (c *Camera) Rolling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rolling
}

// Filename returns the destination of the current or last acquisition.
// It is empty while rolling.
func (c *Camera) Filename() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filename
}

func (c *Camera) setFilename(fn string) {
	c.mu.Lock()
	c.filename = fn
	c.mu.Unlock()
}

// Aborted reports whether the current acquisition was asked to stop.
// Devices poll it from Trigger.
func (c *Camera) Aborted() bool { return c.abortFlag.IsSet() }

// Abort asks the running acquisition to stop as soon as the device allows
// and takes the camera out of rolling mode if it was in it.
func (c *Camera) Abort() {
	log.Printf("%s: aborting acquisition", c.name)
	c.abortFlag.Set()
	if c.Rolling() {
		if err := c.RollOff(); err != nil {
			log.Printf("%s: error leaving rolling mode on abort: %v", c.name, err)
		}
	}
}

// Arm opens an acquisition session: applies any exposure overrides,
// records the scan path, arms the hardware and starts the acquisition
// loop.  Pass zero for expTime or expNum to keep the current settings.
// Arm fails while rolling; call RollOff first.
func (c *Camera) Arm(expTime time.Duration, expNum int) error {
	if c.Rolling() {
		return fmt.Errorf("%s: camera is rolling, cannot arm; roll off first", c.name)
	}
	if c.Armed() {
		log.Printf("%s: already armed, arm is a no-op", c.name)
		return nil
	}
	if err := c.applyExposure(expTime, expNum); err != nil {
		return err
	}
	c.acquireDone.Clear()
	c.doAcquire.Clear()
	path, err := c.scan.ScanPath()
	if err != nil {
		log.Printf("%s: not connected to a manager, scan path unknown", c.name)
		path = ""
	}
	c.mu.Lock()
	c.endAcquisition = false
	c.scanPath = path
	c.mu.Unlock()
	if err := c.dev.Arm(); err != nil {
		return err
	}
	done := make(chan struct{})
	c.mu.Lock()
	c.loopDone = done
	c.armed = true
	c.mu.Unlock()
	go c.acquisitionLoop(done)
	return nil
}

// Disarm closes the acquisition session: stops the acquisition loop,
// waiting for a trigger in flight to complete, then disarms the hardware.
// While rolling it is equivalent to RollOff.
func (c *Camera) Disarm() error {
	c.mu.Lock()
	if c.rolling && !c.stopRolling {
		c.mu.Unlock()
		return c.RollOff()
	}
	c.endAcquisition = true
	done := c.loopDone
	c.mu.Unlock()
	if done != nil {
		<-done
	}
	err := c.dev.Disarm()
	c.mu.Lock()
	c.armed = false
	c.loopDone = nil
	c.mu.Unlock()
	return err
}

// Snap performs one complete acquisition: arms if needed, names the
// output file from the scan or the camera's own counter, triggers, waits
// for the readout, and disarms again if it armed itself.  Overrides of
// zero keep the current exposure settings.  While rolling, or when a
// manager is configured but unreachable, the snap is skipped with a log
// message and no error.
func (c *Camera) Snap(expTime time.Duration, expNum int) error {
	if c.Rolling() {
		log.Printf("%s: camera is rolling, snap ignored", c.name)
		return nil
	}
	inScan, ok := c.scanStatus()
	if !ok {
		log.Printf("%s: could not reach the manager, snap ignored", c.name)
		return nil
	}
	auto := false
	if !c.Armed() {
		auto = true
		if err := c.Arm(expTime, expNum); err != nil {
			return err
		}
	} else if err := c.applyExposure(expTime, expNum); err != nil {
		return err
	}
	c.mu.Lock()
	c.autoArmed = auto
	c.mu.Unlock()
	var prefix, dir string
	if inScan {
		p, err := c.scan.NextPrefix()
		if err != nil {
			return fmt.Errorf("%s: could not obtain scan prefix: %v", c.name, err)
		}
		prefix = p
		c.mu.Lock()
		dir = c.scanPath
		c.mu.Unlock()
	} else {
		cfg := c.store.Get()
		prefix = cfg.FilePrefix
		dir = cfg.SavePath
		if err := c.store.Update(func(cfg *Config) { cfg.Counter++ }); err != nil {
			log.Printf("%s: could not persist snap counter: %v", c.name, err)
		}
	}
	fname, err := c.buildFilename(prefix, dir)
	if err != nil {
		return err
	}
	c.setFilename(fname)
	log.Printf("%s: acquiring to %s", c.name, fname)
	c.grabMeta.Set()
	c.doAcquire.Set()
	c.acquireDone.Wait(0)
	c.acquireDone.Clear()
	if auto {
		c.mu.Lock()
		c.autoArmed = false
		c.mu.Unlock()
		return c.Disarm()
	}
	return nil
}

// RollOn puts the camera in rolling live-view mode at fps frames per
// second, or the configured rate when fps is zero.  Rates beyond the
// detector's maximum are clamped.  Calling it while already rolling at a
// different rate restarts the roll at the new rate.  Broadcasting is
// switched on so the live view is visible.
func (c *Camera) RollOn(fps float64) error {
	c.mu.Lock()
	c.stopRolling = false
	rolling := c.rolling
	c.mu.Unlock()
	if rolling {
		if fps == 0 {
			return nil
		}
		cur, err := c.dev.ExposureTime()
		if err == nil && math.Abs(cur.Seconds()-1/fps) < fpsTolerance {
			log.Printf("%s: already rolling at the requested rate", c.name)
			return nil
		}
		if err := c.RollOff(); err != nil {
			return err
		}
		return c.RollOn(fps)
	}
	cfg := c.store.Get()
	if fps == 0 {
		fps = cfg.RollFPS
		if fps == 0 {
			fps = c.caps.DefaultFPS
		}
	}
	if c.caps.MaxFPS > 0 && fps > c.caps.MaxFPS {
		log.Printf("%s: %g fps beyond detector maximum, clamping to %g", c.name, fps, c.caps.MaxFPS)
		fps = util.Clamp(fps, 0, c.caps.MaxFPS)
	}
	if err := c.store.Update(func(cfg *Config) { cfg.RollFPS = fps }); err != nil {
		log.Printf("%s: could not persist roll rate: %v", c.name, err)
	}
	if c.caster != nil && !c.caster.Enabled() {
		c.LiveOn()
	}
	c.setFilename("")
	stashT, err := c.dev.ExposureTime()
	if err != nil {
		return err
	}
	stashN, err := c.dev.ExposureNumber()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.stashTime = stashT
	c.stashNum = stashN
	c.mu.Unlock()
	if err := c.SetExposureTime(util.SecsToDuration(1 / fps)); err != nil {
		return err
	}
	if err := c.SetExposureNumber(rollExposureNumber); err != nil {
		return err
	}
	if !c.Armed() {
		if err := c.Arm(0, 0); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.rolling = true
	c.mu.Unlock()
	log.Printf("%s: rolling at %g fps", c.name, fps)
	c.grabMeta.Set()
	c.doAcquire.Set()
	return nil
}

// RollOff leaves rolling mode, disarms, and restores the exposure
// settings that were active before RollOn.  A no-op when not rolling.
func (c *Camera) RollOff() error {
	if !c.Rolling() {
		return nil
	}
	c.mu.Lock()
	c.stopRolling = true
	c.mu.Unlock()
	err := c.Disarm()
	c.mu.Lock()
	c.rolling = false
	stashT, stashN := c.stashTime, c.stashNum
	c.mu.Unlock()
	if stashT > 0 {
		if serr := c.SetExposureTime(stashT); serr != nil && err == nil {
			err = serr
		}
	}
	if stashN > 0 {
		if serr := c.SetExposureNumber(stashN); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

// Close shuts the camera down: leaves rolling mode, lets the dispatch
// loop drain the frame queue, then stops the sinks and the config
// watcher.
func (c *Camera) Close() error {
	err := c.RollOff()
	if c.Armed() {
		if derr := c.Disarm(); derr != nil && err == nil {
			err = derr
		}
	}
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	<-c.dispatchDone
	<-c.metaDone
	if serr := c.writer.Stop(); serr != nil && err == nil {
		err = serr
	}
	if c.caster != nil {
		if serr := c.caster.Stop(); serr != nil && err == nil {
			err = serr
		}
	}
	if serr := c.store.Close(); serr != nil && err == nil {
		err = serr
	}
	return err
}

// acquisitionLoop is the armed session's trigger loop.  It waits for a
// pending trigger, opens the output file when not rolling, fires the
// device, and either re-triggers (rolling), closes the file, or exits.
func (c *Camera) acquisitionLoop(done chan struct{}) {
	defer close(done)
	c.abortFlag.Clear()
	for {
		if !c.doAcquire.Wait(triggerPoll) {
			if c.flag(&c.endAcquisition) {
				break
			}
			continue
		}
		c.doAcquire.Clear()
		filename := c.Filename()
		rolling := c.Rolling()
		if !rolling {
			if err := c.writer.Open(filename); err != nil {
				log.Printf("%s: could not open %s on the writer: %v", c.name, filename, err)
			}
		}
		if err := c.dev.Trigger(c); err != nil {
			log.Printf("%s: error during trigger: %v", c.name, err)
			c.acquireDone.Set()
			if rolling {
				c.failRoll()
			} else {
				log.Printf("%s: %s is likely incomplete or corrupt", c.name, filename)
				c.queueEmpty.Wait(0)
				if cerr := c.writer.Close(filename); cerr != nil {
					log.Printf("%s: could not close %s on the writer: %v", c.name, filename, cerr)
				}
			}
			break
		}
		c.acquireDone.Set()
		if c.Rolling() {
			if c.flag(&c.stopRolling) {
				break
			}
			c.grabMeta.Set()
			c.doAcquire.Set()
			continue
		}
		// let dispatch drain the readout before the file is finalized
		c.queueEmpty.Wait(0)
		if err := c.writer.Close(filename); err != nil {
			log.Printf("%s: could not close %s on the writer: %v", c.name, filename, err)
		}
		if c.flag(&c.autoArmed) {
			break
		}
		if r, ok := c.dev.(Rearmer); ok {
			if err := r.Rearm(); err != nil {
				log.Printf("%s: error rearming: %v", c.name, err)
				break
			}
		}
	}
	log.Printf("%s: acquisition loop finished", c.name)
}

// failRoll tears rolling mode down from inside the acquisition loop,
// where Disarm cannot be called because it would wait on the loop itself.
func (c *Camera) failRoll() {
	c.mu.Lock()
	c.stopRolling = true
	c.rolling = false
	c.endAcquisition = true
	stashT, stashN := c.stashTime, c.stashNum
	c.mu.Unlock()
	if stashT > 0 {
		if err := c.SetExposureTime(stashT); err != nil {
			log.Printf("%s: could not restore exposure time: %v", c.name, err)
		}
	}
	if stashN > 0 {
		if err := c.SetExposureNumber(stashN); err != nil {
			log.Printf("%s: could not restore exposure number: %v", c.name, err)
		}
	}
}

// dispatchLoop drains the frame queue, sending frames to the writer when
// saving and to the broadcaster when live view is on.  It exits when the
// camera is closing and the queue is empty, so no accepted frame is lost.
func (c *Camera) dispatchLoop() {
	defer close(c.dispatchDone)
	for {
		item, ok := c.queue.Pop(queuePoll)
		if !ok {
			if c.markQueueEmpty() && c.flag(&c.closing) {
				return
			}
			continue
		}
		cfg := c.store.Get()
		var payload []byte
		if !c.Rolling() && cfg.DoSave {
			payload = item.frame.Bytes()
			if err := c.writer.Store(item.meta, payload); err != nil {
				log.Printf("%s: problem sending a frame to the writer: %v", c.name, err)
			}
		}
		if cfg.DoBroadcast && c.caster != nil {
			if payload == nil {
				payload = item.frame.Bytes()
			}
			if err := c.caster.Store(item.meta, payload); err != nil {
				log.Printf("%s: problem broadcasting a frame: %v", c.name, err)
			}
		}
		c.markQueueEmpty()
	}
}

// markQueueEmpty raises the queue-empty flag, but only if the queue really
// is empty.  Pop can time out in the window between a frame being pushed
// and the dispatch loop being notified; checking under enqueueMu keeps the
// flag from racing ahead of such a frame and letting a file close before
// the frame is stored.
func (c *Camera) markQueueEmpty() bool {
	c.enqueueMu.Lock()
	defer c.enqueueMu.Unlock()
	if c.queue.Len() != 0 {
		return false
	}
	c.queueEmpty.Set()
	return true
}

// metadataLoop refreshes the metadata bundle next frames will carry.  On
// every grab request it queries the scan context for the instrument-wide
// bundle and snapshots this camera's own state, stamped with the
// acquisition start time.
func (c *Camera) metadataLoop() {
	defer close(c.metaDone)
	for {
		if !c.grabMeta.Wait(metaPoll) {
			if c.flag(&c.closing) {
				return
			}
			continue
		}
		c.grabMeta.Clear()
		bundle, err := c.scan.RequestMetadata([]string{c.name})
		if err != nil {
			log.Printf("%s: not connected to a manager, frame metadata will be local only", c.name)
			bundle = nil
		}
		local := c.Metadata()
		local["acquisition_start"] = util.Now()
		c.enqueueMu.Lock()
		if bundle != nil {
			c.metadata = bundle
		}
		c.localmeta = local
		c.enqueueMu.Unlock()
	}
}

// EnqueueFrame accepts a readout from the device, attaches the prepared
// metadata bundle, and queues it for dispatch.  The bundle is consumed:
// later frames of the same trigger carry only what the device supplies
// until the metadata loop prepares a fresh one, so the acquisition start
// stamp is never duplicated across triggers.
func (c *Camera) EnqueueFrame(f Frame, meta Meta) {
	c.enqueueMu.Lock()
	c.queueEmpty.Clear()
	bundle := c.metadata
	local := c.localmeta
	c.metadata = Meta{}
	c.localmeta = Meta{}
	if bundle == nil {
		bundle = Meta{}
	}
	if local == nil {
		local = Meta{}
	}
	for k, v := range meta {
		local[k] = v
	}
	bundle[strings.ToLower(c.name)] = local
	c.queue.Push(frameItem{frame: f, meta: bundle})
	c.enqueueMu.Unlock()
	c.frameMu.Lock()
	c.lastFrame = f
	c.lastMeta = local
	c.frameMu.Unlock()
}

// LastFrame returns the most recent readout and its camera-local
// metadata, for live inspection over HTTP.
func (c *Camera) LastFrame() (Frame, Meta) {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()
	return c.lastFrame, c.lastMeta
}

// Metadata reports the camera's own state for inclusion in frame and
// scan metadata.  It satisfies the manager's provider contract.
func (c *Camera) Metadata() map[string]interface{} {
	cfg := c.store.Get()
	scanName, err := c.scan.ScanName()
	if err != nil {
		scanName = ""
	}
	var scanCounter interface{}
	if n, err := c.scan.Counter(); err == nil {
		scanCounter = n
	}
	expT, _ := c.dev.ExposureTime()
	expN, _ := c.dev.ExposureNumber()
	opMode, _ := c.dev.OperationMode()
	psize := c.PixelSize()
	epsize := c.EffectivePixelSize()
	return map[string]interface{}{
		"detector":        c.name,
		"scan_name":       scanName,
		"scan_counter":    scanCounter,
		"snap_counter":    cfg.Counter,
		"filename":        c.Filename(),
		"exposure_time":   expT.Seconds(),
		"exposure_number": expN,
		"operation_mode":  opMode,
		"psize":           psize,
		"epsize":          epsize,
		"magnification":   cfg.Magnification,
		"shape":           c.caps.Shape,
		"data_type":       c.caps.DataType,
	}
}

// PixelSize returns the physical pixel pitch in micrometers, scaled by
// the current binning.
func (c *Camera) PixelSize() [2]float64 {
	cfg := c.store.Get()
	b := cfg.Binning
	if b.H < 1 {
		b.H = 1
	}
	if b.V < 1 {
		b.V = 1
	}
	return [2]float64{c.caps.PixelSize[0] * float64(b.H), c.caps.PixelSize[1] * float64(b.V)}
}

// EffectivePixelSize returns the pixel pitch at the sample plane, the
// physical pitch divided by the magnification.
func (c *Camera) EffectivePixelSize() [2]float64 {
	cfg := c.store.Get()
	mag := cfg.Magnification
	if mag == 0 {
		mag = 1
	}
	p := c.PixelSize()
	return [2]float64{p[0] / mag, p[1] / mag}
}

// buildFilename resolves prefix under dir and the camera's base path and
// appends the configured format's extension.  Prefixes containing a %
// verb are expanded with the snap counter.
func (c *Camera) buildFilename(prefix, dir string) (string, error) {
	cfg := c.store.Get()
	if strings.Contains(prefix, "%") {
		prefix = fmt.Sprintf(prefix, cfg.Counter)
	}
	full := filepath.Join(c.basePath, dir, prefix)
	switch cfg.FileFormat {
	case FormatHDF5:
		return full + ".h5", nil
	case FormatTIFF:
		return full + ".tif", nil
	}
	return "", fmt.Errorf("%s: unknown file format %q", c.name, cfg.FileFormat)
}

// scanStatus reports whether a scan is running.  ok is false only when a
// manager is configured but cannot be reached; running unmanaged counts
// as reachable with no scan.
func (c *Camera) scanStatus() (inScan, ok bool) {
	name, err := c.scan.ScanName()
	if err != nil {
		if err == ErrNoManager {
			return false, true
		}
		return false, false
	}
	return name != "", true
}

// applyExposure pushes nonzero overrides to the device, skipping values
// that already match.
func (c *Camera) applyExposure(expTime time.Duration, expNum int) error {
	if expTime > 0 {
		cur, err := c.dev.ExposureTime()
		if err != nil || cur != expTime {
			if err := c.SetExposureTime(expTime); err != nil {
				return err
			}
		}
	}
	if expNum > 0 {
		cur, err := c.dev.ExposureNumber()
		if err != nil || cur != expNum {
			if err := c.SetExposureNumber(expNum); err != nil {
				return err
			}
		}
	}
	return nil
}

// flag reads one of the mu-guarded booleans.
func (c *Camera) flag(b *bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *b
}

// WaitQueueEmpty blocks until the dispatch loop has drained the frame
// queue, up to timeout; zero or negative waits forever.  It reports
// whether the queue emptied in time.
func (c *Camera) WaitQueueEmpty(timeout time.Duration) bool {
	return c.queueEmpty.Wait(timeout)
}
