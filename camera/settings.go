package camera

import (
	"fmt"
	"log"
	"time"

	"github.com/synchlab/labctl/sink"
	"github.com/synchlab/labctl/util"
)

// The setters below push the change to the device first and mirror it
// into the persisted config only on success, so the config file always
// reflects hardware state.

// ExposureTime returns the device's exposure time.
func (c *Camera) ExposureTime() (time.Duration, error) {
	return c.dev.ExposureTime()
}

// SetExposureTime sets the exposure time on the device.
func (c *Camera) SetExposureTime(d time.Duration) error {
	if err := c.dev.SetExposureTime(d); err != nil {
		return err
	}
	return c.store.Update(func(cfg *Config) { cfg.ExposureTime = d.Seconds() })
}

// ExposureNumber returns how many exposures one trigger takes.
func (c *Camera) ExposureNumber() (int, error) {
	return c.dev.ExposureNumber()
}

// SetExposureNumber sets how many exposures one trigger takes.
func (c *Camera) SetExposureNumber(n int) error {
	if n < 1 {
		return fmt.Errorf("%s: exposure number must be at least 1, got %d", c.name, n)
	}
	if err := c.dev.SetExposureNumber(n); err != nil {
		return err
	}
	return c.store.Update(func(cfg *Config) { cfg.ExposureNumber = n })
}

// OperationMode returns the device's operation mode.
func (c *Camera) OperationMode() (string, error) {
	return c.dev.OperationMode()
}

// SetOperationMode sets the device's operation mode.
func (c *Camera) SetOperationMode(mode string) error {
	if err := c.dev.SetOperationMode(mode); err != nil {
		return err
	}
	return c.store.Update(func(cfg *Config) { cfg.OperationMode = mode })
}

// GetBinning returns the device's binning.
func (c *Camera) GetBinning() (Binning, error) {
	return c.dev.Binning()
}

// SetBinning sets the device's binning.
func (c *Camera) SetBinning(b Binning) error {
	if b.H < 1 || b.V < 1 {
		return fmt.Errorf("%s: binning factors must be at least 1, got %dx%d", c.name, b.H, b.V)
	}
	if err := c.dev.SetBinning(b); err != nil {
		return err
	}
	return c.store.Update(func(cfg *Config) { cfg.Binning = b })
}

// FileFormat returns the canonical name of the output file format.
func (c *Camera) FileFormat() string { return c.store.Get().FileFormat }

// SetFileFormat sets the output file format, accepting the usual
// spellings (h5, hdf, hdf5, tif, tiff).  Unknown formats are rejected
// and the config is left unchanged.
func (c *Camera) SetFileFormat(s string) error {
	norm, err := NormalizeFileFormat(s)
	if err != nil {
		return err
	}
	return c.store.Update(func(cfg *Config) { cfg.FileFormat = norm })
}

// FilePrefix returns the prefix used for snaps taken outside a scan.
func (c *Camera) FilePrefix() string { return c.store.Get().FilePrefix }

// SetFilePrefix sets the prefix used for snaps taken outside a scan.  A
// % verb in the prefix is expanded with the snap counter.
func (c *Camera) SetFilePrefix(s string) error {
	if s == "" {
		return fmt.Errorf("%s: file prefix cannot be empty", c.name)
	}
	return c.store.Update(func(cfg *Config) { cfg.FilePrefix = s })
}

// SavePath returns the directory, relative to the base path, for snaps
// taken outside a scan.
func (c *Camera) SavePath() string { return c.store.Get().SavePath }

// SetSavePath sets the directory for snaps taken outside a scan.
func (c *Camera) SetSavePath(s string) error {
	return c.store.Update(func(cfg *Config) { cfg.SavePath = s })
}

// SaveMode returns the writer's file layout mode.
func (c *Camera) SaveMode() string { return c.store.Get().SaveMode }

// SetSaveMode sets the writer's file layout mode.  Unknown modes are
// rejected and neither the writer nor the config changes.
func (c *Camera) SetSaveMode(s string) error {
	mode, err := sink.ParseMode(s)
	if err != nil {
		return err
	}
	if err := c.writer.SetMode(mode); err != nil {
		return err
	}
	return c.store.Update(func(cfg *Config) { cfg.SaveMode = string(mode) })
}

// Saving reports whether frames are sent to the file writer.
func (c *Camera) Saving() bool { return c.store.Get().DoSave }

// SetSaving turns sending frames to the file writer on or off.
func (c *Camera) SetSaving(on bool) error {
	return c.store.Update(func(cfg *Config) { cfg.DoSave = on })
}

// Magnification returns the optical magnification between sample and
// sensor.
func (c *Camera) Magnification() float64 { return c.store.Get().Magnification }

// SetMagnification sets the optical magnification.
func (c *Camera) SetMagnification(m float64) error {
	if m <= 0 {
		return fmt.Errorf("%s: magnification must be positive, got %g", c.name, m)
	}
	return c.store.Update(func(cfg *Config) { cfg.Magnification = m })
}

// RollFPS returns the configured rolling frame rate.
func (c *Camera) RollFPS() float64 { return c.store.Get().RollFPS }

// SetRollFPS sets the rolling frame rate, clamped to the detector's
// maximum.
func (c *Camera) SetRollFPS(fps float64) error {
	if fps <= 0 {
		return fmt.Errorf("%s: roll rate must be positive, got %g", c.name, fps)
	}
	if c.caps.MaxFPS > 0 && fps > c.caps.MaxFPS {
		log.Printf("%s: %g fps beyond detector maximum, clamping to %g", c.name, fps, c.caps.MaxFPS)
		fps = util.Clamp(fps, 0, c.caps.MaxFPS)
	}
	return c.store.Update(func(cfg *Config) { cfg.RollFPS = fps })
}

// Counter returns the snap counter used for filenames outside a scan.
func (c *Camera) Counter() int { return c.store.Get().Counter }

// ResetCounter sets the snap counter, usually back to zero.
func (c *Camera) ResetCounter(n int) error {
	if n < 0 {
		return fmt.Errorf("%s: counter cannot be negative, got %d", c.name, n)
	}
	return c.store.Update(func(cfg *Config) { cfg.Counter = n })
}

// Broadcasting reports whether frames are sent to the live broadcaster.
func (c *Camera) Broadcasting() bool { return c.store.Get().DoBroadcast }

// LiveOn starts sending frames to the live broadcaster.
func (c *Camera) LiveOn() error {
	if c.caster != nil {
		c.caster.On()
	}
	return c.store.Update(func(cfg *Config) { cfg.DoBroadcast = true })
}

// LiveOff stops sending frames to the live broadcaster.
func (c *Camera) LiveOff() error {
	if c.caster != nil {
		c.caster.Off()
	}
	return c.store.Update(func(cfg *Config) { cfg.DoBroadcast = false })
}
