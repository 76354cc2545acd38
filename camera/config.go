package camera

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"

	"github.com/synchlab/labctl/sink"
)

// file format names after normalization
const (
	FormatHDF5 = "hdf5"
	FormatTIFF = "tiff"
)

// Config is the persisted state of one camera.  Fields mirror the device
// settings plus the bookkeeping for snaps taken outside a scan.
type Config struct {
	FileFormat     string  `yaml:"file_format" json:"file_format"`
	FilePrefix     string  `yaml:"file_prefix" json:"file_prefix"`
	SavePath       string  `yaml:"save_path" json:"save_path"`
	SaveMode       string  `yaml:"save_mode" json:"save_mode"`
	DoSave         bool    `yaml:"do_save" json:"do_save"`
	DoBroadcast    bool    `yaml:"do_broadcast" json:"do_broadcast"`
	ExposureTime   float64 `yaml:"exposure_time" json:"exposure_time"`
	ExposureNumber int     `yaml:"exposure_number" json:"exposure_number"`
	OperationMode  string  `yaml:"operation_mode" json:"operation_mode"`
	Binning        Binning `yaml:"binning" json:"binning"`
	Magnification  float64 `yaml:"magnification" json:"magnification"`
	RollFPS        float64 `yaml:"roll_fps" json:"roll_fps"`
	Counter        int     `yaml:"counter" json:"counter"`
}

// DefaultConfig returns the config used for a camera that has never been
// run before.
func DefaultConfig() Config {
	return Config{
		FileFormat:     FormatHDF5,
		FilePrefix:     "snap_%06d",
		SavePath:       "snaps",
		SaveMode:       string(sink.ModeSingle),
		DoSave:         true,
		DoBroadcast:    false,
		ExposureTime:   0.1,
		ExposureNumber: 1,
		Binning:        Binning{H: 1, V: 1},
		Magnification:  1,
		RollFPS:        5,
	}
}

// NormalizeFileFormat folds the accepted spellings of a file format into
// its canonical name.
func NormalizeFileFormat(s string) (string, error) {
	switch strings.ToLower(s) {
	case "h5", "hdf", "hdf5":
		return FormatHDF5, nil
	case "tif", "tiff":
		return FormatTIFF, nil
	}
	return "", fmt.Errorf("file format %q not understood, use hdf5 or tiff", s)
}

// Store holds a camera Config, persists changes to a YAML file, and folds
// in edits made to that file by other processes.  A Store with an empty
// path lives purely in memory.
type Store struct {
	path    string
	mu      sync.Mutex
	cfg     Config
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore loads the config at path, falling back to def when the file
// does not exist yet, and begins watching the file for outside edits.
func NewStore(path string, def Config) (*Store, error) {
	s := &Store{path: path, cfg: def}
	if path == "" {
		return s, nil
	}
	if err := s.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := s.save(); err != nil {
			return nil, err
		}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	s.watcher = w
	s.done = make(chan struct{})
	go s.watch()
	return s, nil
}

func (s *Store) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := s.load(); err != nil {
					log.Printf("camera: reload of %s failed: %v", s.path, err)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("camera: config watcher: %v", err)
		case <-s.done:
			return
		}
	}
}

func (s *Store) load() error {
	data, err := ioutil.ReadFile(s.path)
	if err != nil {
		return err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(s.cfg)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(s.path, data, 0644)
}

// Get returns a copy of the current config.
func (s *Store) Get() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Update applies fn to the config under the lock and persists the result.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cfg)
	return s.save()
}

// Close stops the file watcher.  The config stays usable in memory.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	return s.watcher.Close()
}
