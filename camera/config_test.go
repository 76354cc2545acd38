package camera

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v2"
)

func TestStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cam.yml")
	s, err := NewStore(path, DefaultConfig())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	err = s.Update(func(cfg *Config) {
		cfg.Counter = 42
		cfg.FileFormat = FormatTIFF
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	s2, err := NewStore(path, DefaultConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	cfg := s2.Get()
	if cfg.Counter != 42 {
		t.Errorf("counter = %d, want 42", cfg.Counter)
	}
	if cfg.FileFormat != FormatTIFF {
		t.Errorf("file format = %q, want %q", cfg.FileFormat, FormatTIFF)
	}
}

func TestStoreWatchesOutsideEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cam.yml")
	s, err := NewStore(path, DefaultConfig())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()
	cfg := s.Get()
	cfg.ExposureTime = 2.5
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ioutil.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Get().ExposureTime == 2.5 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("outside edit was never folded in")
}

func TestStoreMemoryOnly(t *testing.T) {
	s, err := NewStore("", DefaultConfig())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()
	if err := s.Update(func(cfg *Config) { cfg.Counter = 7 }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if s.Get().Counter != 7 {
		t.Error("memory-only store lost an update")
	}
}

func TestNormalizeFileFormat(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"h5", FormatHDF5, true},
		{"hdf", FormatHDF5, true},
		{"hdf5", FormatHDF5, true},
		{"HDF5", FormatHDF5, true},
		{"tif", FormatTIFF, true},
		{"tiff", FormatTIFF, true},
		{"raw", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeFileFormat(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("NormalizeFileFormat(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("NormalizeFileFormat(%q) should error", tc.in)
		}
	}
}
