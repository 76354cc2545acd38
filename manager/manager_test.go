package manager_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/synchlab/labctl/manager"
)

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := manager.New(dir, filepath.Join(dir, "manager.yml"))
	if err != nil {
		t.Fatalf("could not create manager: %v", err)
	}
	if err := m.SetInvestigation("speckle"); err != nil {
		t.Fatalf("could not set investigation: %v", err)
	}
	if err := m.SetExperiment("run1"); err != nil {
		t.Fatalf("could not set experiment: %v", err)
	}
	return m
}

func TestScanLifecycle(t *testing.T) {
	m := newTestManager(t)
	info, err := m.StartScan("dark")
	if err != nil {
		t.Fatalf("start scan failed: %v", err)
	}
	if info.ScanNumber != 0 {
		t.Errorf("first scan number should be 0, got %d", info.ScanNumber)
	}
	if !strings.HasPrefix(info.ScanName, "000000_") || !strings.HasSuffix(info.ScanName, "_dark") {
		t.Errorf("malformed scan name %q", info.ScanName)
	}
	if !m.Scanning() {
		t.Error("manager not scanning after StartScan")
	}
	if _, err := m.StartScan(""); err == nil {
		t.Error("second StartScan while running should error")
	}
	out, err := m.EndScan()
	if err != nil {
		t.Fatalf("end scan failed: %v", err)
	}
	if out.EndTime == "" {
		t.Error("end time not stamped")
	}
	if _, err := m.EndScan(); err == nil {
		t.Error("EndScan without a scan should error")
	}
}

func TestScanNumbersIncrement(t *testing.T) {
	m := newTestManager(t)
	for want := 0; want < 3; want++ {
		info, err := m.StartScan("")
		if err != nil {
			t.Fatalf("start scan %d failed: %v", want, err)
		}
		if info.ScanNumber != want {
			t.Errorf("expected scan number %d, got %d", want, info.ScanNumber)
		}
		m.EndScan()
	}
}

func TestNextPrefixMonotonic(t *testing.T) {
	m := newTestManager(t)
	info, err := m.StartScan("")
	if err != nil {
		t.Fatalf("start scan failed: %v", err)
	}
	defer m.EndScan()
	p0, err := m.NextPrefix()
	if err != nil {
		t.Fatalf("next prefix failed: %v", err)
	}
	p1, err := m.NextPrefix()
	if err != nil {
		t.Fatalf("next prefix failed: %v", err)
	}
	if p0 != info.ScanName+"_000000" {
		t.Errorf("unexpected first prefix %q", p0)
	}
	if p1 != info.ScanName+"_000001" {
		t.Errorf("unexpected second prefix %q", p1)
	}
	if c, _ := m.Counter(); c != 2 {
		t.Errorf("counter should be 2 after two prefixes, got %d", c)
	}
}

func TestNextPrefixOutsideScanErrors(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.NextPrefix(); err == nil {
		t.Error("NextPrefix without a scan should error")
	}
	if _, err := m.Counter(); err == nil {
		t.Error("Counter without a scan should error")
	}
}

func TestScanPathEmptyOutsideScan(t *testing.T) {
	m := newTestManager(t)
	p, err := m.ScanPath()
	if err != nil {
		t.Fatalf("scan path errored: %v", err)
	}
	if p != "" {
		t.Errorf("expected empty scan path outside scan, got %q", p)
	}
	info, _ := m.StartScan("")
	defer m.EndScan()
	p, err = m.ScanPath()
	if err != nil {
		t.Fatalf("scan path errored: %v", err)
	}
	want := filepath.Join("speckle", "run1", info.ScanName)
	if p != want {
		t.Errorf("expected %q, got %q", want, p)
	}
}

func TestInvalidNamesRejected(t *testing.T) {
	dir := t.TempDir()
	m, _ := manager.New(dir, "")
	for _, bad := range []string{"", "has space", "sla/sh", "dots.."} {
		if err := m.SetInvestigation(bad); err == nil {
			t.Errorf("investigation %q accepted", bad)
		}
	}
	if err := m.SetExperiment("run1"); err == nil {
		t.Error("experiment accepted without investigation")
	}
}

func TestNamesFrozenDuringScan(t *testing.T) {
	m := newTestManager(t)
	m.StartScan("")
	defer m.EndScan()
	if err := m.SetInvestigation("other"); err == nil {
		t.Error("investigation change accepted mid-scan")
	}
	if err := m.SetExperiment("other"); err == nil {
		t.Error("experiment change accepted mid-scan")
	}
}

func TestListScansSkipsAlienDirs(t *testing.T) {
	m := newTestManager(t)
	info, _ := m.StartScan("flat")
	m.EndScan()
	// drop an alien directory next to the scan
	alien := filepath.Join(m.BasePath(), "speckle", "run1", "notascan")
	if err := os.MkdirAll(alien, 0755); err != nil {
		t.Fatal(err)
	}
	scans, err := manager.ListScans(m.BasePath(), "speckle", "run1")
	if err != nil {
		t.Fatalf("list scans failed: %v", err)
	}
	if len(scans) != 1 {
		t.Fatalf("expected 1 scan, got %d", len(scans))
	}
	if scans[0].Number != info.ScanNumber || scans[0].Label == "" {
		t.Errorf("unexpected entry %+v", scans[0])
	}
}

func TestRequestMetadataExcludes(t *testing.T) {
	m := newTestManager(t)
	m.Register(stubProvider{name: "CamA"})
	m.Register(stubProvider{name: "MotorB"})
	meta, err := m.RequestMetadata([]string{"cama"})
	if err != nil {
		t.Fatalf("request metadata failed: %v", err)
	}
	if _, ok := meta["cama"]; ok {
		t.Error("excluded provider present in bundle")
	}
	if _, ok := meta["motorb"]; !ok {
		t.Error("expected motorb in bundle")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "manager.yml")
	m, _ := manager.New(dir, cfg)
	m.SetInvestigation("speckle")
	m.SetExperiment("run1")
	m2, err := manager.New(dir, cfg)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if m2.Investigation() != "speckle" || m2.Experiment() != "run1" {
		t.Errorf("persisted state lost: %q/%q", m2.Investigation(), m2.Experiment())
	}
}

type stubProvider struct {
	name string
}

func (s stubProvider) Name() string { return s.name }
func (s stubProvider) Metadata() map[string]interface{} {
	return map[string]interface{}{"name": s.name}
}
