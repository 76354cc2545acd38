/*Package manager tracks experiment data organization: investigations,
experiments, and scans, and hands out file name prefixes for acquisitions.

The hierarchy has three levels:
  - Investigation: highest category, a directory under the base data path
  - Experiment: typically one run, possibly over days, inside an investigation
  - Scan: a numbered (and possibly labeled) dataset inside an experiment

Scan directories are named %06d_yy-mm-dd[_label]; files within a scan are
named scanname_%06d by the prefixes NextPrefix hands out.  Cameras and
motors register as metadata providers so a detector can aggregate the state
of the whole bench into each saved frame.
*/
package manager

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-yaml/yaml"

	"github.com/synchlab/labctl/util"
)

// validChars are the characters allowed in experiment and investigation names
const validChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-:"

// MetaProvider is a device which can report its state for frame metadata
type MetaProvider interface {
	// Name returns the device's unique name
	Name() string

	// Metadata returns a snapshot of the device's state
	Metadata() map[string]interface{}
}

// ScanInfo describes one scan
type ScanInfo struct {
	ScanNumber    int    `yaml:"scan_number" json:"scan_number"`
	ScanName      string `yaml:"scan_name" json:"scan_name"`
	Investigation string `yaml:"investigation" json:"investigation"`
	Experiment    string `yaml:"experiment" json:"experiment"`
	Path          string `yaml:"path" json:"path"`
	StartTime     string `yaml:"start_time" json:"start_time"`
	EndTime       string `yaml:"end_time,omitempty" json:"end_time,omitempty"`
	Counter       int    `yaml:"counter" json:"counter"`
}

// config is the manager state persisted across restarts
type config struct {
	Investigation string   `yaml:"investigation"`
	Experiment    string   `yaml:"experiment"`
	LastScanInfo  ScanInfo `yaml:"last_scan_info"`
}

// ScanEntry is one (number, label) pair found on disk
type ScanEntry struct {
	Number int
	Label  string
}

// Manager owns the scan structure and metadata fan-out for one bench
type Manager struct {
	basePath string
	cfgPath  string

	mu        sync.Mutex
	cfg       config
	running   bool
	scanName  string
	scanNum   int
	baseFile  string
	counter   int
	scanInfo  ScanInfo
	providers []MetaProvider
}

// New returns a Manager rooted at basePath, restoring persisted state from
// cfgPath if it exists
func New(basePath, cfgPath string) (*Manager, error) {
	m := &Manager{basePath: basePath, cfgPath: cfgPath}
	if cfgPath != "" {
		buf, err := os.ReadFile(cfgPath)
		if err == nil {
			if err := yaml.Unmarshal(buf, &m.cfg); err != nil {
				return nil, fmt.Errorf("corrupt manager config %s: %w", cfgPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return m, nil
}

// persist writes the config; callers hold mu
func (m *Manager) persist() {
	if m.cfgPath == "" {
		return
	}
	buf, err := yaml.Marshal(m.cfg)
	if err == nil {
		err = os.WriteFile(m.cfgPath, buf, 0644)
	}
	if err != nil {
		log.Printf("manager: could not persist config: %v", err)
	}
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune(validChars, c) {
			return false
		}
	}
	return true
}

// Register adds a metadata provider to the bench
func (m *Manager) Register(p MetaProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, p)
}

// RequestMetadata collects metadata from every registered provider whose
// name is not in exclude, keyed by lower-cased provider name
func (m *Manager) RequestMetadata(exclude []string) (map[string]interface{}, error) {
	m.mu.Lock()
	provs := make([]MetaProvider, len(m.providers))
	copy(provs, m.providers)
	m.mu.Unlock()
	skip := map[string]struct{}{}
	for _, name := range exclude {
		skip[strings.ToLower(name)] = struct{}{}
	}
	out := map[string]interface{}{}
	for _, p := range provs {
		name := strings.ToLower(p.Name())
		if _, ok := skip[name]; ok {
			continue
		}
		out[name] = p.Metadata()
	}
	return out, nil
}

// Investigation returns the current investigation name
func (m *Manager) Investigation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Investigation
}

// SetInvestigation changes the current investigation.  The experiment is
// cleared, since experiments live inside investigations.  Errors while a
// scan is running.
func (m *Manager) SetInvestigation(v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("investigation cannot be modified while a scan is running")
	}
	if !validName(v) {
		return fmt.Errorf("invalid investigation name: %q", v)
	}
	m.cfg.Investigation = v
	m.cfg.Experiment = ""
	m.persist()
	return nil
}

// Experiment returns the current experiment name
func (m *Manager) Experiment() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Experiment
}

// SetExperiment changes the current experiment and creates its directory.
// Errors while a scan is running, or if no investigation is set.
func (m *Manager) SetExperiment(v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("experiment cannot be modified while a scan is running")
	}
	if m.cfg.Investigation == "" {
		return fmt.Errorf("investigation is not set")
	}
	if !validName(v) {
		return fmt.Errorf("invalid experiment name: %q", v)
	}
	m.cfg.Experiment = v
	m.persist()
	full := filepath.Join(m.basePath, m.cfg.Investigation, v)
	if err := os.MkdirAll(full, 0755); err != nil {
		log.Printf("manager: could not create %s: %v", full, err)
	}
	return nil
}

// path returns investigation/experiment; callers hold mu
func (m *Manager) path() (string, error) {
	if m.cfg.Investigation == "" || m.cfg.Experiment == "" {
		return "", fmt.Errorf("experiment or investigation not set")
	}
	return filepath.Join(m.cfg.Investigation, m.cfg.Experiment), nil
}

// Path returns the experiment path relative to the base data path
func (m *Manager) Path() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path()
}

// BasePath returns the base data path
func (m *Manager) BasePath() string {
	return m.basePath
}

// Scanning returns true if a scan is currently running
func (m *Manager) Scanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// ScanName returns the full scan name, empty if no scan is running
func (m *Manager) ScanName() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return "", nil
	}
	return m.scanName, nil
}

// ScanPath returns the scan directory relative to the base data path,
// empty if no scan is running
func (m *Manager) ScanPath() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return "", nil
	}
	p, err := m.path()
	if err != nil {
		return "", err
	}
	return filepath.Join(p, m.scanName), nil
}

// ScanNumber returns the running scan's number, or an error if no scan runs
func (m *Manager) ScanNumber() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return 0, fmt.Errorf("no scan currently running")
	}
	return m.scanNum, nil
}

// NextScan returns the next free scan number based on the directories in
// the experiment path.  0 when the experiment holds no scans yet.
func (m *Manager) NextScan() (int, error) {
	m.mu.Lock()
	inv, exp := m.cfg.Investigation, m.cfg.Experiment
	m.mu.Unlock()
	scans, err := ListScans(m.basePath, inv, exp)
	if err != nil {
		return 0, err
	}
	if len(scans) == 0 {
		return 0, nil
	}
	return scans[len(scans)-1].Number + 1, nil
}

// StartScan begins a new scan with an optional label, creating the scan
// directory and resetting the per-scan counter
func (m *Manager) StartScan(label string) (ScanInfo, error) {
	m.mu.Lock()
	if m.running {
		name := m.scanName
		m.mu.Unlock()
		return ScanInfo{}, fmt.Errorf("scan %s already running", name)
	}
	m.mu.Unlock()

	num, err := m.NextScan()
	if err != nil {
		return ScanInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	startTime := util.Now()
	today := time.Now().Format("06-01-02")
	scanName := fmt.Sprintf("%06d_%s", num, today)
	if label != "" {
		if !validName(label) {
			return ScanInfo{}, fmt.Errorf("invalid scan label: %q", label)
		}
		scanName += "_" + label
	}

	m.running = true
	m.scanNum = num
	m.scanName = scanName
	m.baseFile = scanName + "_%06d"
	m.counter = 0

	p, err := m.path()
	if err != nil {
		m.running = false
		return ScanInfo{}, err
	}
	if err := os.MkdirAll(filepath.Join(m.basePath, p, scanName), 0755); err != nil {
		log.Printf("manager: could not create scan directory: %v", err)
	}

	m.scanInfo = ScanInfo{
		ScanNumber:    num,
		ScanName:      scanName,
		Investigation: m.cfg.Investigation,
		Experiment:    m.cfg.Experiment,
		Path:          p,
		StartTime:     startTime,
	}
	log.Printf("manager: starting scan %s", scanName)
	return m.scanInfo, nil
}

// EndScan finalizes the running scan, persisting its summary
func (m *Manager) EndScan() (ScanInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ScanInfo{}, fmt.Errorf("no scan currently running")
	}
	m.running = false
	m.scanInfo.EndTime = util.Now()
	m.scanInfo.Counter = m.counter
	m.cfg.LastScanInfo = m.scanInfo
	m.persist()
	log.Printf("manager: scan %s ended", m.scanInfo.ScanName)
	out := m.scanInfo
	m.scanInfo = ScanInfo{}
	return out, nil
}

// NextPrefix returns the next file name prefix inside the running scan and
// increments the counter
func (m *Manager) NextPrefix() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return "", fmt.Errorf("no scan currently running")
	}
	prefix := fmt.Sprintf(m.baseFile, m.counter)
	m.counter++
	return prefix, nil
}

// Counter returns the current scan counter without incrementing it
func (m *Manager) Counter() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return 0, fmt.Errorf("no scan currently running")
	}
	return m.counter, nil
}

// Status summarizes the running scan if there is one, else the last scan
func (m *Manager) Status() ScanInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		out := m.scanInfo
		out.Counter = m.counter
		return out
	}
	return m.cfg.LastScanInfo
}

// ListInvestigations lists the directories in the base path
func ListInvestigations(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// ListExperiments lists the experiments in an investigation
func ListExperiments(path, investigation string) ([]string, error) {
	return ListInvestigations(filepath.Join(path, investigation))
}

// ListScans lists the scans in an experiment, sorted by number.  Directories
// that do not follow the %06d_label convention are warned about and skipped.
func ListScans(path, investigation, experiment string) ([]ScanEntry, error) {
	if investigation == "" || experiment == "" {
		return nil, fmt.Errorf("experiment or investigation not set")
	}
	expPath := filepath.Join(path, investigation, experiment)
	entries, err := os.ReadDir(expPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := []ScanEntry{}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if len(name) < 6 {
			log.Printf("manager: %s is an alien directory, ignored", filepath.Join(expPath, name))
			continue
		}
		n, err := strconv.Atoi(name[:6])
		if err != nil {
			log.Printf("manager: %s is an alien directory, ignored", filepath.Join(expPath, name))
			continue
		}
		label := ""
		if len(name) > 7 {
			label = name[7:]
		}
		out = append(out, ScanEntry{Number: n, Label: label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}
