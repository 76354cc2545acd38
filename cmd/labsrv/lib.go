package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/synchlab/labctl/camera"
	"github.com/synchlab/labctl/generichttp"
	"github.com/synchlab/labctl/generichttp/locker"
	"github.com/synchlab/labctl/manager"
	"github.com/synchlab/labctl/motion"
	"github.com/synchlab/labctl/sink"
)

// ObjSetup holds the arguments to bring one device node up.
type ObjSetup struct {
	// Name is the device's name in scan metadata, e.g. "eiger"
	Name string `yaml:"Name"`

	// Endpoint is the path the device's routes are served under,
	// e.g. Endpoint="cam" produces routes of /cam/snap, etc.
	Endpoint string `yaml:"Endpoint"`

	// Type is the "type" of the object, e.g. camera-mock
	Type string `yaml:"Type"`

	// Lock serves the node behind a command lock
	Lock bool `yaml:"Lock"`

	// ConfigFile persists the device's settings, camera types only
	ConfigFile string `yaml:"ConfigFile"`

	// WriterAddr is the file writer daemon to ship frames to; empty
	// keeps frames in memory
	WriterAddr string `yaml:"WriterAddr"`

	// BroadcastAddr serves live frames to viewers when nonempty
	BroadcastAddr string `yaml:"BroadcastAddr"`

	// BroadcastFPS caps the live frame rate; zero means uncapped
	BroadcastFPS float64 `yaml:"BroadcastFPS"`

	// Axes lists the axes of a motion controller
	Axes []string `yaml:"Axes"`
}

// ManagerSetup configures the scan bookkeeping.
type ManagerSetup struct {
	// DataRoot is the directory scans are filed under
	DataRoot string `yaml:"DataRoot"`

	// ConfigFile persists the investigation/experiment selection
	ConfigFile string `yaml:"ConfigFile"`
}

// Config holds the initialization parameters for the server.  It is to
// be populated by a yaml unmarshal call.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	Manager ManagerSetup `yaml:"Manager"`

	// Nodes is the list of nodes to set up
	Nodes []ObjSetup `yaml:"Nodes"`
}

// Server is the assembled instrument: one router, the scan manager, and
// the cameras that need closing on the way down.
type Server struct {
	Router  chi.Router
	Manager *manager.Manager
	cameras []*camera.Camera
}

// Close shuts the cameras down, draining their frame queues.
func (s *Server) Close() {
	for _, c := range s.cameras {
		if err := c.Close(); err != nil {
			log.Printf("labsrv: closing %s: %v", c.Name(), err)
		}
	}
}

// BuildServer makes the manager, brings every node up, and mounts their
// routes on a common router.  report is called with a progress message
// per node; pass nil to silence it.
func BuildServer(c Config, report func(string)) (*Server, error) {
	if report == nil {
		report = func(string) {}
	}
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	mgr, err := manager.New(c.Manager.DataRoot, c.Manager.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("manager: %w", err)
	}
	s := &Server{Router: root, Manager: mgr}
	mountHTTPer(root, "manager", manager.NewHTTPWrapper(mgr), false)

	seen := map[string]struct{}{}
	for _, node := range c.Nodes {
		if node.Endpoint == "" || node.Name == "" {
			return nil, fmt.Errorf("node of type %q needs both Name and Endpoint", node.Type)
		}
		if _, ok := seen[node.Endpoint]; ok {
			return nil, fmt.Errorf("duplicate endpoint %q", node.Endpoint)
		}
		seen[node.Endpoint] = struct{}{}
		report(fmt.Sprintf("bringing up %s (%s)", node.Name, node.Type))
		switch strings.ToLower(node.Type) {
		case "camera-mock":
			cam, err := buildCamera(node, mgr)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", node.Name, err)
			}
			s.cameras = append(s.cameras, cam)
			mgr.Register(cam)
			mountHTTPer(root, node.Endpoint, camera.NewHTTPCamera(cam), node.Lock)
		case "motor-mock", "motion-mock":
			if len(node.Axes) == 0 {
				return nil, fmt.Errorf("%s: motor node needs at least one axis", node.Name)
			}
			ctl := motion.NewMock(node.Axes...)
			for _, axis := range node.Axes {
				mgr.Register(motion.NewMotor(node.Name+"_"+axis, axis, ctl))
			}
			mountHTTPer(root, node.Endpoint, motion.NewHTTPWrapper(ctl), node.Lock)
		default:
			return nil, fmt.Errorf("unknown node type %q", node.Type)
		}
	}
	return s, nil
}

func buildCamera(node ObjSetup, mgr *manager.Manager) (*camera.Camera, error) {
	store, err := camera.NewStore(node.ConfigFile, camera.DefaultConfig())
	if err != nil {
		return nil, err
	}
	var writer sink.Sink
	if node.WriterAddr != "" {
		writer = sink.NewRemote(node.WriterAddr)
	} else {
		writer = sink.NewMemory()
	}
	var caster sink.Broadcast
	if node.BroadcastAddr != "" {
		b, err := sink.NewBroadcaster(node.BroadcastAddr, node.BroadcastFPS)
		if err != nil {
			return nil, err
		}
		caster = b
	}
	dev := camera.NewMock()
	return camera.New(node.Name, dev, camera.MockCapabilities, mgr, store, writer, caster, mgr.BasePath()), nil
}

// mountHTTPer binds an HTTPer under stem, optionally behind a command
// lock.
func mountHTTPer(root chi.Router, stem string, h generichttp.HTTPer, lock bool) {
	sub := chi.NewRouter()
	if lock {
		l := locker.New()
		locker.Inject(h, l)
		sub.Use(l.Check)
	}
	generichttp.Bind(h, sub)
	stem = "/" + strings.Trim(stem, "/")
	root.Mount(stem, sub)
}
