package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/sidetlab/tctserve/generichttp/ascii"
	"github.com/sidetlab/tctserve/generichttp/motion"
	"github.com/sidetlab/tctserve/generichttp/tmc"
	"github.com/sidetlab/tctserve/scan"
	"github.com/sidetlab/tctserve/server"
	"github.com/sidetlab/tctserve/server/middleware/locker"
	"github.com/sidetlab/tctserve/standa"
	"github.com/sidetlab/tctserve/tektronix"
	"github.com/sidetlab/tctserve/util"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
)

// Minmax holds a min and max value
type Minmax struct {
	Min float64 `yaml:"Min"`
	Max float64 `yaml:"Max"`
}

// StageConfig describes the three-axis stage.  Ports maps axis labels to
// serial ports or host:port addresses; Serials maps axis labels to USB
// serial numbers resolved by enumeration.  Ports wins when both are set.
type StageConfig struct {
	Ports   map[string]string  `yaml:"Ports"`
	Serials map[string]string  `yaml:"Serials"`
	Limits  map[string]Minmax  `yaml:"Limits"`
	Speeds  map[string]float64 `yaml:"Speeds"`
}

// ScopeConfig describes the oscilloscope connection
type ScopeConfig struct {
	// Transport is tcp, gpib, or usb
	Transport string `yaml:"Transport"`

	// Addr is the host:port for the tcp transport
	Addr string `yaml:"Addr"`

	// SerialPort is the Prologix adapter's VCP for the gpib transport
	SerialPort string `yaml:"SerialPort"`

	// GPIBAddr is the instrument address on the bus
	GPIBAddr int `yaml:"GPIBAddr"`

	// AutoDetect scans the bus when the configured address does not answer
	AutoDetect bool `yaml:"AutoDetect"`

	// USBVID and USBPID are hex IDs for the usb transport
	USBVID string `yaml:"USBVID"`
	USBPID string `yaml:"USBPID"`
}

// ScanConfig seeds the scan sequencer's settings
type ScanConfig struct {
	Axis      string   `yaml:"Axis"`
	StepSize  float64  `yaml:"StepSize"`
	Steps     int      `yaml:"Steps"`
	Delay     float64  `yaml:"Delay"`
	Channels  []string `yaml:"Channels"`
	OutputDir string   `yaml:"OutputDir"`
}

// Config is the top-level server configuration
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Mock substitutes in-memory devices for the hardware
	Mock bool `yaml:"Mock"`

	// DataDir is where scan output lands unless the scan section overrides it
	DataDir string `yaml:"DataDir"`

	Stage StageConfig `yaml:"Stage"`
	Scope ScopeConfig `yaml:"Scope"`
	Scan  ScanConfig  `yaml:"Scan"`
}

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() Config {
	return Config{
		Addr:    ":8000",
		DataDir: "data",
		Stage: StageConfig{
			Speeds: map[string]float64{"X": 2000, "Y": 1000, "Z": 1000},
		},
		Scope: ScopeConfig{
			Transport: "tcp",
			Addr:      "192.168.0.10:4000",
			GPIBAddr:  1,
		},
		Scan: ScanConfig{
			Axis:     "Y",
			StepSize: 100,
			Steps:    10,
			Delay:    1,
			Channels: []string{"1"},
		},
	}
}

// stageController is the union of interfaces the server needs from a stage
type stageController interface {
	motion.Mover
	motion.Stopper
	motion.AllStopper
	motion.InPositionQueryer
	motion.Speeder

	Initialize() error
	Position() (standa.Position, error)
	LastPosition() standa.Position
	Disconnect() error
}

// scopeController is the union of interfaces the server needs from a scope
type scopeController interface {
	tmc.Oscilloscope

	Initialize() error
}

func buildStage(c Config) (stageController, error) {
	if c.Mock {
		return standa.NewMock(), nil
	}
	if len(c.Stage.Ports) > 0 {
		return standa.NewStage(c.Stage.Ports), nil
	}
	if len(c.Stage.Serials) > 0 {
		return standa.NewStageFromSerials(c.Stage.Serials)
	}
	return nil, fmt.Errorf("no stage configured: set Stage.Ports or Stage.Serials, or Mock: true")
}

func buildScope(c Config) (scopeController, error) {
	if c.Mock {
		return tektronix.NewMock(), nil
	}
	switch c.Scope.Transport {
	case "tcp", "":
		if c.Scope.Addr == "" {
			return nil, fmt.Errorf("tcp scope transport requires Scope.Addr")
		}
		return tektronix.NewTCP(c.Scope.Addr), nil
	case "gpib":
		if c.Scope.SerialPort == "" {
			return nil, fmt.Errorf("gpib scope transport requires Scope.SerialPort")
		}
		return tektronix.NewGPIB(c.Scope.SerialPort, c.Scope.GPIBAddr), nil
	case "usb":
		vid, err := strconv.ParseUint(c.Scope.USBVID, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("bad Scope.USBVID %q: %w", c.Scope.USBVID, err)
		}
		pid, err := strconv.ParseUint(c.Scope.USBPID, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("bad Scope.USBPID %q: %w", c.Scope.USBPID, err)
		}
		return tektronix.NewUSB(uint16(vid), uint16(pid)), nil
	default:
		return nil, fmt.Errorf("scope transport %q not understood", c.Scope.Transport)
	}
}

// bringup is a named initialization step run under the startup spinner
type bringup struct {
	name string
	fn   func() error
}

// mountHTTPer attaches an HTTPer's routes under stem on the root router.
// The goji mux inside matches full paths, so the stem is stripped first.
func mountHTTPer(root chi.Router, supergraph map[string][]string, stem string, h server.HTTPer, r chi.Router) {
	hndlS := server.SubMuxSanitize(stem)
	supergraph[hndlS] = h.RT().Endpoints()
	root.Handle(hndlS+"/*", http.StripPrefix(hndlS, r))
}

// BuildMux assembles the full route tree from the configuration and returns
// it with the hardware bring-up steps for the run command to execute.
func BuildMux(c Config) (chi.Router, []bringup, error) {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}
	var bringups []bringup

	// stage
	stg, err := buildStage(c)
	if err != nil {
		return nil, nil, err
	}
	limiters := map[string]util.Limiter{}
	for axis, mm := range c.Stage.Limits {
		limiters[axis] = util.Limiter{Min: mm.Min, Max: mm.Max}
	}
	limiter := motion.LimitMiddleware{Limits: limiters, Mov: stg}
	stageHTTP := motion.NewHTTPMotionController(stg)
	limiter.Inject(stageHTTP)
	stageLock := locker.New()
	locker.Inject(stageHTTP, stageLock)
	sr := chi.NewRouter()
	sr.Use(limiter.Check)
	sr.Use(stageLock.Check)
	stageHTTP.RT().Bind(sr)
	mountHTTPer(root, supergraph, "/stage", stageHTTP, sr)
	bringups = append(bringups, bringup{name: "stage", fn: func() error {
		if err := stg.Initialize(); err != nil {
			return err
		}
		for axis, v := range c.Stage.Speeds {
			if err := stg.SetVelocity(axis, v); err != nil {
				return err
			}
		}
		return nil
	}})

	// scope
	scp, err := buildScope(c)
	if err != nil {
		return nil, nil, err
	}
	scopeHTTP := tmc.NewHTTPOscilloscope(scp)
	if raw, ok := scp.(ascii.RawCommunicator); ok {
		ascii.InjectRawComm(scopeHTTP, raw)
	}
	scopeLock := locker.New()
	locker.Inject(scopeHTTP, scopeLock)
	or := chi.NewRouter()
	or.Use(scopeLock.Check)
	scopeHTTP.RT().Bind(or)
	mountHTTPer(root, supergraph, "/scope", scopeHTTP, or)
	bringups = append(bringups, bringup{name: "scope", fn: func() error {
		err := scp.Initialize()
		s, ok := scp.(*tektronix.Scope)
		if err != nil && ok && c.Scope.Transport == "gpib" && c.Scope.AutoDetect {
			log.Printf("scope not answering at GPIB %d, scanning bus: %v", c.Scope.GPIBAddr, err)
			addr, ferr := tektronix.FindOnBus(c.Scope.SerialPort)
			if ferr != nil {
				return ferr
			}
			log.Printf("found scope at GPIB %d", addr)
			*s = *tektronix.NewGPIB(c.Scope.SerialPort, addr)
			err = s.Initialize()
		}
		return err
	}})

	// scan sequencer
	seq := scan.New(stg, scp)
	outDir := c.Scan.OutputDir
	if outDir == "" {
		outDir = c.DataDir
	}
	if err := seq.SetSettings(scan.Settings{
		Axis:      c.Scan.Axis,
		StepSize:  c.Scan.StepSize,
		Steps:     c.Scan.Steps,
		Delay:     c.Scan.Delay,
		Channels:  c.Scan.Channels,
		OutputDir: outDir,
	}); err != nil {
		return nil, nil, err
	}
	scanHTTP := scan.NewHTTPSequencer(seq)
	cr := chi.NewRouter()
	scanHTTP.RT().Bind(cr)
	mountHTTPer(root, supergraph, "/scan", scanHTTP, cr)

	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root, bringups, nil
}
