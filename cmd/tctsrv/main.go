package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "tctsrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `tctsrv drives a three-axis Standa stage and a Tektronix DPO7000-series
oscilloscope for transient current measurements, exposing both over an HTTP
interface so any language's HTTP client can run scans.

Usage:
	tctsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `tctsrv is amenable to configuration via its .yaml file.  For a primer on YAML,
see https://yaml.org/start.html

The stage section takes either Ports (axis label -> serial port or host:port)
or Serials (axis label -> USB serial number, resolved by enumeration at
startup).  When both are present, Ports wins.

The scope section selects one of three transports:
- tcp:  Addr is host:port of the instrument or a VISA-LAN gateway
- gpib: SerialPort is the Prologix adapter's virtual COM port and GPIBAddr
        the instrument address; AutoDetect scans the bus when the instrument
        does not answer at the configured address
- usb:  USBVID/USBPID are the hex vendor and product IDs

With Mock: true, both devices are simulated in memory; useful for testing
clients and scan configuration without hardware.

Scan output lands in DataDir (or the scan section's OutputDir if set), one
CSV per channel per cycle.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("tctsrv version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	mux, bringups, err := BuildMux(c)
	if err != nil {
		log.Fatal(err)
	}
	spincfg := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " bringing up hardware",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	}
	spinner, err := yacspin.New(spincfg)
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	for _, b := range bringups {
		spinner.Message(b.name)
		if err := b.fn(); err != nil {
			spinner.StopFailMessage(fmt.Sprintf("%s: %v", b.name, err))
			spinner.StopFail()
			os.Exit(1)
		}
	}
	spinner.StopMessage("hardware ready")
	spinner.Stop()
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
