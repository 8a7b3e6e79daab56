package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"goji.io"
	"goji.io/pat"

	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/photocal/httpd"
	"github.jpl.nasa.gov/bdube/photocal/interact"
	"github.jpl.nasa.gov/bdube/photocal/meter"
	"github.jpl.nasa.gov/bdube/photocal/signalhost"
	"github.jpl.nasa.gov/bdube/photocal/units"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "calsrv.yml"
	k              = koanf.New(".")
)

type config struct {
	// Addr is the listen address
	Addr string `yaml:"Addr"`

	// Root is the URL prefix the rig is served under
	Root string `yaml:"Root"`

	// HostAddr is the network address of the signal host
	HostAddr string `yaml:"HostAddr"`

	// Stimulus and Averager are the module names on the signal host
	Stimulus string `yaml:"Stimulus"`
	Averager string `yaml:"Averager"`

	// MinVolts and MaxVolts bound the stimulus
	MinVolts float64 `yaml:"MinVolts"`
	MaxVolts float64 `yaml:"MaxVolts"`

	// SettleMS is the averager settle time per reading, milliseconds
	SettleMS int `yaml:"SettleMS"`

	// Magnitudes and Coefficient configure the meter range controller
	Magnitudes  []float64 `yaml:"Magnitudes"`
	Coefficient float64   `yaml:"Coefficient"`
}

func setupconfig() {
	k.Load(structs.Provider(config{
		Addr:        ":8000",
		Root:        "/rig",
		HostAddr:    "192.168.100.20:5055",
		Stimulus:    "Stim1",
		Averager:    "Avg1",
		MinVolts:    0,
		MaxVolts:    5,
		SettleMS:    500,
		Magnitudes:  []float64{0.1, 1, 10, 100},
		Coefficient: 1,
	}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `calsrv exposes the laser calibration rig over HTTP: stimulus voltage,
emission gating, metered power reads, and the latest calibration table.
This enables a server-client architecture, and the clients can leverage the
excellent HTTP libraries for any programming language.

Usage:
	calsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `calsrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Routes are served under Root, e.g. /rig/volts, /rig/power.  GET /rig/power
takes one strobed, averaged reading through the range controller; a 503
means the reading saturated and the controller re-ranged, retry it.

The meter range dial is physical; expect prompts on the server console the
first time a reading is taken and after any re-range.`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
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
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("calsrv version %v\n", Version)
}

// sanitizeRoot cleans the URL prefix into /name form
func sanitizeRoot(s string) string {
	s = strings.Trim(s, "/*")
	return "/" + s
}

func run() {
	cfg := config{}
	if err := k.Unmarshal("", &cfg); err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()

	host := signalhost.New(cfg.HostAddr)
	defer host.Close()
	reg := units.NewRegistry()
	console := interact.NewConsole(os.Stdin, os.Stdout)

	stim, err := units.NewStimulus(ctx, host, reg, cfg.Stimulus, cfg.MinVolts, cfg.MaxVolts)
	if err != nil {
		log.Fatal(err)
	}
	defer stim.Close()
	avg, err := units.NewAverager(ctx, host, reg, cfg.Averager)
	if err != nil {
		log.Fatal(err)
	}
	defer avg.Close()
	ranger, err := meter.NewRanger(meter.Config{
		MagnitudeTable: cfg.Magnitudes,
		Coefficient:    cfg.Coefficient,
		Settle:         time.Duration(cfg.SettleMS) * time.Millisecond,
	}, avg, console)
	if err != nil {
		log.Fatal(err)
	}

	rig := &httpd.Rig{Stim: stim, Meter: ranger}
	sub := chi.NewRouter()
	rig.RT().Bind(sub)

	prefix := sanitizeRoot(cfg.Root)
	mux := goji.NewMux()
	mux.Handle(pat.New(prefix+"/*"), http.StripPrefix(prefix, sub))

	log.Println("now listening for requests at ", cfg.Addr+prefix)
	log.Fatal(http.ListenAndServe(cfg.Addr, mux))
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
	case "version":
		pversion()
		return
	case "run":
		run()
		return
	default:
		log.Fatal("unknown command")
	}
}
