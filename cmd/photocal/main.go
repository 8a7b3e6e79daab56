package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/photocal/batch"
	"github.jpl.nasa.gov/bdube/photocal/interact"
	"github.jpl.nasa.gov/bdube/photocal/meter"
	"github.jpl.nasa.gov/bdube/photocal/session"
	"github.jpl.nasa.gov/bdube/photocal/signalhost"
	"github.jpl.nasa.gov/bdube/photocal/units"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "photocal.yml"
	k              = koanf.New(".")
)

type config struct {
	// HostAddr is the network address of the signal host
	HostAddr string `yaml:"HostAddr"`

	// Stimulus and Averager are the module names on the signal host
	Stimulus string `yaml:"Stimulus"`
	Averager string `yaml:"Averager"`

	// MinVolts and MaxVolts bound the stimulus sweep
	MinVolts float64 `yaml:"MinVolts"`
	MaxVolts float64 `yaml:"MaxVolts"`

	// Points is the sweep size when Voltages is empty
	Points int `yaml:"Points"`

	// Voltages is an explicit sweep sequence; order and repeats are kept
	Voltages []float64 `yaml:"Voltages"`

	// Manual selects operator-typed readings instead of the meter
	Manual bool `yaml:"Manual"`

	// MaxRetries bounds re-reads at one voltage; 0 retries forever
	MaxRetries int `yaml:"MaxRetries"`

	// SettleMS is the averager settle time per reading, milliseconds
	SettleMS int `yaml:"SettleMS"`

	// Magnitudes, Coefficient, Threshold, FullScaleVolts configure the
	// power meter range controller
	Magnitudes     []float64 `yaml:"Magnitudes"`
	Coefficient    float64   `yaml:"Coefficient"`
	Threshold      float64   `yaml:"Threshold"`
	FullScaleVolts float64   `yaml:"FullScaleVolts"`

	// TableFile and RawFile are the CSV outputs; PlotDir, if set, gets
	// one PNG per laser
	TableFile string `yaml:"TableFile"`
	RawFile   string `yaml:"RawFile"`
	PlotDir   string `yaml:"PlotDir"`

	// Lasers to calibrate, in order
	Lasers []batch.Laser `yaml:"Lasers"`
}

func setupconfig() {
	k.Load(structs.Provider(config{
		HostAddr:       "192.168.100.20:5055",
		Stimulus:       "Stim1",
		Averager:       "Avg1",
		MinVolts:       0,
		MaxVolts:       5,
		Points:         11,
		MaxRetries:     25,
		SettleMS:       500,
		Magnitudes:     []float64{0.1, 1, 10, 100},
		Coefficient:    1,
		Threshold:      0.95,
		FullScaleVolts: 2,
		TableFile:      "calibration.csv",
		RawFile:        "raw.csv",
	}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `photocal calibrates the voltage to optical power curve of each laser
on the stimulation rig, walking the operator through the power meter steps
and writing coefficient and raw measurement tables for the experiment
control system.

Usage:
	photocal <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `photocal is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

The defaults suit a 0-5 V rig with the stock Stim1/Avg1 modules; run mkconf
to write them out and edit from there.

Voltages, when non-empty, overrides Points and is used verbatim; repeats
and arbitrary order are allowed for randomized or replicated designs, but
every value must lie within [MinVolts, MaxVolts].

Manual: true skips the meter automation; the operator types each reading.

Each laser needs an index, a wavelength (nm), and a name.  Lasers whose
light is split across several outputs list their channels; each channel is
swept separately at the same voltages and the samples are pooled into one
fit.`
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
	fmt.Printf("photocal version %v\n", Version)
}

func run() {
	cfg := config{}
	if err := k.Unmarshal("", &cfg); err != nil {
		log.Fatal(err)
	}
	if len(cfg.Lasers) == 0 {
		log.Fatal("no lasers configured, nothing to calibrate")
	}
	ctx := context.Background()

	var volts []float64
	var err error
	if len(cfg.Voltages) > 0 {
		volts = cfg.Voltages
		err = session.ValidateSequence(volts, cfg.MinVolts, cfg.MaxVolts)
	} else {
		volts, err = session.Sweep(cfg.Points, cfg.MinVolts, cfg.MaxVolts)
	}
	if err != nil {
		log.Fatal(err)
	}

	host := signalhost.New(cfg.HostAddr)
	defer host.Close()
	reg := units.NewRegistry()
	console := interact.NewConsole(os.Stdin, os.Stdout)

	stim, err := units.NewStimulus(ctx, host, reg, cfg.Stimulus, cfg.MinVolts, cfg.MaxVolts)
	if err != nil {
		log.Fatal(err)
	}
	defer stim.Close()

	var strat session.Strategy
	var ranger *meter.Ranger
	if cfg.Manual {
		strat = session.Manual{Console: console}
	} else {
		avg, err := units.NewAverager(ctx, host, reg, cfg.Averager)
		if err != nil {
			log.Fatal(err)
		}
		defer avg.Close()
		ranger, err = meter.NewRanger(meter.Config{
			MagnitudeTable: cfg.Magnitudes,
			Coefficient:    cfg.Coefficient,
			Threshold:      cfg.Threshold,
			FullScaleVolts: cfg.FullScaleVolts,
			Settle:         time.Duration(cfg.SettleMS) * time.Millisecond,
		}, avg, console)
		if err != nil {
			log.Fatal(err)
		}
		strat = session.Metered{Ranger: ranger}
	}

	driver := &batch.Driver{
		Lasers: cfg.Lasers,
		BeforeLaser: func(ctx context.Context, l batch.Laser) error {
			if ranger != nil {
				ranger.Reset()
			}
			return console.Ack(fmt.Sprintf("Install laser %s (%g nm) and press enter", l.Name, l.Wavelength))
		},
		Sweep: func(ctx context.Context, l batch.Laser, ch string) (session.Record, error) {
			if ch != "" {
				if err := console.Ack(fmt.Sprintf("Point the meter at channel %s of %s and press enter", ch, l.Name)); err != nil {
					return session.Record{}, err
				}
			}
			s := &session.Session{
				Stim:       stim,
				Host:       host,
				Strategy:   strat,
				Voltages:   volts,
				MaxRetries: cfg.MaxRetries,
			}
			return s.Run(ctx)
		},
	}

	res, err := driver.Calibrate(ctx)
	if err != nil {
		log.Fatal(err)
	}

	stop := console.Spin("writing outputs")
	err = writeOutputs(cfg, res)
	stop()
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("calibrated %d lasers; table in %s, raw data in %s", len(res.Rows), cfg.TableFile, cfg.RawFile)
}

func writeOutputs(cfg config, res batch.Result) error {
	f, err := os.Create(cfg.TableFile)
	if err != nil {
		return err
	}
	if err := batch.WriteTable(f, res.Rows); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	f, err = os.Create(cfg.RawFile)
	if err != nil {
		return err
	}
	if err := batch.WriteRaw(f, res.Volts, res.Raw); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if cfg.PlotDir == "" {
		return nil
	}
	if err := os.MkdirAll(cfg.PlotDir, 0777); err != nil {
		return err
	}
	// raw columns are per channel; plots are per laser, use the first
	// column of each and skip the rest by the row's own channel count
	col := 0
	for _, row := range res.Rows {
		rec := session.Record{Volts: res.Volts, MilliWatts: res.Raw[col].MilliWatts}
		path := filepath.Join(cfg.PlotDir, row.Name+".png")
		if err := batch.SavePlot(path, row, rec); err != nil {
			return err
		}
		nch := row.Channels
		if nch < 1 {
			nch = 1
		}
		col += nch
	}
	return nil
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
