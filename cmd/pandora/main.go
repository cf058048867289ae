package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"
	yml "gopkg.in/yaml.v2"

	"github.com/pandora-obs/gopandora/bench"
	"github.com/pandora-obs/gopandora/rundb"
	"github.com/pandora-obs/gopandora/scan"
	"github.com/pandora-obs/gopandora/scansrv"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "pandora.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(bench.DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconfig() bench.Config {
	c := bench.Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `pandora drives the monochromator calibration bench: a wavelength sweep
moves the grating across a band while a pair of electrometers measure the
light entering and leaving the optic under test.

Usage:
	pandora <command>

Commands:
	run
	scan
	charge-scan
	home
	mkconf
	conf
	version
	help`
	fmt.Println(str)
}

func help() {
	str := `pandora is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

The "run" command serves the bench over HTTP so sweeps can be driven from
any language with an HTTP client.  The "scan" and "charge-scan" commands run
one sweep from the terminal and write the run database under DataRoot.

Set Mock: true in the config to exercise everything against simulated
hardware.

Scan flags (scan and charge-scan):
	-lambda0      first wavelength [nm]
	-lambda1      last wavelength [nm]
	-dlambda      wavelength step [nm]
	-exptime      exposure time [s]
	-darktime     dark exposure time [s], defaults to exptime
	-nrepeats     dark/light/dark triplets per wavelength
	-nd           neutral density filter label, recorded with the data
	-desc         free-form run description
	-lightcurves  write per-exposure FITS files

charge-scan only:
	-discharge    zero the integrating capacitor before each acquisition
	-range        fixed coulomb range, 0 picks one from a probe`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := yml.NewEncoder(f).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	if err := yml.NewEncoder(os.Stdout).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("pandora version %v\n", Version)
}

func run() {
	c := loadconfig()
	b, err := bench.New(c)
	if err != nil {
		log.Fatal(err)
	}
	defer b.Close()
	srv := scansrv.New(b, c.DataRoot, c.Lightcurves)
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, srv.Router()))
}

func home() {
	c := loadconfig()
	b, err := bench.New(c)
	if err != nil {
		log.Fatal(err)
	}
	defer b.Close()
	if err := b.GoHome(); err != nil {
		log.Fatal(err)
	}
	fmt.Println("bench homed, shutter closed")
}

func scanFlags(name string) (*flag.FlagSet, *scan.ScanRequest, *bool) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	req := &scan.ScanRequest{}
	fs.Float64Var(&req.WaveStart, "lambda0", 400, "first wavelength [nm]")
	fs.Float64Var(&req.WaveEnd, "lambda1", 700, "last wavelength [nm]")
	fs.Float64Var(&req.WaveStep, "dlambda", 5, "wavelength step [nm]")
	exptime := fs.Float64("exptime", 1, "exposure time [s]")
	darktime := fs.Float64("darktime", 0, "dark exposure time [s], 0 = exptime")
	fs.IntVar(&req.Repeats, "nrepeats", 1, "dark/light/dark triplets per wavelength")
	fs.StringVar(&req.NDFilter, "nd", "", "neutral density filter label")
	fs.StringVar(&req.Description, "desc", "", "run description")
	lightcurves := fs.Bool("lightcurves", false, "write per-exposure FITS files")
	if name == "charge-scan" {
		req.Mode = scan.ModeCharge
		fs.BoolVar(&req.DischargeBeforeAcquire, "discharge", false, "discharge before each acquisition")
		fs.Float64Var(&req.ChargeRange, "range", 0, "fixed coulomb range, 0 = probe")
	}
	fs.Parse(os.Args[2:])
	req.ExposureTime = time.Duration(*exptime * float64(time.Second))
	req.DarkTime = time.Duration(*darktime * float64(time.Second))
	return fs, req, lightcurves
}

func oneShot(name string) {
	_, req, lightcurves := scanFlags(name)
	if err := req.Validate(); err != nil {
		log.Fatal(err)
	}
	c := loadconfig()
	b, err := bench.New(c)
	if err != nil {
		log.Fatal(err)
	}
	defer b.Close()

	run, err := rundb.Open(c.DataRoot)
	if err != nil {
		log.Fatal(err)
	}
	defer run.Close()
	run.Lightcurves = *lightcurves

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " " + run.ID,
		SuffixAutoColon: true,
		StopCharacter:   "done",
	})
	if err != nil {
		log.Fatal(err)
	}
	sw := b.Sweeper(run)
	sw.Progress = func(done, total int, wl float64) {
		spinner.Message(fmt.Sprintf("%d/%d wavelengths, %.1f nm", done, total, wl))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	spinner.Start()
	res, err := sw.Run(ctx, *req)
	spinner.Stop()
	if err != nil {
		log.Fatal(err)
	}
	if res.AbortedEarly {
		fmt.Println("sweep interrupted")
	}
	if res.LastErr != nil {
		fmt.Printf("skipped wavelengths, most recent: %v\n", res.LastErr)
	}
	fmt.Printf("run %s: %d wavelengths, %d records\n",
		run.ID, res.WavelengthsCompleted, res.RecordsEmitted)
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
	case "scan":
		oneShot("scan")
		return
	case "charge-scan":
		oneShot("charge-scan")
		return
	case "home":
		home()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
