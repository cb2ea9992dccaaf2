package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/mxoscope/arb"
	"github.com/nasa-jpl/mxoscope/monitor"
	"github.com/nasa-jpl/mxoscope/mxo"
	"github.com/nasa-jpl/mxoscope/oscilloscope"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "mxosrv.yml"

	// EnvPrefix marks environment variables that override the config file
	EnvPrefix = "MXO_"

	k = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	// MXO_OPCTIMEOUT => OPCTimeout
	keys := map[string]string{}
	for _, key := range k.Keys() {
		keys[strings.ToLower(key)] = key
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return keys[strings.ToLower(strings.TrimPrefix(s, EnvPrefix))]
	}), nil)
	if err != nil {
		log.Fatalf("error loading environment: %v", err)
	}
}

func loadconf() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `mxosrv drives a Rohde & Schwarz MXO oscilloscope and its waveform generator
and exposes an HTTP interface to them.  It also captures and loads waveforms
from the command line.

Usage:
	mxosrv <command>

Commands:
	run
	capture <channel> [out.csv | out.fits]
	arb <file> [sample rate]
	mkarb <shape> <sample rate> <duration> <out>
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `mxosrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Run "mxosrv mkconf" to write the defaults to mxosrv.yml.  Any key may be
overridden with an environment variable named MXO_<KEY>, e.g. MXO_RESOURCE
or MXO_OPCTIMEOUT=30s.

Resource is a VISA resource string:
	TCPIP0::192.168.1.20::inst0::INSTR   (port 5025)
	TCPIP0::192.168.1.20::5025::SOCKET
	USB0::0x0AAD::0x0197::100001::INSTR
	ASRL/dev/ttyUSB0::INSTR
or a bare host:port.  With Mock: true the built-in simulator is used instead.

The HTTP interface is served under Endpoint (default /scope):
	POST /channel/{n}, /trigger, /timebase, /generator, /acquisition
	GET  /acquisition
	POST /arb            raw or multipart "file" body; ?rate=&unit=&runmode=&path=
	GET  /capture/{n}    JSON, or ?format=csv|fits
	POST /readback/{kind}
	GET  /idn, /state    POST /reset, /raw
	GET/POST /lock
Prometheus metrics are served at /metrics and the route list at /endpoints.

mkarb shapes: ` + fmt.Sprint(arb.Shapes) + `

"mkarb pulses" reads one pixel intensity per line and holds each for
Pulses.pixeltime us followed by Pulses.gaptime us at zero, sampled every
Pulses.dt us.  With a threshold, pixels are first cut to 0 or 1; ` + fmt.Sprint(arb.DefaultThreshold) + `
suits images scaled to [0,1].`
	fmt.Println(str)
}

func mkconf() {
	c := loadconf()
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
	c := loadconf()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("mxosrv version %v\n", Version)
}

func run() {
	c := loadconf()
	logger := NewLogger(c)
	scope, cleanup, err := Connect(c, logger)
	if err != nil {
		logger.Fatal(err)
	}
	defer cleanup()
	metrics := monitor.New()
	scope.SetObserver(metrics)
	mux := BuildMux(c, scope, metrics)
	logger.WithField("addr", c.Addr).Info("now listening for requests")
	logger.Fatal(http.ListenAndServe(c.Addr, mux))
}

func newSpinner(msg string) (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		Writer:            os.Stderr,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
}

// capture takes one record and writes it as CSV, or FITS when the output
// file ends in .fits
func capture(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mxosrv capture <channel> [out.csv | out.fits]")
	}
	ch, err := strconv.Atoi(args[0])
	if err != nil {
		return err
	}
	c := loadconf()
	logger := NewLogger(c)
	logger.SetOutput(io.Discard)
	scope, cleanup, err := Connect(c, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	spin, err := newSpinner(fmt.Sprintf("waiting for trigger on channel %d", ch))
	if err != nil {
		return err
	}
	spin.Start()
	res, err := scope.Capture(ch)
	if err != nil {
		spin.StopFailMessage(err.Error())
		spin.StopFail()
		return err
	}
	spin.StopMessage(fmt.Sprintf("%d points over %g s", res.Metadata.SampleCount, res.Duration()))
	spin.Stop()

	if len(args) < 2 {
		return res.EncodeCSV(os.Stdout)
	}
	return writeCapture(args[1], res)
}

func writeCapture(path string, res oscilloscope.CaptureResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(path), ".fits") {
		err = res.EncodeFITS(f)
	} else {
		err = res.EncodeCSV(f)
	}
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// loadArb uploads a waveform file to the generator and enables playback
func loadArb(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mxosrv arb <file> [sample rate]")
	}
	spec := mxo.DefaultArb()
	spec.File = args[0]
	if len(args) > 1 {
		f, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return err
		}
		spec.SampleRate = f
	}
	c := loadconf()
	scope, cleanup, err := Connect(c, NewLogger(c))
	if err != nil {
		return err
	}
	defer cleanup()
	return scope.Apply(spec)
}

// mkarb synthesizes a test waveform and writes it as an ARB file
func mkarb(args []string) error {
	if len(args) > 0 && strings.EqualFold(args[0], "pulses") {
		return mkpulses(args[1:])
	}
	if len(args) < 4 {
		return fmt.Errorf("usage: mxosrv mkarb <shape> <sample rate> <duration> <out>")
	}
	shape, err := arb.ParseShape(args[0])
	if err != nil {
		return err
	}
	srate, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return err
	}
	dur, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return err
	}
	w, err := arb.Synthesize(shape, srate, dur)
	if err != nil {
		return err
	}
	return writeArb(args[3], w)
}

func mkpulses(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: mxosrv mkarb pulses <pixels file> <out> [threshold]")
	}
	var threshold float64
	if len(args) > 2 {
		f, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return err
		}
		threshold = f
	}
	w, err := PulseWaveform(args[0], threshold, loadconf().Pulses)
	if err != nil {
		return err
	}
	return writeArb(args[1], w)
}

func writeArb(path string, w arb.Waveform) error {
	if err := os.WriteFile(path, arb.Serialize(w, 0), 0644); err != nil {
		return err
	}
	fmt.Printf("%d samples at %g Hz, %g s\n", len(w.Samples), w.SampleRate, w.Duration())
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
	var err error
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "capture":
		err = capture(args[2:])
	case "arb":
		err = loadArb(args[2:])
	case "mkarb":
		err = mkarb(args[2:])
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
	if err != nil {
		log.Fatal(err)
	}
}
