package main

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/mxoscope/arb"
	"github.com/nasa-jpl/mxoscope/comm"
	"github.com/nasa-jpl/mxoscope/generichttp"
	"github.com/nasa-jpl/mxoscope/generichttp/scope"
	"github.com/nasa-jpl/mxoscope/monitor"
	"github.com/nasa-jpl/mxoscope/mxo"
	"github.com/nasa-jpl/mxoscope/scpi"
	"github.com/nasa-jpl/mxoscope/server/middleware/locker"
	"github.com/nasa-jpl/mxoscope/simulator"
)

// Config holds the server and instrument settings.  It is populated from
// the defaults, then mxosrv.yml, then MXO_* environment variables.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Endpoint is the URL stem the scope routes are served under
	Endpoint string `yaml:"Endpoint" koanf:"Endpoint"`

	// Resource is a VISA resource string or host:port,
	// e.g. TCPIP0::192.168.1.20::inst0::INSTR
	Resource string `yaml:"Resource" koanf:"Resource"`

	// Mock runs against the built-in simulator instead of Resource
	Mock bool `yaml:"Mock" koanf:"Mock"`

	Timeout    time.Duration `yaml:"Timeout" koanf:"Timeout"`
	OPCTimeout time.Duration `yaml:"OPCTimeout" koanf:"OPCTimeout"`

	// ChunkSize is the number of bytes read per slice of a waveform transfer
	ChunkSize int `yaml:"ChunkSize" koanf:"ChunkSize"`

	// Handshaking appends an error query to every message
	Handshaking bool `yaml:"Handshaking" koanf:"Handshaking"`

	// CommandRate paces commands, per second.  Zero is unpaced.
	CommandRate float64 `yaml:"CommandRate" koanf:"CommandRate"`

	// LogLevel is a logrus level name
	LogLevel string `yaml:"LogLevel" koanf:"LogLevel"`

	// LogFormat is text or json
	LogFormat string `yaml:"LogFormat" koanf:"LogFormat"`

	// Prescaled indicates the instrument returns volts rather than raw codes
	Prescaled bool `yaml:"Prescaled" koanf:"Prescaled"`

	// Pulses lays out "mkarb pulses" waveforms
	Pulses arb.PulseParams `yaml:"Pulses" koanf:"Pulses"`
}

// DefaultConfig is a local server against the simulator
func DefaultConfig() Config {
	return Config{
		Addr:        ":8000",
		Endpoint:    "/scope",
		Resource:    "TCPIP0::192.168.1.20::inst0::INSTR",
		Mock:        true,
		Timeout:     scpi.DefaultTimeout,
		OPCTimeout:  scpi.DefaultOPCTimeout,
		ChunkSize:   scpi.DefaultChunkSize,
		Handshaking: true,
		LogLevel:    "info",
		LogFormat:   "text",
		Prescaled:   true,
		Pulses:      arb.DefaultPulseParams(),
	}
}

// PulseWaveform reads a flattened image, one pixel intensity per line, and
// lays it out as a pulse train.  Pixels are binarized first when threshold
// is positive.
func PulseWaveform(path string, threshold float64, p arb.PulseParams) (arb.Waveform, error) {
	img, err := arb.ParseFile(path)
	if err != nil {
		return arb.Waveform{}, err
	}
	pixels := img.Samples
	if threshold > 0 {
		pixels = arb.Binarize(pixels, threshold)
	}
	return arb.PulseTrain(pixels, p)
}

// NewLogger builds a logrus logger at the configured level and format.
// An unknown level falls back to info.
func NewLogger(c Config) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// Connect opens a session with the instrument named by c.  In Mock mode a
// simulator is started on a loopback port and the session talks to it.
// The returned function releases the connection and any simulator.
func Connect(c Config, log logrus.FieldLogger) (*mxo.Scope, func(), error) {
	var (
		res     comm.Resource
		err     error
		closers []func()
	)
	if c.Mock {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, nil, errors.Wrap(err, "starting simulator")
		}
		sim := simulator.New(log.WithField("component", "simulator"))
		go sim.Serve(ln)
		closers = append(closers, func() { ln.Close() })
		res, err = comm.ParseResource(ln.Addr().String())
		if err != nil {
			ln.Close()
			return nil, nil, err
		}
		log.WithField("addr", ln.Addr().String()).Info("mock mode, using the simulator")
	} else {
		res, err = comm.ParseResource(c.Resource)
		if err != nil {
			return nil, nil, err
		}
	}

	pool := comm.NewPool(1, 30*time.Second, comm.MakerFor(res, c.Timeout))
	closers = append(closers, func() { pool.Close() })
	s := scpi.New(pool)
	s.Handshaking = c.Handshaking
	if c.Timeout > 0 {
		s.Timeout = c.Timeout
	}
	if c.OPCTimeout > 0 {
		s.OPCTimeout = c.OPCTimeout
	}
	s.SetBinaryTransfer(binary.LittleEndian, c.ChunkSize)
	if c.CommandRate > 0 {
		s.Limiter = rate.NewLimiter(rate.Limit(c.CommandRate), 1)
	}
	sc := mxo.New(s, log.WithField("resource", res.String()))
	sc.Prescaled = c.Prescaled
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return sc, cleanup, nil
}

// BuildMux mounts the scope routes under c.Endpoint behind a lock, adds
// /metrics, and serves a special route, /endpoints, which returns the
// routes as JSON keyed by stem
func BuildMux(c Config, d scope.Device, metrics *monitor.Metrics) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	httper := scope.NewHTTPScope(d)
	lock := locker.New()
	locker.Inject(httper, lock)

	stem := generichttp.SubMuxSanitize(c.Endpoint)
	r := chi.NewRouter()
	r.Use(lock.Check)
	httper.RT().Bind(r)
	root.Mount(stem, r)

	root.Handle("/metrics", metrics.Handler())

	supergraph := map[string][]string{stem: httper.RT().Endpoints()}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}
