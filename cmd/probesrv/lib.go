package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/multierr"

	"github.com/plasmalab/probelab/filter"
	"github.com/plasmalab/probelab/generichttp"
	"github.com/plasmalab/probelab/generichttp/motion"
	"github.com/plasmalab/probelab/langmuir"
	"github.com/plasmalab/probelab/oscilloscope"
	"github.com/plasmalab/probelab/record"
	"github.com/plasmalab/probelab/server/middleware/locker"
	"github.com/plasmalab/probelab/session"
	"github.com/plasmalab/probelab/stepper"
	"github.com/plasmalab/probelab/tektronix"
	"github.com/plasmalab/probelab/util"
)

// StageConfig holds the setup of the linear stage
type StageConfig struct {
	// Addr is the serial port of the stage, e.g. /dev/ttyACM0 or COM3.
	// Empty disables the stage.
	Addr string `yaml:"Addr"`

	// Baud is the serial rate, the firmware default if zero
	Baud int `yaml:"Baud"`

	// Endpoint is the URL the stage routes are served under
	Endpoint string `yaml:"Endpoint"`

	// Mock runs the stage against an in-process simulator
	Mock bool `yaml:"Mock"`

	Stepper stepper.Config `yaml:"Stepper"`

	// Limits are software limits per axis, in mm from zero
	Limits map[string]util.Limiter `yaml:"Limits"`
}

// ScopeConfig holds the setup of the oscilloscope
type ScopeConfig struct {
	// Addr is the host:port of the scope's socket server.  When empty, the
	// captures in Replay are served instead.
	Addr string `yaml:"Addr"`

	Timeout time.Duration `yaml:"Timeout"`

	// Sources name the scope channels that become CH1..CH4
	Sources []string `yaml:"Sources"`

	// Replay is a list of text captures to play back in order
	Replay []string `yaml:"Replay"`

	// Loop restarts the replay at the first file when it runs out
	Loop bool `yaml:"Loop"`
}

// AnalysisConfig is the serializable form of langmuir.Analyzer
type AnalysisConfig struct {
	Filter      filter.Filter        `yaml:"Filter"`
	TimeScale   float64              `yaml:"TimeScale"`
	Trigger     langmuir.Trigger     `yaml:"Trigger"`
	Channels    langmuir.ChannelMap  `yaml:"Channels"`
	Probe       langmuir.Probe       `yaml:"Probe"`
	Calibration langmuir.Calibration `yaml:"Calibration"`

	// Model is "simplified" or "double-probe"
	Model string `yaml:"Model"`
}

// Analyzer converts the configuration into a validated analyzer
func (a AnalysisConfig) Analyzer() (langmuir.Analyzer, error) {
	model, err := langmuir.ParseTemperatureModel(a.Model)
	if err != nil {
		return langmuir.Analyzer{}, err
	}
	an := langmuir.Analyzer{
		Filter:    a.Filter,
		TimeScale: a.TimeScale,
		Trigger:   a.Trigger,
		Calculator: langmuir.Calculator{
			Channels:    a.Channels,
			Probe:       a.Probe,
			Calibration: a.Calibration,
			Model:       model,
		},
	}
	return an, an.Validate()
}

// RecordConfig holds where shots are persisted
type RecordConfig struct {
	// Log is the text log rows are appended to, empty for none
	Log string `yaml:"Log"`

	// SQLite is a database rows are also inserted into, empty for none
	SQLite string `yaml:"SQLite"`

	// ArchiveDir keeps every raw capture when set
	ArchiveDir string `yaml:"ArchiveDir"`

	// ArchiveFormat is "text" or "fits"
	ArchiveFormat string `yaml:"ArchiveFormat"`
}

// Config is a struct that holds the initialization parameters of the
// server.  It is to be populated by koanf from defaults and the yaml file.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Endpoint is the URL the measurement routes are served under
	Endpoint string `yaml:"Endpoint"`

	Stage    StageConfig    `yaml:"Stage"`
	Scope    ScopeConfig    `yaml:"Scope"`
	Analysis AnalysisConfig `yaml:"Analysis"`
	Record   RecordConfig   `yaml:"Record"`
}

// DefaultConfig is the probe bench: stage on the first Arduino port, scope at
// its factory address, bench analysis, and a text log in the working directory
func DefaultConfig() Config {
	an := langmuir.DefaultAnalyzer()
	return Config{
		Addr:     ":8000",
		Endpoint: "probe",
		Stage: StageConfig{
			Addr:     "/dev/ttyACM0",
			Baud:     stepper.DefaultBaud,
			Endpoint: "stage",
			Stepper:  stepper.DefaultConfig(),
			Limits:   map[string]util.Limiter{"X": {Min: 0, Max: 75.6}},
		},
		Scope: ScopeConfig{
			Addr:    "192.168.1.10:4000",
			Timeout: 5 * time.Second,
			Sources: []string{"CH1", "CH2", "CH3", "CH4"},
		},
		Analysis: AnalysisConfig{
			Filter:      an.Filter,
			TimeScale:   an.TimeScale,
			Trigger:     an.Trigger,
			Channels:    an.Calculator.Channels,
			Probe:       an.Calculator.Probe,
			Calibration: an.Calculator.Calibration,
			Model:       an.Calculator.Model.String(),
		},
		Record: RecordConfig{
			Log:           "plasma_params.txt",
			ArchiveFormat: session.FormatText,
		},
	}
}

// OpenStage connects the stage, or returns nil if none is configured
func OpenStage(c StageConfig, opts ...stepper.Option) (*stepper.Controller, error) {
	switch {
	case c.Mock:
		// the travel of the bench stage, negative limit at zero
		max := int64(75.6 * c.Stepper.StepsPerMM)
		return stepper.NewSimulated(stepper.NewSimulator(0, max, 0), c.Stepper, opts...)
	case c.Addr == "":
		return nil, nil
	default:
		return stepper.NewSerial(c.Addr, c.Baud, c.Stepper, opts...)
	}
}

// OpenScope connects the scope, or the replay source if no address is set
func OpenScope(c ScopeConfig) (oscilloscope.Acquirer, error) {
	if c.Addr == "" {
		if len(c.Replay) == 0 {
			return nil, fmt.Errorf("scope: no address and nothing to replay")
		}
		return &oscilloscope.FileSource{Paths: c.Replay, Loop: c.Loop}, nil
	}
	s := tektronix.NewScope(c.Addr, c.Timeout)
	if len(c.Sources) != 0 {
		if len(c.Sources) != oscilloscope.NumChannels {
			return nil, fmt.Errorf("scope: %d sources configured, need %d", len(c.Sources), oscilloscope.NumChannels)
		}
		copy(s.Sources[:], c.Sources)
	}
	return s, nil
}

func closeScope(a oscilloscope.Acquirer) error {
	if cl, ok := a.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return nil
}

// OpenRecorder opens every configured recorder
func OpenRecorder(c RecordConfig) (record.Multi, error) {
	var m record.Multi
	if c.Log != "" {
		l, err := record.OpenCSVLog(c.Log)
		if err != nil {
			return nil, err
		}
		m = append(m, l)
	}
	if c.SQLite != "" {
		db, err := record.OpenSQLite(c.SQLite)
		if err != nil {
			return nil, multierr.Append(err, m.Close())
		}
		m = append(m, db)
	}
	return m, nil
}

// OpenSession builds the session described by c around stage, which may be nil
func OpenSession(c Config, stage *stepper.Controller) (*session.Session, error) {
	an, err := c.Analysis.Analyzer()
	if err != nil {
		return nil, err
	}
	scope, err := OpenScope(c.Scope)
	if err != nil {
		return nil, err
	}
	rec, err := OpenRecorder(c.Record)
	if err != nil {
		return nil, multierr.Append(err, closeScope(scope))
	}
	s := &session.Session{Scope: scope, Analyzer: an, Recorder: rec}
	if stage != nil {
		s.Stage = stage
	}
	if c.Record.ArchiveDir != "" {
		s.Archive, err = session.NewArchive(c.Record.ArchiveDir, c.Record.ArchiveFormat)
		if err != nil {
			return nil, multierr.Combine(err, rec.Close(), closeScope(scope))
		}
	}
	return s, nil
}

// BuildMux mounts the stage and the session on a chi router.  Each gets its
// own lock.  The mux serves a special route, /endpoints, which returns every
// route as JSON.
func BuildMux(c Config, stage *stepper.Controller, sess *session.Session) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	mount := func(endpoint string, httper generichttp.HTTPer, unlocked []string, mw ...func(http.Handler) http.Handler) {
		hndlS := generichttp.SubMuxSanitize(endpoint)
		lock := locker.New(unlocked...)
		locker.Inject(httper, lock)
		supergraph[hndlS] = httper.RT().Endpoints()

		r := chi.NewRouter()
		r.Use(mw...)
		r.Use(lock.Check)
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
	}

	if stage != nil {
		h := stepper.NewHTTPStage(stage)
		limits := motion.LimitMiddleware{Limits: c.Stage.Limits, Mov: stage}
		limits.Inject(h)
		// a move begun before the lock must still be stoppable
		mount(c.Stage.Endpoint, h, []string{"/stop"}, limits.Check)
	}
	if sess != nil {
		mount(c.Endpoint, session.NewHTTPSession(sess), nil)
	}

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
