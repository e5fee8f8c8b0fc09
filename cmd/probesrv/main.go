package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/plasmalab/probelab/langmuir"
	"github.com/plasmalab/probelab/oscilloscope"
	"github.com/plasmalab/probelab/stepper"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "probesrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "yaml"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconf() Config {
	c := Config{}
	err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: "yaml"})
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `probesrv runs Langmuir probe measurements on the plasma bench: it drives the
probe's linear stage, pulls shots from the oscilloscope, and reduces them to
electron temperature and ion density.

Usage:
	probesrv <command>

Commands:
	run
	help
	mkconf
	conf
	version
	zero
	move <mm>
	measure [tag]
	analyze <file> [file...]`
	fmt.Println(str)
}

func help() {
	str := `probesrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Run "probesrv mkconf" to write the defaults to probesrv.yml, then edit it.

Stage:
	Addr is the serial port of the stage controller, 9600 baud unless Baud is
	set.  Mock runs against a simulated stage instead.  Limits are software
	limits in mm from zero, enforced by the server before a move is sent.

Scope:
	Addr is the host:port of the scope's socket server.  With no Addr, the
	text captures listed in Replay are played back instead.

Analysis:
	Model is "simplified" or "double-probe".  Channels are 1-based scope
	channels.  TimeScale 1e6 reports trigger windows in microseconds.

Record:
	Log is a text file of density,std,temperature,std,tag rows.  SQLite also
	inserts rows into a database.  ArchiveDir keeps each raw shot as
	data_N.txt or, with ArchiveFormat "fits", data_N.fits.

Commands other than run act on the hardware directly and exit; do not use
them while a server is running against the same stage.

Routes served by run are listed at /endpoints.`
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
	fmt.Printf("probesrv version %v\n", Version)
}

func run() {
	c := loadconf()
	stage, err := OpenStage(c.Stage)
	if err != nil {
		log.Fatal(err)
	}
	sess, err := OpenSession(c, stage)
	if err != nil {
		log.Fatal(err)
	}
	defer sess.Close()
	mux := BuildMux(c, stage, sess)
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func spinner(msg string) *yacspin.Spinner {
	s, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " " + msg,
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	return s
}

// interrupted returns a context cancelled by ^C, so a move stops between chunks
func interrupted() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// withStage opens the stage with a spinner tracking the chunks of each move
// and calls fn with it
func withStage(msg string, fn func(context.Context, *stepper.Controller) (stepper.Outcome, error)) {
	c := loadconf()
	spin := spinner(msg)
	stage, err := OpenStage(c.Stage, stepper.WithProgress(func(p stepper.Progress) {
		spin.Message(fmt.Sprintf("chunk %d, %d/%d steps", p.Chunk, p.AckedSteps, p.RequestedSteps))
	}))
	if err != nil {
		log.Fatal(err)
	}
	if stage == nil {
		log.Fatal("no stage configured")
	}
	defer stage.Close()

	ctx, cancel := interrupted()
	defer cancel()
	spin.Start()
	out, err := fn(ctx, stage)
	if err != nil {
		spin.StopFailMessage(err.Error())
		spin.StopFail()
		os.Exit(1)
	}
	spin.StopMessage(fmt.Sprintf("%s after %d chunks, at %.3f mm", out.Kind, out.Chunks, out.Position.MM))
	spin.Stop()
}

func zero() {
	withStage("zeroing", func(ctx context.Context, s *stepper.Controller) (stepper.Outcome, error) {
		return s.Zero(ctx)
	})
}

func move(args []string) {
	if len(args) != 1 {
		log.Fatal("usage: probesrv move <mm>")
	}
	mm, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		log.Fatal(err)
	}
	withStage(fmt.Sprintf("moving %g mm", mm), func(ctx context.Context, s *stepper.Controller) (stepper.Outcome, error) {
		return s.MoveBy(ctx, mm)
	})
}

func measure(args []string) {
	c := loadconf()
	sess, err := OpenSession(c, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer sess.Close()
	tag := strings.Join(args, " ")
	ctx, cancel := interrupted()
	defer cancel()
	shot, err := sess.Record(ctx, tag)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Print(shot.Result.Record(shot.Tag).Line())
}

// analyze reanalyzes saved captures, printing one row per file and, for more
// than one file, a combined row tagged "combined"
func analyze(paths []string) {
	if len(paths) == 0 {
		log.Fatal("usage: probesrv analyze <file> [file...]")
	}
	c := loadconf()
	an, err := c.Analysis.Analyzer()
	if err != nil {
		log.Fatal(err)
	}
	results, err := analyzeFiles(an, paths)
	if err != nil {
		log.Fatal(err)
	}
	for i, res := range results {
		fmt.Print(res.Record(paths[i]).Line())
	}
	if len(results) > 1 {
		comb, err := langmuir.Combine(results)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Print(comb.Record("combined").Line())
	}
}

func analyzeFiles(an langmuir.Analyzer, paths []string) ([]langmuir.Result, error) {
	results := make([]langmuir.Result, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		capt, err := oscilloscope.DecodeText(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		res, err := an.Analyze(capt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		results = append(results, res)
	}
	return results, nil
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
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	case "zero":
		zero()
	case "move":
		move(args[2:])
	case "measure":
		measure(args[2:])
	case "analyze":
		analyze(args[2:])
	default:
		log.Fatal("unknown command")
	}
}
