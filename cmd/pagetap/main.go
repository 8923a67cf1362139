// pagetap runs YAML test plans against a browser page and prints TAP.
//
// Usage:
//
//	pagetap run login.yaml
//	pagetap run --driver embedded --timeout 5000 smoke.yaml
//	pagetap run --results-db runs.db --stream-addr :7070 nightly.yaml
//	pagetap history --results-db runs.db
//
// The exit status of run is the run's status: 0 when every assertion
// passed, 1 when one failed, 127 on an internal error. Usage errors exit 2.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cryguy/pagetap"
	"github.com/cryguy/pagetap/internal/logging"
	"github.com/cryguy/pagetap/internal/plan"
	"github.com/cryguy/pagetap/internal/resultstore"
	"github.com/cryguy/pagetap/internal/tapstream"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

const exitUsage = 2

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	status := 0
	root := newRootCmd(stdout, stderr, &status)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(stderr, "pagetap: %v\n", err)
		return exitUsage
	}
	return status
}

type runFlags struct {
	config     string
	driver     string
	baseURL    string
	timeout    int
	verbose    bool
	resultsDB  string
	streamAddr string
	logLevel   string
	color      string
}

func newRootCmd(stdout, stderr io.Writer, status *int) *cobra.Command {
	root := &cobra.Command{
		Use:           "pagetap",
		Short:         "Run browser test plans and report TAP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(newRunCmd(stdout, stderr, status), newHistoryCmd(stdout), newVersionCmd(stdout))
	return root
}

func newRunCmd(stdout, stderr io.Writer, status *int) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [flags] plan.yaml",
		Short: "Run a test plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runPlan(cmd, args[0], f, stdout, stderr)
			if err != nil {
				return err
			}
			*status = code
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.config, "config", "", "YAML options file")
	fl.StringVar(&f.driver, "driver", "", "page driver: chrome or embedded")
	fl.StringVar(&f.baseURL, "base-url", "", "prefix for open paths")
	fl.IntVar(&f.timeout, "timeout", 0, "per-job timeout in milliseconds")
	fl.BoolVar(&f.verbose, "verbose", false, "print verbose diagnostics")
	fl.StringVar(&f.resultsDB, "results-db", "", "record the run in this SQLite database")
	fl.StringVar(&f.streamAddr, "stream-addr", "", "serve the TAP stream over WebSocket at this address")
	fl.StringVar(&f.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	fl.StringVar(&f.color, "color", "auto", "colour ok/not ok: auto, always, never")
	return cmd
}

// options layers defaults, the config file, the plan and then flags.
func options(cmd *cobra.Command, p *plan.Plan, f runFlags) (pagetap.Options, error) {
	opts := pagetap.DefaultOptions()
	if f.config != "" {
		var err error
		if opts, err = pagetap.LoadOptions(f.config); err != nil {
			return opts, err
		}
	}
	if err := p.Configure(&opts); err != nil {
		return opts, err
	}
	fl := cmd.Flags()
	if fl.Changed("driver") {
		opts.Driver = f.driver
	}
	if fl.Changed("base-url") {
		opts.BaseURL = f.baseURL
	}
	if fl.Changed("timeout") {
		opts.Timeout = f.timeout
	}
	if fl.Changed("verbose") {
		opts.Verbose = f.verbose
	}
	return opts, nil
}

func runPlan(cmd *cobra.Command, path string, f runFlags, stdout, stderr io.Writer) (int, error) {
	p, err := plan.Load(path)
	if err != nil {
		return 0, err
	}
	opts, err := options(cmd, p, f)
	if err != nil {
		return 0, err
	}
	if _, err := pagetap.NewDriver(opts.Driver, logging.Discard()); err != nil {
		return 0, err
	}

	log := logging.NewWithWriter(stderr, "pagetap", logging.ParseLevel(f.logLevel))
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := stdout
	var color bool
	switch f.color {
	case "always":
		color = true
	case "never":
	case "auto":
		color = isTTYWriter(stdout) && f.streamAddr == ""
	default:
		return 0, fmt.Errorf("invalid --color %q", f.color)
	}

	taps := []pagetap.Option{
		pagetap.WithContext(ctx),
		pagetap.WithColor(color),
	}

	if f.streamAddr != "" {
		hub := tapstream.NewHub(log.Named("stream"))
		srv, err := tapstream.Listen(f.streamAddr, hub)
		if err != nil {
			return 0, fmt.Errorf("starting stream server: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		fmt.Fprintf(stderr, "pagetap: streaming TAP at ws://%s/stream\n", srv.Addr())
		out = io.MultiWriter(stdout, hub)
	}

	if f.resultsDB != "" {
		store, err := resultstore.Open(f.resultsDB)
		if err != nil {
			return 0, err
		}
		defer store.Close()
		rec, err := store.StartRun(p.Name)
		if err != nil {
			return 0, err
		}
		log = log.WithRun(rec.ID)
		taps = append(taps, pagetap.WithSink(rec))
	}

	status := pagetap.ExitInternal
	taps = append(taps,
		pagetap.WithOutput(out),
		pagetap.WithLogger(log),
		pagetap.WithExit(func(code int) { status = code }),
	)
	t := pagetap.New(opts, taps...)
	log.Info("running plan", "plan", p.Name, "steps", len(p.Steps), "driver", opts.Driver)
	p.Queue(t)
	t.Done()
	if errors.Is(ctx.Err(), context.Canceled) {
		log.Warn("run interrupted")
	}
	return status, nil
}

func newHistoryCmd(stdout io.Writer) *cobra.Command {
	var db string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if db == "" {
				return errors.New("--results-db is required")
			}
			store, err := resultstore.Open(db)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.Runs(limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				state := "unfinished"
				if !r.FinishedAt.IsZero() {
					state = fmt.Sprintf("%d/%d passed", r.Passed, r.Total)
				}
				fmt.Fprintf(stdout, "%s  %s  %-12s  %s\n",
					r.ID, r.StartedAt.Local().Format(time.DateTime), state, r.Plan)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&db, "results-db", "", "SQLite database written by run --results-db")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "pagetap %s\n", version)
		},
	}
}

// isTTYWriter reports whether w is a terminal.
func isTTYWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
