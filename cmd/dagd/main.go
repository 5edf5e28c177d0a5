package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"dagd/internal/app"
	"dagd/internal/dags/project1"
)

const usage = `usage: dagd [-config path] <command> [args]

commands:
  run                              run the scheduler until SIGINT/SIGTERM (default)
  list                             list registered DAGs and their next trigger
  test <dag> <task> [date]         run one task once, in-process, nothing recorded
  backfill -start D -end D <dag>   run every logical date in [start, end]
`

func main() {
	fs := flag.NewFlagSet("dagd", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to config json/yaml (empty: built-in defaults)")
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	_ = fs.Parse(os.Args[1:])

	cmd := "run"
	args := fs.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	if err := dispatch(cmd, *cfgPath, args, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func dispatch(cmd, cfgPath string, args []string, out io.Writer) error {
	if cmd == "help" || cmd == "-h" {
		fmt.Fprint(out, usage)
		return nil
	}

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	// Register DAGs (add a workflow: New() + Register).
	if err := a.DAGs().Register(
		project1.New(),
	); err != nil {
		_ = a.Close()
		return err
	}

	switch cmd {
	case "run":
		return run(a)
	case "list":
		defer a.Close()
		return list(a, out, time.Now())
	case "test":
		defer a.Close()
		return testTask(a, args)
	case "backfill":
		defer a.Close()
		return backfill(a, args, out)
	default:
		_ = a.Close()
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func run(a *app.App) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		return err
	}
	return nil
}

func list(a *app.App, out io.Writer, now time.Time) error {
	infos, err := a.Describe(context.Background(), now)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DAG\tSCHEDULE\tCATCHUP\tPAUSED\tTASKS\tLAST RUN\tNEXT TRIGGER")
	for _, d := range infos {
		last := "-"
		if !d.Last.IsZero() {
			last = d.Last.UTC().Format(time.RFC3339)
		}
		next := "-"
		if !d.Next.IsZero() {
			next = fmt.Sprintf("%s (%s)", d.Next.UTC().Format(time.RFC3339), humanize.RelTime(d.Next, now, "ago", "from now"))
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\t%s\t%s\n",
			d.ID, d.Schedule, d.Catchup, d.Paused, strings.Join(d.Tasks, ","), last, next)
	}
	return tw.Flush()
}

func testTask(a *app.App, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("usage: dagd test <dag> <task> [date]")
	}
	logical := time.Now().UTC()
	if len(args) == 3 {
		d, err := parseDate(args[2])
		if err != nil {
			return err
		}
		logical = d
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return a.TestTask(ctx, args[0], args[1], logical)
}

func backfill(a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	startRaw := fs.String("start", "", "first logical date (YYYY-MM-DD or RFC3339)")
	endRaw := fs.String("end", "", "last logical date (YYYY-MM-DD or RFC3339); default: start")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *startRaw == "" {
		return errors.New("usage: dagd backfill -start D [-end D] <dag>")
	}
	from, err := parseDate(*startRaw)
	if err != nil {
		return err
	}
	to := from
	if *endRaw != "" {
		if to, err = parseDate(*endRaw); err != nil {
			return err
		}
	}
	if to.Before(from) {
		return fmt.Errorf("backfill: end %s is before start %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	began := time.Now()
	runs, err := a.Backfill(ctx, fs.Arg(0), from, to)
	failed := 0
	for _, r := range runs {
		if r.State != "success" {
			failed++
		}
		fmt.Fprintf(out, "%s\t%s\n", r.RunID, r.State)
	}
	fmt.Fprintf(out, "backfilled %s runs in %s\n", humanize.Comma(int64(len(runs))), time.Since(began).Round(time.Millisecond))
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(runs))
	}
	return nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD or RFC3339)", s)
}
