package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/unflat/compiler"
	"github.com/slowlang/unflat/compiler/format"
	"github.com/slowlang/unflat/compiler/unflatten"
)

func main() {
	runCmd := &cli.Command{
		Name:        "run",
		Description: "unflatten functions and print the result",
		Action:      runAct,
		Args:        cli.Args{},
		Flags: []*cli.Flag{
			cli.NewFlag("min-cases", 2, "minimal number of distinct dispatcher targets"),
			cli.NewFlag("max-growth", 4, "function size limit as a multiple of its initial block count"),
			cli.NewFlag("max-rounds", 64, "pipeline rounds limit"),
			cli.NewFlag("no-erase", false, "keep state assignments"),
			cli.NewFlag("no-last-chance", false, "disable the relaxed retry"),
			cli.NewFlag("check", false, "compare execution traces before and after"),
			cli.NewFlag("report", true, "print per function summary to stderr"),
		},
	}

	detectCmd := &cli.Command{
		Name:        "detect",
		Description: "print detected dispatchers",
		Action:      detectAct,
		Args:        cli.Args{},
		Flags: []*cli.Flag{
			cli.NewFlag("min-cases", 2, "minimal number of distinct dispatcher targets"),
		},
	}

	fmtCmd := &cli.Command{
		Name:        "fmt",
		Description: "parse and print functions in canonical form",
		Action:      fmtAct,
		Args:        cli.Args{},
	}

	app := &cli.Command{
		Name:        "unflat",
		Description: "unflat restores control flow flattened by a state dispatcher",
		Before:      before,
		Flags: []*cli.Flag{
			cli.NewFlag("verbosity,v", "", "logger verbosity topics"),
			cli.NewFlag("color", "auto", "colorize output: auto, always, never"),
			cli.HelpFlag,
		},
		Commands: []*cli.Command{
			runCmd,
			detectCmd,
			fmtCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func before(c *cli.Command) error {
	tlog.SetVerbosity(c.String("verbosity"))

	switch q := c.String("color"); q {
	case "auto":
	case "always":
		color.NoColor = false
	case "never":
		color.NoColor = true
	default:
		return errors.New("unsupported color mode: %v", q)
	}

	return nil
}

func runAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	cfg := compiler.DefaultConfig()

	cfg.Unflatten.MinCases = c.Int("min-cases")
	cfg.Unflatten.MaxGrowth = c.Int("max-growth")
	cfg.Unflatten.Erase = !c.Bool("no-erase")
	cfg.Unflatten.LastChance = !c.Bool("no-last-chance")
	cfg.Opt.MaxRounds = c.Int("max-rounds")
	cfg.Check = c.Bool("check")

	for _, a := range c.Args {
		out, rep, err := compiler.DeobfuscateFile(ctx, a, cfg)
		if err != nil {
			return errors.Wrap(err, "unflatten %v", a)
		}

		fmt.Printf("%s", out)

		if c.Bool("report") {
			printReport(a, rep)
		}
	}

	return nil
}

func detectAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	cfg := unflatten.DefaultConfig()
	cfg.MinCases = c.Int("min-cases")

	bold := color.New(color.Bold)
	dim := color.New(color.Faint)

	for _, a := range c.Args {
		pkg, err := format.ParseFile(ctx, a)
		if err != nil {
			return errors.Wrap(err, "parse %v", a)
		}

		for _, f := range pkg.Funcs {
			info, err := unflatten.DetectPattern(f, cfg)
			if errors.Is(err, unflatten.ErrPatternNotFound) {
				dim.Printf("%v: %v: no dispatcher\n", a, f.Name)
				continue
			}
			if err != nil {
				return errors.Wrap(err, "detect %v", f.Name)
			}

			bold.Printf("%v: %v:", a, f.Name)
			fmt.Printf(" dispatcher b%d state %v compare %v blocks %v\n", info.Dispatcher, info.StateLoc, info.CompareLoc, info.Blocks())

			for _, v := range info.SortedCases() {
				fmt.Printf("\t%d -> b%d\n", v, info.Cases[v])
			}
		}
	}

	return nil
}

func fmtAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	for _, a := range c.Args {
		pkg, err := format.ParseFile(ctx, a)
		if err != nil {
			return errors.Wrap(err, "parse %v", a)
		}

		out, err := format.Format(ctx, nil, pkg)
		if err != nil {
			return errors.Wrap(err, "format %v", a)
		}

		fmt.Printf("%s", out)
	}

	return nil
}

func printReport(file string, rep compiler.Report) {
	ok := color.New(color.FgGreen)
	warn := color.New(color.FgYellow)
	bad := color.New(color.FgRed, color.Bold)

	for _, fr := range rep.Funcs {
		fmt.Fprintf(os.Stderr, "%v: %v: ", file, fr.Name)

		switch {
		case !fr.Detected:
			warn.Fprintf(os.Stderr, "no dispatcher\n")
			continue
		case fr.Mode == unflatten.ModeAborted:
			bad.Fprintf(os.Stderr, "aborted")
		default:
			ok.Fprintf(os.Stderr, "%v", fr.Mode)
		}

		fmt.Fprintf(os.Stderr, " blocks %d -> %d  rewired %d split %d cloned %d erased %d retries %d failures %d\n",
			fr.BlocksBefore, fr.BlocksAfter, fr.Stats.Rewired, fr.Stats.Split, fr.Stats.Cloned, fr.Stats.Erased, fr.Stats.Retries, fr.Stats.Failures)

		for _, err := range fr.Errors {
			warn.Fprintf(os.Stderr, "\t%v\n", err)
		}
	}
}
