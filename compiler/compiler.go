package compiler

import (
	"context"
	"os"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/unflat/compiler/format"
	"github.com/slowlang/unflat/compiler/ir"
	"github.com/slowlang/unflat/compiler/opt"
	"github.com/slowlang/unflat/compiler/unflatten"
)

type (
	Config struct {
		Unflatten unflatten.Config
		Opt       opt.Config

		// Check runs every function before and after the pass
		// with the same inputs and compares the traces.
		Check bool
	}

	Report struct {
		Funcs []FuncReport
	}

	FuncReport struct {
		Name string

		Detected   bool
		Dispatcher int
		Cases      int

		BlocksBefore int
		BlocksAfter  int

		Mode   unflatten.Mode
		Stats  unflatten.Stats
		Errors []error
	}
)

func DefaultConfig() Config {
	return Config{
		Unflatten: unflatten.DefaultConfig(),
		Opt:       opt.DefaultConfig(),
	}
}

func DeobfuscateFile(ctx context.Context, name string, cfg Config) (out []byte, rep Report, err error) {
	text, err := os.ReadFile(name)
	if err != nil {
		return nil, rep, errors.Wrap(err, "read file")
	}

	tlog.SpanFromContext(ctx).Printw("read file", "size", len(text), "name", name)

	return Deobfuscate(ctx, name, text, cfg)
}

// Deobfuscate parses text, unflattens every function and formats the result back.
func Deobfuscate(ctx context.Context, name string, text []byte, cfg Config) (out []byte, rep Report, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "deobfuscate", "name", name)
	defer tr.Finish("err", &err)

	pkg, err := format.Parse(ctx, name, text)
	if err != nil {
		return nil, rep, errors.Wrap(err, "parse")
	}

	rep, err = Unflatten(ctx, pkg, cfg)
	if err != nil {
		return nil, rep, err
	}

	out, err = format.Format(ctx, nil, pkg)
	if err != nil {
		return nil, rep, errors.Wrap(err, "format")
	}

	return out, rep, nil
}

// Unflatten runs the pass over pkg in place.
func Unflatten(ctx context.Context, pkg *ir.Package, cfg Config) (rep Report, err error) {
	tr := tlog.SpanFromContext(ctx)

	p := unflatten.New(cfg.Unflatten)
	pl := opt.New(cfg.Opt, p)

	for _, f := range pkg.Funcs {
		var orig *ir.Func
		if cfg.Check {
			orig = f.Clone()
		}

		fr := FuncReport{
			Name:         f.Name,
			BlocksBefore: len(f.Blocks),
		}

		err = pl.RunFunc(ctx, f)
		if err != nil {
			return rep, errors.Wrap(err, "func %v", f.Name)
		}

		if info := p.Info(); info != nil {
			fr.Detected = true
			fr.Dispatcher = info.Dispatcher
			fr.Cases = len(info.Cases)
		}

		fr.BlocksAfter = len(f.Blocks)
		fr.Mode = p.Mode()
		fr.Stats = p.Stats()
		fr.Errors = append([]error{}, p.Errors()...)

		rep.Funcs = append(rep.Funcs, fr)

		if err = f.Verify(); err != nil {
			return rep, errors.Wrap(err, "func %v: verify", f.Name)
		}

		if orig != nil {
			err = checkSame(orig, f)
			if err != nil {
				return rep, errors.Wrap(err, "func %v: check", f.Name)
			}
		}

		tr.V("report").Printw("func done", "name", f.Name, "detected", fr.Detected, "blocks_before", fr.BlocksBefore, "blocks_after", fr.BlocksAfter, "mode", fr.Mode)
	}

	p.Reset(true)

	return rep, nil
}

// checkSame compares traces of both functions started with an empty environment.
func checkSame(a, b *ir.Func) error {
	const limit = 1 << 16

	ta, erra := ir.Interp(a, nil, limit)
	tb, errb := ir.Interp(b, nil, limit)

	if errors.Is(erra, ir.ErrStepLimit) && errors.Is(errb, ir.ErrStepLimit) {
		return nil
	}

	if erra != nil {
		return errors.Wrap(erra, "before")
	}

	if errb != nil {
		return errors.Wrap(errb, "after")
	}

	if ta.Ret != tb.Ret || len(ta.Uses) != len(tb.Uses) {
		return errors.New("trace differs: ret %d -> %d, uses %v -> %v", ta.Ret, tb.Ret, ta.Uses, tb.Uses)
	}

	for i := range ta.Uses {
		if ta.Uses[i] != tb.Uses[i] {
			return errors.New("trace differs at use %d: %v -> %v", i, ta.Uses, tb.Uses)
		}
	}

	return nil
}
