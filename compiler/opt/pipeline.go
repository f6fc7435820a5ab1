package opt

import (
	"context"

	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"

	"github.com/slowlang/unflat/compiler/ir"
)

type (
	// BlockPass is invoked once per block. It returns the number of changes made.
	BlockPass interface {
		Func(ctx context.Context, f *ir.Func, b int) int
	}

	FuncStarter interface {
		StartFunc(ctx context.Context, f *ir.Func)
	}

	FuncFinisher interface {
		FinishFunc(ctx context.Context, f *ir.Func)
	}

	Config struct {
		MaxRounds int
	}

	Stats struct {
		Rounds  int
		Calls   int
		Changes int
	}

	// Pipeline runs block passes over a function until a fixpoint.
	Pipeline struct {
		Config

		Passes []BlockPass

		stats Stats
	}

	worklist struct {
		heap.Heap[item]
	}

	item struct {
		ord int
		id  int
	}
)

var ErrNoFixpoint = errors.New("no fixpoint")

func DefaultConfig() Config {
	return Config{
		MaxRounds: 64,
	}
}

func New(cfg Config, passes ...BlockPass) *Pipeline {
	return &Pipeline{
		Config: cfg,
		Passes: passes,
	}
}

func (p *Pipeline) Stats() Stats { return p.stats }

func (p *Pipeline) RunPackage(ctx context.Context, pkg *ir.Package) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "opt: run package", "path", pkg.Path)
	defer tr.Finish("err", &err)

	for _, f := range pkg.Funcs {
		err = p.RunFunc(ctx, f)
		if err != nil {
			return errors.Wrap(err, "func %v", f.Name)
		}
	}

	return nil
}

// RunFunc invokes every pass on every block in reverse postorder,
// round after round, until a round makes no changes.
func (p *Pipeline) RunFunc(ctx context.Context, f *ir.Func) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "opt: run func", "name", f.Name, "blocks", len(f.Blocks))
	defer tr.Finish("err", &err)

	for _, ps := range p.Passes {
		if s, ok := ps.(FuncStarter); ok {
			s.StartFunc(ctx, f)
		}
	}

	defer func() {
		for _, ps := range p.Passes {
			if s, ok := ps.(FuncFinisher); ok {
				s.FinishFunc(ctx, f)
			}
		}
	}()

	var wl worklist
	wl.Less = itemLess

	for round := 0; ; round++ {
		if p.MaxRounds > 0 && round >= p.MaxRounds {
			return errors.Wrap(ErrNoFixpoint, "%d rounds", round)
		}

		p.stats.Rounds++

		wl.fill(f)

		changes := 0

		for wl.Len() != 0 {
			it := wl.Pop()

			for _, ps := range p.Passes {
				n := ps.Func(ctx, f, it.id)

				p.stats.Calls++
				changes += n
			}
		}

		p.stats.Changes += changes

		tr.V("rounds").Printw("round", "round", round, "changes", changes, "blocks", len(f.Blocks))

		if changes == 0 {
			return nil
		}
	}
}

// fill queues all blocks of f. Reachable blocks go first in reverse postorder.
func (wl *worklist) fill(f *ir.Func) {
	wl.Data = wl.Data[:0]

	rpo := ir.ReversePostOrder(f)
	seen := make([]bool, len(f.Blocks))

	for i, id := range rpo {
		seen[id] = true
		wl.Push(item{ord: i, id: id})
	}

	for id := range f.Blocks {
		if !seen[id] {
			wl.Push(item{ord: len(rpo) + id, id: id})
		}
	}
}

func (wl *worklist) Push(it item) {
	tlog.V("worklist").Printw("push", "ord", it.ord, "id", it.id, "from", loc.Caller(1))

	wl.Heap.Push(it)
}

func itemLess(d []item, i, j int) bool {
	return d[i].ord < d[j].ord
}
