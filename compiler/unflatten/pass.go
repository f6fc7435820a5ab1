package unflatten

import (
	"context"
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/unflat/compiler/ir"
)

type (
	Mode uint8

	// Pass restores direct edges around a flattening dispatcher.
	// It is invoked once per block by the host pipeline
	// which repeats the invocations until no changes are reported.
	Pass struct {
		Config

		// Dom computes the dominator tree. ir.ComputeDom if nil.
		Dom func(f *ir.Func) Dominators

		f    *ir.Func
		info *FlattenInfo
		mode Mode

		gen    int
		dom    Dominators
		domGen int
		heads  map[int]clusterHead

		ed Editor

		local  ErasureSet // staged by the current invocation
		global ErasureSet // promoted by committed rewires

		startBlocks int

		stats Stats
		errs  []error
	}

	Stats struct {
		Calls    int
		Commits  int
		Edits    int
		Rewired  int
		Split    int
		Cloned   int
		Erased   int
		Retries  int
		Failures int
	}
)

const (
	ModeNormal Mode = iota
	ModeLastChance
	ModeSpent
	ModeAborted
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeLastChance:
		return "last_chance"
	case ModeSpent:
		return "spent"
	case ModeAborted:
		return "aborted"
	}

	return fmt.Sprintf("mode%d", int(m))
}

func New(cfg Config) *Pass {
	return &Pass{
		Config: cfg,
	}
}

// Reset clears per-function state. With free it also releases buffers.
func (p *Pass) Reset(free bool) {
	p.f = nil
	p.info = nil
	p.mode = ModeNormal

	p.dom = nil
	p.gen++

	p.local.Reset()
	p.global.Reset()
	p.ed.Begin(&ir.Func{})
	p.ed.Protected.Reset()

	p.stats = Stats{}
	p.errs = p.errs[:0]

	if !free {
		return
	}

	p.heads = nil
	p.local.Free()
	p.global.Free()
	p.ed = Editor{}
	p.errs = nil
}

// StartFunc resets the state and detects the dispatcher.
func (p *Pass) StartFunc(ctx context.Context, f *ir.Func) {
	tr := tlog.SpanFromContext(ctx)

	p.Reset(false)

	p.f = f
	p.startBlocks = len(f.Blocks)

	info, err := DetectPattern(f, p.Config)
	if err != nil {
		tr.V("unflatten").Printw("no dispatcher", "func", f.Name, "err", err)
		return
	}

	p.info = info

	for _, b := range info.Blocks() {
		p.ed.Protected.Set(b)
	}

	tr.Printw("dispatcher found", "func", f.Name, "info", info, "cases", len(info.Cases))
}

// FinishFunc ends processing of f.
func (p *Pass) FinishFunc(ctx context.Context, f *ir.Func) {
	if p.f != f {
		return
	}

	tr := tlog.SpanFromContext(ctx)

	if p.info != nil {
		tr.Printw("unflatten finished", "func", f.Name, "mode", p.mode, "commits", p.stats.Commits, "rewired", p.stats.Rewired,
			"split", p.stats.Split, "cloned", p.stats.Cloned, "erased", p.stats.Erased, "failures", p.stats.Failures)
	}
}

func (p *Pass) Info() *FlattenInfo { return p.info }
func (p *Pass) Mode() Mode         { return p.mode }
func (p *Pass) Stats() Stats       { return p.stats }

// Errors returns diagnostics collected for the current function.
func (p *Pass) Errors() []error { return p.errs }

// Func processes block id of f and returns the number of applied edits.
func (p *Pass) Func(ctx context.Context, f *ir.Func, id int) (changed int) {
	if p.f != f {
		p.StartFunc(ctx, f)
	}

	if p.info == nil || p.mode == ModeAborted {
		return 0
	}

	b := f.Block(id)
	if b == nil || p.info.DispatcherSucc(b) == ir.None {
		return 0
	}

	tr := tlog.SpanFromContext(ctx)

	defer func() {
		perr := recover()
		if perr == nil {
			return
		}

		p.fail(ctx, errors.Wrap(ErrInvariant, "block %d: panic: %v", id, perr))
		changed = 0
	}()

	p.stats.Calls++

	p.ed.Begin(f)
	p.local.Reset()

	err := p.unflattenBlock(ctx, f, b)

	if err != nil && !isFatal(err) && p.mode == ModeNormal && p.LastChance {
		tr.V("unflatten").Printw("last chance", "block", id, "err", err)

		p.mode = ModeLastChance
		p.stats.Retries++

		p.ed.Begin(f)
		p.local.Reset()

		err = p.unflattenBlock(ctx, f, b)

		p.mode = ModeSpent
	}

	if err != nil {
		p.local.Reset()
		p.fail(ctx, err)

		return 0
	}

	changed, err = p.commit(ctx, f)
	if err != nil {
		p.fail(ctx, err)

		return changed
	}

	return changed
}

func (p *Pass) unflattenBlock(ctx context.Context, f *ir.Func, b *ir.Block) (err error) {
	tr := tlog.SpanFromContext(ctx)

	relaxed := p.mode == ModeLastChance
	disp := p.info.DispatcherSucc(b)

	if b.NSucc() != 1 && !relaxed {
		return errors.Wrap(ErrAmbiguousSlice, "block %d: %d successors", b.ID, b.NSucc())
	}

	dom := p.dominators(f)

	head, hid, err := p.GetDominatedClusterHead(f, dom, b.ID)
	if err != nil {
		return err
	}

	var live *ir.Liveness
	if p.info.CompareLoc != p.info.StateLoc {
		live = ir.ComputeLiveness(f, p.info.CompareLoc)
	}

	r := p.FindBlockTargetOrLastCopy(f, b, head, p.info.StateLoc, relaxed, false)

	if tr.If("resolve") {
		tr.Printw("resolve", "block", b.ID, "head", hid, "res", r, "chain", r.Chain)
	}

	if r.Kind == LastCopy && r.Pos != ir.None {
		r = p.FindBlockTargetOrLastCopy(f, b, head, p.info.StateLoc, relaxed, true)
	}

	switch r.Kind {
	case Resolved:
		if p.info.IsDispatcher(r.Target) {
			return errors.Wrap(ErrStructural, "block %d: resolved to dispatcher block %d", b.ID, r.Target)
		}

		x, fix, err := p.compareCopy(live, b, disp, r.Target, ir.ImmOp(r.Value))
		if err != nil {
			return err
		}

		if fix {
			p.ed.Insert(b.ID, x)
		}

		UpdateDestBlockNumber(&p.ed, b.ID, disp, r.Target)
		p.local.Add(r.Chain...)
		p.stats.Rewired++

		tr.V("unflatten").Printw("rewire", "block", b.ID, "head", hid, "value", r.Value, "target", r.Target)

		return nil
	case Ambiguous:
		return errors.Wrap(ErrAmbiguousSlice, "block %d: %v", b.ID, r.Reason)
	}

	mb := f.Blocks[r.At]

	var tp TwoPreds
	ok := false

	if hid == f.Entry {
		tp, ok = p.FindJccInFirstBlocks(f)
		ok = ok && tp.Merge == mb.ID && tp.Copy == r.Loc
	}

	if !ok {
		tp, ok = p.HandleTwoPreds(f, mb, head, r.Loc)
	}

	if ok {
		return p.split(ctx, f, live, r, tp.Paths, 0, disp)
	}

	if !relaxed {
		return errors.Wrap(ErrAmbiguousSlice, "block %d: merge block %d with %d preds: unresolved %v", b.ID, mb.ID, mb.NPred(), r.Loc)
	}

	paths, ok := p.resolvePerPath(f, mb, head, r.Loc, 0)
	if !ok {
		return errors.Wrap(ErrAmbiguousSlice, "block %d: merge block %d: unresolved %v", b.ID, mb.ID, r.Loc)
	}

	keep := 0

	for i, pt := range paths {
		if f.Blocks[pt.Pred].TailOp() == ir.OpIf {
			keep = i
			break
		}
	}

	return p.split(ctx, f, live, r, paths, keep, disp)
}

// split gives every path but keep its own copy of r.Path connected to its target.
// The original blocks stay on the keep path.
func (p *Pass) split(ctx context.Context, f *ir.Func, live *ir.Liveness, r Resolution, paths []PathTarget, keep, disp int) error {
	tr := tlog.SpanFromContext(ctx)

	tail := r.Path[len(r.Path)-1]
	fixes := make([]bool, len(paths))
	x := ir.Mov(p.info.CompareLoc, ir.LocOp(p.info.StateLoc))

	for i, pt := range paths {
		if p.info.IsDispatcher(pt.Target) {
			return errors.Wrap(ErrStructural, "merge %d: path from %d resolved to dispatcher block %d", r.At, pt.Pred, pt.Target)
		}

		var err error

		_, fixes[i], err = p.compareCopy(live, f.Blocks[tail], disp, pt.Target, x.L)
		if err != nil {
			return err
		}
	}

	for i, pt := range paths {
		if i == keep {
			continue
		}

		n := CopyAndConnectBlocksToPred(&p.ed, f, r.Path, pt.Pred, pt.Target, disp)
		p.stats.Cloned += n

		if fixes[i] {
			last := pt.Pred
			if n != 0 {
				last = p.ed.Last()
			}

			p.ed.Insert(last, x)
		}

		p.local.Add(pt.Chain...)

		tr.V("unflatten").Printw("split path", "merge", r.At, "pred", pt.Pred, "target", pt.Target, "cloned", n)
	}

	if fixes[keep] {
		p.ed.Insert(tail, x)
	}

	UpdateDestBlockNumber(&p.ed, tail, disp, paths[keep].Target)

	p.local.Add(paths[keep].Chain...)
	p.local.Add(r.Chain...)
	p.stats.Split++

	tr.V("unflatten").Printw("split", "merge", r.At, "tail", tail, "keep", paths[keep].Pred, "target", paths[keep].Target, "paths", len(paths))

	return nil
}

// compareCopy returns the move restoring the dispatcher compare copy
// for control from b rewired to target. fix is false if target never reads it.
func (p *Pass) compareCopy(live *ir.Liveness, b *ir.Block, disp, target int, v ir.Operand) (x ir.Insn, fix bool, err error) {
	if live == nil || !live.LiveIn(target) {
		return x, false, nil
	}

	for _, s := range b.Succs {
		if s != disp && live.LiveIn(s) {
			return x, false, errors.Wrap(ErrAmbiguousSlice, "block %d: %v is read past successor %d", b.ID, p.info.CompareLoc, s)
		}
	}

	return ir.Mov(p.info.CompareLoc, v), true, nil
}

// commit applies staged edits and promotes erasures they made possible.
func (p *Pass) commit(ctx context.Context, f *ir.Func) (int, error) {
	tr := tlog.SpanFromContext(ctx)

	if p.ed.Len() == 0 {
		return 0, nil
	}

	stopPreds := append([]int{}, f.Blocks[f.Exit].Preds...)

	n, err := p.ed.Apply(ctx, f)
	if err != nil {
		p.local.Reset()
		return 0, err
	}

	p.gen++

	fixed := CorrectStopBlockPreds(&p.ed, f, stopPreds)

	p.global.Promote(&p.local)

	erased := 0
	if p.Erase {
		erased = p.ProcessErasures(ctx, f)
	}

	p.stats.Commits++
	p.stats.Edits += n

	tr.V("unflatten").Printw("commit", "edits", n, "stop_preds_fixed", fixed, "erased", erased, "blocks", len(f.Blocks))

	if p.MaxGrowth > 0 && len(f.Blocks) > p.startBlocks*p.MaxGrowth {
		return n, errors.Wrap(ErrInvariant, "function grew from %d to %d blocks", p.startBlocks, len(f.Blocks))
	}

	return n, nil
}

// ProcessErasures deletes promoted assignments whose value is no longer read.
func (p *Pass) ProcessErasures(ctx context.Context, f *ir.Func) (erased int) {
	tr := tlog.SpanFromContext(ctx)

	for {
		live := map[ir.Loc]*ir.Liveness{}
		n := 0

		for _, e := range p.global.Entries() {
			if !e.Matches(f) {
				p.global.Remove(e.Block, e.Pos)
				continue
			}

			l, ok := live[e.Dst]
			if !ok {
				l = ir.ComputeLiveness(f, e.Dst)
				live[e.Dst] = l
			}

			if l.LiveAfter(e.Block, e.Pos) {
				continue
			}

			b := f.Blocks[e.Block]
			b.Code = append(b.Code[:e.Pos], b.Code[e.Pos+1:]...)

			p.global.Remove(e.Block, e.Pos)
			p.shiftErasures(e.Block, e.Pos)

			tr.V("erase").Printw("erase", "entry", e)

			n++
		}

		erased += n
		p.stats.Erased += n

		if n == 0 {
			break
		}
	}

	return erased
}

// shiftErasures fixes positions of entries after the deleted instruction.
func (p *Pass) shiftErasures(block, pos int) {
	var moved MoveChain

	for _, e := range p.global.Entries() {
		if e.Block == block && e.Pos > pos {
			p.global.Remove(e.Block, e.Pos)

			e.Pos--
			moved = append(moved, e)
		}
	}

	p.global.Add(moved...)
}

func (p *Pass) fail(ctx context.Context, err error) {
	tr := tlog.SpanFromContext(ctx)

	p.stats.Failures++
	p.errs = append(p.errs, err)

	if !isFatal(err) {
		tr.V("unflatten").Printw("block not resolved", "err", err)
		return
	}

	p.mode = ModeAborted

	tr.Printw("unflatten aborted", "func", p.f.Name, "err", err)
}
