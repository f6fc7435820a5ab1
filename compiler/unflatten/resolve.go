package unflatten

import (
	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/unflat/compiler/ir"
	"github.com/slowlang/unflat/compiler/set"
)

type (
	ResolutionKind uint8

	// Resolution is the result of a backward slice.
	Resolution struct {
		Kind ResolutionKind

		// Resolved
		Target int
		Value  int64

		// LastCopy: value of Loc at the start of block At,
		// or right before Pos if the slice stopped at a copy.
		Loc ir.Loc
		At  int
		Pos int

		// Path is the walked blocks from At to the start block.
		Path []int

		Chain MoveChain

		Reason string
	}

	// PathTarget is where the dispatcher sends control arriving over Pred.
	PathTarget struct {
		Pred   int
		Target int
		Chain  MoveChain
	}

	// TwoPreds is a merge block whose two incoming paths carry different state values.
	TwoPreds struct {
		Merge int
		Copy  ir.Loc

		Jcc        int
		NonJcc     int
		GotoTarget int // target of the path through NonJcc
		JccTarget  int // target of the path through Jcc

		Paths []PathTarget
	}
)

const (
	Ambiguous ResolutionKind = iota
	Resolved
	LastCopy
)

func (k ResolutionKind) String() string {
	switch k {
	case Resolved:
		return "resolved"
	case LastCopy:
		return "last_copy"
	default:
		return "ambiguous"
	}
}

// FindBlockTargetOrLastCopy slices backward from the end of mb looking for
// the value assigned to what. The walk goes no further than head and follows
// only single-predecessor edges.
func (p *Pass) FindBlockTargetOrLastCopy(f *ir.Func, mb, head *ir.Block, what ir.Loc, allowMultiSucc, recursive bool) (r Resolution) {
	r = Resolution{
		Target: ir.None,
		At:     mb.ID,
		Pos:    ir.None,
	}

	defer func() {
		r.Chain.reverse()

		for i, j := 0, len(r.Path)-1; i < j; i, j = i+1, j-1 {
			r.Path[i], r.Path[j] = r.Path[j], r.Path[i]
		}
	}()

	ambiguous := func(reason string) Resolution {
		r.Kind = Ambiguous
		r.Reason = reason

		return r
	}

	if !allowMultiSucc && mb.NSucc() > 1 {
		return ambiguous("multiple successors")
	}

	visited := set.MakeBits(0)
	cur := mb

	for {
		visited.Set(cur.ID)
		r.Path = append(r.Path, cur.ID)
		r.At = cur.ID

		for i := len(cur.Code) - 1; i >= 0; i-- {
			x := cur.Code[i]

			d, ok := x.Writes()
			if !ok || d != what {
				continue
			}

			if x.Op != ir.OpMov {
				return ambiguous("non-copy assignment")
			}

			r.Chain = append(r.Chain, MoveChainEntry{Block: cur.ID, Pos: i, Src: x.L, Dst: d})

			if x.L.IsImm {
				t, ok := p.info.target(f, int64(x.L.Imm))
				if !ok {
					return ambiguous("value selects no handler")
				}

				r.Kind = Resolved
				r.Target = t
				r.Value = int64(x.L.Imm)

				return r
			}

			what = x.L.Loc

			if !recursive {
				r.Kind = LastCopy
				r.Loc = what
				r.Pos = i

				return r
			}
		}

		r.Kind = LastCopy
		r.Loc = what

		if cur.ID == head.ID || cur.NPred() != 1 {
			return r
		}

		pred := f.Blocks[cur.Pred(0)]

		switch {
		case p.info.IsDispatcher(pred.ID), pred.Role == ir.RoleExit:
			return r
		case !allowMultiSucc && pred.NSucc() > 1:
			return ambiguous("multiple successors")
		case visited.IsSet(pred.ID):
			return ambiguous("loop")
		}

		cur = pred
	}
}

// HandleTwoPreds resolves a merge block with exactly two predecessors
// one of which ends with a conditional branch.
func (p *Pass) HandleTwoPreds(f *ir.Func, mb, head *ir.Block, copy ir.Loc) (tp TwoPreds, ok bool) {
	paths, ok := p.resolvePerPath(f, mb, head, copy, 2)
	if !ok {
		return tp, false
	}

	tp = TwoPreds{
		Merge: mb.ID,
		Copy:  copy,
		Paths: paths,
	}

	switch {
	case f.Blocks[paths[0].Pred].TailOp() == ir.OpIf:
	case f.Blocks[paths[1].Pred].TailOp() == ir.OpIf:
		paths[0], paths[1] = paths[1], paths[0]
	default:
		return tp, false
	}

	tp.Jcc, tp.JccTarget = paths[0].Pred, paths[0].Target
	tp.NonJcc, tp.GotoTarget = paths[1].Pred, paths[1].Target

	return tp, true
}

// FindJccInFirstBlocks handles a conditional met on the way from the function
// entry to the dispatcher:
//
//	jcc:     ...; if c goto merge else nonjcc
//	nonjcc:  copy = #a; goto merge
//	merge:   state = copy; goto dispatcher
func (p *Pass) FindJccInFirstBlocks(f *ir.Func) (tp TwoPreds, ok bool) {
	entry := f.Blocks[f.Entry]

	cur := entry
	visited := set.MakeBits(0)

	for cur.TailOp() != ir.OpIf {
		if p.info.IsDispatcher(cur.ID) || cur.NSucc() != 1 || visited.IsSet(cur.ID) {
			return tp, false
		}

		visited.Set(cur.ID)
		cur = f.Blocks[cur.Succ(0)]
	}

	if p.info.IsDispatcher(cur.ID) {
		return tp, false
	}

	jcc := cur
	merge, nonJcc := ir.None, ir.None

	for i, arm := range jcc.Succs {
		other := f.Blocks[jcc.Succs[1-i]]

		if f.Blocks[arm].Role != ir.RoleNormal || arm == other.ID {
			continue
		}

		if other.NPred() == 1 && other.NSucc() == 1 && other.TailOp() == ir.OpGoto && other.Succ(0) == arm {
			merge, nonJcc = arm, other.ID
			break
		}
	}

	if merge == ir.None || p.info.IsDispatcher(merge) {
		return tp, false
	}

	mb := f.Blocks[merge]

	tail := mb
	visited.Reset()

	for p.info.DispatcherSucc(tail) == ir.None {
		if tail.NSucc() != 1 || visited.IsSet(tail.ID) {
			return tp, false
		}

		visited.Set(tail.ID)
		tail = f.Blocks[tail.Succ(0)]

		if tail.NPred() != 1 || p.info.IsDispatcher(tail.ID) {
			return tp, false
		}
	}

	if tail.NSucc() != 1 {
		return tp, false
	}

	r := p.FindBlockTargetOrLastCopy(f, tail, entry, p.info.StateLoc, false, true)
	if r.Kind != LastCopy || r.At != merge {
		return tp, false
	}

	tp, ok = p.HandleTwoPreds(f, mb, entry, r.Loc)
	if !ok || tp.Jcc != jcc.ID || tp.NonJcc != nonJcc {
		return TwoPreds{}, false
	}

	return tp, true
}

// resolvePerPath resolves the value of copy on every incoming edge of mb.
// n is the required number of predecessors, 0 for any number above one.
func (p *Pass) resolvePerPath(f *ir.Func, mb, head *ir.Block, copy ir.Loc, n int) ([]PathTarget, bool) {
	if n != 0 && mb.NPred() != n || mb.NPred() < 2 {
		return nil, false
	}

	dom := p.dominators(f)
	seen := set.MakeBits(0)

	paths := make([]PathTarget, 0, mb.NPred())

	for _, pid := range mb.Preds {
		pb := f.Blocks[pid]

		switch {
		case seen.IsSet(pid):
			return nil, false
		case p.info.IsDispatcher(pid), pb.Role == ir.RoleExit:
			return nil, false
		case dom.Dominates(mb.ID, pid):
			return nil, false // back edge
		}

		seen.Set(pid)

		r := p.FindBlockTargetOrLastCopy(f, pb, head, copy, true, true)
		if r.Kind != Resolved {
			return nil, false
		}

		paths = append(paths, PathTarget{
			Pred:   pid,
			Target: r.Target,
			Chain:  r.Chain,
		})
	}

	return paths, true
}

func (r Resolution) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 5)
	b = e.AppendString(b, "kind")
	b = e.AppendString(b, r.Kind.String())
	b = e.AppendKeyInt(b, "target", r.Target)
	b = e.AppendString(b, "loc")
	b = e.AppendString(b, string(r.Loc))
	b = e.AppendKeyInt(b, "at", r.At)
	b = e.AppendString(b, "reason")
	b = e.AppendString(b, r.Reason)

	return b
}
