package unflatten

import (
	"sort"

	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/unflat/compiler/ir"
	"github.com/slowlang/unflat/compiler/set"
)

type (
	// FlattenInfo describes the dispatcher found in a function.
	FlattenInfo struct {
		// StateLoc is the location assigned by the flattened blocks.
		StateLoc ir.Loc
		// CompareLoc is the location the dispatcher compares.
		// It differs from StateLoc if the dispatcher starts with a copy.
		CompareLoc ir.Loc

		// Dispatcher is the compare tree root.
		Dispatcher int

		// Cases maps compared constants to the block the dispatcher selects.
		Cases map[int64]int

		blocks  set.Bits[int] // compare tree and trampolines
		entries set.Bits[int] // dispatcher root and trampolines
		nodes   set.Bits[int] // compare tree
		targets set.Bits[int] // leaves of the compare tree
	}

	compareNode struct {
		loc ir.Loc
		src ir.Loc // leading copy source, root only
	}
)

// DetectPattern looks for a block comparing one location against constants
// and branching to the handlers.
func DetectPattern(f *ir.Func, cfg Config) (*FlattenInfo, error) {
	var best *FlattenInfo

	for _, b := range f.Blocks {
		n, ok := asCompareNode(b, true)
		if !ok {
			continue
		}

		fi := buildInfo(f, b.ID, n)
		if fi == nil || len(fi.distinctTargets()) < cfg.MinCases {
			continue
		}

		if best == nil || len(fi.Cases) > len(best.Cases) {
			best = fi
		}
	}

	if best == nil {
		return nil, ErrPatternNotFound
	}

	return best, nil
}

func buildInfo(f *ir.Func, root int, rn compareNode) *FlattenInfo {
	fi := &FlattenInfo{
		StateLoc:   rn.loc,
		CompareLoc: rn.loc,
		Dispatcher: root,
		Cases:      map[int64]int{},
		blocks:     set.MakeBits(0),
		entries:    set.MakeBits(0),
		nodes:      set.MakeBits(0),
		targets:    set.MakeBits(0),
	}

	if rn.src != "" {
		fi.StateLoc = rn.src
	}

	q := []int{root}
	fi.nodes.Set(root)

	for len(q) != 0 {
		b := f.Blocks[q[0]]
		q = q[1:]

		for _, s := range b.Succs {
			if fi.nodes.IsSet(s) {
				continue
			}

			if n, ok := asCompareNode(f.Blocks[s], false); ok && n.loc == fi.CompareLoc {
				fi.nodes.Set(s)
				q = append(q, s)

				continue
			}

			fi.targets.Set(s)
		}
	}

	fi.targets.Subtract(fi.nodes)

	if fi.targets.Empty() || fi.targets.IsSet(f.Exit) || fi.targets.IsSet(f.Entry) {
		return nil
	}

	fi.blocks.Merge(fi.nodes)
	fi.entries.Set(root)

	for changed := true; changed; {
		changed = false

		for _, b := range f.Blocks {
			if fi.blocks.IsSet(b.ID) || b.Role != ir.RoleNormal || len(b.Code) != 1 {
				continue
			}

			if t := b.Tail(); t.Op == ir.OpGoto && fi.entries.IsSet(t.Then) {
				fi.entries.Set(b.ID)
				fi.blocks.Set(b.ID)
				changed = true
			}
		}
	}

	fi.targets.Subtract(fi.blocks)

	if fi.targets.Empty() {
		return nil
	}

	outside := 0

	fi.entries.Range(func(e int) bool {
		for _, p := range f.Blocks[e].Preds {
			if !fi.blocks.IsSet(p) {
				outside++
			}
		}

		return true
	})

	if outside == 0 {
		return nil
	}

	fi.nodes.Range(func(n int) bool {
		x := f.Blocks[n].Tail()

		c, ok := compareConst(x)
		if !ok {
			return true
		}

		if t, ok := fi.target(f, int64(c)); ok {
			fi.Cases[int64(c)] = t
		}

		return true
	})

	return fi
}

// asCompareNode matches a block consisting of
//
//	[cmp = state]  // root only
//	if cond cmp, #c goto bX else bY
func asCompareNode(b *ir.Block, root bool) (n compareNode, ok bool) {
	if b.Role != ir.RoleNormal {
		return n, false
	}

	code := b.Code

	if root && len(code) == 2 && code[0].Op == ir.OpMov && code[0].L.IsLoc() && code[0].L.Loc != code[0].Dst {
		n.src = code[0].L.Loc
		code = code[1:]
	}

	if len(code) != 1 || code[0].Op != ir.OpIf {
		return compareNode{}, false
	}

	x := code[0]

	switch {
	case x.L.IsLoc() && x.R.IsImm:
		n.loc = x.L.Loc
	case x.R.IsLoc() && x.L.IsImm:
		n.loc = x.R.Loc
	default:
		return compareNode{}, false
	}

	if n.src != "" && b.Code[0].Dst != n.loc {
		return compareNode{}, false
	}

	return n, true
}

func compareConst(x *ir.Insn) (ir.Imm, bool) {
	switch {
	case x == nil || x.Op != ir.OpIf:
		return 0, false
	case x.R.IsImm:
		return x.R.Imm, true
	case x.L.IsImm:
		return x.L.Imm, true
	}

	return 0, false
}

// Target evaluates the compare tree for the state value v.
func (fi *FlattenInfo) Target(f *ir.Func, v int64) (int, bool) {
	return fi.target(f, v)
}

func (fi *FlattenInfo) target(f *ir.Func, v int64) (int, bool) {
	val := func(o ir.Operand) int64 {
		if o.IsImm {
			return int64(o.Imm)
		}

		return v
	}

	b := fi.Dispatcher

	for steps := 0; steps <= fi.nodes.Size(); steps++ {
		if !fi.nodes.IsSet(b) {
			return b, fi.targets.IsSet(b)
		}

		x := f.Blocks[b].Tail()

		if x.Cond.Eval(val(x.L), val(x.R)) {
			b = x.Then
		} else {
			b = x.Else
		}
	}

	return ir.None, false
}

// IsDispatcher reports whether b is a compare tree node or a trampoline into it.
func (fi *FlattenInfo) IsDispatcher(b int) bool { return fi.blocks.IsSet(b) }

// IsEntry reports whether jumping to b enters the dispatcher.
func (fi *FlattenInfo) IsEntry(b int) bool { return fi.entries.IsSet(b) }

// IsTarget reports whether the dispatcher may select b.
func (fi *FlattenInfo) IsTarget(b int) bool { return fi.targets.IsSet(b) }

func (fi *FlattenInfo) Blocks() []int  { return fi.blocks.Keys() }
func (fi *FlattenInfo) Targets() []int { return fi.targets.Keys() }

// DispatcherSucc returns the first successor of b entering the dispatcher.
func (fi *FlattenInfo) DispatcherSucc(b *ir.Block) int {
	if fi.IsDispatcher(b.ID) {
		return ir.None
	}

	for _, s := range b.Succs {
		if fi.IsEntry(s) {
			return s
		}
	}

	return ir.None
}

func (fi *FlattenInfo) distinctTargets() []int {
	m := map[int]struct{}{}

	for _, t := range fi.Cases {
		m[t] = struct{}{}
	}

	r := make([]int, 0, len(m))
	for t := range m {
		r = append(r, t)
	}

	sort.Ints(r)

	return r
}

func (fi *FlattenInfo) SortedCases() (keys []int64) {
	for k := range fi.Cases {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	return keys
}

func (fi *FlattenInfo) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 4)
	b = e.AppendString(b, "state")
	b = e.AppendString(b, string(fi.StateLoc))
	b = e.AppendKeyInt(b, "dispatcher", fi.Dispatcher)
	b = e.AppendKeyInt(b, "cases", len(fi.Cases))
	b = e.AppendString(b, "blocks")
	b = fi.blocks.TlogAppend(b)

	return b
}
