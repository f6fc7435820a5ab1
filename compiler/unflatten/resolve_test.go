package unflatten

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/unflat/compiler/ir"
)

func TestFindBlockTargetResolved(t *testing.T) {
	f := parseFunc(t, linearFunc)
	p := startPass(t, f, DefaultConfig())

	b := f.Blocks[3]

	r := p.FindBlockTargetOrLastCopy(f, b, b, "state", false, false)

	assert.Equal(t, Resolved, r.Kind)
	assert.Equal(t, 5, r.Target)
	assert.Equal(t, int64(2), r.Value)
	assert.Equal(t, []int{3}, r.Path)
	assert.Equal(t, MoveChain{{Block: 3, Pos: 1, Src: ir.ImmOp(2), Dst: "state"}}, r.Chain)
}

func TestFindBlockTargetAmbiguous(t *testing.T) {
	f := parseFunc(t, linearFunc)
	p := startPass(t, f, DefaultConfig())

	f.Blocks[3].Code[1] = ir.Bin(ir.OpAdd, "state", ir.LocOp("state"), ir.ImmOp(1))

	r := p.FindBlockTargetOrLastCopy(f, f.Blocks[3], f.Blocks[3], "state", false, true)

	assert.Equal(t, Ambiguous, r.Kind)
	assert.Equal(t, "non-copy assignment", r.Reason)

	r = p.FindBlockTargetOrLastCopy(f, f.Blocks[2], f.Blocks[2], "state", false, true)

	assert.Equal(t, Ambiguous, r.Kind)
	assert.Equal(t, "multiple successors", r.Reason)
}

func TestFindBlockTargetLastCopy(t *testing.T) {
	f := parseFunc(t, cloneFunc)
	p := startPass(t, f, DefaultConfig())

	head := f.Blocks[3]

	r := p.FindBlockTargetOrLastCopy(f, f.Blocks[10], head, "state", false, false)

	assert.Equal(t, LastCopy, r.Kind)
	assert.Equal(t, ir.Loc("t"), r.Loc)
	assert.Equal(t, 5, r.At)
	assert.Equal(t, 0, r.Pos)

	r = p.FindBlockTargetOrLastCopy(f, f.Blocks[10], head, "state", false, true)

	assert.Equal(t, LastCopy, r.Kind)
	assert.Equal(t, ir.Loc("t"), r.Loc)
	assert.Equal(t, 5, r.At)
	assert.Equal(t, ir.None, r.Pos)
	assert.Equal(t, []int{5, 10}, r.Path)
	assert.Equal(t, MoveChain{{Block: 5, Pos: 0, Src: ir.LocOp("t"), Dst: "state"}}, r.Chain)

	// stops at the cluster head
	r = p.FindBlockTargetOrLastCopy(f, f.Blocks[10], f.Blocks[5], "t", false, true)

	assert.Equal(t, LastCopy, r.Kind)
	assert.Equal(t, 5, r.At)
	assert.Equal(t, ir.Loc("t"), r.Loc)
}

func TestHandleTwoPreds(t *testing.T) {
	f := parseFunc(t, twoPredFunc)
	p := startPass(t, f, DefaultConfig())

	tp, ok := p.HandleTwoPreds(f, f.Blocks[5], f.Blocks[3], "t")
	require.True(t, ok)

	assert.Equal(t, 5, tp.Merge)
	assert.Equal(t, ir.Loc("t"), tp.Copy)
	assert.Equal(t, 3, tp.Jcc)
	assert.Equal(t, 7, tp.JccTarget)
	assert.Equal(t, 6, tp.NonJcc)
	assert.Equal(t, 9, tp.GotoTarget)

	require.Len(t, tp.Paths, 2)
	assert.Equal(t, 3, tp.Paths[0].Pred)
	assert.Equal(t, 6, tp.Paths[1].Pred)

	_, ok = p.HandleTwoPreds(f, f.Blocks[5], f.Blocks[3], "u")
	assert.False(t, ok, "u is never assigned")
}

func TestHandleTwoPredsArity(t *testing.T) {
	f := parseFunc(t, threePredFunc)
	p := startPass(t, f, DefaultConfig())

	_, ok := p.HandleTwoPreds(f, f.Blocks[7], f.Blocks[3], "s")
	assert.False(t, ok)

	paths, ok := p.resolvePerPath(f, f.Blocks[7], f.Blocks[3], "s", 0)
	require.True(t, ok)

	targets := map[int]int{}
	for _, pt := range paths {
		targets[pt.Pred] = pt.Target
	}

	assert.Equal(t, map[int]int{5: 8, 10: 12, 11: 13}, targets)
}

func TestFindJccInFirstBlocks(t *testing.T) {
	f := parseFunc(t, entryJccFunc)
	p := startPass(t, f, DefaultConfig())

	tp, ok := p.FindJccInFirstBlocks(f)
	require.True(t, ok)

	assert.Equal(t, 2, tp.Merge)
	assert.Equal(t, ir.Loc("t"), tp.Copy)
	assert.Equal(t, 0, tp.Jcc)
	assert.Equal(t, 7, tp.JccTarget)
	assert.Equal(t, 3, tp.NonJcc)
	assert.Equal(t, 5, tp.GotoTarget)

	f = parseFunc(t, linearFunc)
	p = startPass(t, f, DefaultConfig())

	_, ok = p.FindJccInFirstBlocks(f)
	assert.False(t, ok)
}

func TestClusterHead(t *testing.T) {
	f := parseFunc(t, cloneFunc)
	p := startPass(t, f, DefaultConfig())

	dom := p.dominators(f)

	head, id, err := p.GetDominatedClusterHead(f, dom, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, id)
	assert.Equal(t, f.Blocks[3], head)

	_, id2, err := p.GetDominatedClusterHead(f, dom, 10)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	_, id, err = p.GetDominatedClusterHead(f, dom, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, id, "blocks before the dispatcher belong to the entry cluster")

	_, _, err = p.GetDominatedClusterHead(f, dom, 4)
	assert.ErrorIs(t, err, ErrNoClusterHead)
}

func TestClusterHeadUnreachable(t *testing.T) {
	f := parseFunc(t, linearFunc)

	b := f.NewBlock(ir.RoleNormal)
	b.Code = []ir.Insn{ir.Mov("state", ir.ImmOp(2)), ir.Goto(2)}
	f.Link()

	p := startPass(t, f, DefaultConfig())

	_, _, err := p.GetDominatedClusterHead(f, p.dominators(f), b.ID)
	assert.ErrorIs(t, err, ErrNoClusterHead)
}

type loopDom struct{}

func (loopDom) Idom(b int) int          { return b }
func (loopDom) Dominates(a, b int) bool { return a == b }

func TestClusterHeadCycle(t *testing.T) {
	f := parseFunc(t, cloneFunc)
	p := startPass(t, f, DefaultConfig())

	_, _, err := p.GetDominatedClusterHead(f, loopDom{}, 10)
	assert.ErrorIs(t, err, ErrInvariant)
}
