package unflatten

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/unflat/compiler/ir"
)

func TestPassLinear(t *testing.T) {
	f := parseFunc(t, linearFunc)
	orig := f.Clone()

	p := New(DefaultConfig())
	runPass(t, p, f)

	require.NoError(t, f.Verify())
	requireSameBehaviour(t, orig, f)

	assert.Equal(t, []ir.Insn{ir.Goto(3)}, f.Blocks[0].Code)
	assert.Equal(t, []ir.Insn{ir.Use(ir.ImmOp(10), ir.Operand{}), ir.Goto(5)}, f.Blocks[3].Code)
	assert.Equal(t, []ir.Insn{ir.Use(ir.ImmOp(20), ir.Operand{}), ir.Goto(7)}, f.Blocks[5].Code)

	r := reachable(f)
	for _, b := range p.Info().Blocks() {
		assert.False(t, r[b], "dispatcher block %d is reachable", b)
	}

	st := p.Stats()

	assert.Equal(t, 3, st.Rewired)
	assert.Equal(t, 3, st.Erased)
	assert.Equal(t, 3, st.Commits)
	assert.Equal(t, 0, st.Failures)
	assert.Equal(t, ModeNormal, p.Mode())
	assert.Empty(t, p.Errors())
}

func TestPassFuncStartsItself(t *testing.T) {
	ctx := context.Background()
	f := parseFunc(t, linearFunc)

	p := New(DefaultConfig())

	assert.Equal(t, 1, p.Func(ctx, f, 0))
	assert.Equal(t, []int{3}, f.Blocks[0].Succs)

	assert.Equal(t, 0, p.Func(ctx, f, 2), "dispatcher block")
	assert.Equal(t, 0, p.Func(ctx, f, 7), "not a dispatcher predecessor")
	assert.Equal(t, 0, p.Func(ctx, f, 100), "no such block")
}

func TestPassEntryJcc(t *testing.T) {
	f := parseFunc(t, entryJccFunc)
	orig := f.Clone()

	p := New(DefaultConfig())
	runPass(t, p, f)

	require.NoError(t, f.Verify())
	requireSameBehaviour(t, orig, f, 0, 5)

	assert.Equal(t, []ir.Insn{ir.If(ir.Eq, ir.LocOp("x"), ir.ImmOp(0), 2, 3)}, f.Blocks[0].Code)
	assert.Equal(t, []ir.Insn{ir.Goto(7)}, f.Blocks[2].Code)
	assert.Equal(t, []ir.Insn{
		ir.Mov("t", ir.ImmOp(1)),
		ir.Mov("state", ir.LocOp("t")),
		ir.Goto(5),
	}, f.Blocks[3].Code)

	st := p.Stats()

	assert.Equal(t, 1, st.Split)
	assert.Equal(t, 2, st.Rewired)
	assert.Equal(t, 0, st.Cloned)
	assert.Empty(t, p.Errors())
}

func TestPassTwoPred(t *testing.T) {
	f := parseFunc(t, twoPredFunc)
	orig := f.Clone()

	p := New(DefaultConfig())
	runPass(t, p, f)

	require.NoError(t, f.Verify())
	requireSameBehaviour(t, orig, f, 0, 4, 5, 9)

	assert.Equal(t, []ir.Insn{ir.If(ir.Lt, ir.LocOp("x"), ir.ImmOp(5), 5, 6)}, f.Blocks[3].Code)
	assert.Equal(t, []ir.Insn{ir.Goto(7)}, f.Blocks[5].Code)
	assert.Equal(t, []int{9}, f.Blocks[6].Succs)

	assert.Equal(t, 1, p.Stats().Split)
	assert.Equal(t, ModeNormal, p.Mode())
}

func TestPassClone(t *testing.T) {
	f := parseFunc(t, cloneFunc)
	orig := f.Clone()

	p := New(DefaultConfig())
	runPass(t, p, f)

	require.NoError(t, f.Verify())
	requireSameBehaviour(t, orig, f, 0, 9)

	assert.Len(t, f.Blocks, 13)
	assert.Equal(t, 2, p.Stats().Cloned)
	assert.Equal(t, []int{7}, f.Blocks[10].Succs)

	r := reachable(f)
	assert.False(t, r[2])
}

func TestPassGrowthLimit(t *testing.T) {
	f := parseFunc(t, cloneFunc)
	orig := f.Clone()

	cfg := DefaultConfig()
	cfg.MaxGrowth = 1

	p := New(cfg)
	runPass(t, p, f)

	require.NoError(t, f.Verify())
	requireSameBehaviour(t, orig, f, 0, 9)

	assert.Equal(t, ModeAborted, p.Mode())
	require.NotEmpty(t, p.Errors())
	assert.ErrorIs(t, p.Errors()[len(p.Errors())-1], ErrInvariant)
}

func TestPassLastChance(t *testing.T) {
	f := parseFunc(t, threePredFunc)
	orig := f.Clone()

	p := New(DefaultConfig())
	runPass(t, p, f)

	require.NoError(t, f.Verify())
	requireSameBehaviour(t, orig, f, 0, 6, 9)

	assert.Equal(t, ModeSpent, p.Mode())
	assert.Equal(t, 1, p.Stats().Retries)
	assert.Equal(t, 1, p.Stats().Split)
	assert.Empty(t, p.Errors())

	assert.Equal(t, []int{8}, f.Blocks[7].Succs)
	assert.Equal(t, []int{12}, f.Blocks[10].Succs)
	assert.Equal(t, []int{13}, f.Blocks[11].Succs)
}

func TestPassLastChanceDisabled(t *testing.T) {
	f := parseFunc(t, threePredFunc)
	orig := f.Clone()

	cfg := DefaultConfig()
	cfg.LastChance = false

	p := New(cfg)
	runPass(t, p, f)

	require.NoError(t, f.Verify())
	requireSameBehaviour(t, orig, f, 0, 6, 9)

	assert.Equal(t, ModeNormal, p.Mode())
	assert.Equal(t, 0, p.Stats().Retries)
	assert.Equal(t, []int{2}, f.Blocks[7].Succs)

	require.NotEmpty(t, p.Errors())
	assert.ErrorIs(t, p.Errors()[0], ErrAmbiguousSlice)
}

func TestPassLastChanceOnce(t *testing.T) {
	f := parseFunc(t, threePredFunc)

	// b5 no longer selects a constant state
	f.Blocks[5].Code[0] = ir.Mov("s", ir.LocOp("y"))
	orig := f.Clone()

	p := New(DefaultConfig())
	runPass(t, p, f)

	require.NoError(t, f.Verify())
	requireSameBehaviour(t, orig, f, 0, 6, 9)

	assert.Equal(t, 1, p.Stats().Retries)
	assert.Equal(t, ModeSpent, p.Mode())
	assert.Equal(t, []int{2}, f.Blocks[7].Succs)

	require.Len(t, p.Errors(), 2, "failed in the relaxed retry and then once more in the second round")
	assert.ErrorIs(t, p.Errors()[0], ErrAmbiguousSlice)
}

func TestPassCopyRoot(t *testing.T) {
	f := parseFunc(t, copyRootFunc)
	orig := f.Clone()

	p := New(DefaultConfig())
	runPass(t, p, f)

	require.NoError(t, f.Verify())
	requireSameBehaviour(t, orig, f)

	assert.Equal(t, []ir.Insn{ir.Goto(6)}, f.Blocks[0].Code)
	assert.Equal(t, []int{8}, f.Blocks[6].Succs)
	assert.Equal(t, []int{9}, f.Blocks[8].Succs)
	assert.Equal(t, 3, p.Stats().Rewired)

	r := reachable(f)
	assert.False(t, r[2])
	assert.False(t, r[3])
}

func TestPassCopyRead(t *testing.T) {
	f := parseFunc(t, copyReadFunc)
	orig := f.Clone()

	p := New(DefaultConfig())
	runPass(t, p, f)

	require.NoError(t, f.Verify())
	requireSameBehaviour(t, orig, f)

	tr, err := ir.Interp(f, nil, 1000)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 30}, tr.Uses)

	assert.Equal(t, []ir.Insn{ir.Mov("c", ir.ImmOp(10)), ir.Goto(3)}, f.Blocks[0].Code)
	assert.Equal(t, []ir.Insn{ir.Use(ir.LocOp("c"), ir.Operand{}), ir.Mov("c", ir.ImmOp(30)), ir.Goto(7)}, f.Blocks[5].Code)

	assert.Equal(t, 3, p.Stats().Rewired)
	assert.Equal(t, 3, p.Stats().Erased)
	assert.Empty(t, p.Errors())

	r := reachable(f)
	assert.False(t, r[2])
}

func TestPassCopyReadSplit(t *testing.T) {
	f := parseFunc(t, copySplitFunc)
	orig := f.Clone()

	p := New(DefaultConfig())
	runPass(t, p, f)

	require.NoError(t, f.Verify())
	requireSameBehaviour(t, orig, f, 0, 4, 5, 9)

	b5 := f.Blocks[5].Code
	require.GreaterOrEqual(t, len(b5), 2)
	assert.Equal(t, ir.Mov("c", ir.LocOp("state")), b5[len(b5)-2])
	assert.Equal(t, ir.Goto(7), b5[len(b5)-1])

	assert.Equal(t, []int{9}, f.Blocks[6].Succs)
	assert.Equal(t, 1, p.Stats().Split)
}

func TestPassLoop(t *testing.T) {
	f := parseFunc(t, loopFunc)
	orig := f.Clone()

	p := New(DefaultConfig())
	runPass(t, p, f)

	require.NoError(t, f.Verify())
	requireSameBehaviour(t, orig, f)

	tr, err := ir.Interp(f, nil, 1000)
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 1, 2}, tr.Uses)
	assert.Equal(t, int64(3), tr.Ret)

	assert.Equal(t, []int{3}, f.Blocks[7].Succs)
	assert.False(t, reachable(f)[2])
}

func TestPassIdempotent(t *testing.T) {
	for _, text := range []string{linearFunc, entryJccFunc, twoPredFunc, cloneFunc, threePredFunc, copyRootFunc, copyReadFunc, copySplitFunc, loopFunc, plainFunc} {
		f := parseFunc(t, text)

		runPass(t, New(DefaultConfig()), f)
		first := funcText(t, f)

		runPass(t, New(DefaultConfig()), f)

		assert.Equal(t, first, funcText(t, f), "func %v", f.Name)
	}
}

func TestPassNoDispatcher(t *testing.T) {
	f := parseFunc(t, plainFunc)
	before := funcText(t, f)

	p := New(DefaultConfig())
	runPass(t, p, f)

	assert.Nil(t, p.Info())
	assert.Equal(t, before, funcText(t, f))
	assert.Equal(t, Stats{}, p.Stats())
}

func TestPassNoErase(t *testing.T) {
	f := parseFunc(t, linearFunc)

	cfg := DefaultConfig()
	cfg.Erase = false

	p := New(cfg)
	runPass(t, p, f)

	assert.Equal(t, []ir.Insn{ir.Mov("state", ir.ImmOp(1)), ir.Goto(3)}, f.Blocks[0].Code)
	assert.Equal(t, 0, p.Stats().Erased)
}

func TestPassAbortKeepsGraph(t *testing.T) {
	f := parseFunc(t, entryJccFunc)
	orig := f.Clone()

	p := New(DefaultConfig())
	p.Dom = func(*ir.Func) Dominators { return loopDom{} }

	runPass(t, p, f)

	require.NoError(t, f.Verify())
	requireSameBehaviour(t, orig, f, 0, 5)

	assert.Equal(t, ModeAborted, p.Mode())
	require.NotEmpty(t, p.Errors())
	assert.ErrorIs(t, p.Errors()[len(p.Errors())-1], ErrInvariant)

	assert.Equal(t, orig.Blocks[2].Code, f.Blocks[2].Code)
	assert.Equal(t, orig.Blocks[0].Code, f.Blocks[0].Code)
}

type panicDom struct{}

func (panicDom) Idom(b int) int          { panic("boom") }
func (panicDom) Dominates(a, b int) bool { panic("boom") }

func TestPassRecoversPanic(t *testing.T) {
	f := parseFunc(t, entryJccFunc)
	orig := f.Clone()

	p := New(DefaultConfig())
	p.Dom = func(*ir.Func) Dominators { return panicDom{} }

	runPass(t, p, f)

	require.NoError(t, f.Verify())
	requireSameBehaviour(t, orig, f, 0, 5)

	assert.Equal(t, ModeAborted, p.Mode())
	require.NotEmpty(t, p.Errors())
	assert.ErrorIs(t, p.Errors()[0], ErrInvariant)
}

func TestPassReset(t *testing.T) {
	f := parseFunc(t, linearFunc)

	p := New(DefaultConfig())
	runPass(t, p, f)

	require.NotNil(t, p.Info())

	p.Reset(true)

	assert.Nil(t, p.Info())
	assert.Nil(t, p.Errors())
	assert.Equal(t, ModeNormal, p.Mode())
	assert.Equal(t, Stats{}, p.Stats())
}
