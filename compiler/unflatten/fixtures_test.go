package unflatten

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slowlang/unflat/compiler/format"
	"github.com/slowlang/unflat/compiler/ir"
	"github.com/slowlang/unflat/compiler/opt"
)

// Every handler sets the next state with a constant.
const linearFunc = `
func linear
b0 entry:
	state = #1
	goto b2
b1 exit:
b2:
	if eq state, #1 goto b3 else b4
b3:
	use #10
	state = #2
	goto b2
b4:
	if eq state, #2 goto b5 else b6
b5:
	use #20
	state = #3
	goto b2
b6:
	if eq state, #3 goto b7 else b7
b7:
	ret #30
`

// The state before the dispatcher depends on a conditional in the entry block.
const entryJccFunc = `
func entry_jcc
b0 entry:
	t = #2
	if eq x, #0 goto b2 else b3
b1 exit:
b2:
	state = t
	goto b4
b3:
	t = #1
	goto b2
b4:
	if eq state, #1 goto b5 else b6
b5:
	use #1
	state = #3
	goto b4
b6:
	if eq state, #2 goto b7 else b8
b7:
	use #2
	state = #3
	goto b4
b8:
	if eq state, #3 goto b9 else b9
b9:
	ret
`

// Handler b3 selects the next state with a conditional merged in b5.
const twoPredFunc = `
func two_pred
b0 entry:
	state = #1
	goto b2
b1 exit:
b2:
	if eq state, #1 goto b3 else b4
b3:
	t = #2
	if lt x, #5 goto b5 else b6
b4:
	if eq state, #2 goto b7 else b8
b5:
	state = t
	goto b2
b6:
	t = #3
	goto b5
b7:
	use #2
	ret
b8:
	if eq state, #3 goto b9 else b9
b9:
	use #3
	ret
`

// Same as two_pred but the merge block is followed by one more block.
const cloneFunc = `
func clone
b0 entry:
	state = #1
	goto b2
b1 exit:
b2:
	if eq state, #1 goto b3 else b4
b3:
	t = #2
	if lt x, #5 goto b5 else b6
b4:
	if eq state, #2 goto b7 else b8
b5:
	state = t
	goto b10
b6:
	t = #3
	goto b5
b7:
	use #2
	ret
b8:
	if eq state, #3 goto b9 else b9
b9:
	use #3
	ret
b10:
	use t
	goto b2
`

// Merge block b7 has three predecessors.
const threePredFunc = `
func three_pred
b0 entry:
	state = #1
	goto b2
b1 exit:
b2:
	if eq state, #1 goto b3 else b4
b3:
	if lt x, #5 goto b5 else b6
b4:
	if eq state, #2 goto b8 else b9
b5:
	s = #2
	goto b7
b6:
	if lt x, #7 goto b10 else b11
b7:
	state = s
	goto b2
b8:
	use #2
	ret
b9:
	if eq state, #3 goto b12 else b13
b10:
	s = #3
	goto b7
b11:
	s = #4
	goto b7
b12:
	use #3
	ret
b13:
	use #4
	ret
`

// Dispatcher copies the state before comparing and is entered through a trampoline.
const copyRootFunc = `
func copy_root
b0 entry:
	st = #10
	goto b3
b1 exit:
b2:
	c = st
	if lt c, #20 goto b4 else b5
b3:
	goto b2
b4:
	if eq c, #10 goto b6 else b7
b5:
	if eq c, #20 goto b8 else b9
b6:
	use #1
	st = #20
	goto b3
b7:
	use #7
	ret
b8:
	use #2
	st = #30
	goto b3
b9:
	ret
`

// Handlers read the dispatcher copy of the state.
const copyReadFunc = `
func copy_read
b0 entry:
	st = #10
	goto b2
b1 exit:
b2:
	c = st
	if eq c, #10 goto b3 else b4
b3:
	use c
	st = #20
	goto b2
b4:
	if eq c, #20 goto b5 else b6
b5:
	use c
	st = #30
	goto b2
b6:
	if eq c, #30 goto b7 else b7
b7:
	use c
	ret
`

// Like two_pred but the dispatcher copies the state and the handlers read the copy.
const copySplitFunc = `
func copy_split
b0 entry:
	state = #1
	goto b2
b1 exit:
b2:
	c = state
	if eq c, #1 goto b3 else b4
b3:
	t = #2
	if lt x, #5 goto b5 else b6
b4:
	if eq c, #2 goto b7 else b8
b5:
	state = t
	goto b2
b6:
	t = #3
	goto b5
b7:
	use c
	ret
b8:
	if eq c, #3 goto b9 else b9
b9:
	use c
	ret
`

// Flattened counting loop.
const loopFunc = `
func loop
b0 entry:
	i = #0
	state = #1
	goto b2
b1 exit:
b2:
	if eq state, #1 goto b3 else b4
b3:
	if lt i, #3 goto b5 else b6
b4:
	if eq state, #2 goto b7 else b8
b5:
	state = #2
	goto b2
b6:
	state = #3
	goto b2
b7:
	use i
	i = add i, #1
	state = #1
	goto b2
b8:
	ret i
`

// Not flattened.
const plainFunc = `
func plain
b0 entry:
	if lt x, #3 goto b2 else b3
b1 exit:
b2:
	use #1
	goto b3
b3:
	ret x
`

func parseFunc(t testing.TB, text string) *ir.Func {
	t.Helper()

	pkg, err := format.Parse(context.Background(), "test.ir", []byte(text))
	require.NoError(t, err)
	require.Len(t, pkg.Funcs, 1)

	return pkg.Funcs[0]
}

func funcText(t testing.TB, f *ir.Func) string {
	t.Helper()

	b, err := format.Format(context.Background(), nil, f)
	require.NoError(t, err)

	return string(b)
}

func startPass(t testing.TB, f *ir.Func, cfg Config) *Pass {
	t.Helper()

	p := New(cfg)
	p.StartFunc(context.Background(), f)

	require.NotNil(t, p.Info(), "dispatcher not found")

	return p
}

func runPass(t testing.TB, p *Pass, f *ir.Func) {
	t.Helper()

	pl := opt.New(opt.DefaultConfig(), p)

	err := pl.RunFunc(context.Background(), f)
	require.NoError(t, err)
}

// requireSameBehaviour runs both functions with x set to each of xs.
func requireSameBehaviour(t testing.TB, orig, f *ir.Func, xs ...int64) {
	t.Helper()

	if len(xs) == 0 {
		xs = []int64{0}
	}

	for _, x := range xs {
		env := map[ir.Loc]int64{"x": x}

		exp, err := ir.Interp(orig, env, 1000)
		require.NoError(t, err, "x = %d", x)

		got, err := ir.Interp(f, env, 1000)
		require.NoError(t, err, "x = %d", x)

		require.Equal(t, exp.Uses, got.Uses, "x = %d", x)
		require.Equal(t, exp.Ret, got.Ret, "x = %d", x)
	}
}

// reachable returns blocks reachable from the entry.
func reachable(f *ir.Func) map[int]bool {
	r := map[int]bool{}

	for _, id := range ir.PostOrder(f) {
		r[id] = true
	}

	return r
}
