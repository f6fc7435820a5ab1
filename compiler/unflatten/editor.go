package unflatten

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"
	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/unflat/compiler/ir"
	"github.com/slowlang/unflat/compiler/set"
)

type (
	EditKind uint8

	Edge struct {
		From, To int
	}

	// Edit is a deferred graph modification.
	Edit struct {
		Kind EditKind

		// CloneBlock: Dst is a new block or an existing one src code is appended to.
		Src, Dst int

		Edge    Edge
		NewDest int

		// InsertInsn: Insn goes before the terminator of Dst.
		Insn ir.Insn

		PC loc.PC
	}

	// Editor queues edits and applies them as one batch.
	Editor struct {
		edits []Edit

		base int // block count when the batch started
		next int // id the next cloned block gets

		// Protected blocks are never cloned, appended to or made a new edge destination.
		Protected set.Bits[int]
	}
)

const (
	CloneBlock EditKind = iota
	RetargetEdge
	RemoveEdge
	InsertInsn
)

func (k EditKind) String() string {
	switch k {
	case CloneBlock:
		return "clone"
	case RetargetEdge:
		return "retarget"
	case RemoveEdge:
		return "remove"
	case InsertInsn:
		return "insert"
	}

	return "unknown"
}

// Begin starts a new batch for f.
func (ed *Editor) Begin(f *ir.Func) {
	ed.edits = ed.edits[:0]
	ed.base = len(f.Blocks)
	ed.next = ed.base
}

func (ed *Editor) Len() int { return len(ed.edits) }

// Cloned returns the number of blocks the batch creates.
func (ed *Editor) Cloned() int { return ed.next - ed.base }

func (ed *Editor) Edits() []Edit { return ed.edits }

// Clone stages a copy of src and returns the id the copy will get.
func (ed *Editor) Clone(src int) int {
	dst := ed.next
	ed.next++

	ed.edits = append(ed.edits, Edit{Kind: CloneBlock, Src: src, Dst: dst, PC: loc.Caller(1)})

	return dst
}

// Append stages appending src code to dst.
func (ed *Editor) Append(src, dst int) {
	ed.edits = append(ed.edits, Edit{Kind: CloneBlock, Src: src, Dst: dst, PC: loc.Caller(1)})
}

func (ed *Editor) Retarget(from, to, nto int) {
	ed.edits = append(ed.edits, Edit{Kind: RetargetEdge, Edge: Edge{from, to}, NewDest: nto, PC: loc.Caller(1)})
}

func (ed *Editor) Remove(from, to int) {
	ed.edits = append(ed.edits, Edit{Kind: RemoveEdge, Edge: Edge{from, to}, PC: loc.Caller(1)})
}

// Insert stages x to be put right before the terminator of dst.
func (ed *Editor) Insert(dst int, x ir.Insn) {
	ed.edits = append(ed.edits, Edit{Kind: InsertInsn, Dst: dst, Insn: x, PC: loc.Caller(1)})
}

// Last returns the id of the most recently staged clone or ir.None.
func (ed *Editor) Last() int {
	if ed.next == ed.base {
		return ir.None
	}

	return ed.next - 1
}

// Apply validates the batch on a copy of f and then applies it to f.
// If validation fails f is left untouched and the error wraps ErrStructural.
func (ed *Editor) Apply(ctx context.Context, f *ir.Func) (n int, err error) {
	tr := tlog.SpanFromContext(ctx)

	if len(ed.edits) == 0 {
		return 0, nil
	}

	if len(f.Blocks) != ed.base {
		return 0, errors.Wrap(ErrStructural, "graph changed since the batch started: %d -> %d blocks", ed.base, len(f.Blocks))
	}

	shadow := f.Clone()

	for i, e := range ed.edits {
		err = ed.apply(shadow, e)
		if err != nil {
			return 0, errors.Wrap(ErrStructural, "edit %d (%v from %v): %v", i, e.Kind, e.PC, err)
		}
	}

	CorrectStopBlockPreds(ed, shadow, nil)

	err = shadow.Verify()
	if err != nil {
		return 0, errors.Wrap(ErrStructural, "verify batch: %v", err)
	}

	for i, e := range ed.edits {
		if tr.If("edits") {
			tr.Printw("apply edit", "i", i, "edit", e, "from", e.PC)
		}

		err = ed.apply(f, e)
		if err != nil {
			return i, errors.Wrap(ErrInvariant, "edit %d applied to copy but not to graph: %v", i, err)
		}
	}

	n = len(ed.edits)
	ed.edits = ed.edits[:0]
	ed.base = len(f.Blocks)
	ed.next = ed.base

	return n, nil
}

func (ed *Editor) apply(f *ir.Func, e Edit) error {
	switch e.Kind {
	case CloneBlock:
		if ed.Protected.IsSet(e.Src) || ed.Protected.IsSet(e.Dst) {
			return errors.New("clone of dispatcher block %d -> %d", e.Src, e.Dst)
		}

		if e.Dst < len(f.Blocks) {
			return f.AppendBlock(e.Src, e.Dst)
		}

		if e.Dst != len(f.Blocks) {
			return errors.New("clone %d -> %d: out of order, next id %d", e.Src, e.Dst, len(f.Blocks))
		}

		_, err := f.CloneBlock(e.Src)

		return err
	case RetargetEdge:
		if ed.Protected.IsSet(e.NewDest) {
			return errors.New("retarget %d -> %d onto dispatcher block %d", e.Edge.From, e.Edge.To, e.NewDest)
		}

		return f.RetargetEdge(e.Edge.From, e.Edge.To, e.NewDest)
	case RemoveEdge:
		return f.RemoveEdge(e.Edge.From, e.Edge.To)
	case InsertInsn:
		if ed.Protected.IsSet(e.Dst) {
			return errors.New("insert into dispatcher block %d", e.Dst)
		}

		return f.InsertBeforeTail(e.Dst, e.Insn)
	}

	return errors.New("unknown edit kind: %d", e.Kind)
}

// CopyOrAppendMinsns stages copying src code into dst.
// With dst == ir.None a new block is created. It returns the destination id.
func CopyOrAppendMinsns(ed *Editor, src, dst int) int {
	if dst == ir.None {
		return ed.Clone(src)
	}

	ed.Append(src, dst)

	return dst
}

// UpdateDestBlockNumber stages retargeting edge mb -> oldDest to newDest.
func UpdateDestBlockNumber(ed *Editor, mb, oldDest, newDest int) {
	ed.Retarget(mb, oldDest, newDest)
}

// DisconnectBlockFromPred stages removing the edge pred -> mb.
func DisconnectBlockFromPred(ed *Editor, mb, pred int) {
	ed.Remove(pred, mb)
}

// CopyAndConnectBlocksToPred stages a private copy of chain for pred.
// chain is a single-entry path of blocks ending with an edge to disp.
// pred is rerouted into the copy and the copy's edge to disp goes to dest.
// It returns the number of blocks created.
func CopyAndConnectBlocksToPred(ed *Editor, f *ir.Func, chain []int, pred, dest, disp int) int {
	head := chain[0]
	pb := f.Blocks[pred]

	if len(chain) == 1 && pb.Role != ir.RoleExit && pb.NSucc() == 1 && pb.TailOp() == ir.OpGoto {
		DisconnectBlockFromPred(ed, head, pred)
		CopyOrAppendMinsns(ed, head, pred)
		UpdateDestBlockNumber(ed, pred, disp, dest)

		return 0
	}

	ids := make([]int, len(chain))

	for i, b := range chain {
		ids[i] = CopyOrAppendMinsns(ed, b, ir.None)
	}

	UpdateDestBlockNumber(ed, pred, head, ids[0])

	for i := 0; i+1 < len(chain); i++ {
		UpdateDestBlockNumber(ed, ids[i], chain[i+1], ids[i+1])
	}

	UpdateDestBlockNumber(ed, ids[len(ids)-1], disp, dest)

	return len(ids)
}

// CorrectStopBlockPreds rebuilds the exit block predecessors from the committed edges.
// stopPreds is the list before the commit, used for reporting.
// It returns the number of entries added or dropped.
func CorrectStopBlockPreds(ed *Editor, f *ir.Func, stopPreds []int) (fixed int) {
	exit := f.Block(f.Exit)
	if exit == nil {
		return 0
	}

	if stopPreds == nil {
		stopPreds = exit.Preds
	}

	var preds []int

	for _, b := range f.Blocks {
		for _, s := range b.Succs {
			if s == f.Exit {
				preds = append(preds, b.ID)
			}
		}
	}

	fixed = diffCount(stopPreds, preds)

	exit.Preds = preds

	return fixed
}

func diffCount(was, now []int) (n int) {
	cnt := map[int]int{}

	for _, x := range was {
		cnt[x]++
	}

	for _, x := range now {
		cnt[x]--
	}

	for _, c := range cnt {
		if c < 0 {
			c = -c
		}

		n += c
	}

	return n
}

func (e Edit) TlogAppend(b []byte) []byte {
	var en tlwire.Encoder

	b = en.AppendMap(b, 4)
	b = en.AppendString(b, "kind")
	b = en.AppendString(b, e.Kind.String())

	switch e.Kind {
	case CloneBlock:
		b = en.AppendKeyInt(b, "src", e.Src)
		b = en.AppendKeyInt(b, "dst", e.Dst)
		b = en.AppendKeyInt(b, "new_dest", ir.None)
	case InsertInsn:
		b = en.AppendKeyInt(b, "dst", e.Dst)
		b = en.AppendKeyString(b, "insn", e.Insn.String())
		b = en.AppendKeyInt(b, "new_dest", ir.None)
	default:
		b = en.AppendKeyInt(b, "from", e.Edge.From)
		b = en.AppendKeyInt(b, "to", e.Edge.To)
		b = en.AppendKeyInt(b, "new_dest", e.NewDest)
	}

	return b
}
