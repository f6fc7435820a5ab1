package ir

import (
	"tlog.app/go/errors"
)

func NewFunc(name string) *Func {
	return &Func{
		Name:  name,
		Entry: None,
		Exit:  None,
	}
}

func (f *Func) NewBlock(role Role) *Block {
	b := &Block{
		ID:   len(f.Blocks),
		Role: role,
	}

	f.Blocks = append(f.Blocks, b)

	switch role {
	case RoleEntry:
		f.Entry = b.ID
	case RoleExit:
		f.Exit = b.ID
	}

	return b
}

// Block returns nil for out of range ids.
func (f *Func) Block(id int) *Block {
	if id < 0 || id >= len(f.Blocks) {
		return nil
	}

	return f.Blocks[id]
}

func (f *Func) Len() int { return len(f.Blocks) }

// Link rebuilds Succs from block terminators and Preds from Succs.
func (f *Func) Link() {
	for _, b := range f.Blocks {
		b.Preds = b.Preds[:0]
		b.Succs = b.Succs[:0]
	}

	for _, b := range f.Blocks {
		t := b.Tail()
		if t == nil {
			continue
		}

		b.Succs = append(b.Succs, t.Targets(f.Exit)...)
	}

	for _, b := range f.Blocks {
		for _, s := range b.Succs {
			if sb := f.Block(s); sb != nil {
				sb.Preds = append(sb.Preds, b.ID)
			}
		}
	}
}

// RetargetEdge moves the first edge from -> to onto from -> nto.
func (f *Func) RetargetEdge(from, to, nto int) error {
	b, tb, nb := f.Block(from), f.Block(to), f.Block(nto)
	if b == nil || tb == nil || nb == nil {
		return errors.New("bad edge %d -> %d => %d", from, to, nto)
	}

	t := b.Tail()
	if t == nil || !t.Retarget(to, nto) {
		return errors.New("no edge %d -> %d", from, to)
	}

	b.Succs = t.Targets(f.Exit)
	tb.Preds = removeOne(tb.Preds, from)
	nb.Preds = append(nb.Preds, from)

	return nil
}

// RemoveEdge drops the terminator producing edge from -> to.
// Only an unconditional transfer or a conditional with both arms equal to to can be removed.
func (f *Func) RemoveEdge(from, to int) error {
	b, tb := f.Block(from), f.Block(to)
	if b == nil || tb == nil {
		return errors.New("bad edge %d -> %d", from, to)
	}

	t := b.Tail()

	switch {
	case t == nil:
		return errors.New("block %d: no terminator", from)
	case t.Op == OpGoto && t.Then == to:
	case t.Op == OpIf && t.Then == to && t.Else == to:
	default:
		return errors.New("block %d: can't remove edge to %d from %v", from, to, t.Op)
	}

	for range b.Succs {
		tb.Preds = removeOne(tb.Preds, from)
	}

	b.Code = b.Code[:len(b.Code)-1]
	b.Succs = b.Succs[:0]

	return nil
}

// InsertBeforeTail inserts x right before the terminator of block id.
func (f *Func) InsertBeforeTail(id int, x Insn) error {
	b := f.Block(id)
	if b == nil {
		return errors.New("no block %d", id)
	}

	if x.Op.IsTerminator() {
		return errors.New("block %d: insert %v", id, x.Op)
	}

	t := b.Tail()
	if t == nil || !t.Op.IsTerminator() {
		return errors.New("block %d: no terminator", id)
	}

	i := len(b.Code) - 1

	b.Code = append(b.Code, Insn{})
	copy(b.Code[i+1:], b.Code[i:])
	b.Code[i] = x

	return nil
}

// CloneBlock creates a new block with a copy of src code and the same successors.
func (f *Func) CloneBlock(src int) (*Block, error) {
	sb := f.Block(src)
	if sb == nil {
		return nil, errors.New("no block %d", src)
	}

	if sb.Role != RoleNormal {
		return nil, errors.New("block %d: can't clone %v block", src, sb.Role)
	}

	b := f.NewBlock(RoleNormal)

	b.Code = append([]Insn{}, sb.Code...)
	b.Succs = append([]int{}, sb.Succs...)

	for _, s := range b.Succs {
		f.Blocks[s].Preds = append(f.Blocks[s].Preds, b.ID)
	}

	return b, nil
}

// AppendBlock appends src code to dst, which must have no terminator.
// dst takes over src successors.
func (f *Func) AppendBlock(src, dst int) error {
	sb, db := f.Block(src), f.Block(dst)
	if sb == nil || db == nil {
		return errors.New("bad append %d -> %d", src, dst)
	}

	if t := db.Tail(); t != nil && t.Op.IsTerminator() {
		return errors.New("block %d: already terminated", dst)
	}

	if len(db.Succs) != 0 {
		return errors.New("block %d: has successors", dst)
	}

	db.Code = append(db.Code, sb.Code...)
	db.Succs = append(db.Succs[:0], sb.Succs...)

	for _, s := range db.Succs {
		f.Blocks[s].Preds = append(f.Blocks[s].Preds, dst)
	}

	return nil
}

// Clone makes a deep copy of the function.
func (f *Func) Clone() *Func {
	c := &Func{
		Name:   f.Name,
		Entry:  f.Entry,
		Exit:   f.Exit,
		Blocks: make([]*Block, len(f.Blocks)),
	}

	for i, b := range f.Blocks {
		c.Blocks[i] = &Block{
			ID:    b.ID,
			Role:  b.Role,
			Code:  append([]Insn{}, b.Code...),
			Preds: append([]int{}, b.Preds...),
			Succs: append([]int{}, b.Succs...),
		}
	}

	return c
}

// Verify checks terminators and that predecessor and successor lists agree.
func (f *Func) Verify() error {
	if f.Block(f.Entry) == nil || f.Blocks[f.Entry].Role != RoleEntry {
		return errors.New("bad entry block: %d", f.Entry)
	}

	if f.Block(f.Exit) == nil || f.Blocks[f.Exit].Role != RoleExit {
		return errors.New("bad exit block: %d", f.Exit)
	}

	for i, b := range f.Blocks {
		if b.ID != i {
			return errors.New("block %d: id %d", i, b.ID)
		}

		if i != f.Entry && b.Role == RoleEntry || i != f.Exit && b.Role == RoleExit {
			return errors.New("block %d: unexpected role %v", i, b.Role)
		}

		for j, x := range b.Code {
			if x.Op.IsTerminator() && j != len(b.Code)-1 {
				return errors.New("block %d: %v in the middle", i, x.Op)
			}
		}

		if b.Role == RoleExit {
			if len(b.Code) != 0 || len(b.Succs) != 0 {
				return errors.New("exit block %d: has code or successors", i)
			}

			continue
		}

		t := b.Tail()
		if t == nil || !t.Op.IsTerminator() {
			return errors.New("block %d: no terminator", i)
		}

		targets := t.Targets(f.Exit)
		if !equalInts(targets, b.Succs) {
			return errors.New("block %d: succs %v, terminator targets %v", i, b.Succs, targets)
		}

		for _, s := range b.Succs {
			sb := f.Block(s)
			if sb == nil {
				return errors.New("block %d: bad successor %d", i, s)
			}

			if count(b.Succs, s) != count(sb.Preds, i) {
				return errors.New("block %d: edge to %d not mirrored in preds %v", i, s, sb.Preds)
			}
		}

		for _, p := range b.Preds {
			pb := f.Block(p)
			if pb == nil || !pb.HasSucc(i) {
				return errors.New("block %d: stale pred %d", i, p)
			}
		}
	}

	for _, p := range f.Blocks[f.Exit].Preds {
		pb := f.Block(p)
		if pb == nil || !pb.HasSucc(f.Exit) {
			return errors.New("exit block: stale pred %d", p)
		}
	}

	return nil
}

func removeOne(s []int, x int) []int {
	i := indexOf(s, x)
	if i < 0 {
		return s
	}

	return append(s[:i], s[i+1:]...)
}

func count(s []int, x int) (n int) {
	for _, y := range s {
		if y == x {
			n++
		}
	}

	return n
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
