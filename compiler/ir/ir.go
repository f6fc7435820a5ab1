package ir

import (
	"strconv"

	"tlog.app/go/tlog/tlwire"
)

type (
	Loc  string
	Imm  int64
	Cond string
	Op   uint8
	Role uint8

	Package struct {
		Path string

		Funcs []*Func
	}

	// Func is a block graph. Blocks are addressed by their index in Blocks
	// and the index never changes for the life of the Func.
	Func struct {
		Name string

		Entry int
		Exit  int

		Blocks []*Block
	}

	Block struct {
		ID   int
		Role Role

		Code []Insn

		Preds []int
		Succs []int
	}

	Operand struct {
		Loc Loc
		Imm Imm

		IsImm bool
	}

	// Insn is a single instruction.
	//
	//	mov:       Dst = L
	//	add..or:   Dst = L op R
	//	use:       side effect reading L and R
	//	goto:      Then
	//	if:        L Cond R ? Then : Else
	//	ret:       returns L, succ is Func.Exit
	Insn struct {
		Op   Op
		Dst  Loc
		L, R Operand
		Cond Cond

		Then int
		Else int
	}
)

const (
	OpNop Op = iota
	OpMov
	OpAdd
	OpSub
	OpMul
	OpXor
	OpAnd
	OpOr
	OpUse
	OpGoto
	OpIf
	OpRet
)

const (
	RoleNormal Role = iota
	RoleEntry
	RoleExit
)

const (
	Eq Cond = "eq"
	Ne Cond = "ne"
	Lt Cond = "lt"
	Le Cond = "le"
	Gt Cond = "gt"
	Ge Cond = "ge"
)

const None = -1

var opNames = [...]string{
	OpNop:  "nop",
	OpMov:  "mov",
	OpAdd:  "add",
	OpSub:  "sub",
	OpMul:  "mul",
	OpXor:  "xor",
	OpAnd:  "and",
	OpOr:   "or",
	OpUse:  "use",
	OpGoto: "goto",
	OpIf:   "if",
	OpRet:  "ret",
}

func LocOp(l Loc) Operand { return Operand{Loc: l} }
func ImmOp(x int64) Operand { return Operand{Imm: Imm(x), IsImm: true} }

func Mov(dst Loc, src Operand) Insn { return Insn{Op: OpMov, Dst: dst, L: src} }
func Goto(t int) Insn            { return Insn{Op: OpGoto, Then: t, Else: None} }
func Ret(x Operand) Insn         { return Insn{Op: OpRet, L: x, Then: None, Else: None} }

func If(c Cond, l, r Operand, then, els int) Insn {
	return Insn{Op: OpIf, Cond: c, L: l, R: r, Then: then, Else: els}
}

func Bin(op Op, dst Loc, l, r Operand) Insn { return Insn{Op: op, Dst: dst, L: l, R: r} }

func Use(l, r Operand) Insn { return Insn{Op: OpUse, L: l, R: r} }

func ParseOp(s string) (Op, bool) {
	for op, n := range opNames {
		if n == s {
			return Op(op), true
		}
	}

	return 0, false
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}

	return "op" + strconv.Itoa(int(op))
}

func (op Op) Valid() bool {
	return int(op) < len(opNames)
}

func (op Op) IsBinary() bool {
	return op >= OpAdd && op <= OpOr
}

func (op Op) IsTerminator() bool {
	return op == OpGoto || op == OpIf || op == OpRet
}

func (r Role) String() string {
	switch r {
	case RoleEntry:
		return "entry"
	case RoleExit:
		return "exit"
	default:
		return "normal"
	}
}

func (c Cond) Valid() bool {
	switch c {
	case Eq, Ne, Lt, Le, Gt, Ge:
		return true
	}

	return false
}

// Negate returns the condition taking the opposite branch.
func (c Cond) Negate() Cond {
	switch c {
	case Eq:
		return Ne
	case Ne:
		return Eq
	case Lt:
		return Ge
	case Le:
		return Gt
	case Gt:
		return Le
	case Ge:
		return Lt
	}

	return c
}

func (c Cond) Eval(l, r int64) bool {
	switch c {
	case Eq:
		return l == r
	case Ne:
		return l != r
	case Lt:
		return l < r
	case Le:
		return l <= r
	case Gt:
		return l > r
	case Ge:
		return l >= r
	}

	return false
}

func (o Operand) IsLoc() bool { return !o.IsImm && o.Loc != "" }
func (o Operand) IsZero() bool { return !o.IsImm && o.Loc == "" }

func (o Operand) Reads(l Loc) bool { return o.IsLoc() && o.Loc == l }

func (o Operand) String() string {
	switch {
	case o.IsImm:
		return "#" + strconv.FormatInt(int64(o.Imm), 10)
	case o.Loc != "":
		return string(o.Loc)
	default:
		return "_"
	}
}

// Writes reports the location the instruction assigns, if any.
func (x Insn) Writes() (Loc, bool) {
	if x.Dst == "" {
		return "", false
	}

	return x.Dst, x.Op == OpMov || x.Op.IsBinary()
}

func (x Insn) Reads(l Loc) bool {
	switch x.Op {
	case OpNop, OpGoto:
		return false
	case OpMov, OpRet:
		return x.L.Reads(l)
	}

	return x.L.Reads(l) || x.R.Reads(l)
}

// Targets returns successor block ids in the order they appear in Block.Succs.
func (x Insn) Targets(exit int) []int {
	switch x.Op {
	case OpGoto:
		return []int{x.Then}
	case OpIf:
		return []int{x.Then, x.Else}
	case OpRet:
		return []int{exit}
	}

	return nil
}

// Retarget replaces the first target equal to from.
func (x *Insn) Retarget(from, to int) bool {
	switch x.Op {
	case OpGoto:
		if x.Then == from {
			x.Then = to
			return true
		}
	case OpIf:
		if x.Then == from {
			x.Then = to
			return true
		}

		if x.Else == from {
			x.Else = to
			return true
		}
	}

	return false
}

func (b *Block) Tail() *Insn {
	if len(b.Code) == 0 {
		return nil
	}

	return &b.Code[len(b.Code)-1]
}

func (b *Block) TailOp() Op {
	if t := b.Tail(); t != nil {
		return t.Op
	}

	return OpNop
}

func (b *Block) NPred() int { return len(b.Preds) }
func (b *Block) NSucc() int { return len(b.Succs) }

func (b *Block) Pred(i int) int { return b.Preds[i] }
func (b *Block) Succ(i int) int { return b.Succs[i] }

func (b *Block) HasPred(id int) bool { return indexOf(b.Preds, id) >= 0 }
func (b *Block) HasSucc(id int) bool { return indexOf(b.Succs, id) >= 0 }

func (o Operand) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	return e.AppendString(b, o.String())
}

func (x Insn) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendString(b, x.String())
}

func (b *Block) TlogAppend(buf []byte) []byte {
	var e tlwire.Encoder

	buf = e.AppendMap(buf, 4)
	buf = e.AppendKeyInt(buf, "id", b.ID)
	buf = e.AppendString(buf, "role")
	buf = e.AppendString(buf, b.Role.String())
	buf = e.AppendKeyInt(buf, "code", len(b.Code))

	buf = e.AppendString(buf, "succs")
	buf = e.AppendTag(buf, tlwire.Array, len(b.Succs))
	for _, s := range b.Succs {
		buf = e.AppendInt(buf, s)
	}

	return buf
}

func indexOf(s []int, x int) int {
	for i, y := range s {
		if y == x {
			return i
		}
	}

	return -1
}
