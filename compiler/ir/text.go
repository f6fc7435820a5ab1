package ir

import (
	"github.com/nikandfor/hacked/hfmt"
)

func (x Insn) String() string {
	return string(x.AppendText(nil))
}

// AppendText appends the instruction in the form format.Parse accepts.
func (x Insn) AppendText(b []byte) []byte {
	switch {
	case x.Op == OpNop:
		return append(b, "nop"...)
	case x.Op == OpMov:
		return hfmt.Appendf(b, "%v = %v", x.Dst, x.L)
	case x.Op.IsBinary():
		return hfmt.Appendf(b, "%v = %v %v, %v", x.Dst, x.Op, x.L, x.R)
	case x.Op == OpUse:
		b = hfmt.Appendf(b, "use %v", x.L)

		if !x.R.IsZero() {
			b = hfmt.Appendf(b, ", %v", x.R)
		}

		return b
	case x.Op == OpGoto:
		return hfmt.Appendf(b, "goto b%d", x.Then)
	case x.Op == OpIf:
		return hfmt.Appendf(b, "if %v %v, %v goto b%d else b%d", x.Cond, x.L, x.R, x.Then, x.Else)
	case x.Op == OpRet:
		if x.L.IsZero() {
			return append(b, "ret"...)
		}

		return hfmt.Appendf(b, "ret %v", x.L)
	}

	return hfmt.Appendf(b, "%v %v, %v, %v", x.Op, x.Dst, x.L, x.R)
}
